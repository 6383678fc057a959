// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// timvx is a command-line tool to inspect NPU devices and NBG files, run NBGs and serve the
// platform API over HTTP.
//
// The driver is selected with --driver (or the TIMVX_DRIVER environment variable), e.g.
// "simnpu:devices=2".
package main

import (
	"context"
	goflag "flag"
	"fmt"
	"os"

	"github.com/gomlx/timvx/driver"
	_ "github.com/gomlx/timvx/driver/simnpu"
	"github.com/gomlx/timvx/pkg/core/graph"
	"github.com/gomlx/timvx/pkg/support/fsutil"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var flagDriver, flagResourcePath string

func main() {
	klog.InitFlags(nil)
	if err := newCLI().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error:"), err)
		os.Exit(1)
	}
}

func newCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "timvx",
		Short:         "NPU graph tools: devices, NBG inspection, execution and platform server",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDriver != "" {
				driver.DefaultConfig = flagDriver
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&flagDriver, "driver", "",
		fmt.Sprintf("Driver configuration %q, the default is taken from $%s. Registered drivers: %q",
			"<name>:<key=value,...>", driver.TIMVX_DRIVER, driver.List()))
	rootCmd.PersistentFlags().StringVar(&flagResourcePath, "resource_path", "",
		"Directory with driver resources (e.g. NBG kernels), \"~\" is expanded.")
	rootCmd.PersistentFlags().AddGoFlagSet(goflag.CommandLine)

	rootCmd.AddCommand(
		newDevicesCmd(),
		newNBGCmd(),
		newRunCmd(),
		newDemoCmd(),
		newServeCmd(),
	)
	return rootCmd
}

// newContext creates the driver selected by --driver and a graph.Context for it.
// The returned function finalizes the driver.
func newContext() (*graph.Context, func(), error) {
	drv, err := driver.New()
	if err != nil {
		return nil, nil, err
	}
	var options []graph.ContextOption
	if flagResourcePath != "" {
		dir, err := fsutil.ResolveDir(flagResourcePath)
		if err != nil {
			drv.Finalize()
			return nil, nil, err
		}
		options = append(options, graph.WithResourcePath(dir))
	}
	ctx, err := graph.NewContext(drv, options...)
	if err != nil {
		drv.Finalize()
		return nil, nil, err
	}
	return ctx, drv.Finalize, nil
}
