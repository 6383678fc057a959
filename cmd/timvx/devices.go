// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/timvx/pkg/platform"
	"github.com/spf13/cobra"
)

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the NPU devices of the driver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, done, err := newContext()
			if err != nil {
				return err
			}
			defer done()
			devices, err := platform.Enumerate(ctx)
			if err != nil {
				return err
			}
			fmt.Println(titleStyle.Render(fmt.Sprintf("Driver %q", ctx.Driver().Name())))
			table := newPlainTable(true, lipgloss.Right, lipgloss.Left)
			table.Headers("Device", "Pending graphs")
			for _, dev := range devices {
				pending := "-"
				if native, ok := dev.(*platform.NativeDevice); ok {
					pending = strconv.Itoa(native.Pending())
				}
				table.Row(strconv.Itoa(int(dev.ID())), pending)
			}
			fmt.Println(table.Render())
			return nil
		},
	}
}
