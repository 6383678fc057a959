// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/timvx/internal/nbg"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newNBGCmd() *cobra.Command {
	nbgCmd := &cobra.Command{
		Use:   "nbg",
		Short: "Inspect NBG (network binary graph) files",
	}
	nbgCmd.AddCommand(&cobra.Command{
		Use:   "info FILE",
		Short: "Print the header, IO tensors and sizes of an NBG file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			blob, err := os.ReadFile(args[0])
			if err != nil {
				return errors.WithStack(err)
			}
			info, err := nbg.Parse(blob)
			if err != nil {
				return errors.WithMessagef(err, "parsing %q", args[0])
			}
			printNBGInfo(args[0], info)
			return nil
		},
	})
	return nbgCmd
}

func printNBGInfo(path string, info *nbg.Info) {
	fmt.Println(titleStyle.Render("NBG " + path))
	summary := newPlainTable(false, lipgloss.Right, lipgloss.Left)
	summary.Row("version", strconv.Itoa(int(info.Version)))
	summary.Row("size", humanize.Bytes(uint64(info.Size)))
	summary.Row("# tensors", humanize.Comma(int64(info.NumTensors)))
	summary.Row("# nodes", humanize.Comma(int64(info.NumNodes)))
	summary.Row("constants", humanize.Bytes(uint64(info.ConstantBytes)))
	summary.Row("relax mode", strconv.FormatBool(info.Relax))
	summary.Row("device", strconv.Itoa(int(info.DeviceIndex)))
	fmt.Println(summary.Render())

	fmt.Println(titleStyle.Render("IO tensors"))
	io := newPlainTable(true, lipgloss.Left, lipgloss.Right, lipgloss.Left, lipgloss.Right)
	io.Headers("Kind", "#", "Spec", "Bytes")
	for ii, spec := range info.Inputs {
		io.Row("input", strconv.Itoa(ii), spec.String(), humanize.Bytes(uint64(spec.ByteSize())))
	}
	for ii, spec := range info.Outputs {
		io.Row("output", strconv.Itoa(ii), spec.String(), humanize.Bytes(uint64(spec.ByteSize())))
	}
	fmt.Println(io.Render())
}
