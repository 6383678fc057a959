// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/timvx/pkg/core/dtypes"
	"github.com/gomlx/timvx/pkg/core/tensors"
	"github.com/gomlx/timvx/pkg/lite"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newRunCmd() *cobra.Command {
	var (
		inputs       []string
		outputPrefix string
		repeat       int
	)
	runCmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Run an NBG file on the first device",
		Long: "Run an NBG file on the first device. Each --input is a raw file with the contents of " +
			"one input tensor, in order. Inputs not given are zero.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNBG(cmd, args[0], inputs, outputPrefix, repeat)
		},
	}
	runCmd.Flags().StringArrayVar(&inputs, "input", nil, "Raw input tensor file, repeat once per input.")
	runCmd.Flags().StringVar(&outputPrefix, "output", "", "If set, outputs are written to <output>_<n>.bin.")
	runCmd.Flags().IntVar(&repeat, "repeat", 1, "Number of times to trigger the NBG.")
	return runCmd
}

func runNBG(cmd *cobra.Command, path string, inputs []string, outputPrefix string, repeat int) error {
	if repeat < 1 {
		return errors.Errorf("--repeat must be at least 1, got %d", repeat)
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return errors.WithStack(err)
	}
	exec, err := lite.Create(blob)
	if err != nil {
		return errors.WithMessagef(err, "failed to create execution for %q", path)
	}
	defer exec.Close()
	info := exec.Info()
	if len(inputs) > info.NumInputs() {
		return errors.Errorf("%d --input given, but %q has %d inputs", len(inputs), path, info.NumInputs())
	}

	inHandles := make([]*lite.Handle, info.NumInputs())
	for ii, spec := range info.Inputs {
		buf := lite.AlignedBuffer(spec.ByteSize())
		if ii < len(inputs) {
			data, err := os.ReadFile(inputs[ii])
			if err != nil {
				return errors.WithStack(err)
			}
			if len(data) != len(buf) {
				return errors.Errorf("input #%d %q has %d bytes, but %s takes %d bytes", ii, inputs[ii], len(data), spec, len(buf))
			}
			copy(buf, data)
		}
		if inHandles[ii], err = lite.NewUserHandle(buf); err != nil {
			return err
		}
	}
	outHandles := make([]*lite.Handle, info.NumOutputs())
	for ii, spec := range info.Outputs {
		if outHandles[ii], err = lite.NewUserHandle(lite.AlignedBuffer(spec.ByteSize())); err != nil {
			return err
		}
	}
	exec.BindInputs(inHandles...).BindOutputs(outHandles...)

	var bar *progressbar.ProgressBar
	if repeat > 1 {
		bar = progressbar.NewOptions(repeat,
			progressbar.OptionSetDescription("triggering"),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionClearOnFinish())
	}
	start := time.Now()
	for range repeat {
		if err := exec.Trigger(cmd.Context()); err != nil {
			return err
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	elapsed := time.Since(start)
	klog.V(1).Infof("%d trigger(s) of %q in %s", repeat, path, elapsed)
	fmt.Printf("%s triggered %s time(s), %s per trigger\n",
		path, humanize.Comma(int64(repeat)), elapsed/time.Duration(repeat))

	for ii, h := range outHandles {
		spec := info.Outputs[ii]
		fmt.Printf("output #%d %s: %s\n", ii, spec, preview(spec, h.Bytes()))
		if outputPrefix != "" {
			name := fmt.Sprintf("%s_%d.bin", outputPrefix, ii)
			if err := os.WriteFile(name, h.Bytes(), 0o644); err != nil {
				return errors.WithStack(err)
			}
		}
	}
	return nil
}

const maxPreview = 8

// preview formats the first values of a tensor.
func preview(spec tensors.Spec, data []byte) string {
	var values []string
	switch spec.DType() {
	case dtypes.Float32:
		for _, v := range tensors.Flat[float32](data) {
			values = append(values, fmt.Sprintf("%g", v))
		}
	case dtypes.Int32:
		for _, v := range tensors.Flat[int32](data) {
			values = append(values, fmt.Sprintf("%d", v))
		}
	default:
		return humanize.Bytes(uint64(len(data)))
	}
	if len(values) > maxPreview {
		values = append(values[:maxPreview], "...")
	}
	return "[" + strings.Join(values, " ") + "]"
}
