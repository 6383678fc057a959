// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/gomlx/timvx/pkg/platform/server"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var addr string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the platform API over HTTP, so remote hosts can run NBGs on these devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, done, err := newContext()
			if err != nil {
				return err
			}
			defer done()
			return server.New(ctx).ListenAndServe(addr)
		},
	}
	serveCmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8642", "Address to listen on.")
	return serveCmd
}
