// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExpandHome(t *testing.T) {
	usr, err := user.Current()
	require.NoError(t, err)
	got, err := ExpandHome("~/nbgs")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(usr.HomeDir, "nbgs"), got)
	got, err = ExpandHome("~")
	require.NoError(t, err)
	require.Equal(t, filepath.Clean(usr.HomeDir), got)
	got, err = ExpandHome("/tmp/x")
	require.NoError(t, err)
	require.Equal(t, "/tmp/x", got)
	_, err = ExpandHome("~no-such-user-for-timvx/x")
	require.Error(t, err)
}

func TestResolveDir(t *testing.T) {
	dir := t.TempDir()
	got, err := ResolveDir(dir)
	require.NoError(t, err)
	require.Equal(t, dir, got)

	file := filepath.Join(dir, "blob.nbg")
	require.NoError(t, os.WriteFile(file, []byte{1}, 0o644))
	_, err = ResolveDir(file)
	require.Error(t, err)
	_, err = ResolveDir(filepath.Join(dir, "missing"))
	require.Error(t, err)
}
