// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil resolves user given paths, e.g. the driver resource directory passed on the command line.
package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ExpandHome replaces a leading "~" or "~user" by the corresponding home directory.
// Other paths are returned unchanged.
func ExpandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	name, rest, _ := strings.Cut(p[1:], "/")
	var (
		usr *user.User
		err error
	)
	if name == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(name)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to find home directory for %q", p)
	}
	return filepath.Join(usr.HomeDir, rest), nil
}

// ResolveDir expands p (see ExpandHome) and returns its absolute form. It fails if p is not an existing directory.
func ResolveDir(p string) (string, error) {
	expanded, err := ExpandHome(p)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", errors.Wrapf(err, "failed to resolve %q", p)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", errors.Wrapf(err, "resource directory %q", p)
	}
	if !info.IsDir() {
		return "", errors.Errorf("resource path %q is not a directory", p)
	}
	return abs, nil
}
