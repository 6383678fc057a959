// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package driver

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	Driver
	config string
}

func (f *fakeDriver) Name() string { return "fake" }

func TestRegistry(t *testing.T) {
	Register("fake", func(config string) (Driver, error) {
		if config == "fail" {
			return nil, Errorf(NoMemory, "vxCreateContext", "out of memory")
		}
		return &fakeDriver{config: config}, nil
	})
	require.Contains(t, List(), "fake")

	drv, err := NewWithConfig("fake:devices=2")
	require.NoError(t, err)
	require.Equal(t, "devices=2", drv.(*fakeDriver).config)

	drv, err = NewWithConfig("fake")
	require.NoError(t, err)
	require.Equal(t, "", drv.(*fakeDriver).config)

	_, err = NewWithConfig("fake:fail")
	require.Error(t, err)
	require.Equal(t, NoMemory, StatusOf(err))

	_, err = NewWithConfig("unknown:")
	require.ErrorContains(t, err, "can't find driver")

	t.Setenv(TIMVX_DRIVER, "fake:x=1")
	drv = MustNew()
	require.Equal(t, "x=1", drv.(*fakeDriver).config)
}

func TestParseOptions(t *testing.T) {
	require.Equal(t, map[string]string{"devices": "2", "workers": "0", "trace": ""},
		ParseOptions(" devices=2, workers=0,trace,,"))
	require.Empty(t, ParseOptions(""))
}

func TestStatus(t *testing.T) {
	err := Errorf(InvalidGraph, "vxVerifyGraph", "tensor #%d has no producer", 3)
	require.Equal(t, "driver call vxVerifyGraph failed with status InvalidGraph: tensor #3 has no producer", err.Error())
	require.Equal(t, InvalidGraph, StatusOf(errors.WithMessage(err, "compiling")))
	require.Equal(t, Success, StatusOf(nil))
	require.Equal(t, Failure, StatusOf(errors.New("other")))
	require.Equal(t, "Status(42)", Status(42).String())
	require.Equal(t, "NBG", OpTypeNBG.String())
	require.True(t, OpTypeMaximum.IsBinary())
	require.True(t, OpTypeSquare.IsUnary())
	require.False(t, OpTypeReshape.IsUnary())
	require.Equal(t, "RelaxMode", AttrRelaxMode.String())
}
