// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sets

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSet(t *testing.T) {
	s := Make[int](4)
	require.Len(t, s, 0)
	require.True(t, s.Add(3))
	require.False(t, s.Add(3))
	s.Insert(7, 3)
	require.Len(t, s, 2)
	require.True(t, s.Has(7))
	require.False(t, s.Has(5))

	s2 := MakeWith("a", "b", "a")
	require.Len(t, s2, 2)
	require.True(t, s2.Has("b"))
}

func TestOrdered(t *testing.T) {
	var o Ordered[int]
	require.Equal(t, 0, o.Len())
	require.False(t, o.Has(3))
	require.Equal(t, 3, o.Insert(3, 1, 3, 2))
	require.Equal(t, 0, o.Insert(1))
	require.Equal(t, []int{3, 1, 2}, o.Items())
	require.Equal(t, 1, o.Index(1))
	require.Equal(t, -1, o.Index(7))

	var seen []int
	for _, v := range o.All() {
		seen = append(seen, v)
		if v == 1 {
			break
		}
	}
	require.Equal(t, []int{3, 1}, seen)

	o2 := MakeOrdered("b", "a", "b")
	require.Equal(t, []string{"b", "a"}, o2.Items())
}
