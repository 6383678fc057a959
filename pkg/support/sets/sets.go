// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sets holds the small set types used for graph bookkeeping: Set, backed by a map, and
// Ordered, a duplicate-free list that keeps insertion order (graph inputs and outputs).
package sets

// Set of comparable keys.
type Set[T comparable] map[T]struct{}

// Make returns an empty Set with room for capacity keys.
func Make[T comparable](capacity int) Set[T] {
	return make(Set[T], capacity)
}

// MakeWith returns a Set with the given keys.
func MakeWith[T comparable](keys ...T) Set[T] {
	s := Make[T](len(keys))
	s.Insert(keys...)
	return s
}

// Has reports whether key is in the set.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}

// Add inserts key and reports whether it was not yet in the set.
func (s Set[T]) Add(key T) bool {
	if s.Has(key) {
		return false
	}
	s[key] = struct{}{}
	return true
}

// Insert keys into the set.
func (s Set[T]) Insert(keys ...T) {
	for _, key := range keys {
		s[key] = struct{}{}
	}
}
