// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sets

import "slices"

// Ordered is a duplicate-free list that preserves insertion order.
//
// Inserting an element already present is a no-op: its position doesn't change.
// The zero value is ready to use.
type Ordered[T comparable] struct {
	items []T
	index map[T]int
}

// MakeOrdered returns an Ordered set with the given elements inserted in order.
func MakeOrdered[T comparable](elements ...T) *Ordered[T] {
	o := &Ordered[T]{}
	o.Insert(elements...)
	return o
}

// Insert appends keys not yet present, and returns how many were actually inserted.
func (o *Ordered[T]) Insert(keys ...T) int {
	if o.index == nil {
		o.index = make(map[T]int)
	}
	count := 0
	for _, key := range keys {
		if _, found := o.index[key]; found {
			continue
		}
		o.index[key] = len(o.items)
		o.items = append(o.items, key)
		count++
	}
	return count
}

// Has returns whether key is in the set.
func (o *Ordered[T]) Has(key T) bool {
	_, found := o.index[key]
	return found
}

// Index returns the position of key, or -1 if not present.
func (o *Ordered[T]) Index(key T) int {
	if pos, found := o.index[key]; found {
		return pos
	}
	return -1
}

// Len returns the number of elements.
func (o *Ordered[T]) Len() int { return len(o.items) }

// Items returns a copy of the elements in insertion order.
func (o *Ordered[T]) Items() []T {
	return slices.Clone(o.items)
}

// All iterates over the elements in insertion order.
func (o *Ordered[T]) All() func(yield func(int, T) bool) {
	return func(yield func(int, T) bool) {
		for ii, item := range o.items {
			if !yield(ii, item) {
				return
			}
		}
	}
}
