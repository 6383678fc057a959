// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"bytes"
	"crypto/sha256"

	"github.com/gomlx/timvx/pkg/core/tensors"
)

// constantCacheHashedBytes is the number of leading bytes of a constant hashed into its cache key.
const constantCacheHashedBytes = 512

type constantKey struct {
	hash [sha256.Size]byte
	size int
}

type constantEntry struct {
	tensor *Tensor
	data   []byte
}

// constantCache deduplicates CONSTANT tensors of a Graph by content.
// Entries with the same key are checked for exact spec and content equality.
type constantCache map[constantKey][]constantEntry

func makeConstantKey(data []byte) constantKey {
	hashed := data
	if len(hashed) > constantCacheHashedBytes {
		hashed = hashed[:constantCacheHashedBytes]
	}
	return constantKey{hash: sha256.Sum256(hashed), size: len(data)}
}

func (c constantCache) lookup(spec tensors.Spec, data []byte) *Tensor {
	for _, entry := range c[makeConstantKey(data)] {
		if entry.tensor.spec.Equal(spec) && bytes.Equal(entry.data, data) {
			return entry.tensor
		}
	}
	return nil
}

func (c constantCache) insert(t *Tensor, data []byte) {
	key := makeConstantKey(data)
	c[key] = append(c[key], constantEntry{tensor: t, data: bytes.Clone(data)})
}
