// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lite

import (
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/timvx/pkg/core/status"
)

// Alignment in bytes required for user buffers: the NPU DMA engine reads and writes whole
// cache lines.
const Alignment = 64

// Handle wraps a user buffer used as input or output of an Execution. The buffer is shared with
// the device: it is not copied.
type Handle struct {
	buf []byte
}

func isAligned(buf []byte) bool {
	return uintptr(unsafe.Pointer(unsafe.SliceData(buf)))%Alignment == 0
}

// NewUserHandle wraps buf, which must be non-empty and start at a 64-byte aligned address.
// Use AlignedBuffer to allocate one.
func NewUserHandle(buf []byte) (*Handle, error) {
	if len(buf) == 0 {
		return nil, status.Errorf(status.InvalidArgument, status.NoHandle, "empty buffer given to NewUserHandle")
	}
	if !isAligned(buf) {
		return nil, status.Errorf(status.InvalidArgument, status.NoHandle,
			"buffer of %s at %p is not %d-byte aligned", humanize.Bytes(uint64(len(buf))), unsafe.SliceData(buf), Alignment)
	}
	return &Handle{buf: buf}, nil
}

// AlignedBuffer allocates a buffer of n bytes starting at a 64-byte aligned address.
func AlignedBuffer(n int) []byte {
	raw := make([]byte, n+Alignment-1)
	offset := int(uintptr(unsafe.Pointer(unsafe.SliceData(raw))) % Alignment)
	if offset != 0 {
		offset = Alignment - offset
	}
	return raw[offset : offset+n : offset+n]
}

// Bytes returns the wrapped buffer.
func (h *Handle) Bytes() []byte { return h.buf }

// Size returns the size in bytes of the wrapped buffer.
func (h *Handle) Size() int { return len(h.buf) }
