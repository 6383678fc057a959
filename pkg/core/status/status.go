// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package status defines the error type returned by the graph and platform packages.
//
// Every failure carries a Kind (what class of failure it is) and the id of the offending handle
// (tensor, operation, executable, device...), when there is one. The underlying cause, including
// any driver status code, is kept in the error chain and can be recovered with errors.As.
package status

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies failures.
type Kind int

const (
	// Unknown is the kind of errors not created by this package.
	Unknown Kind = iota

	// ResourceCreation means a driver context, graph, tensor or node could not be allocated.
	ResourceCreation

	// Ordering means a Submit referenced an executable not present in the task list.
	Ordering

	// Compile covers shape mismatches, unsupported configurations and NBG serialization failures.
	Compile

	// Dispatch means the device rejected or failed a submitted graph.
	Dispatch

	// Access means the host tried to read or write a tensor in a direction it is not allowed to.
	Access

	// InvalidArgument is returned for malformed arguments, e.g. a buffer too small.
	InvalidArgument

	// Unsupported is returned by operations a given implementation does not provide.
	Unsupported
)

var kindNames = map[Kind]string{
	Unknown:          "Unknown",
	ResourceCreation: "ResourceCreation",
	Ordering:         "Ordering",
	Compile:          "Compile",
	Dispatch:         "Dispatch",
	Access:           "Access",
	InvalidArgument:  "InvalidArgument",
	Unsupported:      "Unsupported",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if name, found := kindNames[k]; found {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// NoHandle is used as Error.Handle when no particular handle is at fault.
const NoHandle = -1

// Error is a failure of a given Kind, optionally associated with a handle id.
type Error struct {
	Kind   Kind
	Handle int
	cause  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Handle == NoHandle {
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	}
	return fmt.Sprintf("%s (handle #%d): %v", e.Kind, e.Handle, e.cause)
}

// Unwrap returns the cause, so errors.Is and errors.As see through Error.
func (e *Error) Unwrap() error { return e.cause }

// Cause returns the underlying error, compatible with github.com/pkg/errors.Cause.
func (e *Error) Cause() error { return e.cause }

// Format implements fmt.Formatter: "%+v" prints the stack trace of the cause.
func (e *Error) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		if e.Handle == NoHandle {
			_, _ = fmt.Fprintf(s, "%s: %+v", e.Kind, e.cause)
		} else {
			_, _ = fmt.Fprintf(s, "%s (handle #%d): %+v", e.Kind, e.Handle, e.cause)
		}
		return
	}
	_, _ = fmt.Fprint(s, e.Error())
}

// Errorf creates a new error of the given kind, with a stack trace.
func Errorf(kind Kind, handle int, format string, args ...any) error {
	return &Error{Kind: kind, Handle: handle, cause: errors.Errorf(format, args...)}
}

// Wrapf wraps err with a message and classifies it with kind. It returns nil if err is nil.
func Wrapf(err error, kind Kind, handle int, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Handle: handle, cause: errors.Wrapf(err, format, args...)}
}

// KindOf returns the Kind of the outermost *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// HandleOf returns the handle of the outermost *Error in err's chain, or NoHandle.
func HandleOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Handle
	}
	return NoHandle
}

// Is returns whether err is of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
