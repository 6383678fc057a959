// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package driver

import (
	"fmt"

	"github.com/pkg/errors"
)

// Status is the code a driver call returns, modeled after vendor (OpenVX) status codes.
type Status int32

const (
	Success Status = iota
	Failure
	InvalidParameters
	NoMemory
	InvalidGraph
	InvalidNode
	NotSupported
	DeviceExited
	Timeout
)

var statusNames = [...]string{
	Success:           "Success",
	Failure:           "Failure",
	InvalidParameters: "InvalidParameters",
	NoMemory:          "NoMemory",
	InvalidGraph:      "InvalidGraph",
	InvalidNode:       "InvalidNode",
	NotSupported:      "NotSupported",
	DeviceExited:      "DeviceExited",
	Timeout:           "Timeout",
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int32(s))
	}
	return statusNames[s]
}

// Error is a failed driver call: the Status code and the name of the call that returned it.
type Error struct {
	Status Status
	Call   string
	Msg    string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("driver call %s failed with status %s", e.Call, e.Status)
	}
	return fmt.Sprintf("driver call %s failed with status %s: %s", e.Call, e.Status, e.Msg)
}

// Errorf returns a new *Error, with a stack trace attached.
func Errorf(status Status, call string, format string, args ...any) error {
	return errors.WithStack(&Error{Status: status, Call: call, Msg: fmt.Sprintf(format, args...)})
}

// StatusOf returns the Status carried by err: Success for nil, Failure if err carries no *Error.
func StatusOf(err error) Status {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return Failure
}
