// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package server

import (
	"fmt"

	"github.com/gomlx/timvx/pkg/core/dtypes"
	"github.com/gomlx/timvx/pkg/core/shapes"
	"github.com/gomlx/timvx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// DeviceCount is the response of the enumerate route.
type DeviceCount struct {
	Count int `json:"count"`
}

// CreateExecutorRequest creates an executor for a device. With Lite, the executor dispatches all
// its tasks as one batch (see package platform/lite).
type CreateExecutorRequest struct {
	Device int  `json:"device"`
	Lite   bool `json:"lite,omitempty"`
}

// ExecutorResponse identifies an executor. Executors are identified by their device id.
type ExecutorResponse struct {
	Executor int `json:"executor"`
}

// CreateExecutableRequest loads an NBG blob (base64 encoded in JSON) into an executor.
// InputSize and OutputSize are ignored by lite executors, which read them from the blob.
type CreateExecutableRequest struct {
	Executor   int    `json:"executor"`
	NBG        []byte `json:"nbg"`
	InputSize  int    `json:"input_size"`
	OutputSize int    `json:"output_size"`
}

// ExecutableResponse identifies an executable.
type ExecutableResponse struct {
	Executable string `json:"executable"`
}

// Quantization is the JSON form of tensors.Quantization.
type Quantization struct {
	Type       string    `json:"type"`
	ChannelDim int32     `json:"channel_dim,omitempty"`
	Scales     []float32 `json:"scales,omitempty"`
	ZeroPoints []int32   `json:"zero_points,omitempty"`
}

// TensorSpec is the JSON form of tensors.Spec. Attr is either "INPUT" or "OUTPUT".
type TensorSpec struct {
	DType string        `json:"dtype"`
	Shape []int         `json:"shape"`
	Attr  string        `json:"attr"`
	Quant *Quantization `json:"quant,omitempty"`
}

// AllocateTensorRequest allocates a tensor for an executable.
type AllocateTensorRequest struct {
	Executable string     `json:"executable"`
	Spec       TensorSpec `json:"spec"`
}

// TensorResponse identifies a tensor.
type TensorResponse struct {
	Tensor string `json:"tensor"`
}

// IORequest binds a tensor as input or output of an executable.
type IORequest struct {
	Tensor string `json:"tensor"`
}

// StatusResponse is returned by routes with no other result.
type StatusResponse struct {
	Status bool `json:"status"`
}

// TensorData carries tensor contents, base64 encoded in JSON.
type TensorData struct {
	Data []byte `json:"data"`
}

// ErrorResponse is returned with every non-2xx status code.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

var quantTypeNames = map[tensors.QuantType]string{
	tensors.QuantNone:                "NONE",
	tensors.QuantAsymmetric:          "ASYMMETRIC",
	tensors.QuantSymmetricPerChannel: "SYMMETRIC_PER_CHANNEL",
}

// FromSpec converts a tensors.Spec to its JSON form.
func FromSpec(spec tensors.Spec) (TensorSpec, error) {
	var attr string
	switch spec.Attr {
	case tensors.Input:
		attr = "INPUT"
	case tensors.Output:
		attr = "OUTPUT"
	default:
		return TensorSpec{}, errors.Errorf("only INPUT or OUTPUT tensors can be allocated remotely, got %s", spec.Attr)
	}
	ts := TensorSpec{DType: spec.DType().String(), Shape: spec.Shape.Dimensions, Attr: attr}
	if spec.Quant.Type != tensors.QuantNone {
		ts.Quant = &Quantization{
			Type:       quantTypeNames[spec.Quant.Type],
			ChannelDim: spec.Quant.ChannelDim,
			Scales:     spec.Quant.Scales,
			ZeroPoints: spec.Quant.ZeroPoints,
		}
	}
	return ts, nil
}

// ToSpec converts the JSON form back to a tensors.Spec.
func (ts TensorSpec) ToSpec() (tensors.Spec, error) {
	dtype, err := dtypes.FromName(ts.DType)
	if err != nil {
		return tensors.Spec{}, err
	}
	var spec tensors.Spec
	switch ts.Attr {
	case "INPUT":
		spec.Attr = tensors.Input
	case "OUTPUT":
		spec.Attr = tensors.Output
	default:
		return tensors.Spec{}, errors.Errorf("invalid tensor attr %q, it must be INPUT or OUTPUT", ts.Attr)
	}
	for _, dim := range ts.Shape {
		if dim < 0 {
			return tensors.Spec{}, errors.Errorf("invalid negative dimension in shape %v", ts.Shape)
		}
	}
	spec.Shape = shapes.Make(dtype, ts.Shape...)
	if ts.Quant != nil {
		found := false
		for quantType, name := range quantTypeNames {
			if name == ts.Quant.Type {
				spec.Quant.Type = quantType
				found = true
				break
			}
		}
		if !found {
			return tensors.Spec{}, errors.Errorf("invalid quant type %q", ts.Quant.Type)
		}
		spec.Quant.ChannelDim = ts.Quant.ChannelDim
		spec.Quant.Scales = ts.Quant.Scales
		spec.Quant.ZeroPoints = ts.Quant.ZeroPoints
	}
	return spec, nil
}

// StatusError is returned by the Client for non-2xx responses.
type StatusError struct {
	StatusCode int
	Kind       string
	Message    string
}

// Error implements error.
func (e StatusError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("platform server returned %d (%s): %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("platform server returned %d: %s", e.StatusCode, e.Message)
}
