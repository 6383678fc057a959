// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/gomlx/timvx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Client talks to a platform Server. Handles returned by the server are opaque strings
// (executables and tensors) or device indices (executors).
type Client struct {
	base *url.URL
	http *http.Client
}

// NewClient creates a client for the server at base, e.g. "http://npu-host:8642".
// If httpClient is nil, http.DefaultClient is used.
func NewClient(base *url.URL, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{base: base, http: httpClient}
}

func checkError(resp *http.Response, body []byte) error {
	if resp.StatusCode < http.StatusBadRequest {
		return nil
	}
	apiError := StatusError{StatusCode: resp.StatusCode}
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		apiError.Message = string(body)
	} else {
		apiError.Message = errResp.Error
		apiError.Kind = errResp.Kind
	}
	return apiError
}

func (c *Client) do(ctx context.Context, method, path string, reqData, respData any) error {
	var reqBody io.Reader
	if reqData != nil {
		data, err := json.Marshal(reqData)
		if err != nil {
			return errors.Wrapf(err, "encoding request to %s", path)
		}
		reqBody = bytes.NewReader(data)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), reqBody)
	if err != nil {
		return errors.WithStack(err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	respObj, err := c.http.Do(request)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer respObj.Body.Close()
	respBody, err := io.ReadAll(respObj.Body)
	if err != nil {
		return errors.Wrapf(err, "reading response of %s %s", method, path)
	}
	if err := checkError(respObj, respBody); err != nil {
		return err
	}
	if len(respBody) > 0 && respData != nil {
		if err := json.Unmarshal(respBody, respData); err != nil {
			return errors.Wrapf(err, "decoding response of %s %s", method, path)
		}
	}
	return nil
}

// Enumerate opens the devices of the server and returns how many there are.
func (c *Client) Enumerate(ctx context.Context) (int, error) {
	var resp DeviceCount
	if err := c.do(ctx, http.MethodPost, "/v1/enumerate", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// CreateExecutor creates an executor for the given device. Lite executors batch their tasks.
func (c *Client) CreateExecutor(ctx context.Context, device int, lite bool) (int, error) {
	var resp ExecutorResponse
	err := c.do(ctx, http.MethodPost, "/v1/executors", CreateExecutorRequest{Device: device, Lite: lite}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.Executor, nil
}

// CreateExecutable loads an NBG blob into an executor.
func (c *Client) CreateExecutable(ctx context.Context, executor int, blob []byte, numInputs, numOutputs int) (string, error) {
	req := CreateExecutableRequest{Executor: executor, NBG: blob, InputSize: numInputs, OutputSize: numOutputs}
	var resp ExecutableResponse
	if err := c.do(ctx, http.MethodPost, "/v1/executables", req, &resp); err != nil {
		return "", err
	}
	return resp.Executable, nil
}

// AllocateTensor allocates an INPUT or OUTPUT tensor for an executable.
func (c *Client) AllocateTensor(ctx context.Context, executable string, spec tensors.Spec) (string, error) {
	ts, err := FromSpec(spec)
	if err != nil {
		return "", err
	}
	var resp TensorResponse
	err = c.do(ctx, http.MethodPost, "/v1/tensors", AllocateTensorRequest{Executable: executable, Spec: ts}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Tensor, nil
}

// SetInput binds the next input of the executable.
func (c *Client) SetInput(ctx context.Context, executable, tensor string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/executables/%s/inputs", executable), IORequest{Tensor: tensor}, nil)
}

// SetOutput binds the next output of the executable.
func (c *Client) SetOutput(ctx context.Context, executable, tensor string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/executables/%s/outputs", executable), IORequest{Tensor: tensor}, nil)
}

// Submit appends the executable to the task list of its executor.
func (c *Client) Submit(ctx context.Context, executable string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/executables/%s/submit", executable), nil, nil)
}

// Trigger runs all the tasks of the executor and waits for them to finish.
func (c *Client) Trigger(ctx context.Context, executor int) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/executors/%d/trigger", executor), nil, nil)
}

// CopyDataToTensor writes the contents of the tensor.
func (c *Client) CopyDataToTensor(ctx context.Context, tensor string, data []byte) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/v1/tensors/%s/data", tensor), TensorData{Data: data}, nil)
}

// CopyDataFromTensor reads the contents of the tensor.
func (c *Client) CopyDataFromTensor(ctx context.Context, tensor string) ([]byte, error) {
	var resp TensorData
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/tensors/%s/data", tensor), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Clean drops all executors, executables and tensors of the server.
func (c *Client) Clean(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/clean", nil, nil)
}
