/*
 * Hotpool
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package client provides an HTTP client for the kernel service API.
// Server-side errors are converted back to their original type, so
// callers can match on trace.IsNotFound, trace.IsLimitExceeded and
// friends exactly as if they had called the manager directly.
package client

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"

	"github.com/gravitational/hotpool/lib/httplib"
	"github.com/gravitational/hotpool/lib/kernel"
	"github.com/gravitational/hotpool/lib/web"
)

// Client is the kernel service API client.
type Client struct {
	roundtrip.Client
}

// New returns a Client pointed at the given address, e.g.
// "http://127.0.0.1:8888".
func New(addr string, params ...roundtrip.ClientParam) (*Client, error) {
	clt, err := roundtrip.NewClient(addr, "v1", params...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{Client: *clt}, nil
}

// Get issues an http GET request to the server with the specified endpoint.
func (c *Client) Get(ctx context.Context, endpoint string, params url.Values) (*roundtrip.Response, error) {
	return httplib.ConvertResponse(c.Client.Get(ctx, endpoint, params))
}

// PostJSON issues an http POST request to the server with a JSON body.
func (c *Client) PostJSON(ctx context.Context, endpoint string, val any) (*roundtrip.Response, error) {
	return httplib.ConvertResponse(c.Client.PostJSON(ctx, endpoint, val))
}

// PutJSON issues an http PUT request to the server with a JSON body.
func (c *Client) PutJSON(ctx context.Context, endpoint string, val any) (*roundtrip.Response, error) {
	return httplib.ConvertResponse(c.Client.PutJSON(ctx, endpoint, val))
}

// Delete issues an http DELETE request to the server.
func (c *Client) Delete(ctx context.Context, endpoint string) (*roundtrip.Response, error) {
	return httplib.ConvertResponse(c.Client.Delete(ctx, endpoint))
}

// StartKernel starts a kernel and returns its model.
func (c *Client) StartKernel(ctx context.Context, req web.StartKernelRequest) (*web.KernelModel, error) {
	out, err := c.PostJSON(ctx, c.Endpoint("kernels"), req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var model web.KernelModel
	if err := json.Unmarshal(out.Bytes(), &model); err != nil {
		return nil, trace.Wrap(err)
	}
	return &model, nil
}

// GetKernel returns the model of the kernel with the given id.
func (c *Client) GetKernel(ctx context.Context, id kernel.ID) (*web.KernelModel, error) {
	out, err := c.Get(ctx, c.Endpoint("kernels", string(id)), nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var model web.KernelModel
	if err := json.Unmarshal(out.Bytes(), &model); err != nil {
		return nil, trace.Wrap(err)
	}
	return &model, nil
}

// ListKernels returns the models of all kernels, ordered by id.
func (c *Client) ListKernels(ctx context.Context) ([]web.KernelModel, error) {
	out, err := c.Get(ctx, c.Endpoint("kernels"), nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var models []web.KernelModel
	if err := json.Unmarshal(out.Bytes(), &models); err != nil {
		return nil, trace.Wrap(err)
	}
	return models, nil
}

// ShutdownKernel shuts the kernel down. When now is set the kernel is
// killed instead of being asked to exit.
func (c *Client) ShutdownKernel(ctx context.Context, id kernel.ID, now bool) error {
	endpoint := c.Endpoint("kernels", string(id))
	if now {
		endpoint += "?now=true"
	}
	_, err := c.Delete(ctx, endpoint)
	return trace.Wrap(err)
}

// ShutdownAll shuts down every kernel, pooled ones included.
func (c *Client) ShutdownAll(ctx context.Context) error {
	_, err := c.Delete(ctx, c.Endpoint("kernels"))
	return trace.Wrap(err)
}

// RestartKernel restarts the kernel in place and returns its refreshed
// model.
func (c *Client) RestartKernel(ctx context.Context, id kernel.ID, now bool) (*web.KernelModel, error) {
	endpoint := c.Endpoint("kernels", string(id), "restart")
	if now {
		endpoint += "?now=true"
	}
	out, err := c.PostJSON(ctx, endpoint, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var model web.KernelModel
	if err := json.Unmarshal(out.Bytes(), &model); err != nil {
		return nil, trace.Wrap(err)
	}
	return &model, nil
}

// InterruptKernel sends an interrupt to the kernel.
func (c *Client) InterruptKernel(ctx context.Context, id kernel.ID) error {
	_, err := c.PostJSON(ctx, c.Endpoint("kernels", string(id), "interrupt"), nil)
	return trace.Wrap(err)
}

// RecordActivity refreshes the kernel's activity timestamp and, when
// connections is set, its attached client count.
func (c *Client) RecordActivity(ctx context.Context, id kernel.ID, connections *int) (*web.KernelModel, error) {
	out, err := c.PutJSON(ctx, c.Endpoint("kernels", string(id), "activity"), web.ActivityRequest{
		Connections: connections,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var model web.KernelModel
	if err := json.Unmarshal(out.Bytes(), &model); err != nil {
		return nil, trace.Wrap(err)
	}
	return &model, nil
}

// PoolStats returns the warm pool statistics. When wait is set the call
// blocks until every pool has finished its initial fill.
func (c *Client) PoolStats(ctx context.Context, wait bool) (*web.PoolsResponse, error) {
	var params url.Values
	if wait {
		params = url.Values{"wait": []string{"true"}}
	}
	out, err := c.Get(ctx, c.Endpoint("pools"), params)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var resp web.PoolsResponse
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		return nil, trace.Wrap(err)
	}
	return &resp, nil
}
