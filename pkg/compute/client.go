/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

// Package compute is the manager side of the task queue: an API client, a
// pluggable executor and a worker pool driving the claim/heartbeat/return
// loop against a fractal server.
package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MolSSI/QCFractal-sub000/pkg/api"
)

// Client talks to the server's manager endpoints. It carries the bearer
// token issued at registration; Register refreshes it.
type Client struct {
	baseURL string
	name    string
	http    *http.Client
	token   string
}

func NewClient(baseURL, name string) *Client {
	return &Client{
		baseURL: baseURL,
		name:    name,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// SetToken installs a token obtained outside registration (a compute-role
// user login), required to register when the server enforces auth.
func (c *Client) SetToken(token string) { c.token = token }

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var errBody api.ErrorBody
		if json.Unmarshal(data, &errBody) == nil && errBody.Message != "" {
			return fmt.Errorf("%s: %s (%s)", path, errBody.Message, errBody.Kind)
		}
		return fmt.Errorf("%s: HTTP %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// Register announces the manager and installs the returned token.
func (c *Client) Register(ctx context.Context, req *api.ManagerRegisterRequest) (*api.ManagerRegisterResponse, error) {
	req.Name = c.name
	var resp api.ManagerRegisterResponse
	if err := c.post(ctx, "/api/v1/managers/register", req, &resp); err != nil {
		return nil, err
	}
	if resp.Token != "" {
		c.token = resp.Token
	}
	return &resp, nil
}

func (c *Client) Claim(ctx context.Context, limit int) ([]api.ClaimedTask, error) {
	var resp api.ClaimResponse
	err := c.post(ctx, "/api/v1/managers/claim",
		&api.ClaimRequest{Name: c.name, Limit: limit}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

func (c *Client) Heartbeat(ctx context.Context, activeTasks int) (*api.HeartbeatResponse, error) {
	var resp api.HeartbeatResponse
	err := c.post(ctx, "/api/v1/managers/heartbeat",
		&api.HeartbeatRequest{Name: c.name, ActiveTasks: activeTasks}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Return(ctx context.Context, results map[int64]api.TaskResultBody) (*api.ReturnResponse, error) {
	var resp api.ReturnResponse
	err := c.post(ctx, "/api/v1/managers/return",
		&api.ReturnRequest{Name: c.name, Results: results}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}
