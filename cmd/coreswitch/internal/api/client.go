// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/profiles"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/service"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/switcher"
)

// Error is a non-2xx answer from the API.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %s", http.StatusText(e.Status))
	}
	return fmt.Sprintf("api: %s (%d)", e.Message, e.Status)
}

// Client talks to a running controller.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the API at addr (host:port or URL).
func NewClient(addr string, timeout time.Duration) *Client {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{base: strings.TrimRight(base, "/"), http: &http.Client{Timeout: timeout}}
}

func (c *Client) request(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("controller unreachable at %s: %w", c.base, err)
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.request(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// doResult decodes a switch result whatever the status; a non-committed
// outcome is also returned as *Error.
func (c *Client) doResult(ctx context.Context, method, path string, body any) (switcher.Result, error) {
	resp, err := c.request(ctx, method, path, body)
	if err != nil {
		return switcher.Result{}, err
	}
	defer resp.Body.Close()
	var res switcher.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return switcher.Result{}, &Error{Status: resp.StatusCode, Message: "undecodable response"}
	}
	if resp.StatusCode >= 300 {
		msg := res.Reason
		if msg == "" {
			msg = string(res.Outcome)
		}
		return res, &Error{Status: resp.StatusCode, Message: msg}
	}
	return res, nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
	}
	return &Error{Status: resp.StatusCode, Message: body.Error}
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Status == http.StatusNotFound
}

func uidPath(uid string, suffix string) string {
	return "/v1/profiles/" + url.PathEscape(uid) + suffix
}

// Health checks that the controller answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Status returns the controller summary.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, &out)
	return out, err
}

// Profiles lists profiles.
func (c *Client) Profiles(ctx context.Context) (profiles.State, error) {
	var out profiles.State
	err := c.do(ctx, http.MethodGet, "/v1/profiles", nil, &out)
	return out, err
}

// Switch activates uid.
func (c *Client) Switch(ctx context.Context, uid string) (switcher.Result, error) {
	return c.doResult(ctx, http.MethodPost, "/v1/profiles/switch", SwitchRequest{UID: uid})
}

// Create adds a profile.
func (c *Client) Create(ctx context.Context, req CreateRequest) (ItemResponse, error) {
	var out ItemResponse
	err := c.do(ctx, http.MethodPost, "/v1/profiles", req, &out)
	return out, err
}

// Import subscribes to rawURL.
func (c *Client) Import(ctx context.Context, rawURL string, opt *profiles.Option) (ItemResponse, error) {
	var out ItemResponse
	err := c.do(ctx, http.MethodPost, "/v1/profiles/import", ImportRequest{URL: rawURL, Option: opt}, &out)
	return out, err
}

// Update refreshes a remote profile.
func (c *Client) Update(ctx context.Context, uid string, opt *profiles.Option) (profiles.Item, error) {
	var out profiles.Item
	err := c.do(ctx, http.MethodPost, uidPath(uid, "/update"), UpdateRequest{Option: opt}, &out)
	return out, err
}

// Delete removes a profile.
func (c *Client) Delete(ctx context.Context, uid string) error {
	return c.do(ctx, http.MethodDelete, uidPath(uid, ""), nil, nil)
}

// Reorder moves active to the position of over.
func (c *Client) Reorder(ctx context.Context, active, over string) error {
	return c.do(ctx, http.MethodPost, "/v1/profiles/reorder", ReorderRequest{Active: active, Over: over}, nil)
}

// PatchItem edits a profile's metadata.
func (c *Client) PatchItem(ctx context.Context, uid string, patch profiles.Item) (profiles.Item, error) {
	var out profiles.Item
	err := c.do(ctx, http.MethodPatch, uidPath(uid, ""), patch, &out)
	return out, err
}

// Content returns the document of uid.
func (c *Client) Content(ctx context.Context, uid string) ([]byte, error) {
	resp, err := c.request(ctx, http.MethodGet, uidPath(uid, "/content"), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, decodeError(resp)
	}
	return io.ReadAll(resp.Body)
}

// NextUpdate returns the next scheduled refresh of uid.
func (c *Client) NextUpdate(ctx context.Context, uid string) (NextUpdateResponse, error) {
	var out NextUpdateResponse
	err := c.do(ctx, http.MethodGet, uidPath(uid, "/next-update"), nil, &out)
	return out, err
}

// Reapply pushes the current configuration to the engine again.
func (c *Client) Reapply(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/kernel/reapply", nil, nil)
}

// ServiceStatus returns the lifecycle manager's view of the service.
func (c *Client) ServiceStatus(ctx context.Context) (service.Status, error) {
	var out service.Status
	err := c.do(ctx, http.MethodGet, "/v1/service/status", nil, &out)
	return out, err
}

// Reinstall reinstalls the service; force resets the install history first.
func (c *Client) Reinstall(ctx context.Context, force bool) (service.Status, error) {
	path := "/v1/service/reinstall"
	if force {
		path = "/v1/service/force-reinstall"
	}
	var out service.Status
	err := c.do(ctx, http.MethodPost, path, nil, &out)
	return out, err
}
