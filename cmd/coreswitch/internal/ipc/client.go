// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/AleutianAI/coreswitch/pkg/logging"
	"github.com/google/uuid"
)

// DefaultTimeout bounds a single exchange when the caller's context has
// no earlier deadline.
const DefaultTimeout = 10 * time.Second

// Client is the typed face of the IPC channel.
//
// # Thread Safety
//
// Safe for concurrent use; every call opens its own connection.
type Client struct {
	transport Transport
	timeout   time.Duration
	logger    *logging.Logger
}

// NewClient creates a client. timeout <= 0 uses DefaultTimeout.
func NewClient(transport Transport, timeout time.Duration, logger *logging.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		transport: transport,
		timeout:   timeout,
		logger:    logging.OrDiscard(logger).Component("ipc"),
	}
}

// Send performs one raw exchange and returns the outer envelope.
//
// Only transport failures are returned as errors; the envelope itself is
// not interpreted.
func (c *Client) Send(ctx context.Context, cmd Command, payload any) (Response, error) {
	raw := json.RawMessage("{}")
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Response{}, fmt.Errorf("ipc %s: encode payload: %w", cmd, err)
		}
		raw = b
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := Request{ID: uuid.NewString(), Command: cmd, Payload: raw}
	start := time.Now()
	resp, err := c.transport.RoundTrip(ctx, req)
	if err != nil {
		c.logger.Debug("ipc exchange failed", "command", string(cmd), "id", req.ID, "error", err)
		return Response{}, err
	}
	c.logger.Debug("ipc exchange",
		"command", string(cmd),
		"id", req.ID,
		"success", resp.Success,
		"duration", time.Since(start),
	)
	return resp, nil
}

// call sends cmd and unwraps both envelopes.
func (c *Client) call(ctx context.Context, cmd Command, payload any) (Reply, error) {
	resp, err := c.Send(ctx, cmd, payload)
	if err != nil {
		return Reply{}, err
	}
	return decodeReply(cmd, resp)
}

// GetStatus asks the service what it is running.
func (c *Client) GetStatus(ctx context.Context) (Status, error) {
	resp, err := c.Send(ctx, CommandGetStatus, nil)
	if err != nil {
		return Status{}, err
	}
	return decodeStatus(resp)
}

// GetVersion returns the service's version string.
func (c *Client) GetVersion(ctx context.Context) (string, error) {
	resp, err := c.Send(ctx, CommandGetVersion, nil)
	if err != nil {
		return "", err
	}
	return decodeVersion(resp)
}

// Start asks the service to (re)start the engine with params.
func (c *Client) Start(ctx context.Context, params StartParams) error {
	_, err := c.call(ctx, CommandStart, params)
	return err
}

// Stop asks the service to stop the engine.
func (c *Client) Stop(ctx context.Context) error {
	_, err := c.call(ctx, CommandStop, nil)
	return err
}

// Probe reports whether the service answers GetStatus at all.
func (c *Client) Probe(ctx context.Context) error {
	_, err := c.GetStatus(ctx)
	return err
}
