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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrameSize bounds a single response line.
const maxFrameSize = 1 << 20

// Transport performs one request/response exchange.
type Transport interface {
	RoundTrip(ctx context.Context, req Request) (Response, error)
}

// DialFunc opens a connection to the service endpoint.
type DialFunc func(ctx context.Context, endpoint string) (io.ReadWriteCloser, error)

// SocketTransport exchanges newline-delimited JSON over a fresh connection
// per request. Endpoint is a socket path, or a pipe name on Windows.
type SocketTransport struct {
	Endpoint string

	// Dial defaults to the platform dialer.
	Dial DialFunc
}

// NewSocketTransport returns a transport using the platform dialer.
func NewSocketTransport(endpoint string) *SocketTransport {
	return &SocketTransport{Endpoint: endpoint, Dial: dialEndpoint}
}

// RoundTrip implements Transport.
//
// The connection is closed when ctx is done, which unblocks any pending
// read or write on every platform.
func (t *SocketTransport) RoundTrip(ctx context.Context, req Request) (Response, error) {
	dial := t.Dial
	if dial == nil {
		dial = dialEndpoint
	}

	conn, err := dial(ctx, t.Endpoint)
	if err != nil {
		return Response{}, &TransportError{Command: req.Command, Op: "dial", Err: err}
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	frame, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("ipc %s: encode request: %w", req.Command, err)
	}
	frame = append(frame, '\n')
	if _, err := conn.Write(frame); err != nil {
		return Response{}, &TransportError{Command: req.Command, Op: "write", Err: ctxErr(ctx, err)}
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameSize)
	if !scanner.Scan() {
		err := scanner.Err()
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return Response{}, &TransportError{Command: req.Command, Op: "read", Err: ctxErr(ctx, err)}
	}

	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return Response{}, fmt.Errorf("%w: %s: %v", ErrMalformedReply, req.Command, err)
	}
	return resp, nil
}

// ctxErr prefers the context's error when the connection was closed by it.
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
