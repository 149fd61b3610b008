// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build !windows

package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeService answers each connection with handler(request).
func fakeService(t *testing.T, handler func(Request) (string, bool)) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "ipc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "svc.sock")

	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				scanner := bufio.NewScanner(conn)
				if !scanner.Scan() {
					return
				}
				var req Request
				if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
					return
				}
				reply, ok := handler(req)
				if !ok {
					time.Sleep(time.Second)
					return
				}
				conn.Write([]byte(reply + "\n"))
			}(conn)
		}
	}()
	return path
}

func TestSocketTransport_RoundTrip(t *testing.T) {
	path := fakeService(t, func(req Request) (string, bool) {
		if req.Command != CommandGetVersion {
			return `{"success":false,"error":"unknown command"}`, true
		}
		return `{"id":"` + req.ID + `","success":true,"data":{"code":0,"msg":"ok","data":{"version":"1.1.0"}}}`, true
	})

	client := NewClient(NewSocketTransport(path), time.Second, nil)
	v, err := client.GetVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", v)

	err = client.Stop(context.Background())
	var se *ServiceError
	assert.ErrorAs(t, err, &se)
}

func TestSocketTransport_NoListener(t *testing.T) {
	tr := NewSocketTransport(filepath.Join(t.TempDir(), "missing.sock"))
	_, err := tr.RoundTrip(context.Background(), Request{Command: CommandGetStatus})
	assert.True(t, IsUnreachable(err))
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "dial", te.Op)
}

func TestSocketTransport_ContextCancelsRead(t *testing.T) {
	path := fakeService(t, func(Request) (string, bool) { return "", false })
	tr := NewSocketTransport(path)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := tr.RoundTrip(ctx, Request{Command: CommandGetStatus, Payload: json.RawMessage("{}")})
	assert.True(t, IsUnreachable(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestSocketTransport_MalformedFrame(t *testing.T) {
	path := fakeService(t, func(Request) (string, bool) { return "not json", true })
	_, err := NewSocketTransport(path).RoundTrip(context.Background(), Request{Command: CommandStop, Payload: json.RawMessage("{}")})
	assert.ErrorIs(t, err, ErrMalformedReply)
}
