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
	"sync"
)

// MockTransport is a scriptable Transport for tests.
//
// Handler, when set, answers every request. Otherwise Responses is looked
// up by command, and a missing entry returns Err (or ErrUnreachable).
type MockTransport struct {
	mu        sync.Mutex
	Handler   func(ctx context.Context, req Request) (Response, error)
	Responses map[Command]Response
	Err       error
	Calls     []Request
}

var _ Transport = (*MockTransport)(nil)

// RoundTrip implements Transport.
func (m *MockTransport) RoundTrip(ctx context.Context, req Request) (Response, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, req)
	handler := m.Handler
	resp, ok := m.Responses[req.Command]
	err := m.Err
	m.mu.Unlock()

	if handler != nil {
		return handler(ctx, req)
	}
	if err != nil {
		return Response{}, &TransportError{Command: req.Command, Op: "dial", Err: err}
	}
	if !ok {
		return Response{}, &TransportError{Command: req.Command, Op: "dial", Err: ErrUnreachable}
	}
	return resp, nil
}

// Set scripts the response for cmd.
func (m *MockTransport) Set(cmd Command, resp Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Responses == nil {
		m.Responses = make(map[Command]Response)
	}
	m.Responses[cmd] = resp
}

// Commands returns the commands received so far, in order.
func (m *MockTransport) Commands() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Command, len(m.Calls))
	for i, c := range m.Calls {
		out[i] = c.Command
	}
	return out
}

// Reset clears recorded calls.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}

// OK builds a successful double-envelope response.
func OK(code uint64, msg string, data any) Response {
	reply := Reply{Code: code, Msg: msg}
	if data != nil {
		b, _ := json.Marshal(data)
		reply.Data = b
	}
	b, _ := json.Marshal(reply)
	return Response{Success: true, Data: b}
}

// Failed builds a transport-level failure response.
func Failed(msg string) Response {
	return Response{Success: false, Error: msg}
}
