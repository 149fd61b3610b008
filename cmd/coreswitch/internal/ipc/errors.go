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
	"errors"
	"fmt"
)

var (
	// ErrUnreachable means no service answered on the configured endpoint.
	ErrUnreachable = errors.New("privileged service unreachable")

	// ErrMalformedReply means the service answered with an undecodable frame.
	ErrMalformedReply = errors.New("malformed service reply")
)

// TransportError wraps a connection-level failure. It matches ErrUnreachable.
type TransportError struct {
	Command Command
	Op      string // dial, write, read
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ipc %s %s: %v", e.Command, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrUnreachable) true for every transport failure.
func (e *TransportError) Is(target error) bool { return target == ErrUnreachable }

// ServiceError is an outer envelope with success=false. The outer layer
// reports transport health, so it matches ErrUnreachable like a dropped
// connection does.
type ServiceError struct {
	Command Command
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("ipc %s: service error: %s", e.Command, e.Message)
}

func (e *ServiceError) Is(target error) bool { return target == ErrUnreachable }

// ReplyError is an inner envelope with a non-zero code.
type ReplyError struct {
	Command Command
	Code    uint64
	Msg     string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("ipc %s: code=%d: %s", e.Command, e.Code, e.Msg)
}

// IsUnreachable reports whether err means the service could not be reached.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}

func asReplyError(err error, target **ReplyError) bool {
	return errors.As(err, target)
}
