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
	"bytes"
	"encoding/json"
	"fmt"
)

// Command names a service operation. The string values are the wire names
// understood by the installed service and must not change.
type Command string

const (
	CommandGetStatus  Command = "GetClash"
	CommandGetVersion Command = "GetVersion"
	CommandStart      Command = "StartClash"
	CommandStop       Command = "StopClash"
)

// Request is the frame sent to the service.
type Request struct {
	ID      string          `json:"id"`
	Command Command         `json:"command"`
	Payload json.RawMessage `json:"payload"`
}

// Response is the outer envelope.
type Response struct {
	ID      string          `json:"id,omitempty"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Reply is the inner envelope carried in Response.Data.
type Reply struct {
	Code uint64          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data,omitempty"`
}

// HasData reports whether the reply carries a non-null body.
func (r Reply) HasData() bool {
	return len(r.Data) > 0 && !bytes.Equal(bytes.TrimSpace(r.Data), []byte("null"))
}

// StatusBody is the GetClash body: what the service is currently running.
type StatusBody struct {
	CoreType  string `json:"core_type,omitempty"`
	BinPath   string `json:"bin_path"`
	ConfigDir string `json:"config_dir"`
	LogFile   string `json:"log_file"`
}

// Status is a decoded GetClash reply.
//
// Body is nil when the service is up but no engine is running.
type Status struct {
	Code uint64
	Msg  string
	Body *StatusBody
}

// Running reports whether the service says an engine is running.
func (s Status) Running() bool {
	return s.Code == 0 && s.Msg == "ok" && s.Body != nil
}

// StartParams is the StartClash payload.
type StartParams struct {
	CoreType   string `json:"core_type"`
	BinPath    string `json:"bin_path"`
	ConfigDir  string `json:"config_dir"`
	ConfigFile string `json:"config_file"`
	LogFile    string `json:"log_file"`
}

type versionBody struct {
	Version string `json:"version"`
}

// legacyVersion is the version reply of older services, sent directly in
// the outer data without an inner envelope.
type legacyVersion struct {
	Service string `json:"service"`
	Version string `json:"version"`
}

// decodeReply unwraps both envelope layers of resp.
func decodeReply(cmd Command, resp Response) (Reply, error) {
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "request failed"
		}
		return Reply{}, &ServiceError{Command: cmd, Message: msg}
	}
	if len(resp.Data) == 0 {
		return Reply{}, fmt.Errorf("%w: %s: empty data", ErrMalformedReply, cmd)
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(resp.Data, &probe); err != nil {
		return Reply{}, fmt.Errorf("%w: %s: %v", ErrMalformedReply, cmd, err)
	}
	if _, ok := probe["code"]; !ok {
		return Reply{}, fmt.Errorf("%w: %s: missing code", ErrMalformedReply, cmd)
	}

	var reply Reply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		return Reply{}, fmt.Errorf("%w: %s: %v", ErrMalformedReply, cmd, err)
	}
	if reply.Code != 0 {
		return reply, &ReplyError{Command: cmd, Code: reply.Code, Msg: reply.Msg}
	}
	return reply, nil
}

// decodeVersion accepts both the enveloped and the legacy version replies.
func decodeVersion(resp Response) (string, error) {
	if resp.Success && len(resp.Data) > 0 {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(resp.Data, &probe); err == nil {
			if _, hasCode := probe["code"]; !hasCode {
				var legacy legacyVersion
				if err := json.Unmarshal(resp.Data, &legacy); err != nil || legacy.Version == "" {
					return "", fmt.Errorf("%w: %s: no version", ErrMalformedReply, CommandGetVersion)
				}
				return legacy.Version, nil
			}
		}
	}

	reply, err := decodeReply(CommandGetVersion, resp)
	if err != nil {
		return "", err
	}
	var body versionBody
	if !reply.HasData() {
		return "", fmt.Errorf("%w: %s: no version", ErrMalformedReply, CommandGetVersion)
	}
	if err := json.Unmarshal(reply.Data, &body); err != nil || body.Version == "" {
		return "", fmt.Errorf("%w: %s: no version", ErrMalformedReply, CommandGetVersion)
	}
	return body.Version, nil
}

// decodeStatus decodes a GetClash reply. A non-zero code is not an error
// here: the service answered, it just is not running an engine.
func decodeStatus(resp Response) (Status, error) {
	reply, err := decodeReply(CommandGetStatus, resp)
	if err != nil {
		var re *ReplyError
		if !asReplyError(err, &re) {
			return Status{}, err
		}
	}
	st := Status{Code: reply.Code, Msg: reply.Msg}
	if reply.HasData() {
		var body StatusBody
		if err := json.Unmarshal(reply.Data, &body); err != nil {
			return Status{}, fmt.Errorf("%w: %s: %v", ErrMalformedReply, CommandGetStatus, err)
		}
		st.Body = &body
	}
	return st, nil
}
