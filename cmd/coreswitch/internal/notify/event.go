// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package notify delivers controller events to the UI layer.
//
// Delivery is fire-and-forget and at most once: sinks never block the
// emitter and a slow or absent consumer simply misses events.
package notify

import (
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/coreswitch/pkg/logging"
)

// Event names.
const (
	EventProfileChanged = "profile_changed"
	EventTimerUpdated   = "timer_updated"

	// EventUpdateRetryViaEngine and friends report remote refreshes that
	// had to go through the engine's proxy.
	EventUpdateRetryViaEngine = "update_retry_with_clash"
	EventUpdateViaEngine      = "update_with_clash_proxy"
	EventUpdateFailed         = "update_failed"

	validatePrefix = "config_validate::"
)

// Validation reasons beyond the document checks.
const (
	ReasonError     = "error"
	ReasonBootError = "boot_error"
	ReasonTimeout   = "timeout"
)

// Event is one notification.
type Event struct {
	Name    string    `json:"event"`
	Payload string    `json:"payload,omitempty"`
	Time    time.Time `json:"time"`
}

// ProfileChanged announces a newly committed active profile.
func ProfileChanged(uid string) Event {
	return Event{Name: EventProfileChanged, Payload: uid, Time: time.Now()}
}

// TimerUpdated announces a new refresh schedule for uid.
func TimerUpdated(uid string) Event {
	return Event{Name: EventTimerUpdated, Payload: uid, Time: time.Now()}
}

// ConfigValidate reports why a switch was rejected. reason is a document
// validation kind or one of the Reason constants.
func ConfigValidate(reason, detail string) Event {
	return Event{Name: validatePrefix + reason, Payload: detail, Time: time.Now()}
}

// Message builds an informational event.
func Message(name, detail string) Event {
	return Event{Name: name, Payload: detail, Time: time.Now()}
}

// IsFailure reports whether the user should be told about e even when no
// UI is attached.
func (e Event) IsFailure() bool {
	return strings.HasPrefix(e.Name, validatePrefix) || e.Name == EventUpdateFailed
}

// Sink receives events. Emit must not block.
type Sink interface {
	Emit(Event)
}

// Multi fans out to several sinks.
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(Event) {}

// LogSink writes every event to a logger.
type LogSink struct {
	Logger *logging.Logger
}

func (l LogSink) Emit(e Event) {
	logger := logging.OrDiscard(l.Logger)
	if e.IsFailure() {
		logger.Warn("notify", "event", e.Name, "payload", e.Payload)
		return
	}
	logger.Info("notify", "event", e.Name, "payload", e.Payload)
}

// Recorder keeps emitted events; for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Names returns the recorded event names in order.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Name
	}
	return out
}

// Has reports whether an event named name was recorded.
func (r *Recorder) Has(name string) bool {
	for _, n := range r.Names() {
		if n == name {
			return true
		}
	}
	return false
}

// Reset forgets recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

var (
	_ Sink = Multi(nil)
	_ Sink = Discard{}
	_ Sink = LogSink{}
	_ Sink = (*Recorder)(nil)
)
