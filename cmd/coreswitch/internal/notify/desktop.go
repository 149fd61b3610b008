// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package notify

import (
	"strings"

	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/util"
	"github.com/AleutianAI/coreswitch/pkg/logging"
	"github.com/gen2brain/beeep"
)

const maxDesktopMessage = 800

// Desktop shows OS notifications for failure events.
type Desktop struct {
	Title  string
	Logger *logging.Logger

	notify func(title, message string, icon any) error
}

// NewDesktop creates a Desktop sink.
func NewDesktop(logger *logging.Logger) *Desktop {
	return &Desktop{
		Title:  "coreswitch",
		Logger: logging.OrDiscard(logger).Component("notify"),
		notify: beeep.Notify,
	}
}

// Emit shows e if it is a failure. The OS call runs in the background.
func (d *Desktop) Emit(e Event) {
	if !e.IsFailure() {
		return
	}
	msg := strings.TrimSpace(e.Payload)
	if msg == "" {
		msg = e.Name
	}
	if len(msg) > maxDesktopMessage {
		msg = msg[:maxDesktopMessage] + "..."
	}
	title := d.Title + ": " + strings.TrimPrefix(e.Name, validatePrefix)
	util.SafeGo(func() {
		if err := d.notify(title, msg, ""); err != nil {
			d.Logger.Debug("desktop notification failed", "error", err)
		}
	}, func(r util.SafeGoResult) {
		d.Logger.Error("desktop notification panicked", "panic", r.PanicValue)
	})
}

var _ Sink = (*Desktop)(nil)
