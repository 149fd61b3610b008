// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package switcher serializes profile changes so that only the newest
// switch request takes effect, and keeps the committed profile state, the
// documents on disk and the running engine consistent.
package switcher

import "sync/atomic"

// Sequencer issues process-wide, strictly increasing request numbers.
//
// A request is stale once a later number has been issued. Sequencer never
// blocks.
type Sequencer struct {
	counter atomic.Uint64
}

// Next issues the next sequence number. The first call returns 1.
func (s *Sequencer) Next() uint64 {
	return s.counter.Add(1)
}

// Current returns the most recently issued number.
func (s *Sequencer) Current() uint64 {
	return s.counter.Load()
}

// IsStale reports whether a number newer than seq has been issued.
func (s *Sequencer) IsStale(seq uint64) bool {
	return seq < s.counter.Load()
}

// Ticket is an accepted switch request.
type Ticket struct {
	Sequence uint64

	// Target is the requested active profile; empty when HasTarget is false.
	Target    string
	HasTarget bool
}

// Issue creates a ticket for a request targeting target.
func (s *Sequencer) Issue(target string, hasTarget bool) Ticket {
	return Ticket{Sequence: s.Next(), Target: target, HasTarget: hasTarget}
}
