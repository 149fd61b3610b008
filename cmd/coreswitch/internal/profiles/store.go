// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package profiles

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/coreswitch/pkg/logging"
)

// Store holds the committed profile state and at most one draft.
//
// # Description
//
// Latest is the last committed State and is read without locking; readers
// see either the old or the new commit, never a draft. Draft opens (or
// continues) the single draft, Apply promotes it, Discard drops it.
//
// The store does not serialize writers beyond keeping its own fields
// consistent: two callers editing the draft concurrently would merge
// their edits into the same draft. Callers hold an external lock around
// draft/apply sequences.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Store struct {
	latest atomic.Pointer[State]

	mu    sync.Mutex
	draft *State

	// saveMu orders writes to the persister.
	saveMu    sync.Mutex
	persister Persister
	logger    *logging.Logger
}

// NewStore creates a store committed at initial. persister may be nil.
func NewStore(initial State, persister Persister, logger *logging.Logger) *Store {
	s := &Store{persister: persister, logger: logging.OrDiscard(logger).Component("store")}
	st := initial.Clone()
	s.latest.Store(&st)
	return s
}

// OpenStore loads the committed state from persister (empty if absent).
func OpenStore(ctx context.Context, persister Persister, logger *logging.Logger) (*Store, error) {
	st, err := persister.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	if err := st.Validate(); err != nil {
		// A dangling current is repaired rather than refusing to start.
		logging.OrDiscard(logger).Warn("stored profiles invalid, clearing current", "error", err)
		st.Current = ""
		if err := st.Validate(); err != nil {
			return nil, err
		}
	}
	return NewStore(st, persister, logger), nil
}

// Latest returns a copy of the last committed state.
func (s *Store) Latest() State {
	return s.latest.Load().Clone()
}

// Data returns the draft if one is in flight, otherwise Latest.
func (s *Store) Data() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draft != nil {
		return s.draft.Clone()
	}
	return s.Latest()
}

// HasDraft reports whether a draft is in flight.
func (s *Store) HasDraft() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft != nil
}

// Draft applies fn to the draft, opening one from Latest if needed.
//
// If fn returns an error the draft is left as it was before the call.
func (s *Store) Draft(fn func(*State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next State
	if s.draft != nil {
		next = s.draft.Clone()
	} else {
		next = s.Latest()
	}
	if err := fn(&next); err != nil {
		return err
	}
	s.draft = &next
	return nil
}

// Apply commits the draft and returns the new committed state.
//
// A draft that breaks the commit invariants is discarded and the error
// returned; Latest is unchanged in that case.
func (s *Store) Apply() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.draft == nil {
		return State{}, ErrNoDraft
	}
	next := s.draft
	s.draft = nil
	if err := next.Validate(); err != nil {
		return State{}, fmt.Errorf("commit rejected: %w", err)
	}
	s.latest.Store(next)
	s.logger.Debug("profiles committed", "current", next.Current, "items", len(next.Items))
	return next.Clone(), nil
}

// Discard drops the draft. It reports whether there was one.
func (s *Store) Discard() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	had := s.draft != nil
	s.draft = nil
	return had
}

// Save persists the committed state.
//
// Saves are serialized and each one snapshots Latest only once it holds
// the save lock, so an older commit can never land after a newer one.
func (s *Store) Save(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if err := s.persister.Save(ctx, s.Latest()); err != nil {
		return fmt.Errorf("save profiles: %w", err)
	}
	return nil
}
