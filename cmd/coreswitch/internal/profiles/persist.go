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
	"errors"
	"sync"

	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/storage"
)

// Persister stores the committed profile state.
type Persister interface {
	// Load returns the stored state, or an empty State if none was saved.
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, st State) error
}

const stateKey = "profiles/state"

// BadgerPersister keeps the state as one JSON value in the embedded store.
type BadgerPersister struct {
	db *storage.DB
}

// NewBadgerPersister wraps db.
func NewBadgerPersister(db *storage.DB) *BadgerPersister {
	return &BadgerPersister{db: db}
}

// Load implements Persister.
func (p *BadgerPersister) Load(ctx context.Context) (State, error) {
	var st State
	err := p.db.GetJSON(ctx, stateKey, &st)
	if errors.Is(err, storage.ErrNotFound) {
		return State{Items: []Item{}}, nil
	}
	if err != nil {
		return State{}, err
	}
	if st.Items == nil {
		st.Items = []Item{}
	}
	return st, nil
}

// Save implements Persister.
func (p *BadgerPersister) Save(ctx context.Context, st State) error {
	return p.db.PutJSON(ctx, stateKey, st)
}

// MemoryPersister keeps the state in memory; for tests.
type MemoryPersister struct {
	mu    sync.Mutex
	state *State
	saves int
	Err   error
}

// Load implements Persister.
func (p *MemoryPersister) Load(context.Context) (State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == nil {
		return State{Items: []Item{}}, nil
	}
	return p.state.Clone(), nil
}

// Save implements Persister.
func (p *MemoryPersister) Save(_ context.Context, st State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	c := st.Clone()
	p.state = &c
	p.saves++
	return nil
}

// Saves returns how many successful saves happened.
func (p *MemoryPersister) Saves() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves
}

var (
	_ Persister = (*BadgerPersister)(nil)
	_ Persister = (*MemoryPersister)(nil)
)
