// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package kernel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/proc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCoreService struct {
	started []string
	stops   int
	err     error
	running bool
}

func (f *fakeCoreService) CoreRunning(context.Context) bool { return f.running }

func (f *fakeCoreService) StartCore(_ context.Context, cfg string) error {
	if f.err != nil {
		return f.err
	}
	f.started = append(f.started, cfg)
	return nil
}

func (f *fakeCoreService) StopCore(context.Context) error {
	f.stops++
	return nil
}

func TestServiceRunner_Delegates(t *testing.T) {
	svc := &fakeCoreService{}
	r := ServiceRunner{Service: svc}
	require.NoError(t, r.Start(context.Background(), "/w/runtime.yaml"))
	require.NoError(t, r.Stop(context.Background()))
	assert.Equal(t, []string{"/w/runtime.yaml"}, svc.started)
	assert.Equal(t, 1, svc.stops)
}

func TestModeRunner_FirstSidecarStartStopsServiceEngine(t *testing.T) {
	svc := &fakeCoreService{running: true}
	side := &StubRunner{}
	m := &ModeRunner{Service: ServiceRunner{Service: svc}, Sidecar: side, UseSidecar: func() bool { return true }}

	require.NoError(t, m.Start(context.Background(), "a"))
	assert.Equal(t, 1, svc.stops)
	assert.Equal(t, []string{"a"}, side.Started)

	require.NoError(t, m.Start(context.Background(), "b"))
	assert.Equal(t, 1, svc.stops, "only the first start looks at the service")
}

func TestModeRunner_FirstSidecarStartLeavesIdleService(t *testing.T) {
	svc := &fakeCoreService{}
	m := &ModeRunner{Service: ServiceRunner{Service: svc}, Sidecar: &StubRunner{}, UseSidecar: func() bool { return true }}

	require.NoError(t, m.Start(context.Background(), "a"))
	assert.Zero(t, svc.stops)
}

func TestSidecarRunner_RestartsProcess(t *testing.T) {
	var procs []*proc.MockProcess
	pm := &proc.MockManager{
		StartFunc: func(ctx context.Context, spec proc.StartSpec) (proc.Process, error) {
			p := proc.NewMockProcess(100 + len(procs))
			procs = append(procs, p)
			return p, nil
		},
	}
	r := NewSidecarRunner(pm, "/bin/mihomo", "/work", "/work/core.log", nil)
	r.grace = 5 * time.Millisecond

	require.NoError(t, r.Start(context.Background(), "/work/a.yaml"))
	require.NoError(t, r.Start(context.Background(), "/work/b.yaml"))
	assert.True(t, r.Running())

	require.Len(t, procs, 2)
	assert.Equal(t, 1, procs[0].StopCount())
	assert.Equal(t, 0, procs[1].StopCount())

	calls := pm.GetCalls()
	assert.Equal(t, []string{"-d", "/work", "-f", "/work/b.yaml"}, calls[1].Args)

	require.NoError(t, r.Stop(context.Background()))
	assert.False(t, r.Running())
}

func TestSidecarRunner_EarlyExit(t *testing.T) {
	pm := &proc.MockManager{
		StartFunc: func(ctx context.Context, spec proc.StartSpec) (proc.Process, error) {
			p := proc.NewMockProcess(7)
			p.Exit()
			return p, nil
		},
	}
	r := NewSidecarRunner(pm, "/bin/mihomo", "/work", "/work/core.log", nil)
	r.grace = time.Second

	err := r.Start(context.Background(), "/work/a.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited during startup")
	assert.False(t, r.Running())
}

func TestSidecarRunner_StartError(t *testing.T) {
	pm := &proc.MockManager{
		StartFunc: func(context.Context, proc.StartSpec) (proc.Process, error) {
			return nil, errors.New("exec format error")
		},
	}
	r := NewSidecarRunner(pm, "/bin/mihomo", "/work", "", nil)
	assert.Error(t, r.Start(context.Background(), "/work/a.yaml"))
}

func TestModeRunner_StopsPreviousOnModeFlip(t *testing.T) {
	svc := &StubRunner{}
	side := &StubRunner{}
	sidecar := false
	m := &ModeRunner{Service: svc, Sidecar: side, UseSidecar: func() bool { return sidecar }}

	require.NoError(t, m.Start(context.Background(), "a"))
	assert.Equal(t, "stub", m.Name())
	sidecar = true
	require.NoError(t, m.Start(context.Background(), "b"))

	assert.Equal(t, []string{"a"}, svc.Started)
	assert.Equal(t, 1, svc.Stops)
	assert.Equal(t, []string{"b"}, side.Started)

	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, 1, side.Stops)
}

// StubRunner records starts.
type StubRunner struct {
	mu      sync.Mutex
	Err     error
	Started []string
	Stops   int
}

func (s *StubRunner) Name() string { return "stub" }

func (s *StubRunner) Start(_ context.Context, configFile string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Started = append(s.Started, configFile)
	return nil
}

func (s *StubRunner) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Stops++
	return nil
}

// Starts returns how many successful starts happened.
func (s *StubRunner) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Started)
}
