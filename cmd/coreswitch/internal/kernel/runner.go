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
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/proc"
	"github.com/AleutianAI/coreswitch/pkg/logging"
)

// Runner starts and stops the engine with a given config file.
type Runner interface {
	Name() string
	Start(ctx context.Context, configFile string) error
	Stop(ctx context.Context) error
}

// CoreService is the part of the service lifecycle manager the kernel
// needs.
type CoreService interface {
	StartCore(ctx context.Context, configFile string) error
	StopCore(ctx context.Context) error
	CoreRunning(ctx context.Context) bool
}

// ServiceRunner runs the engine through the privileged service.
type ServiceRunner struct {
	Service CoreService
}

func (r ServiceRunner) Name() string { return "service" }

func (r ServiceRunner) Start(ctx context.Context, configFile string) error {
	return r.Service.StartCore(ctx, configFile)
}

func (r ServiceRunner) Stop(ctx context.Context) error {
	return r.Service.StopCore(ctx)
}

// Running reports whether the service currently runs an engine, whoever
// started it.
func (r ServiceRunner) Running(ctx context.Context) bool {
	return r.Service.CoreRunning(ctx)
}

// runningReporter is implemented by runners that can tell whether an
// engine they manage is already up, e.g. left over from a previous run.
type runningReporter interface {
	Running(ctx context.Context) bool
}

// sidecarStartupGrace is how long a freshly started engine must stay up
// before Start reports success.
const sidecarStartupGrace = 300 * time.Millisecond

// SidecarRunner runs the engine as an unprivileged child process.
type SidecarRunner struct {
	procs   proc.Manager
	bin     string
	workDir string
	logFile string
	grace   time.Duration
	logger  *logging.Logger

	mu      sync.Mutex
	current proc.Process
}

// NewSidecarRunner creates a SidecarRunner.
func NewSidecarRunner(procs proc.Manager, bin, workDir, logFile string, logger *logging.Logger) *SidecarRunner {
	return &SidecarRunner{
		procs:   procs,
		bin:     bin,
		workDir: workDir,
		logFile: logFile,
		grace:   sidecarStartupGrace,
		logger:  logging.OrDiscard(logger).Component("sidecar"),
	}
}

func (r *SidecarRunner) Name() string { return "sidecar" }

// Start restarts the child engine with configFile.
func (r *SidecarRunner) Start(ctx context.Context, configFile string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.stopLocked(ctx); err != nil {
		return err
	}
	p, err := r.procs.Start(ctx, proc.StartSpec{
		Name:    r.bin,
		Args:    []string{"-d", r.workDir, "-f", configFile},
		Dir:     r.workDir,
		LogFile: r.logFile,
	})
	if err != nil {
		return err
	}

	select {
	case <-p.Done():
		return fmt.Errorf("engine exited during startup (see %s): %v", r.logFile, p.Err())
	case <-ctx.Done():
		_ = p.Stop(context.Background())
		return ctx.Err()
	case <-time.After(r.grace):
	}
	r.current = p
	r.logger.Info("sidecar engine started", "pid", p.PID())
	return nil
}

// Stop stops the child engine if one is running.
func (r *SidecarRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopLocked(ctx)
}

func (r *SidecarRunner) stopLocked(ctx context.Context) error {
	if r.current == nil {
		return nil
	}
	p := r.current
	r.current = nil
	if err := p.Stop(ctx); err != nil {
		return fmt.Errorf("stop sidecar engine pid %d: %w", p.PID(), err)
	}
	r.logger.Info("sidecar engine stopped", "pid", p.PID())
	return nil
}

// Running reports whether a child engine is up.
func (r *SidecarRunner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return false
	}
	select {
	case <-r.current.Done():
		return false
	default:
		return true
	}
}

// ModeRunner picks the service or the sidecar runner on every start, and
// stops the other one when the mode flips.
//
// The service outlives this process, so on the first start an engine the
// service is already running counts as the previous runner.
type ModeRunner struct {
	Service    Runner
	Sidecar    Runner
	UseSidecar func() bool

	mu     sync.Mutex
	last   Runner
	seeded bool
}

func (m *ModeRunner) pick() Runner {
	if m.UseSidecar != nil && m.UseSidecar() {
		return m.Sidecar
	}
	return m.Service
}

func (m *ModeRunner) Name() string { return m.pick().Name() }

func (m *ModeRunner) Start(ctx context.Context, configFile string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.pick()
	m.seedLocked(ctx)
	if m.last != nil && m.last != r {
		if err := m.last.Stop(ctx); err != nil {
			return fmt.Errorf("stop %s runner: %w", m.last.Name(), err)
		}
	}
	if err := r.Start(ctx, configFile); err != nil {
		return err
	}
	m.last = r
	return nil
}

func (m *ModeRunner) seedLocked(ctx context.Context) {
	if m.seeded {
		return
	}
	m.seeded = true
	if m.last != nil {
		return
	}
	if rr, ok := m.Service.(runningReporter); ok && rr.Running(ctx) {
		m.last = m.Service
	}
}

func (m *ModeRunner) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return nil
	}
	err := m.last.Stop(ctx)
	m.last = nil
	return err
}

var (
	_ Runner = ServiceRunner{}
	_ Runner = (*SidecarRunner)(nil)
	_ Runner = (*ModeRunner)(nil)
)
