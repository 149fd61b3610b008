// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package proc abstracts external process execution.

Installer scripts, elevation wrappers, the engine's config test and the
sidecar engine all run through Manager, so every one of those paths can be
exercised in tests with MockManager instead of real processes.
*/
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/util"
)

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// Manager handles external process operations.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Manager interface {
	// Run executes a command and waits for it.
	//
	// # Description
	//
	// Returns stdout on success. A non-zero exit is returned as a
	// *util.CommandError carrying the exit code and trimmed stderr.
	//
	// # Inputs
	//
	//   - ctx: bounds the run; cancellation kills the process
	//   - name: executable name or path
	//   - args: arguments
	//
	// # Examples
	//
	//   out, err := pm.Run(ctx, "sh", "-c", "id -u")
	Run(ctx context.Context, name string, args ...string) ([]byte, error)

	// Output executes a command and returns its combined output and exit
	// code. Only a failure to start (or cancellation) is an error; a
	// non-zero exit is reported through the exit code.
	Output(ctx context.Context, name string, args ...string) ([]byte, int, error)

	// Start launches a long-running process and returns immediately.
	//
	// # Description
	//
	// The process is not tied to ctx; it runs until Stop is called on the
	// returned handle or it exits on its own. Output goes to spec.LogFile
	// when set, and is discarded otherwise.
	//
	// # Limitations
	//
	//   - No automatic cleanup when the parent exits.
	Start(ctx context.Context, spec StartSpec) (Process, error)
}

// StartSpec describes a background process.
type StartSpec struct {
	Name    string
	Args    []string
	Dir     string
	LogFile string
}

// Process is a handle on a started background process.
type Process interface {
	PID() int

	// Stop asks the process to exit and kills it if ctx expires first.
	Stop(ctx context.Context) error

	// Done is closed when the process has exited.
	Done() <-chan struct{}

	// Err is the exit error once Done is closed.
	Err() error
}

// -----------------------------------------------------------------------------
// Implementation
// -----------------------------------------------------------------------------

// DefaultManager implements Manager using os/exec.
type DefaultManager struct{}

// NewDefaultManager creates a Manager that runs real processes.
func NewDefaultManager() *DefaultManager {
	return &DefaultManager{}
}

// Run implements Manager.
func (pm *DefaultManager) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), util.NewCommandError(commandLine(name, args), exitCode(err), stderr.String(), err)
	}
	return stdout.Bytes(), nil
}

// Output implements Manager.
func (pm *DefaultManager) Output(ctx context.Context, name string, args ...string) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return out, exitErr.ExitCode(), nil
		}
		return out, -1, util.NewCommandError(commandLine(name, args), -1, "", err)
	}
	return out, 0, nil
}

// Start implements Manager.
func (pm *DefaultManager) Start(_ context.Context, spec StartSpec) (Process, error) {
	cmd := exec.Command(spec.Name, spec.Args...)
	cmd.Dir = spec.Dir

	var logFile *os.File
	if spec.LogFile != "" {
		f, err := os.OpenFile(spec.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", spec.LogFile, err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("failed to start %s: %w", spec.Name, err)
	}

	p := &osProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		if logFile != nil {
			logFile.Close()
		}
		close(p.done)
	}()
	return p, nil
}

type osProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *osProcess) PID() int              { return p.cmd.Process.Pid }
func (p *osProcess) Done() <-chan struct{} { return p.done }

func (p *osProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *osProcess) Stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	// Interrupt is unsupported on Windows; fall straight through to Kill.
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		return killAndWait(p)
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return killAndWait(p)
	}
}

func killAndWait(p *osProcess) error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", p.PID(), err)
	}
	<-p.done
	return nil
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func commandLine(name string, args []string) string {
	if len(args) == 0 {
		return name
	}
	return name + " " + strings.Join(args, " ")
}

// -----------------------------------------------------------------------------
// Mock Implementation for Testing
// -----------------------------------------------------------------------------

// MockManager is a test double for Manager.
//
// Configure it by setting function fields before use. A nil function field
// panics when its method is called.
type MockManager struct {
	RunFunc    func(ctx context.Context, name string, args ...string) ([]byte, error)
	OutputFunc func(ctx context.Context, name string, args ...string) ([]byte, int, error)
	StartFunc  func(ctx context.Context, spec StartSpec) (Process, error)

	// Calls records all method invocations for verification
	Calls []Call

	mu sync.Mutex
}

// Call records a single method invocation.
type Call struct {
	Method string
	Name   string
	Args   []string
}

func (m *MockManager) record(method, name string, args []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, Call{Method: method, Name: name, Args: append([]string(nil), args...)})
}

// Run delegates to RunFunc and records the call.
func (m *MockManager) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	m.record("Run", name, args)
	if m.RunFunc == nil {
		panic("MockManager.RunFunc not set")
	}
	return m.RunFunc(ctx, name, args...)
}

// Output delegates to OutputFunc and records the call.
func (m *MockManager) Output(ctx context.Context, name string, args ...string) ([]byte, int, error) {
	m.record("Output", name, args)
	if m.OutputFunc == nil {
		panic("MockManager.OutputFunc not set")
	}
	return m.OutputFunc(ctx, name, args...)
}

// Start delegates to StartFunc and records the call.
func (m *MockManager) Start(ctx context.Context, spec StartSpec) (Process, error) {
	m.record("Start", spec.Name, spec.Args)
	if m.StartFunc == nil {
		panic("MockManager.StartFunc not set")
	}
	return m.StartFunc(ctx, spec)
}

// Reset clears all recorded calls.
func (m *MockManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}

// GetCalls returns a copy of all recorded calls.
func (m *MockManager) GetCalls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.Calls))
	copy(out, m.Calls)
	return out
}

// MockProcess is a Process that exits when stopped.
type MockProcess struct {
	Pid int

	once    sync.Once
	done    chan struct{}
	mu      sync.Mutex
	stopped int
}

// NewMockProcess returns a running mock process.
func NewMockProcess(pid int) *MockProcess {
	return &MockProcess{Pid: pid, done: make(chan struct{})}
}

func (p *MockProcess) PID() int              { return p.Pid }
func (p *MockProcess) Done() <-chan struct{} { return p.done }
func (p *MockProcess) Err() error            { return nil }

// Stop marks the process exited.
func (p *MockProcess) Stop(context.Context) error {
	p.mu.Lock()
	p.stopped++
	p.mu.Unlock()
	p.Exit()
	return nil
}

// Exit simulates the process exiting on its own.
func (p *MockProcess) Exit() {
	p.once.Do(func() { close(p.done) })
}

// StopCount returns how many times Stop was called.
func (p *MockProcess) StopCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Compile-time interface compliance check.
var (
	_ Manager = (*DefaultManager)(nil)
	_ Manager = (*MockManager)(nil)
	_ Process = (*osProcess)(nil)
	_ Process = (*MockProcess)(nil)
)
