// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/proc"
	"github.com/AleutianAI/coreswitch/pkg/logging"
)

// Installer installs and removes the privileged helper. Platform variants
// handle elevation; the lifecycle manager only sees this interface.
type Installer interface {
	Install(ctx context.Context) error
	Uninstall(ctx context.Context) error
	IsElevated() bool
}

// ScriptInstaller runs the install-service / uninstall-service programs
// shipped next to the engine, elevating with the platform's mechanism.
type ScriptInstaller struct {
	dir      string
	elevator string
	procs    proc.Manager
	logger   *logging.Logger
	elevated func() bool
}

// NewScriptInstaller creates an installer for the programs in dir.
// elevator is only used on linux (sudo, pkexec, doas).
func NewScriptInstaller(dir, elevator string, procs proc.Manager, logger *logging.Logger) *ScriptInstaller {
	if elevator == "" {
		elevator = "sudo"
	}
	return &ScriptInstaller{
		dir:      dir,
		elevator: elevator,
		procs:    procs,
		logger:   logging.OrDiscard(logger).Component("installer"),
		elevated: isElevated,
	}
}

func (s *ScriptInstaller) IsElevated() bool { return s.elevated() }

func (s *ScriptInstaller) Install(ctx context.Context) error {
	return s.run(ctx, "install-service")
}

func (s *ScriptInstaller) Uninstall(ctx context.Context) error {
	return s.run(ctx, "uninstall-service")
}

func (s *ScriptInstaller) program(name string) (string, error) {
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	path := filepath.Join(s.dir, name)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %s", ErrInstallerMissing, path)
	}
	return path, nil
}

func (s *ScriptInstaller) run(ctx context.Context, name string) error {
	path, err := s.program(name)
	if err != nil {
		return err
	}
	bin, args := s.command(path)
	s.logger.Info("running service installer", "program", name, "elevated", s.IsElevated(), "via", bin)
	if _, err := s.procs.Run(ctx, bin, args...); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// MockInstaller is a test double for Installer.
type MockInstaller struct {
	InstallFunc   func(ctx context.Context) error
	UninstallFunc func(ctx context.Context) error
	Elevated      bool

	mu         sync.Mutex
	installs   int
	uninstalls int
}

var (
	_ Installer = (*ScriptInstaller)(nil)
	_ Installer = (*MockInstaller)(nil)
)

func (m *MockInstaller) Install(ctx context.Context) error {
	m.mu.Lock()
	m.installs++
	m.mu.Unlock()
	if m.InstallFunc != nil {
		return m.InstallFunc(ctx)
	}
	return nil
}

func (m *MockInstaller) Uninstall(ctx context.Context) error {
	m.mu.Lock()
	m.uninstalls++
	m.mu.Unlock()
	if m.UninstallFunc != nil {
		return m.UninstallFunc(ctx)
	}
	return nil
}

func (m *MockInstaller) IsElevated() bool { return m.Elevated }

// Counts returns how many installs and uninstalls were attempted.
func (m *MockInstaller) Counts() (installs, uninstalls int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.installs, m.uninstalls
}
