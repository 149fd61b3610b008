// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/util"
	"gopkg.in/yaml.v3"
)

// HomeDir returns the coreswitch home directory (~/.coreswitch).
func HomeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".coreswitch"), nil
}

// DefaultPath returns ~/.coreswitch/coreswitch.yaml.
func DefaultPath() (string, error) {
	home, err := HomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "coreswitch.yaml"), nil
}

// Load reads the config at path, creating it with defaults on first run.
//
// Values missing from the file keep their defaults, so an old config
// picks up new settings without being rewritten.
func Load(path string) (AppConfig, error) {
	home := filepath.Dir(path)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := createDefault(path, home); err != nil {
			return AppConfig{}, err
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return AppConfig{}, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg := DefaultConfig(home)
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("failed to parse the config file %s: %w", path, err)
	}
	if cfg.Core.Mode != ModeService && cfg.Core.Mode != ModeSidecar {
		return AppConfig{}, fmt.Errorf("core.mode must be %q or %q, got %q", ModeService, ModeSidecar, cfg.Core.Mode)
	}
	switch cfg.Telemetry.TraceExporter {
	case "", "none", "stdout", "otlp":
	default:
		return AppConfig{}, fmt.Errorf("telemetry.trace_exporter %q is not one of none, stdout, otlp", cfg.Telemetry.TraceExporter)
	}
	switch cfg.Telemetry.MetricExporter {
	case "", "none", "prometheus", "stdout":
	default:
		return AppConfig{}, fmt.Errorf("telemetry.metric_exporter %q is not one of none, prometheus, stdout", cfg.Telemetry.MetricExporter)
	}
	return cfg, nil
}

func createDefault(path, home string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig(home))
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// TimeoutConfig converts the YAML timeouts into validated runtime values.
func (c AppConfig) TimeoutConfig() util.TimeoutConfig {
	return util.TimeoutConfig{
		LockWait:     c.Timeouts.LockWait,
		FileRead:     c.Timeouts.FileRead,
		Parse:        c.Timeouts.Parse,
		KernelUpdate: c.Timeouts.KernelUpdate,
		IPC:          c.Timeouts.IPC,
		Install:      c.Timeouts.Install,
		Shutdown:     c.Timeouts.Shutdown,
	}.Validated()
}

// =============================================================================
// Document
// =============================================================================

// Document is the live, persisted configuration.
//
// # Description
//
// Readers get an immutable snapshot through Latest without locking.
// Update clones the snapshot, applies a mutation, writes the result to
// disk and only then publishes it, so the in-memory view never runs
// ahead of the file.
//
// # Thread Safety
//
// Safe for concurrent use. Updates are serialized.
type Document struct {
	path   string
	mu     sync.Mutex
	latest atomic.Pointer[AppConfig]
}

// OpenDocument loads path (creating defaults if needed).
func OpenDocument(path string) (*Document, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	d := &Document{path: path}
	d.latest.Store(&cfg)
	return d, nil
}

// NewMemoryDocument returns a Document that is never written to disk.
func NewMemoryDocument(cfg AppConfig) *Document {
	d := &Document{}
	d.latest.Store(&cfg)
	return d
}

// Path returns the backing file, empty for in-memory documents.
func (d *Document) Path() string { return d.path }

// Latest returns the current snapshot. Callers must not mutate it.
func (d *Document) Latest() AppConfig {
	return *d.latest.Load()
}

// Update applies fn to a copy of the config and persists it.
func (d *Document) Update(fn func(*AppConfig) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := d.latest.Load().Clone()
	if err := fn(&next); err != nil {
		return err
	}
	if d.path != "" {
		if err := writeAtomic(d.path, next); err != nil {
			return err
		}
	}
	d.latest.Store(&next)
	return nil
}

// ServiceState returns a copy of the install bookkeeping (zero if absent).
func (d *Document) ServiceState() ServiceState {
	if st := d.latest.Load().ServiceState; st != nil {
		return *st
	}
	return ServiceState{}
}

// SaveServiceState replaces the install bookkeeping.
func (d *Document) SaveServiceState(st ServiceState) error {
	return d.Update(func(c *AppConfig) error {
		c.ServiceState = &st
		return nil
	})
}

func writeAtomic(path string, cfg AppConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".coreswitch-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}
