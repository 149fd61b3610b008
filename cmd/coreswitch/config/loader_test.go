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
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// TestLoad_CreatesDefault verifies first-run creation.
func TestLoad_CreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "coreswitch.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file was not created: %v", err)
	}
	if cfg.Service.RequiredVersion != "1.1.0" {
		t.Errorf("RequiredVersion = %q, want %q", cfg.Service.RequiredVersion, "1.1.0")
	}
	if cfg.Core.Mode != ModeService {
		t.Errorf("Core.Mode = %q, want %q", cfg.Core.Mode, ModeService)
	}
	if want := filepath.Join(filepath.Dir(path), "profiles"); cfg.Profiles.Dir != want {
		t.Errorf("Profiles.Dir = %q, want %q", cfg.Profiles.Dir, want)
	}
}

// TestLoad_PartialFileKeepsDefaults verifies missing keys fall back.
func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coreswitch.yaml")
	content := "core:\n  mode: sidecar\ntimeouts:\n  lock_wait: 250ms\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Core.Mode != ModeSidecar {
		t.Errorf("Core.Mode = %q, want sidecar", cfg.Core.Mode)
	}
	if cfg.Core.Type != "mihomo" {
		t.Errorf("Core.Type = %q, want default mihomo", cfg.Core.Type)
	}
	if cfg.Timeouts.LockWait != 250*time.Millisecond {
		t.Errorf("LockWait = %v, want 250ms", cfg.Timeouts.LockWait)
	}
	if cfg.Timeouts.KernelUpdate != 30*time.Second {
		t.Errorf("KernelUpdate = %v, want 30s", cfg.Timeouts.KernelUpdate)
	}
}

func TestLoad_RejectsUnknownMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coreswitch.yaml")
	if err := os.WriteFile(path, []byte("core:\n  mode: tun\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coreswitch.yaml")
	if err := os.WriteFile(path, []byte("core: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestTimeoutConfig_ClampsValues(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.Timeouts.LockWait = time.Millisecond
	cfg.Timeouts.IPC = 0

	tc := cfg.TimeoutConfig()
	if tc.LockWait != 10*time.Millisecond {
		t.Errorf("LockWait = %v, want clamped to 10ms", tc.LockWait)
	}
	if tc.IPC != 10*time.Second {
		t.Errorf("IPC = %v, want default 10s", tc.IPC)
	}
}

// TestDocument_UpdatePersists verifies Update writes through to disk.
func TestDocument_UpdatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coreswitch.yaml")
	doc, err := OpenDocument(path)
	if err != nil {
		t.Fatalf("OpenDocument() failed: %v", err)
	}

	st := ServiceState{LastInstallTime: 1700000000, InstallCount: 2, PreferSidecar: true}
	if err := doc.SaveServiceState(st); err != nil {
		t.Fatalf("SaveServiceState() failed: %v", err)
	}
	if got := doc.ServiceState(); got != st {
		t.Errorf("ServiceState() = %+v, want %+v", got, st)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var onDisk AppConfig
	if err := yaml.Unmarshal(data, &onDisk); err != nil {
		t.Fatal(err)
	}
	if onDisk.ServiceState == nil || *onDisk.ServiceState != st {
		t.Errorf("persisted state = %+v, want %+v", onDisk.ServiceState, st)
	}

	reopened, err := OpenDocument(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := reopened.ServiceState(); got != st {
		t.Errorf("reopened ServiceState() = %+v, want %+v", got, st)
	}
}

// TestDocument_FailedUpdateLeavesSnapshot verifies an error aborts the update.
func TestDocument_FailedUpdateLeavesSnapshot(t *testing.T) {
	doc := NewMemoryDocument(DefaultConfig(t.TempDir()))
	boom := errors.New("boom")

	err := doc.Update(func(c *AppConfig) error {
		c.Core.Mode = ModeSidecar
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update() error = %v, want boom", err)
	}
	if doc.Latest().Core.Mode != ModeService {
		t.Errorf("snapshot changed after failed update")
	}
}

func TestDocument_SnapshotIsolation(t *testing.T) {
	doc := NewMemoryDocument(DefaultConfig(t.TempDir()))
	if err := doc.SaveServiceState(ServiceState{InstallCount: 1}); err != nil {
		t.Fatal(err)
	}
	before := doc.Latest()
	if err := doc.SaveServiceState(ServiceState{InstallCount: 3}); err != nil {
		t.Fatal(err)
	}
	if before.ServiceState.InstallCount != 1 {
		t.Errorf("earlier snapshot mutated: %d", before.ServiceState.InstallCount)
	}
}

func TestDocument_ConcurrentUpdates(t *testing.T) {
	doc := NewMemoryDocument(DefaultConfig(t.TempDir()))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = doc.Update(func(c *AppConfig) error {
				if c.ServiceState == nil {
					c.ServiceState = &ServiceState{}
				}
				c.ServiceState.InstallCount++
				return nil
			})
		}()
	}
	wg.Wait()
	if got := doc.ServiceState().InstallCount; got != 50 {
		t.Errorf("InstallCount = %d, want 50", got)
	}
}

// TestLoad_RejectsUnknownExporters verifies telemetry exporter names.
func TestLoad_RejectsUnknownExporters(t *testing.T) {
	cases := map[string]string{
		"trace":  "telemetry:\n  trace_exporter: jaeger\n",
		"metric": "telemetry:\n  metric_exporter: influx\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "coreswitch.yaml")
			if err := os.WriteFile(path, []byte(body), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Fatal("Load() accepted an unknown exporter")
			}
		})
	}
}

// TestClone_CopiesOverrides verifies a clone does not share the map.
func TestClone_CopiesOverrides(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cp := cfg.Clone()
	cp.Core.Overrides["mixed-port"] = 1080
	if cfg.Core.Overrides["mixed-port"] != 7897 {
		t.Errorf("original overrides changed: %v", cfg.Core.Overrides["mixed-port"])
	}
}
