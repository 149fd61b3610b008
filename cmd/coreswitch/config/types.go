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
	"path/filepath"
	"runtime"
	"time"
)

// AppConfig is the controller's configuration document.
//
// It is stored as YAML at ~/.coreswitch/coreswitch.yaml. The service
// install bookkeeping lives in the same document under service_state so
// that it survives restarts together with the rest of the configuration.
type AppConfig struct {
	// Core: the proxy engine binary and how it is run
	Core CoreConfig `yaml:"core"`

	// Service: where and how to reach the privileged helper
	Service ServiceConfig `yaml:"service"`

	// Profiles: where profile documents and the profile list live
	Profiles ProfilesConfig `yaml:"profiles"`

	// API: the local control API used by the CLI and the UI layer
	API APIConfig `yaml:"api"`

	Logging   LoggingConfig   `yaml:"logging"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Notify    NotifyConfig    `yaml:"notify"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// ServiceState is written by the lifecycle manager, never by hand.
	ServiceState *ServiceState `yaml:"service_state,omitempty"`
}

// Run modes for the proxy engine.
const (
	ModeService = "service"
	ModeSidecar = "sidecar"
)

type CoreConfig struct {
	Type    string `yaml:"type"`     // e.g. mihomo, mihomo-alpha
	BinDir  string `yaml:"bin_dir"`  // directory holding the engine binary
	Mode    string `yaml:"mode"`     // service | sidecar
	WorkDir string `yaml:"work_dir"` // engine home: runtime config, caches
	LogFile string `yaml:"log_file"` // engine log written by the service

	// Overrides are forced into every runtime config the engine loads.
	Overrides map[string]any `yaml:"overrides,omitempty"`
}

type ServiceConfig struct {
	SocketPath      string `yaml:"socket_path"`      // unix socket or \\.\pipe\name
	RequiredVersion string `yaml:"required_version"` // exact version the app was built against
	InstallerDir    string `yaml:"installer_dir"`    // holds install-service / uninstall-service
	Elevator        string `yaml:"elevator"`         // linux only: sudo, pkexec, doas
}

type ProfilesConfig struct {
	Dir   string `yaml:"dir"`    // one document per profile, named by uid
	DBDir string `yaml:"db_dir"` // badger directory for the profile list

	// UserAgent is sent when fetching remote profiles.
	UserAgent string `yaml:"user_agent"`

	// EngineProxy is the engine's local HTTP proxy, used for self_proxy
	// fetches and as the fallback when a direct fetch fails.
	EngineProxy string `yaml:"engine_proxy"`
}

type APIConfig struct {
	Listen string `yaml:"listen"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}

// TimeoutsConfig mirrors util.TimeoutConfig in YAML form ("100ms", "30s").
type TimeoutsConfig struct {
	LockWait     time.Duration `yaml:"lock_wait"`
	FileRead     time.Duration `yaml:"file_read"`
	Parse        time.Duration `yaml:"parse"`
	KernelUpdate time.Duration `yaml:"kernel_update"`
	IPC          time.Duration `yaml:"ipc"`
	Install      time.Duration `yaml:"install"`
	Shutdown     time.Duration `yaml:"shutdown"`
}

type NotifyConfig struct {
	// Desktop shows OS notifications for failures the user must act on.
	Desktop bool `yaml:"desktop"`
}

type TelemetryConfig struct {
	TraceExporter  string `yaml:"trace_exporter"`  // none | stdout | otlp
	MetricExporter string `yaml:"metric_exporter"` // none | prometheus | stdout
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
}

// ServiceState is the privileged-service install bookkeeping.
//
// Timestamps are unix seconds. InstallCount counts installs inside the
// 24h window anchored at LastInstallTime. PreferSidecar is set when a
// privileged install fails and stays set until a forced reinstall.
type ServiceState struct {
	LastInstallTime int64  `yaml:"last_install_time" json:"last_install_time"`
	InstallCount    uint32 `yaml:"install_count" json:"install_count"`
	LastCheckTime   int64  `yaml:"last_check_time" json:"last_check_time"`
	LastError       string `yaml:"last_error,omitempty" json:"last_error,omitempty"`
	PreferSidecar   bool   `yaml:"prefer_sidecar" json:"prefer_sidecar"`
}

// DefaultConfig returns the configuration written on first run.
//
// home is the coreswitch home directory (normally ~/.coreswitch).
func DefaultConfig(home string) AppConfig {
	return AppConfig{
		Core: CoreConfig{
			Type:    "mihomo",
			BinDir:  filepath.Join(home, "bin"),
			Mode:    ModeService,
			WorkDir: filepath.Join(home, "core"),
			LogFile: filepath.Join(home, "logs", "service.log"),
			Overrides: map[string]any{
				"mixed-port":          7897,
				"external-controller": "127.0.0.1:9090",
			},
		},
		Service: ServiceConfig{
			SocketPath:      defaultSocketPath(),
			RequiredVersion: "1.1.0",
			InstallerDir:    filepath.Join(home, "bin"),
			Elevator:        "sudo",
		},
		Profiles: ProfilesConfig{
			Dir:         filepath.Join(home, "profiles"),
			DBDir:       filepath.Join(home, "db"),
			UserAgent:   "coreswitch/1.0",
			EngineProxy: "http://127.0.0.1:7897",
		},
		API: APIConfig{Listen: "127.0.0.1:9097"},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   filepath.Join(home, "logs"),
		},
		Timeouts: TimeoutsConfig{
			LockWait:     100 * time.Millisecond,
			FileRead:     5 * time.Second,
			Parse:        5 * time.Second,
			KernelUpdate: 30 * time.Second,
			IPC:          10 * time.Second,
			Install:      2 * time.Minute,
			Shutdown:     3 * time.Second,
		},
		Notify: NotifyConfig{Desktop: true},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
		},
	}
}

func defaultSocketPath() string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\coreswitch-service`
	}
	return "/tmp/coreswitch-service.sock"
}

// Clone returns a deep copy.
func (c AppConfig) Clone() AppConfig {
	out := c
	if c.ServiceState != nil {
		st := *c.ServiceState
		out.ServiceState = &st
	}
	if c.Core.Overrides != nil {
		out.Core.Overrides = make(map[string]any, len(c.Core.Overrides))
		for k, v := range c.Core.Overrides {
			out.Core.Overrides[k] = v
		}
	}
	return out
}
