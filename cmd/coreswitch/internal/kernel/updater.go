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
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/proc"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/profiles"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/util"
	"github.com/AleutianAI/coreswitch/pkg/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gopkg.in/yaml.v3"
)

// RuntimeFile is the generated config the engine loads.
const RuntimeFile = "runtime.yaml"

// CheckFile holds a candidate config while the engine tests it. It only
// replaces RuntimeFile once the test passes.
const CheckFile = "runtime.check.yaml"

var tracer = otel.Tracer("coreswitch.kernel")

// Result is the engine's verdict on a profile state.
//
// Valid=false means the engine (or document generation) rejected the
// config; Message then carries the diagnostic text. Infrastructure
// failures are returned as errors instead.
type Result struct {
	Valid      bool
	Message    string
	ConfigPath string
}

// UpdaterConfig configures an Updater.
type UpdaterConfig struct {
	// WorkDir is the engine home; CheckFile and RuntimeFile live here.
	WorkDir string

	// BinPath is the engine binary. When it exists, every runtime config
	// is checked with "<bin> -t -d <WorkDir> -f <file>" before loading.
	BinPath string

	// Overrides are forced into every runtime config.
	Overrides map[string]any

	Docs      *profiles.Documents
	Validator *Validator
	Procs     proc.Manager
	Runner    Runner
	Logger    *logging.Logger
}

// Updater turns a profile state into a running engine config.
//
// # Thread Safety
//
// Apply is not meant to be called concurrently; callers hold the profile
// update lock around it.
type Updater struct {
	cfg    UpdaterConfig
	logger *logging.Logger
}

// NewUpdater creates an Updater.
func NewUpdater(cfg UpdaterConfig) *Updater {
	if cfg.Validator == nil {
		cfg.Validator = NewValidator(0, 0, cfg.Logger)
	}
	if cfg.Procs == nil {
		cfg.Procs = proc.NewDefaultManager()
	}
	return &Updater{cfg: cfg, logger: logging.OrDiscard(cfg.Logger).Component("kernel")}
}

// Validate checks the document of item before any state changes.
func (u *Updater) Validate(ctx context.Context, item profiles.Item) error {
	path, err := u.cfg.Docs.PathOf(item)
	if err != nil {
		return &ValidationError{Kind: KindFileNotFound, Path: item.File, Detail: err.Error()}
	}
	return u.cfg.Validator.ValidateFile(ctx, path)
}

// RuntimePath returns the generated config path.
func (u *Updater) RuntimePath() string {
	return filepath.Join(u.cfg.WorkDir, RuntimeFile)
}

// CheckPath returns where candidate configs are staged for the engine test.
func (u *Updater) CheckPath() string {
	return filepath.Join(u.cfg.WorkDir, CheckFile)
}

// Apply generates the runtime config for st, has the engine test it and
// loads it.
//
// # Description
//
// The candidate document (the active profile with Overrides forced in) is
// written to CheckPath and tested with "<bin> -t" when the binary exists.
// Only a passing candidate is renamed over RuntimePath and handed to the
// Runner, so the config the engine runs is never replaced by one it
// rejected.
//
// # Inputs
//
//   - ctx: Bounds the engine test and the runner start.
//   - st: The state to apply. An empty Current yields an overrides-only
//     config.
//
// # Outputs
//
//   - Result: Valid=false with Message for a document that cannot be
//     generated or that the engine rejected; ConfigPath then names the
//     rejected candidate.
//   - error: Infrastructure failures (writing files, running the test,
//     starting the engine).
//
// # Limitations
//
//   - Not safe for concurrent calls; they share CheckPath.
func (u *Updater) Apply(ctx context.Context, st profiles.State) (Result, error) {
	ctx, span := tracer.Start(ctx, "kernel.Apply")
	defer span.End()
	span.SetAttributes(attribute.String("profile.current", st.Current))

	start := time.Now()
	doc, rejection := u.generate(st)
	if rejection != "" {
		span.SetStatus(codes.Error, rejection)
		return Result{Valid: false, Message: rejection}, nil
	}

	check := u.CheckPath()
	if err := writeFileAtomic(check, doc); err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("write candidate config: %w", err)
	}

	if msg, ok, err := u.engineTest(ctx, check); err != nil {
		span.RecordError(err)
		return Result{}, err
	} else if !ok {
		// The rejected candidate stays at CheckPath for inspection.
		span.SetStatus(codes.Error, "engine rejected config")
		u.logger.Warn("engine rejected config", "profile", st.Current, "message", msg)
		return Result{Valid: false, Message: msg, ConfigPath: check}, nil
	}

	path := u.RuntimePath()
	if err := os.Rename(check, path); err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("install runtime config: %w", err)
	}

	if u.cfg.Runner == nil {
		return Result{}, fmt.Errorf("no engine runner configured")
	}
	if err := u.cfg.Runner.Start(ctx, path); err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("start engine via %s: %w", u.cfg.Runner.Name(), err)
	}

	u.logger.Info("engine config loaded",
		"profile", st.Current,
		"runner", u.cfg.Runner.Name(),
		"duration", time.Since(start),
	)
	return Result{Valid: true, ConfigPath: path}, nil
}

// Stop stops the engine.
func (u *Updater) Stop(ctx context.Context) error {
	if u.cfg.Runner == nil {
		return nil
	}
	return u.cfg.Runner.Stop(ctx)
}

// generate builds the runtime document. A non-empty second result is a
// rejection message.
func (u *Updater) generate(st profiles.State) ([]byte, string) {
	base := map[string]any{}
	if item, ok := st.CurrentItem(); ok {
		data, err := u.cfg.Docs.Read(item)
		if err != nil {
			return nil, fmt.Sprintf("read profile %s: %v", item.UID, err)
		}
		if err := yaml.Unmarshal(data, &base); err != nil {
			return nil, fmt.Sprintf("parse profile %s: %v", item.UID, err)
		}
		if base == nil {
			base = map[string]any{}
		}
	}
	for k, v := range u.cfg.Overrides {
		base[k] = v
	}
	out, err := yaml.Marshal(base)
	if err != nil {
		return nil, fmt.Sprintf("encode runtime config: %v", err)
	}
	return out, ""
}

// engineTest runs the engine's own config check when the binary exists.
func (u *Updater) engineTest(ctx context.Context, path string) (string, bool, error) {
	if u.cfg.BinPath == "" {
		return "", true, nil
	}
	if _, err := os.Stat(u.cfg.BinPath); err != nil {
		u.logger.Debug("engine binary missing, skipping config test", "bin", u.cfg.BinPath)
		return "", true, nil
	}
	out, code, err := u.cfg.Procs.Output(ctx, u.cfg.BinPath, "-t", "-d", u.cfg.WorkDir, "-f", path)
	if err != nil {
		if stderr := util.ExtractStderr(err); stderr != "" {
			return "", false, fmt.Errorf("engine config test: %s: %w", stderr, err)
		}
		return "", false, fmt.Errorf("engine config test: %w", err)
	}
	if code == 0 {
		return "", true, nil
	}
	return engineErrors(string(out)), false, nil
}

// engineErrors keeps the error lines of the engine's test output.
func engineErrors(out string) string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)
		if strings.Contains(lower, "level=error") || strings.Contains(lower, "level=fatal") || strings.Contains(lower, "test failed") {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return strings.TrimSpace(out)
	}
	return strings.Join(lines, "\n")
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".runtime-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
