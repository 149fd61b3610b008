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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/coreswitch/cmd/coreswitch/config"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/ipc"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/util"
	"github.com/AleutianAI/coreswitch/pkg/logging"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/mod/semver"
)

// CoreParams describes the engine the helper should run.
type CoreParams struct {
	CoreType  string
	BinPath   string
	ConfigDir string
	LogFile   string
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Client    *ipc.Client
	Doc       *config.Document
	Installer Installer
	Core      CoreParams

	// RequiredVersion is the exact helper version this build expects.
	RequiredVersion string

	// InstallTimeout bounds one uninstall+install cycle.
	InstallTimeout time.Duration

	Logger *logging.Logger
	Now    func() time.Time
}

// Manager drives the privileged helper through its lifecycle.
//
// # Description
//
// Mutating operations (Reinstall, ForceReinstall, StartCore, StopCore) are
// serialized by an internal mutex, so the persisted ServiceState is only
// ever read-modify-written by one caller at a time. Read-only probes
// (CheckVersion, IsAvailable, NeedsReinstall, Status) do not take it.
//
// Reinstall policy: a reinstall happens only on a confirmed version
// mismatch or a confirmed unavailability (GetStatus round trip fails). A
// reachable helper whose version cannot be read is used as is.
//
// # Thread Safety
//
// Safe for concurrent use.
type Manager struct {
	client    *ipc.Client
	doc       *config.Document
	installer Installer
	core      CoreParams
	required  string
	installTO time.Duration
	logger    *logging.Logger
	now       func() time.Time

	opMu sync.Mutex
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RequiredVersion == "" {
		cfg.RequiredVersion = "1.1.0"
	}
	return &Manager{
		client:    cfg.Client,
		doc:       cfg.Doc,
		installer: cfg.Installer,
		core:      cfg.Core,
		required:  cfg.RequiredVersion,
		installTO: util.EnforceDefaultTimeout(cfg.InstallTimeout, util.DefaultInstallTimeout),
		logger:    logging.OrDiscard(cfg.Logger).Component("service"),
		now:       cfg.Now,
	}
}

// RequiredVersion returns the helper version this build expects.
func (m *Manager) RequiredVersion() string { return m.required }

// State returns the persisted install bookkeeping.
func (m *Manager) State() config.ServiceState { return m.doc.ServiceState() }

// PreferSidecar reports whether a failed install asked for unprivileged mode.
func (m *Manager) PreferSidecar() bool { return m.doc.ServiceState().PreferSidecar }

// =============================================================================
// Probes
// =============================================================================

// CheckVersion asks the helper for its version.
//
// An unreachable helper, or one whose outer envelope reports failure,
// yields an error matching ipc.ErrUnreachable. A helper that answered
// with a non-zero code yields *ipc.ReplyError. Neither implies "not
// installed".
func (m *Manager) CheckVersion(ctx context.Context) (string, error) {
	version, err := m.client.GetVersion(ctx)
	if err != nil {
		m.logger.Warn("service version check failed", "error", err, "unreachable", ipc.IsUnreachable(err))
		return "", err
	}
	m.touchCheckTime()
	m.logger.Debug("service version", "version", version, "required", m.required)
	return version, nil
}

// IsAvailable succeeds when the helper answers GetStatus, whatever it
// reports about the engine.
func (m *Manager) IsAvailable(ctx context.Context) error {
	st, err := m.client.GetStatus(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}
	if !st.Running() {
		m.logger.Debug("service up, engine not running", "code", st.Code, "msg", st.Msg)
	}
	return nil
}

// CanReinstall reports whether the rate limiter currently allows an install.
//
// # Description
//
// Evaluates the persisted ServiceState against the manager's clock; see
// the package-level CanReinstall for the rules.
//
// # Outputs
//
//   - bool: true when Reinstall would not return ErrRateLimited right now.
//
// # Limitations
//
//   - Advisory only: another caller may install between this check and a
//     following Reinstall, which re-checks under the operation lock.
func (m *Manager) CanReinstall() bool {
	return CanReinstall(m.doc.ServiceState(), m.now())
}

// NeedsReinstall reports whether the helper should be reinstalled now:
// the limiter allows it and either the version mismatches or, when the
// version cannot be read, the helper is unavailable.
func (m *Manager) NeedsReinstall(ctx context.Context) bool {
	if !m.CanReinstall() {
		m.logger.Info("reinstall check skipped: cooldown or install cap reached")
		return false
	}
	version, err := m.CheckVersion(ctx)
	if err == nil {
		mismatch := version != m.required
		if mismatch {
			m.logger.Warn("service version mismatch", "current", version, "required", m.required, "drift", Drift(version, m.required))
		}
		return mismatch
	}
	// A check cut short by the caller says nothing about the helper.
	if ctx.Err() != nil {
		return false
	}
	if m.IsAvailable(ctx) == nil {
		m.logger.Info("service reachable but version unreadable, not reinstalling", "error", err)
		return false
	}
	return ctx.Err() == nil
}

// =============================================================================
// Install
// =============================================================================

// Reinstall uninstalls (best effort) and installs the helper, subject to
// the rate limiter.
func (m *Manager) Reinstall(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.reinstallLocked(ctx, "reinstall")
}

// ForceReinstall resets the install bookkeeping (clearing PreferSidecar)
// and reinstalls.
func (m *Manager) ForceReinstall(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.logger.Info("forced service reinstall requested, resetting state")
	if err := m.doc.SaveServiceState(config.ServiceState{}); err != nil {
		return fmt.Errorf("reset service state: %w", err)
	}
	if err := m.reinstallLocked(ctx, "force"); err != nil {
		return fmt.Errorf("forced reinstall: %w", err)
	}
	return nil
}

func (m *Manager) reinstallLocked(ctx context.Context, reason string) (err error) {
	ctx, span := tracer.Start(ctx, "service.Reinstall")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(attribute.String("reason", reason))

	if err := ctx.Err(); err != nil {
		return err
	}
	st := m.doc.ServiceState()
	now := m.now()
	if !CanReinstall(st, now) {
		m.logger.Warn("service reinstall rejected by rate limiter",
			"install_count", st.InstallCount,
			"next_allowed", NextReinstall(st, now),
		)
		recordReinstall(ctx, "rate_limited")
		return ErrRateLimited
	}

	// Once started, an install runs to completion or its own timeout; a
	// half-installed helper is worse than a late answer.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.installTO)
	defer cancel()

	if err := m.installer.Uninstall(ctx); err != nil {
		m.logger.Warn("service uninstall failed, continuing with install", "error", err)
	}

	if err := m.installer.Install(ctx); err != nil {
		if isContextErr(err) {
			m.logger.Warn("service install interrupted, state unchanged", "error", err)
			recordReinstall(ctx, "interrupted")
			return fmt.Errorf("%w: %w", ErrInstallFailed, err)
		}
		st.LastError = installFailure(err)
		st.PreferSidecar = true
		if saveErr := m.doc.SaveServiceState(st); saveErr != nil {
			m.logger.Error("failed to persist service state", "error", saveErr)
		}
		m.logger.Error("service install failed, preferring sidecar mode", "error", err)
		recordReinstall(ctx, "failed")
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	RecordInstall(&st, m.now())
	if err := m.doc.SaveServiceState(st); err != nil {
		recordReinstall(ctx, "failed")
		return fmt.Errorf("persist service state: %w", err)
	}
	m.logger.Info("service installed", "install_count", st.InstallCount)
	recordReinstall(ctx, "ok")
	return nil
}

// =============================================================================
// Engine control
// =============================================================================

// StartCore starts the engine with configFile through the helper,
// reinstalling it first when that is both needed and allowed.
//
// # Description
//
//  1. Version mismatch: reinstall if allowed. If not allowed, or the
//     reinstall fails, start through whatever helper is installed.
//  2. Helper reachable (version matched or unreadable): start.
//  3. Helper unreachable: reinstall if allowed, then start. Otherwise fail
//     with ErrServiceUnavailable (and ErrRateLimited).
//
// # Inputs
//
//   - ctx: A ctx that is already done, or ends while the helper is being
//     checked, returns ctx.Err() and never triggers an install. An install
//     that has begun runs to completion under its own timeout.
//   - configFile: The runtime config path passed to the helper verbatim.
//
// # Outputs
//
//   - error: nil once the helper accepted the start. ErrServiceUnavailable
//     wraps unreachable and failed-install cases; a non-zero helper reply
//     is a plain "start engine" error.
//
// # Limitations
//
//   - Holds the manager's operation lock for the whole call, so a slow
//     install blocks StopCore and Reinstall.
//   - A failed install sets PreferSidecar, which only ForceReinstall clears.
func (m *Manager) StartCore(ctx context.Context, configFile string) (err error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	ctx, span := tracer.Start(ctx, "service.StartCore")
	path := "direct"
	defer func() {
		span.SetAttributes(attribute.String("path", path))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		recordStart(ctx, path, err == nil)
	}()

	version, verr := m.CheckVersion(ctx)
	if verr == nil && version != m.required {
		path = "mismatch"
		m.logger.Warn("service version mismatch", "current", version, "required", m.required, "drift", Drift(version, m.required))
		if !m.CanReinstall() {
			if err := m.startExisting(ctx, configFile); err != nil {
				return fmt.Errorf("service version mismatch and reinstall not allowed: %w", err)
			}
			m.logger.Info("engine started on outdated service")
			return nil
		}
		if err := m.reinstallLocked(ctx, "version_mismatch"); err != nil {
			m.logger.Warn("reinstall failed, using existing service", "error", err)
		}
		return m.startExisting(ctx, configFile)
	}

	if err := ctx.Err(); err != nil {
		path = "cancelled"
		return err
	}
	availErr := m.IsAvailable(ctx)
	if availErr == nil {
		return m.startExisting(ctx, configFile)
	}
	if err := ctx.Err(); err != nil {
		path = "cancelled"
		return err
	}

	path = "unavailable"
	if !m.CanReinstall() {
		return fmt.Errorf("%w and cannot be reinstalled now: %w", ErrServiceUnavailable, ErrRateLimited)
	}
	if err := m.reinstallLocked(ctx, "unavailable"); err != nil {
		return fmt.Errorf("%w: reinstall: %w", ErrServiceUnavailable, err)
	}
	return m.startExisting(ctx, configFile)
}

func (m *Manager) startExisting(ctx context.Context, configFile string) error {
	params := ipc.StartParams{
		CoreType:   m.core.CoreType,
		BinPath:    m.core.BinPath,
		ConfigDir:  m.core.ConfigDir,
		ConfigFile: configFile,
		LogFile:    m.core.LogFile,
	}
	if err := m.client.Start(ctx, params); err != nil {
		m.logger.Error("service failed to start engine", "error", err)
		if ipc.IsUnreachable(err) {
			return fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
		}
		return fmt.Errorf("start engine: %w", err)
	}
	m.logger.Info("engine started by service", "config", configFile)
	return nil
}

// StopCore asks the helper to stop the engine. A helper that reports an
// error (nothing running) or is not running at all is not a failure.
func (m *Manager) StopCore(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	err := m.client.Stop(ctx)
	if err == nil {
		m.logger.Info("engine stopped by service")
		return nil
	}
	var replyErr *ipc.ReplyError
	var svcErr *ipc.ServiceError
	switch {
	case errors.As(err, &replyErr), errors.As(err, &svcErr):
		m.logger.Debug("stop reported an error, treating as already stopped", "error", err)
		return nil
	case ipc.IsUnreachable(err):
		m.logger.Debug("service unreachable on stop, nothing to stop", "error", err)
		return nil
	}
	return fmt.Errorf("stop engine: %w", err)
}

// =============================================================================
// Status
// =============================================================================

// Status is a read-only snapshot of the helper for the API and CLI.
type Status struct {
	Available       bool                `json:"available"`
	Version         string              `json:"version,omitempty"`
	RequiredVersion string              `json:"required_version"`
	Drift           string              `json:"drift"`
	Core            *ipc.StatusBody     `json:"core,omitempty"`
	CoreRunning     bool                `json:"core_running"`
	CanReinstall    bool                `json:"can_reinstall"`
	NextReinstall   time.Time           `json:"next_reinstall"`
	State           config.ServiceState `json:"state"`
	Error           string              `json:"error,omitempty"`
}

// CoreRunning reports whether the helper answers and has an engine up.
func (m *Manager) CoreRunning(ctx context.Context) bool {
	st, err := m.client.GetStatus(ctx)
	return err == nil && st.Running()
}

// Status probes the helper without changing anything.
func (m *Manager) Status(ctx context.Context) Status {
	st := m.doc.ServiceState()
	now := m.now()
	out := Status{
		RequiredVersion: m.required,
		Drift:           DriftUnknown,
		CanReinstall:    CanReinstall(st, now),
		NextReinstall:   NextReinstall(st, now),
		State:           st,
	}

	core, err := m.client.GetStatus(ctx)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Available = true
	out.Core = core.Body
	out.CoreRunning = core.Running()

	if version, err := m.client.GetVersion(ctx); err == nil {
		out.Version = version
		out.Drift = Drift(version, m.required)
	} else {
		out.Error = err.Error()
	}
	return out
}

const (
	DriftMatch   = "match"
	DriftOlder   = "older"
	DriftNewer   = "newer"
	DriftUnknown = "unknown"
)

// Drift classifies version against required. Only exact equality counts
// as a match; the ordering is informational.
func Drift(version, required string) string {
	if version == required {
		return DriftMatch
	}
	v, r := canonical(version), canonical(required)
	if !semver.IsValid(v) || !semver.IsValid(r) {
		return DriftUnknown
	}
	switch semver.Compare(v, r) {
	case -1:
		return DriftOlder
	case 1:
		return DriftNewer
	}
	// Same semver, different spelling ("v1.1.0" vs "1.1.0").
	return DriftUnknown
}

func canonical(v string) string {
	if v == "" || v[0] == 'v' {
		return v
	}
	return "v" + v
}

func (m *Manager) touchCheckTime() {
	now := m.now().Unix()
	err := m.doc.Update(func(c *config.AppConfig) error {
		if c.ServiceState == nil {
			c.ServiceState = &config.ServiceState{}
		}
		c.ServiceState.LastCheckTime = now
		return nil
	})
	if err != nil {
		m.logger.Debug("failed to record service check time", "error", err)
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// installFailure is the LastError text for a failed install, preferring
// what the script printed over the wrapped error chain.
func installFailure(err error) string {
	if stderr := util.ExtractStderr(err); stderr != "" {
		return "failed to install service: " + stderr
	}
	return fmt.Sprintf("failed to install service: %v", err)
}
