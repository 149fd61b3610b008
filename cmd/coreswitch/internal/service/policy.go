// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package service manages the privileged helper that runs the proxy
// engine: version checks, rate-limited reinstalls and starting or
// stopping the engine over IPC.
package service

import (
	"errors"
	"time"

	"github.com/AleutianAI/coreswitch/cmd/coreswitch/config"
)

const (
	// ReinstallCooldown is the minimum time between two installs.
	ReinstallCooldown = 5 * time.Minute

	// InstallWindow is the rolling window, anchored at the last install,
	// in which at most MaxInstallsPerWindow installs may happen.
	InstallWindow = 24 * time.Hour

	MaxInstallsPerWindow = 3
)

var (
	// ErrRateLimited means a reinstall was wanted but the limiter denied it.
	ErrRateLimited = errors.New("service reinstall is rate limited, try again later")

	// ErrServiceUnavailable means the helper could not be reached.
	ErrServiceUnavailable = errors.New("privileged service is not available")

	// ErrInstallFailed means the platform installer failed.
	ErrInstallFailed = errors.New("service install failed")

	// ErrInstallerMissing means the install or uninstall program is absent.
	ErrInstallerMissing = errors.New("service installer not found")
)

// CanReinstall applies the cooldown and the per-window cap to st.
//
// # Description
//
// An install is refused within ReinstallCooldown of the last one, and
// once MaxInstallsPerWindow installs happened inside InstallWindow.
//
// # Inputs
//
//   - st: The persisted bookkeeping. A zero LastInstallTime means never
//     installed.
//   - now: The current time. A clock set back before LastInstallTime
//     counts as inside the cooldown.
//
// # Outputs
//
//   - bool: true if an install may start now.
func CanReinstall(st config.ServiceState, now time.Time) bool {
	since := now.Sub(time.Unix(st.LastInstallTime, 0))
	if since < ReinstallCooldown {
		return false
	}
	if since < InstallWindow && st.InstallCount >= MaxInstallsPerWindow {
		return false
	}
	return true
}

// RecordInstall counts a successful install at now. The counter restarts
// once the previous window has expired.
func RecordInstall(st *config.ServiceState, now time.Time) {
	if now.Sub(time.Unix(st.LastInstallTime, 0)) > InstallWindow {
		st.InstallCount = 0
	}
	st.LastInstallTime = now.Unix()
	st.InstallCount++
	st.LastError = ""
}

// NextReinstall returns when the limiter will next allow an install, or
// now if it already does.
func NextReinstall(st config.ServiceState, now time.Time) time.Time {
	if CanReinstall(st, now) {
		return now
	}
	last := time.Unix(st.LastInstallTime, 0)
	next := last.Add(ReinstallCooldown)
	if st.InstallCount >= MaxInstallsPerWindow {
		next = last.Add(InstallWindow)
	}
	return next
}
