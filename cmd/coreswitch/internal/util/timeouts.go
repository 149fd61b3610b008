// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package util

import "time"

const (
	// DefaultLockWait is how long a switch request waits for the update
	// lock before re-checking whether it has been superseded.
	DefaultLockWait = 100 * time.Millisecond

	// DefaultFileReadTimeout bounds reading a candidate profile document.
	DefaultFileReadTimeout = 5 * time.Second

	// DefaultParseTimeout bounds parsing a candidate profile document.
	DefaultParseTimeout = 5 * time.Second

	// DefaultKernelUpdateTimeout bounds a full kernel config update.
	DefaultKernelUpdateTimeout = 30 * time.Second

	// DefaultIPCTimeout bounds a single round trip to the privileged service.
	DefaultIPCTimeout = 10 * time.Second

	// DefaultInstallTimeout bounds an installer run, which includes the
	// time the user spends on the elevation prompt.
	DefaultInstallTimeout = 2 * time.Minute

	// DefaultShutdownTimeout bounds cleanup of a single resource.
	DefaultShutdownTimeout = 3 * time.Second

	MinLockWait        = 10 * time.Millisecond
	MinIOTimeout       = 100 * time.Millisecond
	MinKernelTimeout   = 1 * time.Second
	MinShutdownTimeout = 500 * time.Millisecond
)

// TimeoutConfig groups every bounded wait of the controller.
//
// Zero fields mean "use the default"; Validated clamps values below
// their minimum.
type TimeoutConfig struct {
	LockWait     time.Duration
	FileRead     time.Duration
	Parse        time.Duration
	KernelUpdate time.Duration
	IPC          time.Duration
	Install      time.Duration
	Shutdown     time.Duration
}

// NewTimeoutConfig returns the production defaults.
func NewTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		LockWait:     DefaultLockWait,
		FileRead:     DefaultFileReadTimeout,
		Parse:        DefaultParseTimeout,
		KernelUpdate: DefaultKernelUpdateTimeout,
		IPC:          DefaultIPCTimeout,
		Install:      DefaultInstallTimeout,
		Shutdown:     DefaultShutdownTimeout,
	}
}

// Validated returns a copy with defaults filled in and minimums enforced.
func (c TimeoutConfig) Validated() TimeoutConfig {
	return TimeoutConfig{
		LockWait:     EnforceMinTimeout(EnforceDefaultTimeout(c.LockWait, DefaultLockWait), MinLockWait),
		FileRead:     EnforceMinTimeout(EnforceDefaultTimeout(c.FileRead, DefaultFileReadTimeout), MinIOTimeout),
		Parse:        EnforceMinTimeout(EnforceDefaultTimeout(c.Parse, DefaultParseTimeout), MinIOTimeout),
		KernelUpdate: EnforceMinTimeout(EnforceDefaultTimeout(c.KernelUpdate, DefaultKernelUpdateTimeout), MinKernelTimeout),
		IPC:          EnforceMinTimeout(EnforceDefaultTimeout(c.IPC, DefaultIPCTimeout), MinIOTimeout),
		Install:      EnforceMinTimeout(EnforceDefaultTimeout(c.Install, DefaultInstallTimeout), MinKernelTimeout),
		Shutdown:     EnforceMinTimeout(EnforceDefaultTimeout(c.Shutdown, DefaultShutdownTimeout), MinShutdownTimeout),
	}
}

// EnforceMinTimeout returns minimum when requested is unset or too small.
func EnforceMinTimeout(requested, minimum time.Duration) time.Duration {
	if requested <= 0 || requested < minimum {
		return minimum
	}
	return requested
}

// EnforceDefaultTimeout returns defaultVal when requested is unset.
func EnforceDefaultTimeout(requested, defaultVal time.Duration) time.Duration {
	if requested <= 0 {
		return defaultVal
	}
	return requested
}
