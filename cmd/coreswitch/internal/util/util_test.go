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

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Timeout Tests
// =============================================================================

func TestTimeoutConfig_ValidatedFillsDefaults(t *testing.T) {
	got := TimeoutConfig{}.Validated()
	assert.Equal(t, NewTimeoutConfig(), got)
}

func TestTimeoutConfig_ValidatedClampsMinimums(t *testing.T) {
	got := TimeoutConfig{
		LockWait:     time.Millisecond,
		FileRead:     time.Millisecond,
		KernelUpdate: 10 * time.Millisecond,
		Shutdown:     time.Millisecond,
	}.Validated()

	assert.Equal(t, MinLockWait, got.LockWait)
	assert.Equal(t, MinIOTimeout, got.FileRead)
	assert.Equal(t, MinKernelTimeout, got.KernelUpdate)
	assert.Equal(t, MinShutdownTimeout, got.Shutdown)
}

func TestTimeoutConfig_ValidatedKeepsExplicitValues(t *testing.T) {
	got := TimeoutConfig{KernelUpdate: 45 * time.Second}.Validated()
	assert.Equal(t, 45*time.Second, got.KernelUpdate)
}

// =============================================================================
// CommandError Tests
// =============================================================================

func TestCommandError_Error(t *testing.T) {
	assert.Equal(t, "install-service (exit 1): denied",
		NewCommandError("install-service", 1, "  denied\n", nil).Error())
	assert.Equal(t, "sudo (exit 126): boom",
		NewCommandError("sudo", 126, "", errors.New("boom")).Error())
	assert.Equal(t, "osascript (exit 2)",
		NewCommandError("osascript", 2, "", nil).Error())
}

func TestExtractStderr_WalksChain(t *testing.T) {
	inner := NewCommandError("mihomo", 1, "level=error msg=bad proxy", nil)
	wrapped := fmt.Errorf("validate: %w", inner)
	assert.Equal(t, "level=error msg=bad proxy", ExtractStderr(wrapped))
	assert.Equal(t, "", ExtractStderr(errors.New("plain")))
	assert.Equal(t, "", ExtractStderr(nil))
}

// =============================================================================
// Goroutine Safety Tests
// =============================================================================

func TestSafeGo_RecoversPanic(t *testing.T) {
	var wg sync.WaitGroup
	var got SafeGoResult
	wg.Add(1)
	SafeGo(func() {
		panic("task exploded")
	}, func(r SafeGoResult) {
		defer wg.Done()
		got = r
	})
	wg.Wait()

	assert.Equal(t, "task exploded", got.PanicValue)
	assert.Contains(t, got.Stack, "goroutine")
}

func TestSafeGoWithContext_SkipsWhenCancelled(t *testing.T) {
	ctx, cancel := contextWithCancel()
	cancel()

	ran := make(chan struct{}, 1)
	SafeGoWithContext(ctx, func() { ran <- struct{}{} }, nil)

	select {
	case <-ran:
		t.Fatal("function ran with a cancelled context")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRecoverPanic_NilCallback(t *testing.T) {
	require.NotPanics(t, func() {
		func() {
			defer RecoverPanic(nil)()
			panic("ignored")
		}()
	})
}

func contextWithCancel() (context.Context, context.CancelFunc) {
	return context.WithCancel(context.Background())
}
