// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/profiles"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func startWatcher(t *testing.T, current string) (string, *atomic.Int32) {
	t.Helper()
	dir := t.TempDir()
	var count atomic.Int32
	w, err := New(Config{
		Dir:         dir,
		CurrentFile: func() string { return current },
		Reapply: func(context.Context) error {
			count.Add(1)
			return nil
		},
		Debounce: 30 * time.Millisecond,
		Limit:    rate.Inf,
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = w.Stop(ctx)
	})
	return dir, &count
}

func TestWatcher_ReappliesOnCurrentEdit(t *testing.T) {
	dir, count := startWatcher(t, "a.yaml")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("proxies: []\n"), 0644))

	assert.Eventually(t, func() bool { return count.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir, count := startWatcher(t, "a.yaml")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte("proxies: []\n"), 0644))
	time.Sleep(200 * time.Millisecond)

	assert.Zero(t, count.Load())
}

func TestWatcher_CoalescesBursts(t *testing.T) {
	dir, count := startWatcher(t, "a.yaml")
	path := filepath.Join(dir, "a.yaml")

	for i := range 10 {
		require.NoError(t, os.WriteFile(path, []byte{byte('a' + i)}, 0644))
	}

	assert.Eventually(t, func() bool { return count.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.LessOrEqual(t, count.Load(), int32(2))
}

func TestWatcher_NoCurrent(t *testing.T) {
	dir, count := startWatcher(t, "")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("x"), 0644))
	time.Sleep(150 * time.Millisecond)

	assert.Zero(t, count.Load())
}

func TestWatcher_SkipsOwnWrites(t *testing.T) {
	docs, err := profiles.NewDocuments(t.TempDir())
	require.NoError(t, err)
	var count atomic.Int32
	w, err := New(Config{
		Dir:         docs.Dir(),
		CurrentFile: func() string { return "a.yaml" },
		Reapply: func(context.Context) error {
			count.Add(1)
			return nil
		},
		OwnWrite: docs.OwnWrite,
		Debounce: 30 * time.Millisecond,
		Limit:    rate.Inf,
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = w.Stop(ctx)
	})

	require.NoError(t, docs.Write("a.yaml", []byte("proxies: []\n")))
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, count.Load())

	require.NoError(t, os.WriteFile(filepath.Join(docs.Dir(), "a.yaml"), []byte("proxies: [x]\n"), 0644))
	assert.Eventually(t, func() bool { return count.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestNew_RequiresCallbacks(t *testing.T) {
	_, err := New(Config{Dir: t.TempDir()})
	assert.Error(t, err)
}
