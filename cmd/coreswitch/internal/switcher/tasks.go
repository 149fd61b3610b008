// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package switcher

import (
	"context"
	"sync"

	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/util"
	"github.com/AleutianAI/coreswitch/pkg/logging"
	"golang.org/x/sync/semaphore"
)

// DefaultTaskLimit bounds how many background tasks run at once.
const DefaultTaskLimit = 4

// TaskSet runs best-effort background work after a commit: saving the
// profile list, refreshing timers, pruning documents.
//
// Tasks are not ordered with respect to the caller or each other. A
// failing or panicking task is logged and otherwise ignored.
//
// # Thread Safety
//
// Safe for concurrent use.
type TaskSet struct {
	sem    *semaphore.Weighted
	logger *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewTaskSet creates a TaskSet running at most limit tasks concurrently.
func NewTaskSet(limit int64, logger *logging.Logger) *TaskSet {
	if limit <= 0 {
		limit = DefaultTaskLimit
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskSet{
		sem:    semaphore.NewWeighted(limit),
		logger: logging.OrDiscard(logger).Component("tasks"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Go schedules fn without blocking. It reports false if the set is closed.
func (t *TaskSet) Go(name string, fn func(ctx context.Context) error) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.logger.Debug("task dropped after close", "task", name)
		return false
	}
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		if err := t.sem.Acquire(t.ctx, 1); err != nil {
			return
		}
		defer t.sem.Release(1)
		defer util.RecoverPanic(func(r util.SafeGoResult) {
			taskFailures.WithLabelValues(name).Inc()
			t.logger.Error("background task panicked", "task", name, "panic", r.PanicValue, "stack", r.Stack)
		})()

		if err := fn(t.ctx); err != nil {
			taskFailures.WithLabelValues(name).Inc()
			t.logger.Warn("background task failed", "task", name, "error", err)
		}
	}()
	return true
}

// Wait blocks until every scheduled task has finished.
func (t *TaskSet) Wait() {
	t.wg.Wait()
}

// Close stops accepting tasks and waits for running ones until ctx is
// done, at which point remaining tasks are cancelled.
func (t *TaskSet) Close(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		t.cancel()
		return nil
	case <-ctx.Done():
		t.cancel()
		return ctx.Err()
	}
}
