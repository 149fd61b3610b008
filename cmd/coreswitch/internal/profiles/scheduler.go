// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package profiles

import (
	"context"
	"sync"
	"time"

	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/util"
	"github.com/AleutianAI/coreswitch/pkg/logging"
)

// RefreshFunc refreshes one remote profile.
type RefreshFunc func(ctx context.Context, uid string) error

type scheduled struct {
	interval time.Duration
	next     time.Time
	timer    *time.Timer
}

// Scheduler refreshes remote profiles on their update interval.
//
// # Description
//
// Refresh reconciles the timers with a State: items that gained an
// interval get a timer, items whose interval changed are rescheduled from
// now, and items that lost it (or were deleted) are dropped. Each firing
// runs the RefreshFunc and schedules the next run.
//
// # Thread Safety
//
// Safe for concurrent use.
type Scheduler struct {
	unit    time.Duration
	refresh RefreshFunc
	logger  *logging.Logger
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*scheduled
	stopped bool
}

// NewScheduler creates a scheduler. unit is the length of one interval
// step (time.Minute in production).
func NewScheduler(refresh RefreshFunc, unit time.Duration, logger *logging.Logger) *Scheduler {
	if unit <= 0 {
		unit = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		unit:    unit,
		refresh: refresh,
		logger:  logging.OrDiscard(logger).Component("timer"),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*scheduled),
	}
}

// Refresh reconciles timers with st and returns the uids whose schedule
// changed.
func (s *Scheduler) Refresh(st State) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}

	want := make(map[string]time.Duration)
	for _, it := range st.Items {
		if it.Type != TypeRemote || it.URL == "" {
			continue
		}
		if d := it.Option.Interval(s.unit); d > 0 {
			want[it.UID] = d
		}
	}

	var changed []string
	for uid, e := range s.entries {
		if d, ok := want[uid]; !ok || d != e.interval {
			e.timer.Stop()
			delete(s.entries, uid)
			if !ok {
				changed = append(changed, uid)
			}
		}
	}
	for uid, d := range want {
		if _, ok := s.entries[uid]; ok {
			continue
		}
		s.scheduleLocked(uid, d)
		changed = append(changed, uid)
	}
	if len(changed) > 0 {
		s.logger.Info("refresh timers updated", "changed", changed, "active", len(s.entries))
	}
	return changed
}

func (s *Scheduler) scheduleLocked(uid string, d time.Duration) {
	e := &scheduled{interval: d, next: s.now().Add(d)}
	e.timer = time.AfterFunc(d, func() { s.fire(uid, e) })
	s.entries[uid] = e
}

func (s *Scheduler) fire(uid string, e *scheduled) {
	s.mu.Lock()
	if s.stopped || s.entries[uid] != e {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	func() {
		defer util.RecoverPanic(func(r util.SafeGoResult) {
			s.logger.Error("refresh panicked", "uid", uid, "panic", r.PanicValue)
		})()
		if err := s.refresh(s.ctx, uid); err != nil {
			s.logger.Warn("scheduled refresh failed", "uid", uid, "error", err)
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.entries[uid] != e {
		return
	}
	e.next = s.now().Add(e.interval)
	e.timer.Reset(e.interval)
}

// NextUpdateTime returns when uid will next be refreshed.
func (s *Scheduler) NextUpdateTime(uid string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[uid]
	if !ok {
		return time.Time{}, false
	}
	return e.next, true
}

// Stop cancels all timers and waits for running refreshes, up to ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	for uid, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, uid)
	}
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
