// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch reapplies the engine configuration when the active
// profile's document is edited on disk.
package watch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/util"
	"github.com/AleutianAI/coreswitch/pkg/logging"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

const (
	DefaultDebounce = 300 * time.Millisecond

	// DefaultInterval is the minimum spacing between two reapplies.
	DefaultInterval = 2 * time.Second
)

// Config configures a Watcher.
type Config struct {
	Dir string

	// CurrentFile returns the document file name of the active profile,
	// or "" when there is none.
	CurrentFile func() string

	Reapply func(ctx context.Context) error

	// OwnWrite, when set, reports whether the file's current content was
	// written by this process. Such changes were already applied and are
	// skipped.
	OwnWrite func(file string) bool

	Debounce time.Duration

	// Limit and Burst throttle reapplies. Zero Limit uses DefaultInterval.
	Limit rate.Limit
	Burst int

	Logger *logging.Logger
}

// Watcher watches the profile directory.
//
// Changes to other documents are ignored. A burst of events is coalesced
// into one reapply after Debounce of quiet, and reapplies are throttled
// by a token bucket.
type Watcher struct {
	dir      string
	current  func() string
	reapply  func(ctx context.Context) error
	ownWrite func(file string) bool
	debounce time.Duration
	limiter  *rate.Limiter
	logger   *logging.Logger

	fs      *fsnotify.Watcher
	trigger chan struct{}

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Watcher. It does not watch until Start.
func New(cfg Config) (*Watcher, error) {
	if cfg.CurrentFile == nil || cfg.Reapply == nil {
		return nil, errors.New("watch: CurrentFile and Reapply are required")
	}
	limit := cfg.Limit
	if limit == 0 {
		limit = rate.Every(DefaultInterval)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	return &Watcher{
		dir:      cfg.Dir,
		current:  cfg.CurrentFile,
		reapply:  cfg.Reapply,
		ownWrite: cfg.OwnWrite,
		debounce: util.EnforceDefaultTimeout(cfg.Debounce, DefaultDebounce),
		limiter:  rate.NewLimiter(limit, burst),
		logger:   logging.OrDiscard(cfg.Logger).Component("watch"),
		fs:       fw,
		trigger:  make(chan struct{}, 1),
	}, nil
}

// Start begins watching the directory.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.fs.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(2)
	go w.events(ctx)
	go w.worker(ctx)
	w.logger.Info("watching profile documents", "dir", w.dir)
	return nil
}

// Stop ends watching and waits for a running reapply, up to ctx.
func (w *Watcher) Stop(ctx context.Context) error {
	var err error
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		err = w.fs.Close()
		done := make(chan struct{})
		go func() {
			w.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

func (w *Watcher) events(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cur := w.current()
			if cur == "" || filepath.Base(ev.Name) != cur {
				continue
			}
			select {
			case w.trigger <- struct{}{}:
			default:
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) worker(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.trigger:
		}
		if !w.settle(ctx) {
			return
		}
		if cur := w.current(); cur != "" && w.ownWrite != nil && w.ownWrite(cur) {
			w.logger.Debug("document change was our own write, skipping", "file", cur)
			continue
		}
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}
		func() {
			defer util.RecoverPanic(func(r util.SafeGoResult) {
				w.logger.Error("reapply panicked", "panic", r.PanicValue)
			})()
			w.logger.Info("active profile changed on disk, reapplying", "file", w.current())
			if err := w.reapply(ctx); err != nil {
				w.logger.Warn("reapply after edit failed", "error", err)
			}
		}()
	}
}

// settle waits until no event arrived for the debounce window.
func (w *Watcher) settle(ctx context.Context) bool {
	timer := time.NewTimer(w.debounce)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-w.trigger:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(w.debounce)
		case <-timer.C:
			return true
		}
	}
}
