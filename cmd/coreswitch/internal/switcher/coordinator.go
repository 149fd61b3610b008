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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/kernel"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/notify"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/profiles"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/util"
	"github.com/AleutianAI/coreswitch/pkg/logging"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrKernelRejected means the engine refused a generated configuration.
var ErrKernelRejected = errors.New("engine rejected configuration")

// Kernel validates candidate profiles and pushes configurations to the
// engine. *kernel.Updater implements it.
type Kernel interface {
	Validate(ctx context.Context, item profiles.Item) error
	Apply(ctx context.Context, st profiles.State) (kernel.Result, error)
}

// Fetcher downloads remote profile documents. *profiles.Fetcher
// implements it.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, opt *profiles.Option) (profiles.Fetched, error)
	FetchViaEngine(ctx context.Context, rawURL string, opt *profiles.Option) (profiles.Fetched, error)
}

// Timers schedules periodic refreshes. *profiles.Scheduler implements it.
type Timers interface {
	Refresh(st profiles.State) []string
	NextUpdateTime(uid string) (time.Time, bool)
}

// Outcome is how a switch request ended.
type Outcome string

const (
	// OutcomeCommitted means the engine accepted the config and the
	// draft was committed.
	OutcomeCommitted Outcome = "committed"

	// OutcomeAbandoned means a newer request superseded this one.
	OutcomeAbandoned Outcome = "abandoned"

	// OutcomeInvalid means the target document failed validation; nothing
	// was drafted.
	OutcomeInvalid Outcome = "invalid"

	// OutcomeRejected means the engine refused the config and the
	// previous profile was restored.
	OutcomeRejected Outcome = "rejected"

	// OutcomeFailed means the kernel update errored.
	OutcomeFailed Outcome = "failed"

	// OutcomeTimedOut means the kernel update did not finish in time.
	OutcomeTimedOut Outcome = "timed_out"
)

// Result reports the end of one switch request.
type Result struct {
	Sequence uint64  `json:"sequence"`
	Applied  bool    `json:"applied"`
	Outcome  Outcome `json:"outcome"`
	Reason   string  `json:"reason,omitempty"`
}

// Config configures a Coordinator.
type Config struct {
	Store  *profiles.Store
	Docs   *profiles.Documents
	Kernel Kernel

	// Fetcher and Timers may be nil; remote operations then fail and no
	// refresh timers are kept.
	Fetcher Fetcher
	Timers  Timers

	Notify notify.Sink
	Tasks  *TaskSet

	// LockWait is the short wait before a request re-checks whether it
	// was superseded. KernelTimeout bounds one kernel update.
	LockWait      time.Duration
	KernelTimeout time.Duration

	// AutoRefresh reapplies the engine config after refreshing the active
	// remote profile.
	AutoRefresh bool

	Logger *logging.Logger
	Now    func() time.Time
}

// Coordinator applies profile changes with latest-wins semantics.
//
// # Description
//
// Every PatchProfiles call takes a sequence number. Between its steps the
// request checks whether a newer one exists and, if so, discards its
// draft and returns OutcomeAbandoned. The update lock admits one request
// at a time; CRUD operations take the same lock so the draft is never
// shared.
//
// A kernel update that outlives KernelTimeout is abandoned by the
// request; its eventual result is ignored.
//
// # Thread Safety
//
// Safe for concurrent use.
type Coordinator struct {
	store   *profiles.Store
	docs    *profiles.Documents
	kernel  Kernel
	fetcher Fetcher
	timers  Timers
	sink    notify.Sink
	tasks   *TaskSet
	logger  *logging.Logger
	now     func() time.Time

	lockWait      time.Duration
	kernelTimeout time.Duration
	autoRefresh   bool

	seq  Sequencer
	lock chan struct{}

	procMu     sync.Mutex
	processing string
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	logger := logging.OrDiscard(cfg.Logger).Component("switcher")
	c := &Coordinator{
		store:         cfg.Store,
		docs:          cfg.Docs,
		kernel:        cfg.Kernel,
		fetcher:       cfg.Fetcher,
		timers:        cfg.Timers,
		sink:          cfg.Notify,
		tasks:         cfg.Tasks,
		logger:        logger,
		now:           cfg.Now,
		lockWait:      util.EnforceDefaultTimeout(cfg.LockWait, util.DefaultLockWait),
		kernelTimeout: util.EnforceDefaultTimeout(cfg.KernelTimeout, util.DefaultKernelUpdateTimeout),
		autoRefresh:   cfg.AutoRefresh,
		lock:          make(chan struct{}, 1),
	}
	if c.sink == nil {
		c.sink = notify.Discard{}
	}
	if c.tasks == nil {
		c.tasks = NewTaskSet(DefaultTaskLimit, cfg.Logger)
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Store returns the profile store.
func (c *Coordinator) Store() *profiles.Store { return c.store }

// Sequence returns the most recently issued request number.
func (c *Coordinator) Sequence() uint64 { return c.seq.Current() }

// Processing returns the profile a request is currently applying.
func (c *Coordinator) Processing() (string, bool) {
	c.procMu.Lock()
	defer c.procMu.Unlock()
	return c.processing, c.processing != ""
}

func (c *Coordinator) setProcessing(uid string) {
	c.procMu.Lock()
	c.processing = uid
	c.procMu.Unlock()
}

// Close waits for background tasks, up to ctx.
func (c *Coordinator) Close(ctx context.Context) error {
	return c.tasks.Close(ctx)
}

func (c *Coordinator) unlock() { <-c.lock }

// lock blocks until the update lock is free.
func (c *Coordinator) lockCtx(ctx context.Context) (func(), error) {
	select {
	case c.lock <- struct{}{}:
		return c.unlock, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// acquire waits briefly for the lock. If the wait runs out and t has been
// superseded it gives up (ok false); otherwise it blocks.
func (c *Coordinator) acquire(ctx context.Context, t Ticket) (release func(), ok bool, err error) {
	timer := time.NewTimer(c.lockWait)
	defer timer.Stop()
	select {
	case c.lock <- struct{}{}:
		return c.unlock, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-timer.C:
	}

	if c.seq.IsStale(t.Sequence) {
		return nil, false, nil
	}
	lockForcedTotal.Inc()
	c.logger.Debug("update lock busy, waiting", "sequence", t.Sequence)
	release, err = c.lockCtx(ctx)
	if err != nil {
		return nil, false, err
	}
	return release, true, nil
}

func (c *Coordinator) stale(t Ticket, checkpoint string) bool {
	if !c.seq.IsStale(t.Sequence) {
		return false
	}
	staleTotal.WithLabelValues(checkpoint).Inc()
	c.logger.Debug("request superseded",
		"sequence", t.Sequence,
		"latest", c.seq.Current(),
		"checkpoint", checkpoint,
	)
	return true
}

func (c *Coordinator) emit(e notify.Event) {
	c.sink.Emit(e)
}

// SwitchTo makes uid the active profile.
func (c *Coordinator) SwitchTo(ctx context.Context, uid string) Result {
	return c.PatchProfiles(ctx, profiles.SwitchTo(uid))
}

// PatchProfiles applies patch to the profile list and pushes the result
// to the engine.
//
// # Description
//
// The request is dropped as soon as a newer one has been issued. Switching
// to a different profile first validates its document; a failure emits
// config_validate::<kind> and leaves the committed state untouched. When
// the engine rejects the config, errors, or does not answer within
// KernelTimeout, the draft is discarded and, for rejection and timeout,
// the previous active profile is restored.
//
// # Inputs
//
//   - ctx: Bounds the wait for the update lock and document validation.
//     Once the engine update has started it runs under its own
//     KernelTimeout and is not cut short by ctx.
//   - patch: Current and/or Items to overlay. The target is resolved
//     against the patched list, so one patch may add an item and select
//     it. An explicit empty Current deactivates the profile.
//
// # Outputs
//
//   - Result: Applied is true only for OutcomeCommitted. Reason carries
//     the validation, engine or timeout message otherwise.
//
// # Limitations
//
//   - Saving to disk and timer refresh happen after return, on the
//     TaskSet; a crash right after commit can lose the save.
//   - An abandoned request never reports why the newer one ended.
func (c *Coordinator) PatchProfiles(ctx context.Context, patch profiles.Patch) (res Result) {
	target, hasTarget := patch.Target()
	t := c.seq.Issue(target, hasTarget)
	res.Sequence = t.Sequence

	start := time.Now()
	ctx, span := tracer.Start(ctx, "switcher.PatchProfiles",
		trace.WithAttributes(
			attribute.Int64("sequence", int64(t.Sequence)),
			attribute.String("target", target),
		),
	)
	defer func() {
		outcome := string(res.Outcome)
		switchTotal.WithLabelValues(outcome).Inc()
		switchDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		span.SetAttributes(attribute.String("outcome", outcome))
		if !res.Applied && res.Outcome != OutcomeAbandoned {
			span.SetStatus(codes.Error, res.Reason)
		}
		span.End()
	}()

	abandoned := func(reason string) Result {
		return Result{Sequence: t.Sequence, Outcome: OutcomeAbandoned, Reason: reason}
	}

	release, ok, err := c.acquire(ctx, t)
	if err != nil {
		return abandoned(err.Error())
	}
	if !ok {
		staleTotal.WithLabelValues("pre-lock").Inc()
		return abandoned("superseded")
	}
	defer release()

	if c.stale(t, "post-lock") {
		return abandoned("superseded")
	}

	prev := c.store.Latest()
	next := prev.Clone()
	patch.ApplyTo(&next)
	// An explicit empty target deactivates the profile; there is nothing
	// to validate.
	if hasTarget && target != "" && target != prev.Current {
		if err := c.validateTarget(ctx, next, target); err != nil {
			if ctx.Err() != nil {
				return abandoned(ctx.Err().Error())
			}
			kind, detail := validationReason(err)
			c.logger.Warn("profile validation failed", "uid", target, "kind", kind, "error", err)
			c.emit(notify.ConfigValidate(kind, detail))
			return Result{Sequence: t.Sequence, Outcome: OutcomeInvalid, Reason: err.Error()}
		}
	}

	if hasTarget && target != "" {
		c.setProcessing(target)
		defer c.setProcessing("")
	}

	if err := c.store.Draft(func(s *profiles.State) error {
		patch.ApplyTo(s)
		return nil
	}); err != nil {
		return Result{Sequence: t.Sequence, Outcome: OutcomeFailed, Reason: err.Error()}
	}

	if c.stale(t, "pre-kernel") {
		c.store.Discard()
		return abandoned("superseded")
	}

	r, err := c.applyKernel(ctx, c.store.Data())
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		if c.stale(t, "pre-discard") {
			c.store.Discard()
			return abandoned("superseded")
		}
		c.store.Discard()
		c.restore(prev.Current)
		c.logger.Warn("kernel update timed out", "sequence", t.Sequence, "timeout", c.kernelTimeout)
		c.emit(notify.ConfigValidate(notify.ReasonTimeout, fmt.Sprintf("config update timed out after %s", c.kernelTimeout)))
		return Result{Sequence: t.Sequence, Outcome: OutcomeTimedOut, Reason: "kernel update timed out"}

	case err != nil:
		c.store.Discard()
		c.logger.Error("kernel update failed", "sequence", t.Sequence, "error", err)
		c.emit(notify.ConfigValidate(notify.ReasonBootError, err.Error()))
		return Result{Sequence: t.Sequence, Outcome: OutcomeFailed, Reason: err.Error()}

	case !r.Valid:
		c.store.Discard()
		c.restore(prev.Current)
		c.logger.Warn("engine rejected configuration", "sequence", t.Sequence, "message", r.Message)
		c.emit(notify.ConfigValidate(notify.ReasonError, r.Message))
		return Result{Sequence: t.Sequence, Outcome: OutcomeRejected, Reason: r.Message}
	}

	if c.stale(t, "post-kernel") {
		c.store.Discard()
		return abandoned("superseded")
	}

	committed, err := c.store.Apply()
	if err != nil {
		c.logger.Error("commit failed", "sequence", t.Sequence, "error", err)
		c.emit(notify.ConfigValidate(notify.ReasonError, err.Error()))
		return Result{Sequence: t.Sequence, Outcome: OutcomeFailed, Reason: err.Error()}
	}

	c.afterCommit(committed, patch.Items != nil)
	if hasTarget && target != "" {
		c.emit(notify.ProfileChanged(target))
	}
	c.logger.Info("profiles applied", "sequence", t.Sequence, "current", committed.Current)
	return Result{Sequence: t.Sequence, Applied: true, Outcome: OutcomeCommitted}
}

func (c *Coordinator) validateTarget(ctx context.Context, st profiles.State, uid string) error {
	item, ok := st.Item(uid)
	if !ok {
		return &kernel.ValidationError{
			Kind:   kernel.KindFileNotFound,
			Detail: fmt.Sprintf("profile %s does not exist", uid),
		}
	}
	if !item.Type.Selectable() {
		return fmt.Errorf("profile %s of type %s cannot be active", uid, item.Type)
	}
	return c.kernel.Validate(ctx, item)
}

func validationReason(err error) (kind, detail string) {
	if ve, ok := kernel.AsValidationError(err); ok {
		if ve.Path != "" {
			return string(ve.Kind), ve.Path + ": " + ve.Detail
		}
		return string(ve.Kind), ve.Detail
	}
	return notify.ReasonError, err.Error()
}

type kernelOutcome struct {
	result kernel.Result
	err    error
}

// applyKernel runs one kernel update bounded by kernelTimeout. The
// update keeps running in the background after a timeout.
// applyKernel runs the engine update under its own deadline. A caller
// that gives up mid-update does not cut the engine off: the update either
// finishes and commits or hits KernelTimeout.
func (c *Coordinator) applyKernel(ctx context.Context, st profiles.State) (kernel.Result, error) {
	kctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.kernelTimeout)
	defer cancel()

	done := make(chan kernelOutcome, 1)
	util.SafeGo(func() {
		r, err := c.kernel.Apply(kctx, st)
		done <- kernelOutcome{result: r, err: err}
	}, func(p util.SafeGoResult) {
		done <- kernelOutcome{err: fmt.Errorf("kernel update panicked: %v", p.PanicValue)}
	})

	select {
	case out := <-done:
		if out.err != nil && kctx.Err() != nil {
			return kernel.Result{}, context.DeadlineExceeded
		}
		return out.result, out.err
	case <-kctx.Done():
		return kernel.Result{}, context.DeadlineExceeded
	}
}

// restore re-commits current as the active profile after a failed switch.
// The engine config is not touched.
func (c *Coordinator) restore(current string) {
	if current == "" {
		return
	}
	if err := c.store.Draft(func(s *profiles.State) error {
		s.Current = current
		return nil
	}); err != nil {
		c.logger.Error("restore draft failed", "current", current, "error", err)
		return
	}
	committed, err := c.store.Apply()
	if err != nil {
		c.logger.Error("restore commit failed", "current", current, "error", err)
		return
	}
	c.logger.Info("previous profile restored", "current", committed.Current)
	c.tasks.Go("save-profiles", c.store.Save)
}

// afterCommit schedules the follow-up work of a commit.
func (c *Coordinator) afterCommit(committed profiles.State, itemsChanged bool) {
	c.tasks.Go("save-profiles", c.store.Save)
	if itemsChanged && c.timers != nil {
		c.tasks.Go("refresh-timers", func(context.Context) error {
			c.timers.Refresh(committed)
			return nil
		})
	}
}

// Reapply pushes the committed state to the engine again.
func (c *Coordinator) Reapply(ctx context.Context) error {
	release, err := c.lockCtx(ctx)
	if err != nil {
		return err
	}
	defer release()
	return c.reapplyLocked(ctx)
}

func (c *Coordinator) reapplyLocked(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "switcher.Reapply")
	defer span.End()

	r, err := c.applyKernel(ctx, c.store.Latest())
	switch {
	case err != nil:
		span.RecordError(err)
		c.logger.Error("reapply failed", "error", err)
		c.emit(notify.ConfigValidate(notify.ReasonBootError, err.Error()))
		return fmt.Errorf("reapply: %w", err)
	case !r.Valid:
		c.logger.Warn("engine rejected configuration on reapply", "message", r.Message)
		c.emit(notify.ConfigValidate(notify.ReasonError, r.Message))
		return fmt.Errorf("%w: %s", ErrKernelRejected, r.Message)
	}
	c.logger.Info("engine configuration reapplied", "config", r.ConfigPath)
	return nil
}
