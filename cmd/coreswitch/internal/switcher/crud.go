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
	"net/url"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/notify"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/profiles"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

const (
	latestListTimeout = 500 * time.Millisecond
	dataListTimeout   = 2 * time.Second

	startupRefreshLimit = 4
)

// ErrNoFetcher means a remote operation was requested without a Fetcher.
var ErrNoFetcher = errors.New("remote profiles are not available")

const emptyDocument = "proxies: []\nproxy-groups: []\nrules: []\n"

// Profiles returns the profile list without ever blocking long: the
// committed state, falling back to the draft view, falling back to an
// empty list.
func (c *Coordinator) Profiles(ctx context.Context) profiles.State {
	if st, ok := within(ctx, latestListTimeout, c.store.Latest); ok {
		return st
	}
	c.logger.Warn("reading committed profiles timed out, trying draft view")
	if st, ok := within(ctx, dataListTimeout, c.store.Data); ok {
		return st
	}
	c.logger.Error("reading profiles timed out, returning empty list")
	return profiles.State{Items: []profiles.Item{}}
}

func within[T any](ctx context.Context, d time.Duration, fn func() T) (T, bool) {
	out := make(chan T, 1)
	go func() { out <- fn() }()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case v := <-out:
		return v, true
	case <-timer.C:
	case <-ctx.Done():
	}
	var zero T
	return zero, false
}

// commit runs edit on the draft and commits it. The caller holds the lock.
func (c *Coordinator) commit(edit func(*profiles.State) error) (profiles.State, error) {
	if err := c.store.Draft(edit); err != nil {
		c.store.Discard()
		return profiles.State{}, err
	}
	return c.store.Apply()
}

// edit commits one change to the profile list under the update lock.
func (c *Coordinator) edit(ctx context.Context, fn func(*profiles.State) error) (profiles.State, error) {
	release, err := c.lockCtx(ctx)
	if err != nil {
		return profiles.State{}, err
	}
	defer release()
	return c.commit(fn)
}

// Create adds a local (or merge/script) profile with content and, when it
// can be active, switches to it.
func (c *Coordinator) Create(ctx context.Context, item profiles.Item, content []byte) (profiles.Item, Result, error) {
	if item.Type == "" {
		item.Type = profiles.TypeLocal
	}
	if item.Type == profiles.TypeRemote {
		if item.URL == "" {
			return profiles.Item{}, Result{}, errors.New("remote profile requires a url")
		}
		return c.Import(ctx, item.URL, item.Option)
	}
	if len(content) == 0 {
		content = []byte(emptyDocument)
	}
	var probe map[string]any
	if err := yaml.Unmarshal(content, &probe); err != nil {
		return profiles.Item{}, Result{}, fmt.Errorf("%w: %v", profiles.ErrInvalidDocument, err)
	}

	item.UID = profiles.NewUID(item.Type)
	item.File = profiles.DefaultFile(item.UID)
	item.Updated = c.now().Unix()
	if item.Name == "" {
		item.Name = "New profile"
	}
	if err := c.docs.Write(item.File, content); err != nil {
		return profiles.Item{}, Result{}, fmt.Errorf("write profile document: %w", err)
	}
	committed, err := c.edit(ctx, func(s *profiles.State) error { return s.Append(item) })
	if err != nil {
		_ = c.docs.Remove(item.File)
		return profiles.Item{}, Result{}, err
	}
	c.afterCommit(committed, true)
	c.logger.Info("profile created", "uid", item.UID, "type", item.Type)

	if !item.Type.Selectable() {
		return item, Result{}, nil
	}
	return item, c.SwitchTo(ctx, item.UID), nil
}

// Import subscribes to a remote profile and switches to it. Importing a URL
// that is already subscribed refreshes the existing item instead.
func (c *Coordinator) Import(ctx context.Context, rawURL string, opt *profiles.Option) (profiles.Item, Result, error) {
	if existing, ok := c.store.Latest().FindByURL(rawURL); ok {
		c.logger.Info("url already imported, refreshing", "uid", existing.UID)
		if err := c.UpdateProfile(ctx, existing.UID, opt); err != nil {
			return existing, Result{}, err
		}
		item, _ := c.store.Latest().Item(existing.UID)
		return item, Result{}, nil
	}
	if c.fetcher == nil {
		return profiles.Item{}, Result{}, ErrNoFetcher
	}

	fetched, err := c.fetcher.Fetch(ctx, rawURL, opt)
	if err != nil {
		return profiles.Item{}, Result{}, fmt.Errorf("import profile: %w", err)
	}

	item := profiles.Item{
		UID:     profiles.NewUID(profiles.TypeRemote),
		Type:    profiles.TypeRemote,
		Name:    fetched.Name,
		URL:     rawURL,
		Updated: c.now().Unix(),
		Option:  withSuggestedInterval(profiles.MergeOptions(nil, opt), fetched.Interval),
	}
	item.File = profiles.DefaultFile(item.UID)
	if item.Name == "" {
		item.Name = hostOf(rawURL)
	}
	if err := c.docs.Write(item.File, fetched.Content); err != nil {
		return profiles.Item{}, Result{}, fmt.Errorf("write profile document: %w", err)
	}
	committed, err := c.edit(ctx, func(s *profiles.State) error { return s.Append(item) })
	if err != nil {
		_ = c.docs.Remove(item.File)
		return profiles.Item{}, Result{}, err
	}
	c.afterCommit(committed, true)
	c.logger.Info("profile imported", "uid", item.UID, "name", item.Name)

	return item, c.SwitchTo(ctx, item.UID), nil
}

func withSuggestedInterval(opt *profiles.Option, minutes uint64) *profiles.Option {
	if minutes == 0 || (opt != nil && opt.UpdateInterval != 0) {
		return opt
	}
	if opt == nil {
		opt = &profiles.Option{}
	}
	opt.UpdateInterval = minutes
	return opt
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "Remote profile"
	}
	return u.Hostname()
}

// UpdateProfile refreshes a remote profile. opt, if non-nil, is merged
// into the item's options for this and future refreshes.
//
// A failed direct download is retried once through the engine's proxy,
// emitting update_retry_with_clash before and update_with_clash_proxy or
// update_failed after. When the refreshed item is active and AutoRefresh
// is set the engine config is reapplied.
func (c *Coordinator) UpdateProfile(ctx context.Context, uid string, opt *profiles.Option) error {
	return c.updateProfile(ctx, uid, opt, c.autoRefresh)
}

func (c *Coordinator) updateProfile(ctx context.Context, uid string, opt *profiles.Option, reapply bool) error {
	ctx, span := tracer.Start(ctx, "switcher.UpdateProfile")
	defer span.End()

	st := c.store.Latest()
	item, ok := st.Item(uid)
	if !ok {
		return fmt.Errorf("%w: %s", profiles.ErrNotFound, uid)
	}
	if item.Type != profiles.TypeRemote {
		return c.reapplyIfActive(ctx, uid, reapply)
	}
	if item.URL == "" {
		return fmt.Errorf("profile %s has no url", uid)
	}
	if c.fetcher == nil {
		return ErrNoFetcher
	}

	merged := profiles.MergeOptions(item.Option, opt)
	fetched, err := c.fetcher.Fetch(ctx, item.URL, merged)
	viaEngine := false
	if err != nil {
		c.logger.Warn("profile download failed, retrying through engine", "uid", uid, "error", err)
		c.emit(notify.Message(notify.EventUpdateRetryViaEngine, uid))

		retry := profiles.MergeOptions(merged, &profiles.Option{WithProxy: boolPtr(false), SelfProxy: boolPtr(true)})
		fetched, err = c.fetcher.FetchViaEngine(ctx, item.URL, retry)
		if err != nil {
			span.RecordError(err)
			c.logger.Error("profile update failed", "uid", uid, "error", err)
			c.emit(notify.Message(notify.EventUpdateFailed, fmt.Sprintf("%s: %v", displayName(item), err)))
			return fmt.Errorf("update profile %s: %w", uid, err)
		}
		viaEngine = true
	}

	if err := c.docs.Write(item.File, fetched.Content); err != nil {
		return fmt.Errorf("write profile document: %w", err)
	}
	fresh := profiles.Item{
		Name:    fetched.Name,
		Updated: c.now().Unix(),
		Option:  withSuggestedInterval(profiles.MergeOptions(nil, opt), suggestedIfUnset(merged, fetched.Interval)),
	}
	committed, err := c.edit(ctx, func(s *profiles.State) error { return s.Replace(uid, fresh) })
	if err != nil {
		return err
	}
	c.afterCommit(committed, true)
	c.logger.Info("profile updated", "uid", uid, "via_engine", viaEngine)

	if viaEngine {
		c.emit(notify.Message(notify.EventUpdateViaEngine, displayName(item)))
	}
	return c.reapplyIfActive(ctx, uid, reapply)
}

func suggestedIfUnset(opt *profiles.Option, minutes uint64) uint64 {
	if opt != nil && opt.UpdateInterval != 0 {
		return 0
	}
	return minutes
}

func displayName(it profiles.Item) string {
	if it.Name != "" {
		return it.Name
	}
	return it.UID
}

func boolPtr(b bool) *bool { return &b }

func (c *Coordinator) reapplyIfActive(ctx context.Context, uid string, reapply bool) error {
	if !reapply || c.store.Latest().Current != uid {
		return nil
	}
	return c.Reapply(ctx)
}

// Delete removes a profile and its document. Deleting the active profile
// activates the next selectable one (or none) and reapplies the engine
// config.
func (c *Coordinator) Delete(ctx context.Context, uid string) (profiles.Item, error) {
	release, err := c.lockCtx(ctx)
	if err != nil {
		return profiles.Item{}, err
	}
	defer release()

	var (
		removed    profiles.Item
		wasCurrent bool
	)
	committed, err := c.commit(func(s *profiles.State) error {
		var err error
		removed, wasCurrent, err = s.Delete(uid)
		return err
	})
	if err != nil {
		return profiles.Item{}, err
	}
	if removed.File != "" {
		if err := c.docs.Remove(removed.File); err != nil {
			c.logger.Warn("removing profile document failed", "file", removed.File, "error", err)
		}
	}
	c.afterCommit(committed, true)
	c.tasks.Go("prune-documents", func(context.Context) error {
		pruned, err := c.docs.Prune(c.store.Latest())
		if len(pruned) > 0 {
			c.logger.Info("orphan documents pruned", "files", pruned)
		}
		return err
	})
	c.logger.Info("profile deleted", "uid", uid, "was_current", wasCurrent, "current", committed.Current)

	if wasCurrent {
		if err := c.reapplyLocked(ctx); err != nil {
			return removed, err
		}
		if committed.Current != "" {
			c.emit(notify.ProfileChanged(committed.Current))
		}
	}
	return removed, nil
}

// Reorder moves active to the position of over.
func (c *Coordinator) Reorder(ctx context.Context, active, over string) error {
	committed, err := c.edit(ctx, func(s *profiles.State) error { return s.Reorder(active, over) })
	if err != nil {
		return err
	}
	c.tasks.Go("save-profiles", func(ctx context.Context) error { return c.store.Save(ctx) })
	c.logger.Debug("profiles reordered", "active", active, "over", over, "items", len(committed.Items))
	return nil
}

// PatchItem edits the metadata and options of one profile. A changed
// update interval reschedules its timer and emits timer_updated.
func (c *Coordinator) PatchItem(ctx context.Context, uid string, patch profiles.Item) (profiles.Item, error) {
	old, ok := c.store.Latest().Item(uid)
	if !ok {
		return profiles.Item{}, fmt.Errorf("%w: %s", profiles.ErrNotFound, uid)
	}
	committed, err := c.edit(ctx, func(s *profiles.State) error { return s.PatchItem(uid, patch) })
	if err != nil {
		return profiles.Item{}, err
	}
	updated, _ := committed.Item(uid)
	c.tasks.Go("save-profiles", c.store.Save)

	if interval(old) != interval(updated) && c.timers != nil {
		c.tasks.Go("refresh-timers", func(context.Context) error {
			c.timers.Refresh(committed)
			c.emit(notify.TimerUpdated(uid))
			return nil
		})
	}
	return updated, nil
}

func interval(it profiles.Item) uint64 {
	if it.Option == nil {
		return 0
	}
	return it.Option.UpdateInterval
}

// ReadProfile returns the document of uid.
func (c *Coordinator) ReadProfile(uid string) ([]byte, error) {
	item, ok := c.store.Latest().Item(uid)
	if !ok {
		return nil, fmt.Errorf("%w: %s", profiles.ErrNotFound, uid)
	}
	return c.docs.Read(item)
}

// NextUpdateTime returns when uid is next refreshed by its timer.
func (c *Coordinator) NextUpdateTime(uid string) (time.Time, bool) {
	if c.timers == nil {
		return time.Time{}, false
	}
	return c.timers.NextUpdateTime(uid)
}

// StartTimers schedules refreshes for the committed state.
func (c *Coordinator) StartTimers() {
	if c.timers != nil {
		c.timers.Refresh(c.store.Latest())
	}
}

// UpdateOnStartup refreshes every profile marked update_always and, if
// any succeeded, reapplies the engine config once. Failures are logged.
func (c *Coordinator) UpdateOnStartup(ctx context.Context) (int, error) {
	uids := c.store.Latest().UpdateAlways()
	if len(uids) == 0 {
		return 0, nil
	}
	c.logger.Info("refreshing profiles on startup", "count", len(uids))

	var (
		g  errgroup.Group
		ok atomic.Int32
	)
	g.SetLimit(startupRefreshLimit)
	for _, uid := range uids {
		g.Go(func() error {
			if err := c.updateProfile(ctx, uid, nil, false); err != nil {
				c.logger.Warn("startup refresh failed", "uid", uid, "error", err)
				return nil
			}
			ok.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	n := int(ok.Load())
	if n == 0 {
		return 0, nil
	}
	return n, c.Reapply(ctx)
}
