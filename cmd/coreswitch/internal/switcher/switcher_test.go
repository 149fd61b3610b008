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
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/kernel"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/notify"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/profiles"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKernel struct {
	mu        sync.Mutex
	applied   []string
	validated []string

	validate func(item profiles.Item) error
	apply    func(ctx context.Context, st profiles.State) (kernel.Result, error)
}

func (k *fakeKernel) Validate(_ context.Context, item profiles.Item) error {
	k.mu.Lock()
	k.validated = append(k.validated, item.UID)
	fn := k.validate
	k.mu.Unlock()
	if fn != nil {
		return fn(item)
	}
	return nil
}

func (k *fakeKernel) Apply(ctx context.Context, st profiles.State) (kernel.Result, error) {
	k.mu.Lock()
	k.applied = append(k.applied, st.Current)
	fn := k.apply
	k.mu.Unlock()
	if fn != nil {
		return fn(ctx, st)
	}
	return kernel.Result{Valid: true, ConfigPath: "runtime.yaml"}, nil
}

func (k *fakeKernel) Applied() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.applied...)
}

func (k *fakeKernel) Validated() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.validated...)
}

type fakeFetcher struct {
	mu     sync.Mutex
	direct func(url string) (profiles.Fetched, error)
	engine func(url string) (profiles.Fetched, error)
	calls  []string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string, _ *profiles.Option) (profiles.Fetched, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "direct "+url)
	f.mu.Unlock()
	return f.direct(url)
}

func (f *fakeFetcher) FetchViaEngine(_ context.Context, url string, opt *profiles.Option) (profiles.Fetched, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "engine "+url)
	f.mu.Unlock()
	if opt == nil || opt.SelfProxy == nil || !*opt.SelfProxy {
		return profiles.Fetched{}, errors.New("engine retry without self_proxy")
	}
	return f.engine(url)
}

type fakeTimers struct {
	mu        sync.Mutex
	refreshes int
}

func (t *fakeTimers) Refresh(profiles.State) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refreshes++
	return nil
}

func (t *fakeTimers) NextUpdateTime(uid string) (time.Time, bool) {
	if uid == "r" {
		return time.Unix(1700000000, 0), true
	}
	return time.Time{}, false
}

func (t *fakeTimers) Refreshes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refreshes
}

const doc = "proxies:\n  - name: x\n    type: direct\n"

type fixture struct {
	c       *Coordinator
	store   *profiles.Store
	persist *profiles.MemoryPersister
	docs    *profiles.Documents
	kernel  *fakeKernel
	fetcher *fakeFetcher
	timers  *fakeTimers
	events  *notify.Recorder
	tasks   *TaskSet
}

func newFixture(t *testing.T, initial profiles.State) *fixture {
	t.Helper()
	return newFixtureWith(t, initial, nil)
}

// newFixtureWith is newFixture with the store's persister wrapped by wrap.
func newFixtureWith(t *testing.T, initial profiles.State, wrap func(profiles.Persister) profiles.Persister) *fixture {
	t.Helper()
	docs, err := profiles.NewDocuments(t.TempDir())
	require.NoError(t, err)
	for _, it := range initial.Items {
		require.NoError(t, docs.Write(it.File, []byte(doc)))
	}

	f := &fixture{
		persist: &profiles.MemoryPersister{},
		docs:    docs,
		kernel:  &fakeKernel{},
		fetcher: &fakeFetcher{
			direct: func(string) (profiles.Fetched, error) {
				return profiles.Fetched{Content: []byte(doc), Name: "sub", Interval: 60}, nil
			},
			engine: func(string) (profiles.Fetched, error) {
				return profiles.Fetched{}, errors.New("engine unreachable")
			},
		},
		timers: &fakeTimers{},
		events: &notify.Recorder{},
		tasks:  NewTaskSet(2, nil),
	}
	var persister profiles.Persister = f.persist
	if wrap != nil {
		persister = wrap(persister)
	}
	f.store = profiles.NewStore(initial, persister, nil)
	f.c = New(Config{
		Store:         f.store,
		Docs:          docs,
		Kernel:        f.kernel,
		Fetcher:       f.fetcher,
		Timers:        f.timers,
		Notify:        f.events,
		Tasks:         f.tasks,
		LockWait:      10 * time.Millisecond,
		KernelTimeout: 200 * time.Millisecond,
		AutoRefresh:   true,
		Now:           func() time.Time { return time.Unix(1700000000, 0) },
	})
	return f
}

func threeProfiles() profiles.State {
	return profiles.State{
		Current: "a",
		Items: []profiles.Item{
			{UID: "a", Type: profiles.TypeLocal, Name: "A", File: "a.yaml"},
			{UID: "b", Type: profiles.TypeLocal, Name: "B", File: "b.yaml"},
			{UID: "c", Type: profiles.TypeLocal, Name: "C", File: "c.yaml"},
		},
	}
}

func TestSequencer(t *testing.T) {
	var s Sequencer
	assert.Equal(t, uint64(0), s.Current())

	first := s.Issue("a", true)
	assert.Equal(t, uint64(1), first.Sequence)
	assert.False(t, s.IsStale(first.Sequence))

	second := s.Issue("", false)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.True(t, s.IsStale(first.Sequence))
	assert.False(t, s.IsStale(second.Sequence))

	var wg sync.WaitGroup
	seen := make(chan uint64, 100)
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- s.Next()
		}()
	}
	wg.Wait()
	close(seen)
	unique := make(map[uint64]bool)
	for n := range seen {
		assert.False(t, unique[n], "duplicate sequence %d", n)
		unique[n] = true
	}
	assert.Equal(t, uint64(102), s.Current())
}

func TestPatchProfiles_SwitchCommits(t *testing.T) {
	f := newFixture(t, threeProfiles())

	res := f.c.SwitchTo(context.Background(), "b")

	assert.Equal(t, OutcomeCommitted, res.Outcome)
	assert.True(t, res.Applied)
	assert.Equal(t, "b", f.store.Latest().Current)
	assert.False(t, f.store.HasDraft())
	assert.Equal(t, []string{"b"}, f.kernel.Applied())
	assert.Equal(t, []string{"b"}, f.kernel.Validated())
	assert.True(t, f.events.Has(notify.EventProfileChanged))

	f.tasks.Wait()
	assert.GreaterOrEqual(t, f.persist.Saves(), 1)
	_, busy := f.c.Processing()
	assert.False(t, busy)
}

// slowPersister holds up the first save it sees.
type slowPersister struct {
	profiles.Persister
	once  sync.Once
	delay time.Duration
}

func (p *slowPersister) Save(ctx context.Context, st profiles.State) error {
	p.once.Do(func() { time.Sleep(p.delay) })
	return p.Persister.Save(ctx, st)
}

func TestPatchProfiles_BackToBackSwitchesPersistNewest(t *testing.T) {
	f := newFixtureWith(t, threeProfiles(), func(p profiles.Persister) profiles.Persister {
		return &slowPersister{Persister: p, delay: 100 * time.Millisecond}
	})

	require.Equal(t, OutcomeCommitted, f.c.SwitchTo(context.Background(), "b").Outcome)
	require.Equal(t, OutcomeCommitted, f.c.SwitchTo(context.Background(), "c").Outcome)
	f.tasks.Wait()

	stored, err := f.persist.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "c", stored.Current)
}

func TestPatchProfiles_SameProfileSkipsValidation(t *testing.T) {
	f := newFixture(t, threeProfiles())
	f.kernel.validate = func(profiles.Item) error {
		t.Error("validation must not run for the active profile")
		return nil
	}

	res := f.c.SwitchTo(context.Background(), "a")

	assert.Equal(t, OutcomeCommitted, res.Outcome)
	assert.Equal(t, "a", f.store.Latest().Current)
}

func TestPatchProfiles_ItemsOnlyPatch(t *testing.T) {
	f := newFixture(t, threeProfiles())
	items := threeProfiles().Items[:2]

	res := f.c.PatchProfiles(context.Background(), profiles.Patch{Items: items})

	assert.Equal(t, OutcomeCommitted, res.Outcome)
	assert.Len(t, f.store.Latest().Items, 2)
	assert.False(t, f.events.Has(notify.EventProfileChanged))
	f.tasks.Wait()
	assert.Equal(t, 1, f.timers.Refreshes())
}

func TestPatchProfiles_InvalidTarget(t *testing.T) {
	f := newFixture(t, threeProfiles())
	f.kernel.validate = func(item profiles.Item) error {
		return &kernel.ValidationError{Kind: kernel.KindFileReadTimeout, Path: item.File, Detail: "read timed out"}
	}

	res := f.c.SwitchTo(context.Background(), "b")

	assert.Equal(t, OutcomeInvalid, res.Outcome)
	assert.False(t, res.Applied)
	assert.Equal(t, "a", f.store.Latest().Current)
	assert.False(t, f.store.HasDraft())
	assert.Empty(t, f.kernel.Applied())
	assert.True(t, f.events.Has("config_validate::file_read_timeout"))
}

func TestPatchProfiles_UnknownTarget(t *testing.T) {
	f := newFixture(t, threeProfiles())

	res := f.c.SwitchTo(context.Background(), "missing")

	assert.Equal(t, OutcomeInvalid, res.Outcome)
	assert.True(t, f.events.Has("config_validate::file_not_found"))
	assert.Equal(t, "a", f.store.Latest().Current)
}

func TestPatchProfiles_RejectedRestoresPrevious(t *testing.T) {
	f := newFixture(t, threeProfiles())
	f.kernel.apply = func(context.Context, profiles.State) (kernel.Result, error) {
		return kernel.Result{Valid: false, Message: "proxy group missing"}, nil
	}

	res := f.c.SwitchTo(context.Background(), "b")

	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, "proxy group missing", res.Reason)
	assert.Equal(t, "a", f.store.Latest().Current)
	assert.False(t, f.store.HasDraft())
	assert.True(t, f.events.Has("config_validate::error"))
	assert.False(t, f.events.Has(notify.EventProfileChanged))
}

func TestPatchProfiles_KernelError(t *testing.T) {
	f := newFixture(t, threeProfiles())
	f.kernel.apply = func(context.Context, profiles.State) (kernel.Result, error) {
		return kernel.Result{}, errors.New("service unreachable")
	}

	res := f.c.SwitchTo(context.Background(), "b")

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, "a", f.store.Latest().Current)
	assert.False(t, f.store.HasDraft())
	assert.True(t, f.events.Has("config_validate::boot_error"))
}

func TestPatchProfiles_KernelPanic(t *testing.T) {
	f := newFixture(t, threeProfiles())
	f.kernel.apply = func(context.Context, profiles.State) (kernel.Result, error) {
		panic("boom")
	}

	res := f.c.SwitchTo(context.Background(), "b")

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Reason, "panicked")
	assert.Equal(t, "a", f.store.Latest().Current)
}

func TestPatchProfiles_Timeout(t *testing.T) {
	f := newFixture(t, threeProfiles())
	f.kernel.apply = func(ctx context.Context, _ profiles.State) (kernel.Result, error) {
		<-ctx.Done()
		return kernel.Result{}, ctx.Err()
	}

	start := time.Now()
	res := f.c.SwitchTo(context.Background(), "b")

	assert.Equal(t, OutcomeTimedOut, res.Outcome)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, "a", f.store.Latest().Current)
	assert.False(t, f.store.HasDraft())
	assert.True(t, f.events.Has("config_validate::timeout"))
}

func TestPatchProfiles_CallerCancelDuringKernelStillCommits(t *testing.T) {
	f := newFixture(t, threeProfiles())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var kernelCtxErr error
	f.kernel.apply = func(kctx context.Context, _ profiles.State) (kernel.Result, error) {
		cancel()
		time.Sleep(50 * time.Millisecond)
		kernelCtxErr = kctx.Err()
		return kernel.Result{Valid: true}, nil
	}

	res := f.c.SwitchTo(ctx, "b")

	assert.Equal(t, OutcomeCommitted, res.Outcome)
	assert.NoError(t, kernelCtxErr)
	assert.Equal(t, "b", f.store.Latest().Current)
	assert.False(t, f.events.Has("config_validate::timeout"))
	f.tasks.Wait()
}

func TestPatchProfiles_AddAndSelectInOnePatch(t *testing.T) {
	f := newFixture(t, threeProfiles())
	require.NoError(t, f.docs.Write("d.yaml", []byte(doc)))
	items := append(threeProfiles().Items, profiles.Item{UID: "d", Type: profiles.TypeLocal, Name: "D", File: "d.yaml"})
	target := "d"

	res := f.c.PatchProfiles(context.Background(), profiles.Patch{Current: &target, Items: items})

	assert.Equal(t, OutcomeCommitted, res.Outcome, res.Reason)
	assert.Equal(t, "d", f.store.Latest().Current)
	assert.Equal(t, []string{"d"}, f.kernel.Validated())
	f.tasks.Wait()
}

func TestPatchProfiles_EmptyCurrentDeactivates(t *testing.T) {
	f := newFixture(t, threeProfiles())
	none := ""

	res := f.c.PatchProfiles(context.Background(), profiles.Patch{Current: &none})

	assert.Equal(t, OutcomeCommitted, res.Outcome, res.Reason)
	assert.Equal(t, "", f.store.Latest().Current)
	assert.Empty(t, f.kernel.Validated())
	assert.Equal(t, []string{""}, f.kernel.Applied())
	assert.False(t, f.events.Has("config_validate::file_not_found"))
	f.tasks.Wait()
}

func TestPatchProfiles_StaleTimeoutYieldsToNewer(t *testing.T) {
	f := newFixture(t, threeProfiles())
	started := make(chan struct{})
	unblock := make(chan struct{})
	t.Cleanup(func() { close(unblock) })
	var once sync.Once
	f.kernel.apply = func(_ context.Context, st profiles.State) (kernel.Result, error) {
		if st.Current == "b" {
			once.Do(func() { close(started) })
			<-unblock
		}
		return kernel.Result{Valid: true}, nil
	}

	var first, second Result
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = f.c.SwitchTo(context.Background(), "b")
	}()
	<-started
	wg.Add(1)
	go func() {
		defer wg.Done()
		second = f.c.SwitchTo(context.Background(), "c")
	}()
	wg.Wait()

	assert.Equal(t, OutcomeAbandoned, first.Outcome)
	assert.Equal(t, OutcomeCommitted, second.Outcome)
	assert.Equal(t, "c", f.store.Latest().Current)
	assert.False(t, f.events.Has("config_validate::timeout"))
}

func TestPatchProfiles_LatestWins(t *testing.T) {
	f := newFixture(t, threeProfiles())
	f.kernel.apply = func(context.Context, profiles.State) (kernel.Result, error) {
		time.Sleep(5 * time.Millisecond)
		return kernel.Result{Valid: true}, nil
	}

	targets := []string{"a", "b", "c"}
	type outcome struct {
		target string
		res    Result
	}
	results := make(chan outcome, 12)
	var wg sync.WaitGroup
	for i := range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			target := targets[i%3]
			results <- outcome{target: target, res: f.c.SwitchTo(context.Background(), target)}
		}()
	}
	wg.Wait()
	close(results)

	var newest outcome
	for o := range results {
		if o.res.Sequence > newest.res.Sequence {
			newest = o
		}
	}
	assert.Equal(t, uint64(12), newest.res.Sequence)
	assert.Equal(t, OutcomeCommitted, newest.res.Outcome)
	assert.Equal(t, newest.target, f.store.Latest().Current)
	assert.False(t, f.store.HasDraft())
}

func TestPatchProfiles_ProcessingMarker(t *testing.T) {
	f := newFixture(t, threeProfiles())
	seen := make(chan string, 1)
	f.kernel.apply = func(context.Context, profiles.State) (kernel.Result, error) {
		uid, _ := f.c.Processing()
		seen <- uid
		return kernel.Result{Valid: true}, nil
	}

	f.c.SwitchTo(context.Background(), "c")

	assert.Equal(t, "c", <-seen)
	_, busy := f.c.Processing()
	assert.False(t, busy)
}

func TestPatchProfiles_CancelledWhileWaiting(t *testing.T) {
	f := newFixture(t, threeProfiles())
	release, err := f.c.lockCtx(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := f.c.SwitchTo(ctx, "b")

	assert.Equal(t, OutcomeAbandoned, res.Outcome)
	assert.Equal(t, "a", f.store.Latest().Current)
}

func TestProfiles(t *testing.T) {
	f := newFixture(t, threeProfiles())

	st := f.c.Profiles(context.Background())

	assert.Equal(t, "a", st.Current)
	assert.Len(t, st.Items, 3)
}

func TestCreate(t *testing.T) {
	f := newFixture(t, threeProfiles())

	item, res, err := f.c.Create(context.Background(), profiles.Item{Name: "mine"}, []byte(doc))

	require.NoError(t, err)
	assert.Equal(t, profiles.TypeLocal, item.Type)
	assert.Equal(t, OutcomeCommitted, res.Outcome)
	assert.Equal(t, item.UID, f.store.Latest().Current)

	data, err := f.c.ReadProfile(item.UID)
	require.NoError(t, err)
	assert.Equal(t, doc, string(data))
}

func TestCreate_MergeDoesNotSwitch(t *testing.T) {
	f := newFixture(t, threeProfiles())

	item, res, err := f.c.Create(context.Background(), profiles.Item{Type: profiles.TypeMerge}, nil)

	require.NoError(t, err)
	assert.Zero(t, res.Sequence)
	assert.Equal(t, "a", f.store.Latest().Current)
	_, ok := f.store.Latest().Item(item.UID)
	assert.True(t, ok)
}

func TestCreate_InvalidYAML(t *testing.T) {
	f := newFixture(t, threeProfiles())

	_, _, err := f.c.Create(context.Background(), profiles.Item{}, []byte("a: [unclosed"))

	assert.ErrorIs(t, err, profiles.ErrInvalidDocument)
	assert.Len(t, f.store.Latest().Items, 3)
}

func TestImport(t *testing.T) {
	f := newFixture(t, threeProfiles())

	item, res, err := f.c.Import(context.Background(), "https://example.com/sub", nil)

	require.NoError(t, err)
	assert.Equal(t, profiles.TypeRemote, item.Type)
	assert.Equal(t, "sub", item.Name)
	require.NotNil(t, item.Option)
	assert.Equal(t, uint64(60), item.Option.UpdateInterval)
	assert.Equal(t, OutcomeCommitted, res.Outcome)
	assert.Equal(t, item.UID, f.store.Latest().Current)
	_, err = os.Stat(filepath.Join(f.docs.Dir(), item.File))
	assert.NoError(t, err)
}

func TestImport_ExistingURLRefreshes(t *testing.T) {
	f := newFixture(t, threeProfiles())
	first, _, err := f.c.Import(context.Background(), "https://example.com/sub", nil)
	require.NoError(t, err)

	again, _, err := f.c.Import(context.Background(), "https://example.com/sub", nil)

	require.NoError(t, err)
	assert.Equal(t, first.UID, again.UID)
	assert.Len(t, f.store.Latest().Items, 4)
	assert.Len(t, f.fetcher.calls, 2)
}

func remoteState() profiles.State {
	st := threeProfiles()
	st.Items = append(st.Items, profiles.Item{
		UID: "r", Type: profiles.TypeRemote, Name: "R", File: "r.yaml", URL: "https://example.com/r",
	})
	return st
}

func TestUpdateProfile_FallsBackToEngine(t *testing.T) {
	f := newFixture(t, remoteState())
	f.fetcher.direct = func(string) (profiles.Fetched, error) { return profiles.Fetched{}, errors.New("blocked") }
	f.fetcher.engine = func(string) (profiles.Fetched, error) {
		return profiles.Fetched{Content: []byte("proxies: []\n")}, nil
	}

	err := f.c.UpdateProfile(context.Background(), "r", nil)

	require.NoError(t, err)
	assert.Equal(t, []string{notify.EventUpdateRetryViaEngine, notify.EventUpdateViaEngine}, f.events.Names())
	data, err := f.c.ReadProfile("r")
	require.NoError(t, err)
	assert.Equal(t, "proxies: []\n", string(data))

	item, _ := f.store.Latest().Item("r")
	assert.Nil(t, item.Option, "retry options are not persisted")
	assert.Empty(t, f.kernel.Applied(), "inactive profile is not reapplied")
}

func TestUpdateProfile_BothRoutesFail(t *testing.T) {
	f := newFixture(t, remoteState())
	f.fetcher.direct = func(string) (profiles.Fetched, error) { return profiles.Fetched{}, errors.New("blocked") }

	err := f.c.UpdateProfile(context.Background(), "r", nil)

	require.Error(t, err)
	assert.Equal(t, []string{notify.EventUpdateRetryViaEngine, notify.EventUpdateFailed}, f.events.Names())
}

func TestUpdateProfile_ActiveReapplies(t *testing.T) {
	st := remoteState()
	st.Current = "r"
	f := newFixture(t, st)

	require.NoError(t, f.c.UpdateProfile(context.Background(), "r", &profiles.Option{UserAgent: "ua"}))

	assert.Equal(t, []string{"r"}, f.kernel.Applied())
	item, _ := f.store.Latest().Item("r")
	require.NotNil(t, item.Option)
	assert.Equal(t, "ua", item.Option.UserAgent)
	assert.Equal(t, int64(1700000000), item.Updated)
}

func TestUpdateProfile_NotFound(t *testing.T) {
	f := newFixture(t, threeProfiles())

	err := f.c.UpdateProfile(context.Background(), "nope", nil)

	assert.ErrorIs(t, err, profiles.ErrNotFound)
}

func TestDelete_CurrentMovesToNext(t *testing.T) {
	f := newFixture(t, threeProfiles())

	removed, err := f.c.Delete(context.Background(), "a")

	require.NoError(t, err)
	assert.Equal(t, "a", removed.UID)
	assert.Equal(t, "b", f.store.Latest().Current)
	assert.Equal(t, []string{"b"}, f.kernel.Applied())
	assert.True(t, f.events.Has(notify.EventProfileChanged))
	_, err = os.Stat(filepath.Join(f.docs.Dir(), "a.yaml"))
	assert.True(t, os.IsNotExist(err))
}

func TestDelete_LastClearsCurrent(t *testing.T) {
	f := newFixture(t, profiles.State{
		Current: "a",
		Items:   []profiles.Item{{UID: "a", Type: profiles.TypeLocal, File: "a.yaml"}},
	})

	_, err := f.c.Delete(context.Background(), "a")

	require.NoError(t, err)
	assert.Empty(t, f.store.Latest().Current)
	assert.Empty(t, f.store.Latest().Items)
}

func TestDelete_NonCurrentDoesNotReapply(t *testing.T) {
	f := newFixture(t, threeProfiles())

	_, err := f.c.Delete(context.Background(), "c")

	require.NoError(t, err)
	assert.Empty(t, f.kernel.Applied())
	assert.Len(t, f.store.Latest().Items, 2)
}

func TestReorder(t *testing.T) {
	f := newFixture(t, threeProfiles())

	require.NoError(t, f.c.Reorder(context.Background(), "c", "a"))

	items := f.store.Latest().Items
	assert.Equal(t, []string{"c", "a", "b"}, []string{items[0].UID, items[1].UID, items[2].UID})
	assert.ErrorIs(t, f.c.Reorder(context.Background(), "x", "a"), profiles.ErrNotFound)
}

func TestPatchItem_IntervalChangeRefreshesTimers(t *testing.T) {
	f := newFixture(t, remoteState())

	item, err := f.c.PatchItem(context.Background(), "r", profiles.Item{Option: &profiles.Option{UpdateInterval: 30}})
	require.NoError(t, err)
	f.tasks.Wait()

	assert.Equal(t, uint64(30), item.Option.UpdateInterval)
	assert.Equal(t, 1, f.timers.Refreshes())
	assert.True(t, f.events.Has(notify.EventTimerUpdated))

	next, ok := f.c.NextUpdateTime("r")
	assert.True(t, ok)
	assert.Equal(t, int64(1700000000), next.Unix())
}

func TestPatchItem_NameOnlyKeepsTimers(t *testing.T) {
	f := newFixture(t, remoteState())

	_, err := f.c.PatchItem(context.Background(), "r", profiles.Item{Name: "renamed"})
	require.NoError(t, err)
	f.tasks.Wait()

	assert.Zero(t, f.timers.Refreshes())
	assert.False(t, f.events.Has(notify.EventTimerUpdated))
}

func TestUpdateOnStartup(t *testing.T) {
	always := true
	st := remoteState()
	st.Items[3].Option = &profiles.Option{UpdateAlways: &always}
	st.Items = append(st.Items, profiles.Item{
		UID: "s", Type: profiles.TypeRemote, File: "s.yaml", URL: "https://example.com/s",
		Option: &profiles.Option{UpdateAlways: &always},
	})
	f := newFixture(t, st)
	f.fetcher.direct = func(url string) (profiles.Fetched, error) {
		if url == "https://example.com/s" {
			return profiles.Fetched{}, errors.New("gone")
		}
		return profiles.Fetched{Content: []byte(doc)}, nil
	}

	n, err := f.c.UpdateOnStartup(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"a"}, f.kernel.Applied())
}

func TestReapply_Rejected(t *testing.T) {
	f := newFixture(t, threeProfiles())
	f.kernel.apply = func(context.Context, profiles.State) (kernel.Result, error) {
		return kernel.Result{Valid: false, Message: "bad"}, nil
	}

	err := f.c.Reapply(context.Background())

	assert.ErrorIs(t, err, ErrKernelRejected)
	assert.True(t, f.events.Has("config_validate::error"))
}

func TestTaskSet(t *testing.T) {
	ts := NewTaskSet(1, nil)
	var mu sync.Mutex
	ran := 0
	for range 3 {
		ts.Go("count", func(context.Context) error {
			mu.Lock()
			ran++
			mu.Unlock()
			return nil
		})
	}
	ts.Go("fail", func(context.Context) error { return errors.New("nope") })
	ts.Go("panic", func(context.Context) error { panic("boom") })

	require.NoError(t, ts.Close(context.Background()))
	assert.Equal(t, 3, ran)
	assert.False(t, ts.Go("late", func(context.Context) error { return nil }))
}

func TestTaskSet_CloseTimesOut(t *testing.T) {
	ts := NewTaskSet(1, nil)
	ts.Go("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ts.Close(ctx), context.DeadlineExceeded)
}
