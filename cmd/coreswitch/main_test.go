// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/api"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/kernel"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/profiles"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/service"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/switcher"
	"github.com/AleutianAI/coreswitch/pkg/ux"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type okKernel struct{}

func (okKernel) Validate(context.Context, profiles.Item) error { return nil }

func (okKernel) Apply(context.Context, profiles.State) (kernel.Result, error) {
	return kernel.Result{Valid: true}, nil
}

type countingService struct {
	mu    sync.Mutex
	count int
}

func (s *countingService) Status(context.Context) service.Status {
	return service.Status{Available: true, Version: "1.1.0", RequiredVersion: "1.1.0", Drift: service.DriftMatch}
}

func (s *countingService) Reinstall(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	return nil
}

func (s *countingService) ForceReinstall(ctx context.Context) error { return s.Reinstall(ctx) }

func (s *countingService) installs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

type cli struct {
	url string
	sw  *switcher.Coordinator
	svc *countingService
	out *bytes.Buffer
	err *bytes.Buffer
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	docs, err := profiles.NewDocuments(t.TempDir())
	require.NoError(t, err)
	initial := profiles.State{
		Current: "a",
		Items: []profiles.Item{
			{UID: "a", Type: profiles.TypeLocal, Name: "Home", File: "a.yaml"},
			{UID: "b", Type: profiles.TypeLocal, Name: "Work", File: "b.yaml"},
		},
	}
	for _, it := range initial.Items {
		require.NoError(t, docs.Write(it.File, []byte("proxies: []\n")))
	}
	c := &cli{svc: &countingService{}, out: &bytes.Buffer{}, err: &bytes.Buffer{}}
	c.sw = switcher.New(switcher.Config{
		Store:    profiles.NewStore(initial, &profiles.MemoryPersister{}, nil),
		Docs:     docs,
		Kernel:   okKernel{},
		LockWait: 10 * time.Millisecond,
	})
	srv := httptest.NewServer(api.New(api.Config{Switcher: c.sw, Service: c.svc}).Handler())
	c.url = srv.URL
	ux.SetOutput(c.out, c.err)
	t.Cleanup(func() {
		srv.Close()
		ux.SetOutput(nil, nil)
		ux.SetMode(ux.ModeStyled)
	})
	return c
}

func (c *cli) run(args ...string) error {
	c.out.Reset()
	c.err.Reset()
	root := newRootCmd()
	root.SetOut(c.out)
	root.SetErr(c.err)
	root.SetArgs(append([]string{"--api", c.url, "-o", "machine", "--timeout", "5s"}, args...))
	return root.Execute()
}

func TestProfileList(t *testing.T) {
	c := newCLI(t)
	require.NoError(t, c.run("profile", "list"))
	assert.Contains(t, c.out.String(), "a\tlocal\tHome")
	assert.Contains(t, c.out.String(), "b\tlocal\tWork")
}

func TestProfileSwitch(t *testing.T) {
	c := newCLI(t)
	require.NoError(t, c.run("profile", "switch", "b"))
	assert.Contains(t, c.out.String(), "OK: switched to b")
	assert.Equal(t, "b", c.sw.Store().Latest().Current)
}

func TestProfileSwitchUnknownFails(t *testing.T) {
	c := newCLI(t)
	err := c.run("profile", "switch", "missing")
	require.Error(t, err)
	var silent *exitError
	assert.ErrorAs(t, err, &silent)
	assert.Contains(t, c.err.String(), string(switcher.OutcomeInvalid))
	assert.Equal(t, "a", c.sw.Store().Latest().Current)
}

func TestProfileShowPrintsDocument(t *testing.T) {
	c := newCLI(t)
	require.NoError(t, c.run("profile", "show", "a"))
	assert.Contains(t, c.out.String(), "proxies: []")
}

func TestProfileDeleteAndEdit(t *testing.T) {
	c := newCLI(t)
	require.NoError(t, c.run("profile", "edit", "b", "--name", "Office"))
	it, ok := c.sw.Store().Latest().Item("b")
	require.True(t, ok)
	assert.Equal(t, "Office", it.Name)

	require.NoError(t, c.run("profile", "delete", "b"))
	_, ok = c.sw.Store().Latest().Item("b")
	assert.False(t, ok)
}

func TestStatus(t *testing.T) {
	c := newCLI(t)
	require.NoError(t, c.run("status"))
	assert.Contains(t, c.out.String(), "current=a")
	assert.Contains(t, c.out.String(), "service=available")
}

func TestReinstallNeedsConfirmation(t *testing.T) {
	c := newCLI(t)
	err := c.run("service", "reinstall")
	assert.ErrorIs(t, err, ux.ErrNotInteractive)
	assert.Zero(t, c.svc.installs())

	require.NoError(t, c.run("service", "force-reinstall", "--yes"))
	assert.Equal(t, 1, c.svc.installs())
	assert.Contains(t, c.out.String(), "OK: service reinstalled")
}

func TestOptionFlagsOnlyChanged(t *testing.T) {
	var of optionFlags
	cmd := &cobra.Command{Use: "x"}
	of.register(cmd)
	assert.Nil(t, of.option(cmd))

	cmd = &cobra.Command{Use: "x"}
	of = optionFlags{}
	of.register(cmd)
	require.NoError(t, cmd.Flags().Set("self-proxy", "true"))
	require.NoError(t, cmd.Flags().Set("interval", "90"))
	o := of.option(cmd)
	require.NotNil(t, o)
	require.NotNil(t, o.SelfProxy)
	assert.True(t, *o.SelfProxy)
	assert.Nil(t, o.WithProxy)
	assert.Equal(t, uint64(90), o.UpdateInterval)
}

func TestProfileEditIntervalZeroDisables(t *testing.T) {
	c := newCLI(t)
	require.NoError(t, c.run("profile", "edit", "a", "--interval", "30", "--user-agent", "ua/1"))
	it, _ := c.sw.Store().Latest().Item("a")
	require.NotNil(t, it.Option)
	assert.Equal(t, uint64(30), it.Option.UpdateInterval)

	require.NoError(t, c.run("profile", "edit", "a", "--interval", "0"))
	it, _ = c.sw.Store().Latest().Item("a")
	require.NotNil(t, it.Option)
	assert.Zero(t, it.Option.UpdateInterval)
	assert.Equal(t, "ua/1", it.Option.UserAgent)
}
