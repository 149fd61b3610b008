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
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validDoc = "proxies:\n  - name: a\n    type: direct\n"

func TestFetcher_Fetch(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Disposition", `attachment; filename="Work.yaml"`)
		w.Header().Set("Profile-Update-Interval", "12")
		w.Write([]byte(validDoc))
	}))
	defer srv.Close()

	f, err := NewFetcher(FetcherConfig{UserAgent: "coreswitch/test"})
	require.NoError(t, err)

	got, err := f.Fetch(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, validDoc, string(got.Content))
	assert.Equal(t, "Work", got.Name)
	assert.Equal(t, uint64(720), got.Interval)
	assert.Equal(t, "coreswitch/test", gotUA)

	_, err = f.Fetch(context.Background(), srv.URL, &Option{UserAgent: "custom"})
	require.NoError(t, err)
	assert.Equal(t, "custom", gotUA)
}

func TestFetcher_RejectsBadResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		case "/html":
			w.Write([]byte("<html>login</html>"))
		default:
			w.Write([]byte("rules: []\n"))
		}
	}))
	defer srv.Close()

	f, err := NewFetcher(FetcherConfig{})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), srv.URL+"/missing", nil)
	assert.Error(t, err)
	_, err = f.Fetch(context.Background(), srv.URL+"/html", nil)
	assert.ErrorIs(t, err, ErrInvalidDocument)
	_, err = f.Fetch(context.Background(), srv.URL+"/noproxies", nil)
	assert.ErrorIs(t, err, ErrInvalidDocument)
}

func TestFetcher_SharesConcurrentFetches(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		w.Write([]byte(validDoc))
	}))
	defer srv.Close()

	f, err := NewFetcher(FetcherConfig{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Fetch(context.Background(), srv.URL, nil)
			assert.NoError(t, err)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetcher_ViaEngineProxy(t *testing.T) {
	// The proxy receives the absolute URL of the origin request.
	var proxied atomic.Bool
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxied.Store(r.URL.IsAbs())
		w.Write([]byte(validDoc))
	}))
	defer proxy.Close()

	f, err := NewFetcher(FetcherConfig{EngineProxy: proxy.URL})
	require.NoError(t, err)

	_, err = f.FetchViaEngine(context.Background(), "http://profiles.invalid/sub", nil)
	require.NoError(t, err)
	assert.True(t, proxied.Load())

	noProxy, err := NewFetcher(FetcherConfig{})
	require.NoError(t, err)
	_, err = noProxy.FetchViaEngine(context.Background(), "http://x.invalid", nil)
	assert.Error(t, err)
}

func TestRouteFor(t *testing.T) {
	assert.Equal(t, routeDirect, routeFor(nil))
	assert.Equal(t, routeSystem, routeFor(&Option{WithProxy: boolPtr(true)}))
	assert.Equal(t, routeEngine, routeFor(&Option{WithProxy: boolPtr(true), SelfProxy: boolPtr(true)}))
}

func TestCheckDocument(t *testing.T) {
	assert.NoError(t, CheckDocument([]byte(validDoc)))
	assert.NoError(t, CheckDocument([]byte("proxy-providers: {}\n")))
	assert.ErrorIs(t, CheckDocument([]byte("")), ErrInvalidDocument)
	assert.ErrorIs(t, CheckDocument([]byte("a: [")), ErrInvalidDocument)
	assert.ErrorIs(t, CheckDocument([]byte("- list\n")), ErrInvalidDocument)
}
