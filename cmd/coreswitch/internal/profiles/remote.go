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
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/coreswitch/pkg/logging"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"
)

const (
	defaultFetchTimeout = 20 * time.Second
	maxDocumentSize     = 32 << 20
)

// ErrInvalidDocument means a fetched document is not a usable profile.
var ErrInvalidDocument = errors.New("invalid profile document")

// Fetched is a downloaded remote profile.
type Fetched struct {
	Content []byte
	Name    string

	// Interval is the refresh period the provider suggests, in minutes.
	Interval uint64
}

// FetcherConfig configures a Fetcher.
type FetcherConfig struct {
	UserAgent string

	// EngineProxy is the engine's local HTTP proxy, used for SelfProxy
	// fetches and as the fallback when a direct fetch fails.
	EngineProxy string

	Timeout time.Duration
	Logger  *logging.Logger
}

// Fetcher downloads remote profile documents.
//
// Concurrent fetches of the same URL through the same route share one
// request.
type Fetcher struct {
	userAgent   string
	engineProxy *url.URL
	timeout     time.Duration
	logger      *logging.Logger
	group       singleflight.Group

	// Transport is the base RoundTripper; tests replace it.
	Transport *http.Transport
}

// NewFetcher creates a Fetcher.
func NewFetcher(cfg FetcherConfig) (*Fetcher, error) {
	f := &Fetcher{
		userAgent: cfg.UserAgent,
		timeout:   cfg.Timeout,
		logger:    logging.OrDiscard(cfg.Logger).Component("fetch"),
		Transport: http.DefaultTransport.(*http.Transport).Clone(),
	}
	if f.timeout <= 0 {
		f.timeout = defaultFetchTimeout
	}
	if cfg.EngineProxy != "" {
		u, err := url.Parse(cfg.EngineProxy)
		if err != nil {
			return nil, fmt.Errorf("parse engine proxy: %w", err)
		}
		f.engineProxy = u
	}
	return f, nil
}

type route int

const (
	routeDirect route = iota
	routeSystem
	routeEngine
)

func (r route) String() string {
	switch r {
	case routeSystem:
		return "system"
	case routeEngine:
		return "engine"
	default:
		return "direct"
	}
}

func routeFor(opt *Option) route {
	switch {
	case opt != nil && opt.SelfProxy != nil && *opt.SelfProxy:
		return routeEngine
	case opt != nil && opt.WithProxy != nil && *opt.WithProxy:
		return routeSystem
	default:
		return routeDirect
	}
}

// Fetch downloads rawURL using the route opt selects.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opt *Option) (Fetched, error) {
	return f.fetchVia(ctx, rawURL, opt, routeFor(opt))
}

// FetchViaEngine downloads rawURL through the running engine.
func (f *Fetcher) FetchViaEngine(ctx context.Context, rawURL string, opt *Option) (Fetched, error) {
	if f.engineProxy == nil {
		return Fetched{}, errors.New("no engine proxy configured")
	}
	return f.fetchVia(ctx, rawURL, opt, routeEngine)
}

func (f *Fetcher) fetchVia(ctx context.Context, rawURL string, opt *Option, r route) (Fetched, error) {
	key := r.String() + " " + rawURL
	v, err, shared := f.group.Do(key, func() (any, error) {
		return f.download(ctx, rawURL, opt, r)
	})
	if shared {
		f.logger.Debug("shared in-flight fetch", "url", rawURL)
	}
	if err != nil {
		return Fetched{}, err
	}
	return v.(Fetched), nil
}

func (f *Fetcher) client(r route, opt *Option) *http.Client {
	tr := f.Transport.Clone()
	switch r {
	case routeEngine:
		tr.Proxy = http.ProxyURL(f.engineProxy)
	case routeSystem:
		tr.Proxy = http.ProxyFromEnvironment
	default:
		tr.Proxy = nil
	}
	timeout := f.timeout
	if opt != nil && opt.TimeoutSeconds > 0 {
		timeout = time.Duration(opt.TimeoutSeconds) * time.Second
	}
	return &http.Client{Transport: tr, Timeout: timeout}
}

func (f *Fetcher) download(ctx context.Context, rawURL string, opt *Option, r route) (Fetched, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Fetched{}, fmt.Errorf("build request: %w", err)
	}
	ua := f.userAgent
	if opt != nil && opt.UserAgent != "" {
		ua = opt.UserAgent
	}
	if ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	start := time.Now()
	resp, err := f.client(r, opt).Do(req)
	if err != nil {
		return Fetched{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Fetched{}, fmt.Errorf("fetch %s: unexpected status %s", rawURL, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return Fetched{}, fmt.Errorf("read %s: %w", rawURL, err)
	}
	if len(body) > maxDocumentSize {
		return Fetched{}, fmt.Errorf("%w: larger than %d bytes", ErrInvalidDocument, maxDocumentSize)
	}
	if err := CheckDocument(body); err != nil {
		return Fetched{}, err
	}

	out := Fetched{
		Content:  body,
		Name:     nameFromHeaders(resp.Header),
		Interval: intervalFromHeader(resp.Header.Get("Profile-Update-Interval")),
	}
	f.logger.Info("profile fetched",
		"url", rawURL,
		"route", r.String(),
		"bytes", len(body),
		"duration", time.Since(start),
	)
	return out, nil
}

// CheckDocument verifies data is a YAML mapping with proxies or providers.
func CheckDocument(data []byte) error {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if doc == nil {
		return fmt.Errorf("%w: empty document", ErrInvalidDocument)
	}
	_, hasProxies := doc["proxies"]
	_, hasProviders := doc["proxy-providers"]
	if !hasProxies && !hasProviders {
		return fmt.Errorf("%w: no proxies or proxy-providers", ErrInvalidDocument)
	}
	return nil
}

func nameFromHeaders(h http.Header) string {
	if title := h.Get("Profile-Title"); title != "" {
		return title
	}
	_, params, err := mime.ParseMediaType(h.Get("Content-Disposition"))
	if err != nil {
		return ""
	}
	name := params["filename"]
	for _, ext := range []string{".yaml", ".yml"} {
		name = strings.TrimSuffix(name, ext)
	}
	return name
}

// intervalFromHeader converts the provider's hours into minutes.
func intervalFromHeader(v string) uint64 {
	hours, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0
	}
	return hours * 60
}
