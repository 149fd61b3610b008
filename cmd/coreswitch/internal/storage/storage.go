// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage is the embedded key-value store behind the profile list.
//
// It wraps BadgerDB with JSON helpers, a value-log GC loop and context
// checks. Profile documents themselves stay on disk as plain files; only
// the list and its metadata live here.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/AleutianAI/coreswitch/pkg/logging"
	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("key not found")

// Config holds configuration for a DB.
type Config struct {
	// Dir is the database directory. Ignored when InMemory is true.
	Dir string

	// InMemory keeps everything in RAM; for tests.
	InMemory bool

	// SyncWrites fsyncs each commit.
	SyncWrites bool

	// Logger receives badger's internal log lines at debug level and
	// above. Nil disables them.
	Logger *logging.Logger

	// GCInterval is how often to run value log GC. 0 disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum garbage ratio that triggers a rewrite.
	GCDiscardRatio float64
}

// DefaultConfig returns production settings for dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:            dir,
		SyncWrites:     true,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns settings for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts logging.Logger to badger.Logger.
type badgerLogger struct {
	logger *logging.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// DB is an opened store.
//
// # Thread Safety
//
// Safe for concurrent use. Close is idempotent.
type DB struct {
	db        *badger.DB
	dir       string
	gc        *gcLoop
	closeOnce sync.Once
	closeErr  error
}

// Open opens (creating if needed) the store described by cfg.
func Open(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Dir == "" {
		return nil, errors.New("storage: dir is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.Component("badger")})
	} else {
		opts = opts.WithLogger(nil)
	}

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	db := &DB{db: bdb, dir: cfg.Dir}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		db.gc = startGC(bdb, cfg.GCInterval, ratio, logging.OrDiscard(cfg.Logger))
	}
	return db, nil
}

// OpenInMemory opens an in-memory store.
func OpenInMemory() (*DB, error) {
	return Open(InMemoryConfig())
}

// Dir returns the database directory, empty for in-memory stores.
func (d *DB) Dir() string { return d.dir }

// Get returns the raw value for key.
func (d *DB) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

// Put stores value under key.
func (d *DB) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// Delete removes key. Deleting a missing key is not an error.
func (d *DB) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Keys lists keys with prefix in lexical order.
func (d *DB) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return keys, err
}

// Txn is the write view passed to Update.
type Txn struct {
	txn *badger.Txn
}

// Put stages a write.
func (t Txn) Put(key string, value []byte) error {
	return t.txn.Set([]byte(key), value)
}

// PutJSON stages a JSON-encoded write.
func (t Txn) PutJSON(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return t.Put(key, b)
}

// Delete stages a delete.
func (t Txn) Delete(key string) error {
	return t.txn.Delete([]byte(key))
}

// Update runs fn in a read-write transaction, committing only if fn
// returns nil.
func (d *DB) Update(ctx context.Context, fn func(Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	txn := d.db.NewTransaction(true)
	defer txn.Discard()
	if err := fn(Txn{txn: txn}); err != nil {
		return err
	}
	return txn.Commit()
}

// GetJSON decodes the value at key into v.
func (d *DB) GetJSON(ctx context.Context, key string, v any) error {
	b, err := d.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// PutJSON encodes v and stores it under key.
func (d *DB) PutJSON(ctx context.Context, key string, v any) error {
	return d.Update(ctx, func(t Txn) error { return t.PutJSON(key, v) })
}

// Close stops GC and closes the database.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		if d.gc != nil {
			d.gc.stop()
		}
		d.closeErr = d.db.Close()
	})
	return d.closeErr
}

// =============================================================================
// Value log GC
// =============================================================================

type gcLoop struct {
	db       *badger.DB
	ratio    float64
	logger   *logging.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

func startGC(db *badger.DB, interval time.Duration, ratio float64, logger *logging.Logger) *gcLoop {
	g := &gcLoop{
		db:     db,
		ratio:  ratio,
		logger: logger.Component("badger"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go g.run(interval)
	return g
}

func (g *gcLoop) run(interval time.Duration) {
	defer close(g.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.collect()
		}
	}
}

func (g *gcLoop) collect() {
	// ErrNoRewrite just means nothing was worth rewriting.
	err := g.db.RunValueLogGC(g.ratio)
	switch {
	case err == nil:
		g.logger.Debug("value log GC completed")
	case !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected):
		g.logger.Warn("value log GC failed", "error", err)
	}
}

func (g *gcLoop) stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
	<-g.doneCh
}
