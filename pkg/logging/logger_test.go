// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(42), "UNKNOWN"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.level.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in     string
		want   Level
		wantOK bool
	}{
		{"debug", LevelDebug, true},
		{" INFO ", LevelInfo, true},
		{"warning", LevelWarn, true},
		{"Error", LevelError, true},
		{"", LevelInfo, false},
		{"verbose", LevelInfo, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.wantOK, ok, tt.in)
	}
}

func TestNew_WritesToOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Output: &buf, Service: "controller"})

	logger.Debug("hidden")
	logger.Info("visible", "uid", "p1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible")
	assert.Contains(t, out, "uid=p1")
	assert.Contains(t, out, "service=controller")
}

func TestNew_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, JSON: true})
	logger.Warn("json entry", "sequence", 7)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "json entry", decoded["msg"])
	assert.Equal(t, float64(7), decoded["sequence"])
}

func TestNew_WithLogDir(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{Quiet: true, LogDir: dir, Service: "controller"})
	logger.Info("to file")
	require.NoError(t, logger.Close())

	name := "controller_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}

func TestLogger_ComponentAttrsReachExporter(t *testing.T) {
	exp := NewBufferedExporter()
	logger := New(Config{Quiet: true, Exporter: exp, Service: "controller"})

	logger.Component("service").With("attempt", 2).Warn("reinstall failed", "error", "denied")

	entries := exp.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, LevelWarn, entries[0].Level)
	assert.Equal(t, "service", entries[0].Attrs["component"])
	assert.Equal(t, 2, entries[0].Attrs["attempt"])
	assert.Equal(t, "denied", entries[0].Attrs["error"])
	assert.Equal(t, "controller", entries[0].Service)
}

func TestLogger_ExporterRespectsLevel(t *testing.T) {
	exp := NewBufferedExporter()
	logger := New(Config{Quiet: true, Level: LevelWarn, Exporter: exp})
	logger.Info("dropped")
	logger.Error("kept")
	assert.Equal(t, []string{"kept"}, exp.Messages())
}

func TestDiscardAndOrDiscard(t *testing.T) {
	assert.NotPanics(t, func() {
		Discard().Error("nothing")
		OrDiscard(nil).Info("nothing")
	})
	l := Default()
	assert.Same(t, l, OrDiscard(l))
}

func TestLogger_ConcurrentUse(t *testing.T) {
	exp := NewBufferedExporter()
	logger := New(Config{Quiet: true, Exporter: exp})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.With("worker", i).Info("tick")
		}(i)
	}
	wg.Wait()
	assert.Len(t, exp.Entries(), 20)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".coreswitch"), ExpandPath("~/.coreswitch"))
	assert.Equal(t, "/var/log", ExpandPath("/var/log"))
	assert.True(t, strings.HasPrefix(ExpandPath("rel/path"), "rel"))
}
