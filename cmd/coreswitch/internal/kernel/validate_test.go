// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package kernel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDoc(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestValidateFile_Valid(t *testing.T) {
	path := writeDoc(t, t.TempDir(), "a.yaml", "proxies: []\nmode: rule\n")
	v := NewValidator(time.Second, time.Second, nil)
	assert.NoError(t, v.ValidateFile(context.Background(), path))
}

func TestValidateFile_Missing(t *testing.T) {
	v := NewValidator(time.Second, time.Second, nil)
	err := v.ValidateFile(context.Background(), filepath.Join(t.TempDir(), "nope.yaml"))

	ve, ok := AsValidationError(err)
	require.True(t, ok)
	assert.Equal(t, KindFileNotFound, ve.Kind)
}

func TestValidateFile_SyntaxError(t *testing.T) {
	path := writeDoc(t, t.TempDir(), "bad.yaml", "proxies: [\n  - name: a\n  bad")
	v := NewValidator(time.Second, time.Second, nil)

	ve, ok := AsValidationError(v.ValidateFile(context.Background(), path))
	require.True(t, ok)
	assert.Equal(t, KindYAMLSyntax, ve.Kind)
	assert.Equal(t, path, ve.Path)
}

func TestValidateFile_ReadTimeout(t *testing.T) {
	path := writeDoc(t, t.TempDir(), "slow.yaml", "a: 1\n")
	v := NewValidator(20*time.Millisecond, time.Second, nil)
	v.readFile = func(p string) ([]byte, error) {
		time.Sleep(200 * time.Millisecond)
		return os.ReadFile(p)
	}

	ve, ok := AsValidationError(v.ValidateFile(context.Background(), path))
	require.True(t, ok)
	assert.Equal(t, KindFileReadTimeout, ve.Kind)
}

func TestValidateFile_ReadError(t *testing.T) {
	path := writeDoc(t, t.TempDir(), "a.yaml", "a: 1\n")
	v := NewValidator(time.Second, time.Second, nil)
	v.readFile = func(string) ([]byte, error) { return nil, errors.New("permission denied") }

	ve, ok := AsValidationError(v.ValidateFile(context.Background(), path))
	require.True(t, ok)
	assert.Equal(t, KindFileRead, ve.Kind)
	assert.Contains(t, ve.Detail, "permission denied")
}

func TestValidateFile_ParseTimeout(t *testing.T) {
	path := writeDoc(t, t.TempDir(), "a.yaml", "a: 1\n")
	v := NewValidator(time.Second, 20*time.Millisecond, nil)
	v.parse = func([]byte) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	}

	ve, ok := AsValidationError(v.ValidateFile(context.Background(), path))
	require.True(t, ok)
	assert.Equal(t, KindYAMLParse, ve.Kind)
}

func TestValidateFile_ParserPanic(t *testing.T) {
	path := writeDoc(t, t.TempDir(), "a.yaml", "a: 1\n")
	v := NewValidator(time.Second, time.Second, nil)
	v.parse = func([]byte) error { panic("boom") }

	ve, ok := AsValidationError(v.ValidateFile(context.Background(), path))
	require.True(t, ok)
	assert.Equal(t, KindYAMLParse, ve.Kind)
	assert.Contains(t, ve.Detail, "boom")
}

func TestValidateFile_ParentCancelled(t *testing.T) {
	path := writeDoc(t, t.TempDir(), "a.yaml", "a: 1\n")
	v := NewValidator(time.Second, time.Second, nil)
	v.readFile = func(p string) ([]byte, error) {
		time.Sleep(100 * time.Millisecond)
		return os.ReadFile(p)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := v.ValidateFile(ctx, path)
	assert.ErrorIs(t, err, context.Canceled)
	_, ok := AsValidationError(err)
	assert.False(t, ok)
}
