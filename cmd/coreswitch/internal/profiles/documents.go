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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Documents is the directory holding one YAML document per profile.
//
// It remembers a fingerprint of the last content it wrote to each file so
// that file watchers can tell its own writes from outside edits.
type Documents struct {
	dir string

	mu      sync.Mutex
	written map[string]uint64
}

// NewDocuments creates dir if needed.
func NewDocuments(dir string) (*Documents, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create profiles directory: %w", err)
	}
	return &Documents{dir: dir, written: make(map[string]uint64)}, nil
}

// Dir returns the documents directory.
func (d *Documents) Dir() string { return d.dir }

// Path resolves a document file name inside the directory.
func (d *Documents) Path(file string) (string, error) {
	if file == "" || file != filepath.Base(file) || strings.HasPrefix(file, ".") {
		return "", fmt.Errorf("invalid profile file name %q", file)
	}
	return filepath.Join(d.dir, file), nil
}

// PathOf resolves the document of item.
func (d *Documents) PathOf(item Item) (string, error) {
	if item.File == "" {
		return "", fmt.Errorf("profile %s has no file", item.UID)
	}
	return d.Path(item.File)
}

// Read returns the document of item.
func (d *Documents) Read(item Item) ([]byte, error) {
	path, err := d.PathOf(item)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Write replaces the document named file.
func (d *Documents) Write(file string, data []byte) error {
	path, err := d.Path(file)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(d.dir, ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	d.mu.Lock()
	d.written[file] = xxhash.Sum64(data)
	d.mu.Unlock()
	return nil
}

// OwnWrite reports whether file still holds exactly what Write last put
// there. An edit by anyone else, or a file never written through d,
// reports false.
func (d *Documents) OwnWrite(file string) bool {
	d.mu.Lock()
	sum, ok := d.written[file]
	d.mu.Unlock()
	if !ok {
		return false
	}
	path, err := d.Path(file)
	if err != nil {
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return xxhash.Sum64(data) == sum
}

// Remove deletes the document named file. A missing file is not an error.
func (d *Documents) Remove(file string) error {
	path, err := d.Path(file)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	d.mu.Lock()
	delete(d.written, file)
	d.mu.Unlock()
	return nil
}

// Prune deletes YAML documents no item in st references.
func (d *Documents) Prune(st State) ([]string, error) {
	keep := make(map[string]bool, len(st.Items))
	for _, it := range st.Items {
		keep[it.File] = true
	}
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || keep[name] || (filepath.Ext(name) != ".yaml" && filepath.Ext(name) != ".yml") {
			continue
		}
		if err := os.Remove(filepath.Join(d.dir, name)); err != nil {
			return removed, err
		}
		removed = append(removed, name)
	}
	return removed, nil
}
