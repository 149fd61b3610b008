// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package kernel validates profile documents and loads them into the
// proxy engine.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/util"
	"github.com/AleutianAI/coreswitch/pkg/logging"
	"gopkg.in/yaml.v3"
)

// ValidationKind classifies why a profile document was rejected before
// touching any state. The values double as notification event suffixes.
type ValidationKind string

const (
	KindFileNotFound    ValidationKind = "file_not_found"
	KindYAMLSyntax      ValidationKind = "yaml_syntax_error"
	KindYAMLParse       ValidationKind = "yaml_parse_error"
	KindFileRead        ValidationKind = "file_read_error"
	KindFileReadTimeout ValidationKind = "file_read_timeout"
)

// ValidationError is a typed document validation failure.
type ValidationError struct {
	Kind   ValidationKind
	Path   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Path, e.Detail)
}

// AsValidationError extracts a *ValidationError from err.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	ok := errors.As(err, &ve)
	return ve, ok
}

// Validator checks that a profile document exists, can be read within a
// bounded time and parses as YAML.
type Validator struct {
	readTimeout  time.Duration
	parseTimeout time.Duration
	logger       *logging.Logger

	readFile func(string) ([]byte, error)
	parse    func([]byte) error
}

// NewValidator creates a Validator with the given bounds.
func NewValidator(readTimeout, parseTimeout time.Duration, logger *logging.Logger) *Validator {
	return &Validator{
		readTimeout:  util.EnforceDefaultTimeout(readTimeout, util.DefaultFileReadTimeout),
		parseTimeout: util.EnforceDefaultTimeout(parseTimeout, util.DefaultParseTimeout),
		logger:       logging.OrDiscard(logger).Component("kernel"),
		readFile:     os.ReadFile,
		parse:        parseYAML,
	}
}

func parseYAML(data []byte) error {
	var v any
	return yaml.Unmarshal(data, &v)
}

var (
	errReadTimeout  = errors.New("profile read timed out")
	errParseTimeout = errors.New("profile parse timed out")
)

type readResult struct {
	data []byte
	err  error
}

// ValidateFile checks the document at path. Every failure is a
// *ValidationError; a cancelled ctx is returned as is.
func (v *Validator) ValidateFile(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return &ValidationError{Kind: KindFileNotFound, Path: path, Detail: "profile document does not exist"}
		}
		return &ValidationError{Kind: KindFileRead, Path: path, Detail: err.Error()}
	}

	data, err := v.read(ctx, path)
	if err != nil {
		return err
	}
	if err := v.checkSyntax(ctx, path, data); err != nil {
		return err
	}
	v.logger.Debug("profile document valid", "path", path, "bytes", len(data))
	return nil
}

func (v *Validator) read(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, v.readTimeout, errReadTimeout)
	defer cancel()

	ch := make(chan readResult, 1)
	go func() {
		data, err := v.readFile(path)
		ch <- readResult{data: data, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, &ValidationError{Kind: KindFileRead, Path: path, Detail: r.err.Error()}
		}
		return r.data, nil
	case <-ctx.Done():
		if context.Cause(ctx) == errReadTimeout {
			return nil, &ValidationError{
				Kind:   KindFileReadTimeout,
				Path:   path,
				Detail: fmt.Sprintf("reading profile timed out (%s)", v.readTimeout),
			}
		}
		return nil, ctx.Err()
	}
}

// checkSyntax parses off the caller's goroutine so a pathological
// document cannot hold the update lock past parseTimeout.
func (v *Validator) checkSyntax(ctx context.Context, path string, data []byte) error {
	ctx, cancel := context.WithTimeoutCause(ctx, v.parseTimeout, errParseTimeout)
	defer cancel()

	ch := make(chan error, 1)
	go func() {
		defer util.RecoverPanic(func(r util.SafeGoResult) {
			ch <- &ValidationError{Kind: KindYAMLParse, Path: path, Detail: fmt.Sprintf("parser panicked: %v", r.PanicValue)}
		})()
		if err := v.parse(data); err != nil {
			ch <- &ValidationError{Kind: KindYAMLSyntax, Path: path, Detail: err.Error()}
			return
		}
		ch <- nil
	}()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		if context.Cause(ctx) == errParseTimeout {
			return &ValidationError{
				Kind:   KindYAMLParse,
				Path:   path,
				Detail: fmt.Sprintf("parsing profile timed out (%s)", v.parseTimeout),
			}
		}
		return ctx.Err()
	}
}
