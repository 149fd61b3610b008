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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/coreswitch/pkg/logging"
)

// cleanup is one shutdown step.
type cleanup struct {
	name string
	fn   func(ctx context.Context) error
}

// shutdownSteps runs cleanups newest first, each under its own timeout so
// one stuck step cannot eat the budget of the rest.
type shutdownSteps struct {
	timeout time.Duration
	logger  *logging.Logger
	steps   []cleanup
}

func (s *shutdownSteps) add(name string, fn func(ctx context.Context) error) {
	s.steps = append(s.steps, cleanup{name: name, fn: fn})
}

// run executes and forgets the registered steps. Failures are logged and
// joined; they never stop later steps.
func (s *shutdownSteps) run() error {
	logger := logging.OrDiscard(s.logger)
	var errs []error
	for i := len(s.steps) - 1; i >= 0; i-- {
		c := s.steps[i]
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err := c.fn(ctx)
		cancel()
		if err != nil {
			logger.Warn("shutdown step failed", "step", c.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	s.steps = nil
	return errors.Join(errs...)
}
