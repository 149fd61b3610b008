// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command coreswitch runs and controls the profile-switching controller.
package main

import (
	"errors"
	"os"

	"github.com/AleutianAI/coreswitch/pkg/ux"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var silent *exitError
		if !errors.As(err, &silent) {
			ux.Error(err.Error())
		}
		os.Exit(1)
	}
}

// exitError fails the command after the failure was already reported.
type exitError struct{ msg string }

func (e *exitError) Error() string { return e.msg }
