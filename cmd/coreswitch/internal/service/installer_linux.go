// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build linux

package service

import (
	"strings"

	"golang.org/x/sys/unix"
)

func isElevated() bool { return unix.Geteuid() == 0 }

// command runs the program directly as root, otherwise through the
// configured elevator.
func (s *ScriptInstaller) command(path string) (string, []string) {
	if s.IsElevated() {
		return path, nil
	}
	return s.elevator, []string{"sh", "-c", strings.ReplaceAll(path, " ", "\\ ")}
}
