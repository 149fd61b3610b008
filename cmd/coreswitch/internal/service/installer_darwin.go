// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build darwin

package service

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const adminPrompt = "coreswitch needs to install its helper service."

func isElevated() bool { return unix.Geteuid() == 0 }

// command asks for administrator rights through osascript.
func (s *ScriptInstaller) command(path string) (string, []string) {
	if s.IsElevated() {
		return path, nil
	}
	script := fmt.Sprintf("do shell script \"sudo '%s'\" with administrator privileges with prompt \"%s\"", path, adminPrompt)
	return "osascript", []string{"-e", script}
}
