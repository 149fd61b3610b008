// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build windows

package service

import (
	"fmt"

	"golang.org/x/sys/windows"
)

func isElevated() bool {
	return windows.GetCurrentProcessToken().IsElevated()
}

// command triggers a UAC prompt through Start-Process -Verb RunAs and
// waits for the installer to finish.
func (s *ScriptInstaller) command(path string) (string, []string) {
	if s.IsElevated() {
		return path, nil
	}
	ps := fmt.Sprintf("$p = Start-Process -FilePath '%s' -Verb RunAs -WindowStyle Hidden -Wait -PassThru; exit $p.ExitCode", path)
	return "powershell", []string{"-NoProfile", "-NonInteractive", "-Command", ps}
}
