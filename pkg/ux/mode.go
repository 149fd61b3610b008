// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// Mode selects how output is rendered.
type Mode string

const (
	ModeStyled  Mode = "styled"
	ModePlain   Mode = "plain"
	ModeMachine Mode = "machine"
)

// EnvMode overrides the detected mode.
const EnvMode = "CORESWITCH_OUTPUT"

var (
	mode   = ModeStyled
	modeMu sync.RWMutex
)

// CurrentMode returns the active output mode.
func CurrentMode() Mode {
	modeMu.RLock()
	defer modeMu.RUnlock()
	return mode
}

// SetMode sets the output mode.
func SetMode(m Mode) {
	modeMu.Lock()
	defer modeMu.Unlock()
	mode = m
}

// ParseMode maps a flag value to a Mode; unknown values are styled.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "plain", "minimal", "p":
		return ModePlain
	case "machine", "quiet", "json", "q":
		return ModeMachine
	default:
		return ModeStyled
	}
}

// InitMode picks the mode from flag, then the environment, then whether
// stdout is a terminal.
func InitMode(flag string) {
	switch {
	case flag != "":
		SetMode(ParseMode(flag))
	case os.Getenv(EnvMode) != "":
		SetMode(ParseMode(os.Getenv(EnvMode)))
	case !IsTerminal(os.Stdout.Fd()):
		SetMode(ModeMachine)
	default:
		SetMode(ModeStyled)
	}
}

// IsTerminal reports whether fd is a terminal, including Cygwin ptys.
func IsTerminal(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// IsInteractive reports whether prompts can be shown.
func IsInteractive() bool {
	return CurrentMode() != ModeMachine && IsTerminal(os.Stdin.Fd())
}
