// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders CLI output: styled for terminals, plain tab-separated
// lines for scripts.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

var (
	ColorAccent  = lipgloss.Color("#20B9B4")
	ColorBright  = lipgloss.Color("#2CD7C7")
	ColorBorder  = lipgloss.Color("#16858E")
	ColorSlate   = lipgloss.Color("#2C4A54")
	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles are the shared lipgloss styles.
var Styles = struct {
	Title     lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style
	Box       lipgloss.Style
	ErrorBox  lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorBright),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorBright).Bold(true),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),
}

// Icon is a status marker.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconActive  Icon = "●"
	IconArrow   Icon = "→"
)

// Render returns the icon styled for its meaning.
func (i Icon) Render() string {
	switch i {
	case IconSuccess, IconActive:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

var (
	outMu  sync.Mutex
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// SetOutput redirects output. nil restores the process streams.
func SetOutput(out, errOut io.Writer) {
	outMu.Lock()
	defer outMu.Unlock()
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	stdout, stderr = out, errOut
}

func writers() (io.Writer, io.Writer) {
	outMu.Lock()
	defer outMu.Unlock()
	return stdout, stderr
}

// Title prints a heading. Machine mode omits it.
func Title(text string) {
	out, _ := writers()
	if CurrentMode() == ModeMachine {
		return
	}
	fmt.Fprintln(out, Styles.Title.Render(text))
}

// Success prints a completed action.
func Success(text string) {
	out, _ := writers()
	switch CurrentMode() {
	case ModeMachine:
		fmt.Fprintf(out, "OK: %s\n", text)
	case ModePlain:
		fmt.Fprintf(out, "%s %s\n", IconSuccess, text)
	default:
		fmt.Fprintf(out, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
	}
}

// Warning prints a non-fatal problem to stderr.
func Warning(text string) {
	_, errOut := writers()
	switch CurrentMode() {
	case ModeMachine:
		fmt.Fprintf(errOut, "WARN: %s\n", text)
	case ModePlain:
		fmt.Fprintf(errOut, "%s %s\n", IconWarning, text)
	default:
		fmt.Fprintf(errOut, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
	}
}

// Error prints a failure to stderr.
func Error(text string) {
	_, errOut := writers()
	switch CurrentMode() {
	case ModeMachine:
		fmt.Fprintf(errOut, "ERROR: %s\n", text)
	case ModePlain:
		fmt.Fprintf(errOut, "%s %s\n", IconError, text)
	default:
		fmt.Fprintf(errOut, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
	}
}

// KeyValue prints one labelled value.
func KeyValue(key, value string) {
	out, _ := writers()
	if CurrentMode() == ModeMachine {
		fmt.Fprintf(out, "%s=%s\n", key, value)
		return
	}
	fmt.Fprintf(out, "  %s %s\n", Styles.Muted.Render(fmt.Sprintf("%-18s", key+":")), value)
}

// Row is one line of a table.
type Row struct {
	Icon   Icon
	Fields []string
}

// Table prints rows under header. Machine mode prints tab-separated
// fields without icons or header.
func Table(header []string, rows []Row) {
	out, _ := writers()
	if CurrentMode() == ModeMachine {
		for _, r := range rows {
			fmt.Fprintln(out, strings.Join(r.Fields, "\t"))
		}
		return
	}

	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len(h)
	}
	for _, r := range rows {
		for i, f := range r.Fields {
			if i < len(widths) && len(f) > widths[i] {
				widths[i] = len(f)
			}
		}
	}

	pad := func(fields []string) string {
		parts := make([]string, len(fields))
		for i, f := range fields {
			if i < len(widths) {
				parts[i] = fmt.Sprintf("%-*s", widths[i], f)
			} else {
				parts[i] = f
			}
		}
		return strings.Join(parts, "  ")
	}
	fmt.Fprintln(out, "  "+Styles.Bold.Render(pad(header)))
	for _, r := range rows {
		icon := " "
		if r.Icon != "" {
			icon = r.Icon.Render()
		}
		fmt.Fprintln(out, icon+" "+pad(r.Fields))
	}
}

// Box prints content framed under title.
func Box(title, content string) {
	out, _ := writers()
	if CurrentMode() != ModeStyled {
		fmt.Fprintf(out, "%s: %s\n", title, content)
		return
	}
	fmt.Fprintln(out, Styles.Box.Width(64).Render(Styles.Title.Render(title)+"\n"+content))
}

// ErrorBox prints a framed failure to stderr.
func ErrorBox(title, content string) {
	_, errOut := writers()
	if CurrentMode() != ModeStyled {
		fmt.Fprintf(errOut, "ERROR %s: %s\n", title, content)
		return
	}
	fmt.Fprintln(errOut, Styles.ErrorBox.Width(64).Render(Styles.Error.Bold(true).Render(title)+"\n"+content))
}
