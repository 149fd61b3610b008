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
	"fmt"
	"os"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

type spinDone struct{}

type spinModel struct {
	spinner spinner.Model
	message string
	done    bool
}

func (m spinModel) Init() tea.Cmd { return m.spinner.Tick }

func (m spinModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case spinDone:
		m.done = true
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m spinModel) View() string {
	if m.done {
		return ""
	}
	return m.spinner.View() + " " + m.message + "\n"
}

// Spin runs fn while a spinner shows message on stderr.
//
// Only styled output to a terminal animates. Plain mode prints the
// message once and machine mode prints nothing.
func Spin(message string, fn func() error) error {
	_, errOut := writers()
	if CurrentMode() != ModeStyled || errOut != os.Stderr || !IsTerminal(os.Stderr.Fd()) {
		if CurrentMode() == ModePlain {
			fmt.Fprintf(errOut, "%s...\n", message)
		}
		return fn()
	}

	m := spinModel{
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(Styles.Highlight)),
		message: message,
	}
	p := tea.NewProgram(m, tea.WithOutput(errOut), tea.WithInput(nil))
	result := make(chan error, 1)
	go func() {
		result <- fn()
		p.Send(spinDone{})
	}()
	if _, err := p.Run(); err != nil {
		// The work still runs; only the animation is lost.
		fmt.Fprintf(errOut, "%s...\n", message)
	}
	return <-result
}
