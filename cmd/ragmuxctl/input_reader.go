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
	"bufio"
	"errors"
	"io"
	"os"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
)

// inputReader reads one line of user input per call, returning io.EOF once
// the source is exhausted (Ctrl+D, or a closed pipe).
type inputReader interface {
	ReadLine(prompt string) (string, error)
}

// newInputReader picks an interactive bubbletea reader when stdin is a real
// terminal, falling back to a plain line reader for piped input.
func newInputReader() inputReader {
	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return &stdinReader{scanner: bufio.NewScanner(os.Stdin)}
	}
	return &interactiveReader{}
}

// stdinReader is the piped-input fallback: one bufio.Scanner line per call.
type stdinReader struct {
	scanner *bufio.Scanner
}

func (r *stdinReader) ReadLine(prompt string) (string, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.scanner.Text(), nil
}

// interactiveReader drives a bubbletea textinput.Model per line, with no
// persistent history across invocations.
type interactiveReader struct{}

func (r *interactiveReader) ReadLine(prompt string) (string, error) {
	m := inputModel{textInput: textinput.New()}
	m.textInput.Prompt = prompt
	m.textInput.Focus()
	m.textInput.CharLimit = 4096
	m.textInput.Width = 80

	program := tea.NewProgram(m, tea.WithOutput(os.Stderr))
	final, err := program.Run()
	if err != nil {
		return "", err
	}

	result, ok := final.(inputModel)
	if !ok {
		return "", errors.New("ragmuxctl: unexpected bubbletea model type")
	}
	if result.cancelled {
		return "", io.EOF
	}
	return result.textInput.Value(), nil
}

// inputModel is a minimal bubbletea model wrapping a single textinput.Model.
type inputModel struct {
	textInput textinput.Model
	done      bool
	cancelled bool
}

func (m inputModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m inputModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyEnter:
			m.done = true
			return m, tea.Quit
		case tea.KeyCtrlC:
			m.textInput.SetValue("")
			m.cancelled = true
			m.done = true
			return m, tea.Quit
		case tea.KeyCtrlD:
			m.cancelled = true
			m.textInput.SetValue("")
			m.done = true
			return m, tea.Quit
		}
	}

	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func (m inputModel) View() string {
	if m.done {
		return ""
	}
	return m.textInput.View()
}
