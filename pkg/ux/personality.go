// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output styling for the ragmuxctl CLI.
package ux

import (
	"os"
	"strings"
	"sync"
)

// PersonalityLevel controls how much visual richness output carries.
type PersonalityLevel string

const (
	// PersonalityFull enables colors, icons, and boxed output.
	PersonalityFull PersonalityLevel = "full"

	// PersonalityMinimal is accepted by ParsePersonalityLevel, but output
	// renders it the same as PersonalityFull (colors, icons and boxes); only
	// PersonalityMachine changes rendering.
	PersonalityMinimal PersonalityLevel = "minimal"

	// PersonalityMachine emits plain lines suitable for scripting.
	PersonalityMachine PersonalityLevel = "machine"
)

// Personality holds the current UX configuration.
type Personality struct {
	Level PersonalityLevel
}

var (
	currentPersonality = Personality{Level: PersonalityFull}
	personalityMu      sync.RWMutex
)

// GetPersonality returns the current personality settings.
func GetPersonality() Personality {
	personalityMu.RLock()
	defer personalityMu.RUnlock()
	return currentPersonality
}

// SetPersonalityLevel updates the current personality level.
func SetPersonalityLevel(level PersonalityLevel) {
	personalityMu.Lock()
	defer personalityMu.Unlock()
	currentPersonality.Level = level
}

// ParsePersonalityLevel converts a string flag/env value to a level,
// defaulting to full on anything unrecognized.
func ParsePersonalityLevel(s string) PersonalityLevel {
	switch strings.ToLower(s) {
	case "minimal", "min", "m":
		return PersonalityMinimal
	case "machine", "quiet", "q":
		return PersonalityMachine
	default:
		return PersonalityFull
	}
}

// InitPersonality sets the level from RAGMUXCTL_PERSONALITY, falling back
// to machine output when stdout isn't a terminal.
func InitPersonality() {
	if envLevel := os.Getenv("RAGMUXCTL_PERSONALITY"); envLevel != "" {
		SetPersonalityLevel(ParsePersonalityLevel(envLevel))
		return
	}
	if !isTerminal() {
		SetPersonalityLevel(PersonalityMachine)
		return
	}
	SetPersonalityLevel(PersonalityFull)
}

func isTerminal() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

// ShouldShowColors reports whether styled output should be used.
func ShouldShowColors() bool {
	return GetPersonality().Level != PersonalityMachine
}
