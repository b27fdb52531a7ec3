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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ragmux/ragmux/internal/query"
	"github.com/ragmux/ragmux/internal/stream"
	"github.com/ragmux/ragmux/pkg/ux"
)

type chatStreamRequest struct {
	Message   string `json:"message"`
	SessionId string `json:"session_id"`
}

func runChatCommand(cmd *cobra.Command, args []string) {
	session := sessionId
	if session == "" {
		session = uuid.NewString()
	}

	if message != "" {
		if err := sendMessage(session, message); err != nil {
			ux.Error(err.Error())
		}
		return
	}

	runInteractiveLoop(session)
}

func runInteractiveLoop(session string) {
	ux.Info(fmt.Sprintf("session %s — type a message, or \"exit\" to quit", session))
	reader := newInputReader()

	for {
		line, err := reader.ReadLine("> ")
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return
		}
		if err := sendMessage(session, line); err != nil {
			ux.Error(err.Error())
		}
	}
}

// sendMessage posts one message to /chat/stream and renders the event
// stream as it arrives.
func sendMessage(session, text string) error {
	body, err := json.Marshal(chatStreamRequest{Message: text, SessionId: session})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	url := fmt.Sprintf("%s/chat/stream?user_id=%s", serverURL, userId)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("could not reach %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error != "" {
			return fmt.Errorf("server rejected request: %s", errBody.Error)
		}
		return fmt.Errorf("server responded with status %d", resp.StatusCode)
	}

	return renderEventStream(resp.Body)
}

// renderEventStream scans an SSE body for event:/data: line pairs and
// dispatches each decoded stream.Event to the console.
func renderEventStream(body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventType string
	printedAnswer := false

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			payload := strings.TrimPrefix(line, "data: ")
			var event stream.Event
			if err := json.Unmarshal([]byte(payload), &event); err != nil {
				return fmt.Errorf("decode event %q: %w", eventType, err)
			}
			printedAnswer = dispatchEvent(event, printedAnswer)
		case line == "":
			eventType = ""
		}
	}

	if printedAnswer {
		fmt.Println()
	}
	return scanner.Err()
}

func dispatchEvent(event stream.Event, printedAnswer bool) bool {
	switch event.Type {
	case query.StageStart:
		// No output; the server has accepted the query.
	case query.StageSourcesAnnounced:
		ux.Muted(fmt.Sprintf("searching %d source(s)", len(event.Sources)))
	case query.StageContextReady:
		// No output; context assembly is an internal step.
	case query.StageToken:
		fmt.Print(event.Text)
		printedAnswer = true
	case query.StageDone:
		if len(event.UsedSources) > 0 {
			ux.Muted(fmt.Sprintf("used %d source(s)", len(event.UsedSources)))
		}
	case query.StageError:
		ux.Error(event.Message)
	}
	return printedAnswer
}
