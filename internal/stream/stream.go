// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stream implements a hash-chained Server-Sent Events writer: each
// Event carries the SHA-256 hash of its own encoding plus the previous
// event's hash, so a client (or auditor) can detect a dropped or
// reordered event. The event set is a fixed six-stage table: start,
// sources, context, chunk, done, error.
package stream

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ragmux/ragmux/internal/query"
)

// Event is one entry on the wire: a typed stage plus whichever payload
// fields that stage populates. Unused fields are omitted from the JSON.
type Event struct {
	Id            string          `json:"id"`
	Type          query.Stage     `json:"type"`
	CreatedAt     int64           `json:"created_at"`
	PrevHash      string          `json:"prev_hash"`
	Hash          string          `json:"hash"`
	Sources       []query.SourceId `json:"sources,omitempty"`
	UsedSources   []query.SourceId `json:"used_sources,omitempty"`
	Documents     []query.DocumentRef `json:"documents,omitempty"`
	Count         int             `json:"count,omitempty"`
	Text          string          `json:"text,omitempty"`
	Message       string          `json:"message,omitempty"`
	Kind          string          `json:"kind,omitempty"`
}

// Writer is the contract every QueryPipeline drives to talk to the
// browser client, narrowed to the six wire stages.
type Writer interface {
	WriteStart() error
	WriteSources(sources []query.SourceId) error
	WriteContext(pack query.ContextPack) error
	WriteChunk(text string) error
	WriteDone(sources, usedSources []query.SourceId, documents []query.DocumentRef) error
	WriteError(message, kind string) error
}

// sseWriter serializes events over an http.ResponseWriter, chaining each
// event's hash to the previous one so a client (or an auditor) can verify
// no event was dropped or reordered in transit.
type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	mu       sync.Mutex
}

// NewWriter wraps w. SetSSEHeaders must already have been called.
func NewWriter(w http.ResponseWriter) (Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("stream: ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (w *sseWriter) writeEvent(event Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event.Id = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = w.prevHash
	event.Hash = computeEventHash(event)
	w.prevHash = event.Hash

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("stream: marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("stream: write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// computeEventHash hashes every content field, matching
// sse_writer.go's chain-of-custody scheme: id|type|created_at|prev_hash
// plus whatever content the event carries.
func computeEventHash(event Event) string {
	sourcesJSON, usedJSON, docsJSON := "", "", ""
	if len(event.Sources) > 0 {
		if b, err := json.Marshal(event.Sources); err == nil {
			sourcesJSON = string(b)
		}
	}
	if len(event.UsedSources) > 0 {
		if b, err := json.Marshal(event.UsedSources); err == nil {
			usedJSON = string(b)
		}
	}
	if len(event.Documents) > 0 {
		if b, err := json.Marshal(event.Documents); err == nil {
			docsJSON = string(b)
		}
	}
	hashInput := fmt.Sprintf("%s|%s|%d|%s|%d|%s|%s|%s|%s|%s|%s",
		event.Id, event.Type, event.CreatedAt, event.PrevHash, event.Count,
		event.Text, event.Message, event.Kind, sourcesJSON, usedJSON, docsJSON,
	)
	sum := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(sum[:])
}

func (w *sseWriter) WriteStart() error {
	return w.writeEvent(Event{Type: query.StageStart})
}

func (w *sseWriter) WriteSources(sources []query.SourceId) error {
	return w.writeEvent(Event{Type: query.StageSourcesAnnounced, Sources: sources})
}

func (w *sseWriter) WriteContext(pack query.ContextPack) error {
	return w.writeEvent(Event{
		Type:        query.StageContextReady,
		Count:       len(pack.Chunks),
		UsedSources: pack.UsedSources,
		Documents:   pack.Documents,
	})
}

func (w *sseWriter) WriteChunk(text string) error {
	return w.writeEvent(Event{Type: query.StageToken, Text: text})
}

func (w *sseWriter) WriteDone(sources, usedSources []query.SourceId, documents []query.DocumentRef) error {
	return w.writeEvent(Event{
		Type:        query.StageDone,
		Sources:     sources,
		UsedSources: usedSources,
		Documents:   documents,
	})
}

func (w *sseWriter) WriteError(message, kind string) error {
	return w.writeEvent(Event{Type: query.StageError, Message: message, Kind: kind})
}

// SetSSEHeaders configures the response for an SSE stream. Must be called
// before any write to w, and before NewWriter.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ Writer = (*sseWriter)(nil)
