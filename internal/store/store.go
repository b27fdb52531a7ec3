// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists Settings and chat transcripts on top of
// dgraph-io/badger/v4, the same embedded engine vectorcache uses for its
// own ledger — one embedded-storage dependency for the whole process
// instead of two. Settings validation uses go-playground/validator/v10;
// per-source credential blobs are held in locked awnumar/memguard buffers
// so a raw secret never sits in a plain Go heap string once parsed.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/awnumar/memguard"
	"github.com/go-playground/validator/v10"

	"github.com/ragmux/ragmux/internal/pipeline"
	"github.com/ragmux/ragmux/internal/query"
)

// Settings is the persisted per-user configuration object. Credentials is
// opaque to every caller except the SourceAdapter the corresponding key
// belongs to.
type Settings struct {
	LLMProvider    string            `json:"llm_provider" validate:"required,oneof=openai anthropic gemini ollama"`
	LLMModel       string            `json:"llm_model" validate:"required"`
	LLMAPIKey      string            `json:"llm_api_key"`
	Credentials    map[string]string `json:"credentials"`
	EnableWebSearch bool             `json:"enable_web_search"`
	UseStreaming   bool              `json:"use_streaming"`
	EnabledSources []query.SourceId  `json:"enabled_sources"`
}

var validate = validator.New()

// Validate checks Settings against the rules the struct tags declare.
func (s Settings) Validate() error {
	return validate.Struct(s)
}

// sealedCredentials holds the locked form of a Settings' credential blob,
// kept only in memory for the lifetime of a Store handle. Nothing of the
// blob is written to Badger, so credentials do not survive a restart; on
// read the enclave is opened into a LockedBuffer that is destroyed as soon
// as the credentials have been decoded.
type sealedCredentials struct {
	enclave *memguard.Enclave
}

func sealCredentials(creds map[string]string) (*sealedCredentials, error) {
	if len(creds) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("store: marshal credentials: %w", err)
	}
	buf := memguard.NewBufferFromBytes(encoded)
	return &sealedCredentials{enclave: buf.Seal()}, nil
}

func (s *sealedCredentials) open() (map[string]string, error) {
	if s == nil {
		return nil, nil
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("store: open credential enclave: %w", err)
	}
	defer buf.Destroy()
	var creds map[string]string
	if err := json.Unmarshal(buf.Bytes(), &creds); err != nil {
		return nil, fmt.Errorf("store: unmarshal credentials: %w", err)
	}
	return creds, nil
}

// Store implements pipeline.TranscriptStore plus Settings persistence on a
// single Badger handle, keyed by two disjoint prefixes.
type Store struct {
	db  *badger.DB
	cfg Config

	mu          sync.Mutex
	credentials map[string]*sealedCredentials // user_id -> locked blob, never persisted raw
}

// Config holds the store's retention setting; the path comes from STORE_URL.
type Config struct {
	Retention time.Duration // how long a transcript turn survives before the sweep deletes it
}

// DefaultConfig sets a 30-day retention window, a sensible default absent
// any stricter requirement.
func DefaultConfig() Config {
	return Config{Retention: 30 * 24 * time.Hour}
}

// Open parses STORE_URL and opens the Badger directory it names. Only the
// badger:// scheme is recognized; anything else is a configuration error
// the caller should treat as exit code 1.
func Open(storeURL string, cfg Config) (*Store, error) {
	u, err := url.Parse(storeURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse STORE_URL: %w", err)
	}
	if u.Scheme != "badger" {
		return nil, fmt.Errorf("store: unrecognized STORE_URL scheme %q, want badger://", u.Scheme)
	}
	dir := u.Host + u.Path
	if dir == "" {
		dir = u.Opaque
	}

	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open badger at %q: %w", dir, err)
	}
	return &Store{db: db, cfg: cfg, credentials: make(map[string]*sealedCredentials)}, nil
}

// Close releases the underlying Badger handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func settingsKey(userId string) []byte {
	return []byte("settings:" + userId)
}

func transcriptKey(sessionId string) []byte {
	return []byte("transcript:" + sessionId)
}

// storedSettings is Settings with credentials pulled out into a
// process-local memguard enclave rather than round-tripped through Badger
// in the clear.
type storedSettings struct {
	Settings
	Credentials map[string]string `json:"-"`
}

// PutSettings validates and persists a user's settings. The credential blob
// is sealed into an in-process enclave and is not written to Badger at all,
// neither its values nor its keys.
func (s *Store) PutSettings(ctx context.Context, userId string, settings Settings) error {
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("store: invalid settings: %w", err)
	}

	sealed, err := sealCredentials(settings.Credentials)
	if err != nil {
		return err
	}

	toPersist := settings
	toPersist.Credentials = nil
	encoded, err := json.Marshal(toPersist)
	if err != nil {
		return fmt.Errorf("store: marshal settings: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(settingsKey(userId), encoded)
	})
	if err != nil {
		return fmt.Errorf("store: persist settings: %w", err)
	}

	s.mu.Lock()
	s.credentials[userId] = sealed
	s.mu.Unlock()
	return nil
}

// GetSettings returns a user's settings with credentials re-opened from the
// in-process enclave, or (Settings{}, false, nil) if none exist.
func (s *Store) GetSettings(ctx context.Context, userId string) (Settings, bool, error) {
	var settings Settings
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(settingsKey(userId))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &settings) })
	})
	if err != nil {
		return Settings{}, false, fmt.Errorf("store: get settings: %w", err)
	}
	if !found {
		return Settings{}, false, nil
	}

	s.mu.Lock()
	sealed := s.credentials[userId]
	s.mu.Unlock()
	creds, err := sealed.open()
	if err != nil {
		return Settings{}, false, err
	}
	settings.Credentials = creds
	return settings, true, nil
}

// transcriptRecord is the on-disk form of one session's turn list.
type transcriptRecord struct {
	Turns []storedTurn `json:"turns"`
}

type storedTurn struct {
	UserMessage string           `json:"user_message"`
	BotResponse string           `json:"bot_response"`
	Sources     []query.SourceId `json:"sources"`
	UsedSources []query.SourceId `json:"used_sources"`
	Timestamp   time.Time        `json:"timestamp"`
}

// Append adds one turn to a session's transcript, satisfying
// pipeline.TranscriptStore.
func (s *Store) Append(ctx context.Context, sessionId string, turn pipeline.Turn) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var rec transcriptRecord
		item, err := txn.Get(transcriptKey(sessionId))
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
				return err
			}
		case err == badger.ErrKeyNotFound:
			// first turn for this session
		default:
			return err
		}

		rec.Turns = append(rec.Turns, storedTurn{
			UserMessage: turn.UserMessage,
			BotResponse: turn.BotResponse,
			Sources:     turn.Sources,
			UsedSources: turn.UsedSources,
			Timestamp:   turn.Timestamp,
		})

		encoded, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(transcriptKey(sessionId), encoded)
	})
}

// History returns up to the most recent limit turns for a session, oldest
// first, satisfying pipeline.TranscriptStore.
func (s *Store) History(ctx context.Context, sessionId string, limit int) ([]pipeline.Turn, error) {
	var rec transcriptRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(transcriptKey(sessionId))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) })
	})
	if err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}

	turns := rec.Turns
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]pipeline.Turn, 0, len(turns))
	for _, t := range turns {
		out = append(out, pipeline.Turn{
			UserMessage: t.UserMessage,
			BotResponse: t.BotResponse,
			Sources:     t.Sources,
			UsedSources: t.UsedSources,
			Timestamp:   t.Timestamp,
		})
	}
	return out, nil
}

// DeleteHistory removes a session's entire transcript, for DELETE
// /chat/history/{session_id}.
func (s *Store) DeleteHistory(ctx context.Context, sessionId string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(transcriptKey(sessionId))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("store: delete history: %w", err)
	}
	return nil
}

// HistoryResponse renders the GET /chat/history/{session_id} body shape.
type HistoryResponse struct {
	History []TranscriptEntry `json:"history"`
}

// TranscriptEntry is one entry of HistoryResponse.History.
type TranscriptEntry struct {
	UserMessage string           `json:"user_message"`
	BotResponse string           `json:"bot_response"`
	Sources     []query.SourceId `json:"sources"`
	Timestamp   time.Time        `json:"timestamp"`
}

// RenderHistory converts turns into the wire response shape.
func RenderHistory(turns []pipeline.Turn) HistoryResponse {
	entries := make([]TranscriptEntry, 0, len(turns))
	for _, t := range turns {
		entries = append(entries, TranscriptEntry{
			UserMessage: t.UserMessage,
			BotResponse: t.BotResponse,
			Sources:     t.Sources,
			Timestamp:   t.Timestamp,
		})
	}
	return HistoryResponse{History: entries}
}

// sessionKeyFromTranscript strips the "transcript:" prefix back to a bare
// session id, for the GC sweep's iteration over stored keys.
func sessionKeyFromTranscript(key []byte) string {
	const prefix = "transcript:"
	return string(key)[len(prefix):]
}

// SweepExpired deletes every transcript whose most recent turn is older
// than cfg.Retention. Transcripts live on a single Badger ledger with no
// secondary store to cascade into, so the sweep is a single pass over one
// key prefix rather than a cross-store cascade.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.cfg.Retention)
	var expired []string

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte("transcript:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var rec transcriptRecord
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
				continue
			}
			if len(rec.Turns) == 0 {
				continue
			}
			last := rec.Turns[len(rec.Turns)-1].Timestamp
			if last.Before(cutoff) {
				expired = append(expired, sessionKeyFromTranscript(item.KeyCopy(nil)))
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store: sweep scan: %w", err)
	}

	sort.Strings(expired) // deterministic order, useful for tests and audit logs
	deleted := 0
	for _, sessionId := range expired {
		if ctx.Err() != nil {
			break
		}
		if err := s.DeleteHistory(ctx, sessionId); err != nil {
			continue
		}
		deleted++
	}
	return deleted, nil
}

// Scheduler runs SweepExpired on a ticker, mirroring ttl/scheduler.go's
// ticker+done-channel lifecycle (Start/Stop, one in-flight cycle at a
// time).
type Scheduler struct {
	store    *Store
	interval time.Duration

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// NewScheduler wires a Store to a sweep interval.
func NewScheduler(store *Store, interval time.Duration) *Scheduler {
	return &Scheduler{store: store, interval: interval}
}

// Start launches the background sweep loop. It is a no-op if already
// running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.runLoop(ctx)
	return nil
}

// Stop signals the sweep loop to exit and returns without waiting for it; a
// sweep already in progress runs to completion.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	close(s.done)
	s.running = false
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) runLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_, _ = s.store.SweepExpired(ctx)
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

var _ pipeline.TranscriptStore = (*Store)(nil)
