// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline composes Router, Orchestrator, ContextBuilder,
// LLMStreamer and StreamProtocol into the end-to-end request handler: it
// selects sources, fans out the fetch, packs context, streams the answer,
// and persists the turn.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ragmux/ragmux/internal/breaker"
	"github.com/ragmux/ragmux/internal/llm"
	"github.com/ragmux/ragmux/internal/query"
	"github.com/ragmux/ragmux/internal/ratelimit"
	"github.com/ragmux/ragmux/internal/router"
	"github.com/ragmux/ragmux/internal/source"
	"github.com/ragmux/ragmux/internal/stream"
)

// Router is the subset of router.Router this package needs.
type Router interface {
	Select(ctx context.Context, q query.Query, deps router.Deps) query.SelectionResult
}

// Fetcher is the subset of orchestrator.Orchestrator this package needs.
type Fetcher interface {
	Fetch(ctx context.Context, q query.Query, selection query.SelectionResult) []query.SourceResult
}

// Builder is the subset of contextbuilder.ContextBuilder this package needs.
type Builder interface {
	Build(ctx context.Context, q query.Query, results []query.SourceResult) (query.ContextPack, error)
}

// ErrorKind is the closed wire-level error taxonomy this package maps
// every failure onto. It is distinct from llm.ErrorKind: an llm.StreamError's
// auth, rate_limited and upstream_timeout kinds map onto the same-named kinds
// here, bad_request folds into internal, and any other kind becomes
// upstream_error.
type ErrorKind string

const (
	KindAuth            ErrorKind = "auth"
	KindConfig          ErrorKind = "config"
	KindRateLimited     ErrorKind = "rate_limited"
	KindUpstreamTimeout ErrorKind = "upstream_timeout"
	KindUpstreamError   ErrorKind = "upstream_error"
	KindDeadline        ErrorKind = "deadline"
	KindClientSlow      ErrorKind = "client_slow"
	KindInternal        ErrorKind = "internal"
)

// PipelineError is a terminal, wire-mapped failure.
type PipelineError struct {
	Kind    ErrorKind
	Message string
}

func (e *PipelineError) Error() string { return string(e.Kind) + ": " + e.Message }

// Turn is one persisted exchange in a session's transcript.
type Turn struct {
	UserMessage  string
	BotResponse  string
	Sources      []query.SourceId
	UsedSources  []query.SourceId
	Timestamp    time.Time
}

// TranscriptStore is the transcript persistence this package needs;
// store.Store implements it. Persistence failures are logged and swallowed — they must never
// turn a successful answer into an error event.
type TranscriptStore interface {
	Append(ctx context.Context, sessionId string, turn Turn) error
	History(ctx context.Context, sessionId string, limit int) ([]Turn, error)
}

// Config holds the pipeline-wide knobs.
type Config struct {
	FirstTokenTimeout time.Duration
	HistoryTurns      int
	SystemPrompt      string
}

// DefaultConfig sets a 20s first-token timeout and 6 turns of history.
func DefaultConfig() Config {
	return Config{
		FirstTokenTimeout: 20 * time.Second,
		HistoryTurns:      6,
		SystemPrompt:      "You are a helpful assistant. Answer using only the provided context when it is relevant; say so plainly when it is not.",
	}
}

// Pipeline is the top-level request composer.
type Pipeline struct {
	router         Router
	orchestrator   Fetcher
	contextBuilder Builder
	breakers       *breaker.Registry
	llms           *llm.Registry
	transcripts    TranscriptStore
	cfg            Config
}

func New(r Router, o Fetcher, cb Builder, breakers *breaker.Registry, llms *llm.Registry, transcripts TranscriptStore, cfg Config) *Pipeline {
	return &Pipeline{router: r, orchestrator: o, contextBuilder: cb, breakers: breakers, llms: llms, transcripts: transcripts, cfg: cfg}
}

// Run drives one query end-to-end, writing every StreamProtocol event
// through w. It returns nil once a terminal done/error event has been
// written; the only errors it returns are ones that occurred writing to
// w itself (client_slow), since every other failure is already reported
// on the wire as an error event rather than via the Go return value.
func (p *Pipeline) Run(ctx context.Context, q query.Query, provider string, w stream.Writer) error {
	if err := w.WriteStart(); err != nil {
		return err
	}

	streamer, ok := p.llms.Get(provider)
	if !ok {
		return p.fail(w, KindConfig, "no LLM provider configured for this request")
	}

	deps := router.Deps{BreakerOpen: func(id query.SourceId) bool {
		return p.breakers.Get(string(id)).State() == breaker.Open
	}}
	selection := p.router.Select(ctx, q, deps)
	if err := w.WriteSources(selection.Sources); err != nil {
		return err
	}

	if ctx.Err() != nil {
		return p.fail(w, KindDeadline, "query deadline exceeded before context could be assembled")
	}

	results := p.orchestrator.Fetch(ctx, q, selection)
	if onlySourceRateLimited(selection, results) {
		return p.fail(w, KindRateLimited, "the only selected source could not be reached before its rate limit cleared")
	}

	pack, err := p.contextBuilder.Build(ctx, q, results)
	if err != nil {
		return p.fail(w, KindInternal, "failed to assemble context")
	}
	if err := w.WriteContext(pack); err != nil {
		return err
	}

	if ctx.Err() != nil && len(pack.Chunks) == 0 {
		return p.fail(w, KindDeadline, "query deadline exceeded before any context was available")
	}

	history, _ := p.transcripts.History(ctx, q.SessionId, p.cfg.HistoryTurns)
	messages := p.buildMessages(q, pack, history)

	firstTokenCtx, cancelFirst := context.WithTimeout(ctx, p.cfg.FirstTokenTimeout)
	defer cancelFirst()

	tokens, errs := streamer.Stream(ctx, messages, llm.Params{})
	firstTokenDone := firstTokenCtx.Done()

	var answer string
	for tokens != nil || errs != nil {
		select {
		case tok, chOk := <-tokens:
			if !chOk {
				tokens = nil
				continue
			}
			firstTokenDone = nil
			answer += tok.Text
			if err := w.WriteChunk(tok.Text); err != nil {
				return err
			}
		case streamErr, chOk := <-errs:
			if !chOk {
				errs = nil
				continue
			}
			return p.fail(w, mapLLMErrorKind(streamErr), streamErr.Error())
		case <-firstTokenDone:
			return p.fail(w, KindUpstreamTimeout, "the language model did not begin responding in time")
		}
	}

	if answer != "" {
		err := p.transcripts.Append(ctx, q.SessionId, Turn{
			UserMessage: q.Text,
			BotResponse: answer,
			Sources:     selection.Sources,
			UsedSources: pack.UsedSources,
			Timestamp:   time.Now(),
		})
		if err != nil {
			slog.Warn("pipeline: transcript append failed", "session_id", q.SessionId, "error", err)
		}
	}

	return w.WriteDone(selection.Sources, pack.UsedSources, pack.Documents)
}

func (p *Pipeline) fail(w stream.Writer, kind ErrorKind, message string) error {
	return w.WriteError(message, string(kind))
}

// buildMessages assembles [system_prompt_with_instructions, context_block,
// prior_history?, user_question].
func (p *Pipeline) buildMessages(q query.Query, pack query.ContextPack, history []Turn) []llm.Message {
	messages := []llm.Message{{Role: "system", Content: p.cfg.SystemPrompt}}
	if len(pack.Chunks) > 0 {
		messages = append(messages, llm.Message{Role: "system", Content: renderContextBlock(pack)})
	}
	for _, turn := range history {
		messages = append(messages,
			llm.Message{Role: "user", Content: turn.UserMessage},
			llm.Message{Role: "assistant", Content: turn.BotResponse},
		)
	}
	messages = append(messages, llm.Message{Role: "user", Content: q.Text})
	return messages
}

func renderContextBlock(pack query.ContextPack) string {
	block := "Context:\n"
	for _, c := range pack.Chunks {
		block += "---\n" + c.Title + "\n" + c.Text + "\n"
	}
	return block
}

// onlySourceRateLimited reports the rate_limited condition precisely:
// RateGate could not admit before deadline AND it was the only source AND
// no cache hits.
func onlySourceRateLimited(selection query.SelectionResult, results []query.SourceResult) bool {
	if len(selection.Sources) != 1 || selection.Sources[0] == query.SourceVectorCache {
		return false
	}
	if len(results) != 1 || results[0].Err == nil {
		return false
	}
	err := results[0].Err
	var rlErr *source.RateLimitedError
	return errors.Is(err, ratelimit.ErrDeadlineExceeded) || errors.As(err, &rlErr)
}

func mapLLMErrorKind(err error) ErrorKind {
	var se *llm.StreamError
	if errors.As(err, &se) {
		switch se.Kind {
		case llm.KindAuth:
			return KindAuth
		case llm.KindRateLimited:
			return KindRateLimited
		case llm.KindUpstreamTimeout:
			return KindUpstreamTimeout
		case llm.KindBadRequest:
			return KindInternal
		default:
			return KindUpstreamError
		}
	}
	return KindUpstreamError
}
