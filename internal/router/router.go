// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package router selects which SourceIds a query fans out to: a
// YAML-driven, compiled-regex classifier loaded once from an embedded rule
// file. Unlike a first-match classifier, it unions every rule that
// matches, so a query can fan out to every relevant source rather than
// just the first one a rule names.
package router

import (
	"context"

	"gopkg.in/yaml.v3"

	"github.com/ragmux/ragmux/internal/query"
)

// Router is pure: Select makes no network calls and does not probe source
// health (it never calls an adapter's Healthy), and the only runtime state it
// consults is the BreakerOpen callback in Deps, so it can be exercised
// exhaustively in tests.
type Router struct {
	rules []Rule
}

// New loads and compiles the embedded rule file.
func New() (*Router, error) {
	var file RuleFile
	if err := yaml.Unmarshal(embeddedRuleFile, &file); err != nil {
		return nil, err
	}
	rules, err := Compile(file)
	if err != nil {
		return nil, err
	}
	return &Router{rules: rules}, nil
}

// Deps carries the one runtime check Select consults but does not own:
// whether a source's breaker is currently OPEN. The enabled-source set comes
// from query.Options directly, since it travels with the query as a
// per-request override.
type Deps struct {
	BreakerOpen func(query.SourceId) bool
}

// fallbackBundle is the default selection when no rule fires.
var fallbackBundle = []query.SourceId{query.SourceVectorCache, query.SourceWeb}

// Select runs the five-step procedure: keyword rules (unioned) → fallback
// bundle if nothing matched → policy overrides (enabled-sources and
// breaker-open filtering) → always-prepend vector_cache → cap at MaxSources
// preserving match order.
func (r *Router) Select(_ context.Context, q query.Query, deps Deps) query.SelectionResult {
	matched := r.matchRules(q.Text)

	candidates := matched
	if len(candidates) == 0 {
		candidates = append([]query.SourceId(nil), fallbackBundle...)
	}

	candidates = applyPolicyOverrides(candidates, q.Options)
	candidates = ApplyBreakerFilter(candidates, deps.BreakerOpen)
	candidates = prependVectorCache(candidates)
	candidates = cap_(candidates, maxSources(q.Options))

	confidence := 1.0
	if len(matched) == 0 {
		confidence = 0.3 // fallback bundle: low confidence this is actually on-topic
	}

	return query.SelectionResult{Sources: candidates, Confidence: confidence}
}

// matchRules unions every rule whose pattern matches q, in rule-file order,
// deduplicating a source that fires from more than one pattern.
func (r *Router) matchRules(text string) []query.SourceId {
	seen := make(map[query.SourceId]bool)
	var out []query.SourceId
	for _, rule := range r.rules {
		if !rule.Matches(text) {
			continue
		}
		src := query.SourceId(rule.Source)
		if seen[src] {
			continue
		}
		seen[src] = true
		out = append(out, src)
	}
	return out
}

// applyPolicyOverrides drops any source not in options.EnabledSources (when
// that map is non-nil — a nil map means "no restriction configured").
// Sources whose circuit is OPEN are dropped separately, by ApplyBreakerFilter.
func applyPolicyOverrides(candidates []query.SourceId, opts query.Options) []query.SourceId {
	out := candidates[:0:0]
	for _, src := range candidates {
		if opts.EnabledSources != nil && !opts.EnabledSources[src] {
			continue
		}
		out = append(out, src)
	}
	return out
}

// prependVectorCache ensures vector_cache is first whenever the candidate
// list is nonempty — it's a zero-cost local lookup, always worth trying.
func prependVectorCache(candidates []query.SourceId) []query.SourceId {
	if len(candidates) == 0 {
		return candidates
	}
	for _, src := range candidates {
		if src == query.SourceVectorCache {
			// Already present somewhere; move it to the front.
			out := make([]query.SourceId, 0, len(candidates))
			out = append(out, query.SourceVectorCache)
			for _, s := range candidates {
				if s != query.SourceVectorCache {
					out = append(out, s)
				}
			}
			return out
		}
	}
	return append([]query.SourceId{query.SourceVectorCache}, candidates...)
}

func maxSources(opts query.Options) int {
	if opts.MaxSources > 0 {
		return opts.MaxSources
	}
	return query.DefaultOptions().MaxSources
}

// cap_ truncates to n, preserving order. Named with a trailing underscore
// because `cap` is a builtin.
func cap_(candidates []query.SourceId, n int) []query.SourceId {
	if len(candidates) <= n {
		return candidates
	}
	return candidates[:n]
}

// ApplyBreakerFilter drops any source whose breaker is reported OPEN by
// isOpen. Kept as a separate step from applyPolicyOverrides so callers that
// don't have breaker state handy (pure rule tests) can skip it.
func ApplyBreakerFilter(candidates []query.SourceId, isOpen func(query.SourceId) bool) []query.SourceId {
	if isOpen == nil {
		return candidates
	}
	out := candidates[:0:0]
	for _, src := range candidates {
		if isOpen(src) {
			continue
		}
		out = append(out, src)
	}
	return out
}
