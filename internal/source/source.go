// Package source defines the SourceAdapter contract every external
// knowledge source satisfies, plus a registry keyed by query.SourceId built
// once at startup (design note §9: no runtime string matching in hot
// paths).
//
// The adapter is responsible only for wire calls and shape normalization;
// it must not rate-limit or retry on its own — that is RateGate and
// CircuitBreaker wrapping it from the Orchestrator side.
package source

import (
	"context"

	"github.com/ragmux/ragmux/internal/query"
)

// Adapter is the uniform search contract every integration satisfies.
type Adapter interface {
	// Search returns at most limit documents relevant to q, within ctx's
	// cancellation.
	Search(ctx context.Context, q string, limit int) ([]query.Document, error)
	// Healthy is a cheap readiness probe that Registry.Enabled filters on.
	// Router.Select does not call it, so an unhealthy source can still be
	// selected. It must not block on the network for long.
	Healthy(ctx context.Context) bool
	// Id identifies which SourceId this adapter serves.
	Id() query.SourceId
}

// Registry is the map.SourceId → Adapter built once at startup from
// settings, per design note §9.
type Registry struct {
	adapters map[query.SourceId]Adapter
}

// NewRegistry builds a registry from a fixed set of adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[query.SourceId]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Id()] = a
	}
	return r
}

// Get returns the adapter for id, or (nil, false) if none is registered.
func (r *Registry) Get(id query.SourceId) (Adapter, bool) {
	a, ok := r.adapters[id]
	return a, ok
}

// Enabled returns the subset of ids that have a registered, healthy
// adapter, preserving the input order.
func (r *Registry) Enabled(ctx context.Context, ids []query.SourceId) []query.SourceId {
	out := make([]query.SourceId, 0, len(ids))
	for _, id := range ids {
		a, ok := r.adapters[id]
		if !ok {
			continue
		}
		if !a.Healthy(ctx) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// All returns every registered SourceId in query.AllSourceIds order, not
// the order the adapters were passed to NewRegistry; map iteration order is
// not relied upon.
func (r *Registry) All() []query.SourceId {
	out := make([]query.SourceId, 0, len(r.adapters))
	for _, id := range query.AllSourceIds {
		if _, ok := r.adapters[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// CredentialsBlob is the opaque per-adapter secret the settings layer
// stores and only the matching adapter parses at its own construction — the
// core never inspects these strings (design note §9).
type CredentialsBlob map[string]string

// Get returns the named field of the blob, or "" if absent. Adapters use
// this instead of reaching into the map directly so a missing key never
// panics.
func (c CredentialsBlob) Get(key string) string {
	if c == nil {
		return ""
	}
	return c[key]
}
