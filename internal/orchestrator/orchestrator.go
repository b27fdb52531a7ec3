// Package orchestrator fans a Query out to every source in a
// SelectionResult, rate-limiting and circuit-breaking each one, aggregating
// whatever answers before the query's deadline elapses.
//
// Per-source RateGate/CircuitBreaker wrapping happens inline around each
// fetch. golang.org/x/sync/errgroup is this package's structured
// concurrency primitive for a "fire N, collect what returns before the
// deadline" shape: individual source failures are recorded per result
// rather than failing the whole fan-out.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ragmux/ragmux/internal/breaker"
	"github.com/ragmux/ragmux/internal/query"
	"github.com/ragmux/ragmux/internal/ratelimit"
	"github.com/ragmux/ragmux/internal/source"
)

// Embedder is the subset of embed.Embedder this package needs.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([]query.Embedding, error)
}

// Cache is the subset of vectorcache.VectorCache this package needs.
type Cache interface {
	Query(ctx context.Context, vector []float32, limit int) ([]query.CacheEntry, error)
	Insert(ctx context.Context, entries []query.CacheEntry) error
}

// Chunker is the subset of chunk.Chunker this package needs.
type Chunker interface {
	Split(doc query.Document) ([]query.Chunk, error)
}

// Config holds the per-source sub-deadline applied to every fan-out fetch.
type Config struct {
	PerSourceDeadline time.Duration
	CacheQueryLimit   int
}

// DefaultConfig gives every source up to 5s, well inside a typical end-to-end
// query deadline, and asks the cache for up to 8 chunks.
func DefaultConfig() Config {
	return Config{PerSourceDeadline: 5 * time.Second, CacheQueryLimit: 8}
}

// Orchestrator owns the shared per-source guards and wiring the whole
// pipeline needs to fan a query out safely.
type Orchestrator struct {
	sources  *source.Registry
	rateGate *ratelimit.RateGate
	breakers *breaker.Registry
	cache    Cache
	chunker  Chunker
	embedder Embedder
	cfg      Config
}

// New wires the shared components together. All are constructed once at
// startup and shared across every query.
func New(sources *source.Registry, rateGate *ratelimit.RateGate, breakers *breaker.Registry, cache Cache, chunker Chunker, embedder Embedder, cfg Config) *Orchestrator {
	return &Orchestrator{sources: sources, rateGate: rateGate, breakers: breakers, cache: cache, chunker: chunker, embedder: embedder, cfg: cfg}
}

// Fetch answers vector_cache from the cache and rate-gates, circuit-breaks
// and fetches every other source in selection from its adapter, whatever
// the cache returned, in selection order
// for the returned slice (Documents within a source preserve the adapter's
// own order; downstream source ordering is deterministic, matching
// selection.Sources).
func (o *Orchestrator) Fetch(ctx context.Context, q query.Query, selection query.SelectionResult) []query.SourceResult {
	deadline := q.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(30 * time.Second)
	}
	fetchCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	results := make([]query.SourceResult, len(selection.Sources))
	g, gctx := errgroup.WithContext(fetchCtx)

	for i, src := range selection.Sources {
		i, src := i, src
		g.Go(func() error {
			results[i] = o.fetchOne(gctx, q, src, deadline)
			return nil // per source errors are recorded in the result, never fail the group
		})
	}
	_ = g.Wait() // errgroup's own ctx cancellation on deadline is the only propagated signal

	return results
}

func (o *Orchestrator) fetchOne(ctx context.Context, q query.Query, src query.SourceId, deadline time.Time) query.SourceResult {
	if src == query.SourceVectorCache {
		return o.fetchFromCache(ctx, q)
	}

	adapter, ok := o.sources.Get(src)
	if !ok {
		return query.SourceResult{Source: src, Err: errors.New("orchestrator: no adapter registered for source")}
	}

	subDeadline := deadline
	if capped := time.Now().Add(o.cfg.PerSourceDeadline); capped.Before(subDeadline) {
		subDeadline = capped
	}

	if err := o.rateGate.Acquire(ctx, src, subDeadline); err != nil {
		return query.SourceResult{Source: src, Err: err}
	}

	b := o.breakers.Get(string(src))
	if err := b.Allow(); err != nil {
		return query.SourceResult{Source: src, Err: err}
	}

	fetchCtx, cancel := context.WithDeadline(ctx, subDeadline)
	defer cancel()
	docs, searchErr := adapter.Search(fetchCtx, q.Text, q.Options.PerSourceLimit)

	switch {
	case searchErr == nil:
		b.Report(true)
	case errors.Is(searchErr, context.Canceled):
		b.ReportCancelled()
	case isExcludedFromBreaker(searchErr):
		if rlErr, ok := asRateLimited(searchErr); ok {
			o.rateGate.Penalize(src, rlErr.RetryAfter)
		}
		b.ReportExcluded()
	default:
		b.Report(false)
	}
	if searchErr != nil {
		return query.SourceResult{Source: src, Err: searchErr}
	}

	o.scheduleCacheWrite(src, docs)
	return query.SourceResult{Source: src, Documents: docs}
}

func asRateLimited(err error) (*source.RateLimitedError, bool) {
	var rlErr *source.RateLimitedError
	if errors.As(err, &rlErr) {
		return rlErr, true
	}
	return nil, false
}

// isExcludedFromBreaker reports whether err belongs to one of the two
// error classes the circuit breaker must not count: a 429 (RateGate's
// concern, via Penalize) or a permanent non-429 4xx (a client bug, not an
// upstream failure).
func isExcludedFromBreaker(err error) bool {
	var rlErr *source.RateLimitedError
	if errors.As(err, &rlErr) {
		return true
	}
	var permErr *source.PermanentError
	return errors.As(err, &permErr)
}

// fetchFromCache embeds the query text and asks VectorCache for its nearest
// chunks, wrapping each hit back into a synthetic single-chunk Document so
// it flows through internal/contextbuilder the same way any other source's
// Documents do; re-chunking a cache hit is a no-op (it is already
// chunk-sized), just a redundant pass through the same code path every
// other source's Documents take.
func (o *Orchestrator) fetchFromCache(ctx context.Context, q query.Query) query.SourceResult {
	embeddings, err := o.embedder.Embed(ctx, []string{q.Text})
	if err != nil {
		return query.SourceResult{Source: query.SourceVectorCache, Err: err}
	}
	if len(embeddings) == 0 {
		return query.SourceResult{Source: query.SourceVectorCache}
	}

	entries, err := o.cache.Query(ctx, embeddings[0].Vector, o.cfg.CacheQueryLimit)
	if err != nil {
		return query.SourceResult{Source: query.SourceVectorCache, Err: err}
	}

	docs := make([]query.Document, 0, len(entries))
	for _, e := range entries {
		docs = append(docs, query.Document{
			Id:        e.Chunk.Id,
			Source:    query.SourceVectorCache,
			Title:     e.Chunk.Title,
			Url:       e.Chunk.Url,
			Body:      e.Chunk.Text,
			FetchedAt: e.LastHitAt,
		})
	}
	return query.SourceResult{Source: query.SourceVectorCache, Documents: docs}
}

// scheduleCacheWrite chunks and embeds a successful fetch's Documents and
// inserts them into VectorCache in the background: fire-and-forget with
// respect to the current query. It runs against a fresh context rather than
// the request's, since the request may finish (and cancel its context) long
// before this completes.
func (o *Orchestrator) scheduleCacheWrite(src query.SourceId, docs []query.Document) {
	if len(docs) == 0 {
		return
	}
	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var allChunks []query.Chunk
		for _, doc := range docs {
			chunks, err := o.chunker.Split(doc)
			if err != nil {
				continue
			}
			allChunks = append(allChunks, chunks...)
		}
		if len(allChunks) == 0 {
			return
		}

		texts := make([]string, len(allChunks))
		for i, c := range allChunks {
			texts[i] = c.Text
		}
		embeddings, err := o.embedder.Embed(bgCtx, texts)
		if err != nil || len(embeddings) != len(allChunks) {
			return
		}

		entries := make([]query.CacheEntry, len(allChunks))
		now := time.Now()
		for i, c := range allChunks {
			entries[i] = query.CacheEntry{Chunk: c, Embedding: embeddings[i], InsertedAt: now, LastHitAt: now, Version: 1}
		}
		_ = o.cache.Insert(bgCtx, entries)
	}()
}
