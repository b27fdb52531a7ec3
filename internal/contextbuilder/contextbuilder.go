// Package contextbuilder turns the Orchestrator's aggregated per-source
// Documents into the packed, scored, deduplicated ContextPack the
// LLMStreamer is prompted with: a cosine-similarity score (blended with the
// source's native score when one is present), a stable sort, dedup by
// (source, document id), and a greedy token-budget pack that skips any chunk
// that would overflow the budget and goes on to try the chunks after it.
package contextbuilder

import (
	"context"
	"sort"

	"github.com/ragmux/ragmux/internal/query"
)

// Embedder is the subset of embed.Embedder this package needs.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([]query.Embedding, error)
}

// Chunker is the subset of chunk.Chunker this package needs.
type Chunker interface {
	Split(doc query.Document) ([]query.Chunk, error)
}

// Config holds the packing/dedup knobs this package exposes.
type Config struct {
	TokenBudget         int
	MaxChunksPerDoc     int
	SeparatorOverhead   int
}

// DefaultConfig packs up to 2048 tokens of context, at most 2 chunks per
// document.
func DefaultConfig() Config {
	return Config{TokenBudget: 2048, MaxChunksPerDoc: 2, SeparatorOverhead: 4}
}

// ContextBuilder runs the full 7-step pipeline.
type ContextBuilder struct {
	chunker  Chunker
	embedder Embedder
	cfg      Config
}

func New(chunker Chunker, embedder Embedder, cfg Config) *ContextBuilder {
	return &ContextBuilder{chunker: chunker, embedder: embedder, cfg: cfg}
}

type scoredChunk struct {
	chunk query.Chunk
	score float64
}

// Build runs steps 1-7 against the Orchestrator's per-source results.
// results that carried a fetch error are skipped entirely — their Documents
// are empty by construction.
func (b *ContextBuilder) Build(ctx context.Context, q query.Query, results []query.SourceResult) (query.ContextPack, error) {
	// Step 1: chunk every returned Document.
	var allChunks []query.Chunk
	nativeScoreByChunk := make(map[string]*float64)
	for _, r := range results {
		for _, doc := range r.Documents {
			chunks, err := b.chunker.Split(doc)
			if err != nil {
				continue
			}
			for _, c := range chunks {
				allChunks = append(allChunks, c)
				if doc.Score != nil {
					nativeScoreByChunk[c.Id] = doc.Score
				}
			}
		}
	}
	if len(allChunks) == 0 {
		return query.ContextPack{}, nil
	}

	// Step 2: embed the query and all new chunks in one batched call.
	texts := make([]string, 0, len(allChunks)+1)
	texts = append(texts, q.Text)
	for _, c := range allChunks {
		texts = append(texts, c.Text)
	}
	embeddings, err := b.embedder.Embed(ctx, texts)
	if err != nil {
		return query.ContextPack{}, err
	}
	if len(embeddings) != len(texts) {
		return query.ContextPack{}, errMismatchedEmbeddingCount
	}
	queryVec := embeddings[0].Vector
	chunkVecs := embeddings[1:]

	// Step 3: score by cosine(query, chunk), blended with the native score
	// when the source supplied one.
	maxNative := maxNativeScore(nativeScoreByChunk)
	scored := make([]scoredChunk, len(allChunks))
	for i, c := range allChunks {
		semantic := cosine(queryVec, chunkVecs[i].Vector)
		score := semantic
		if native, ok := nativeScoreByChunk[c.Id]; ok && maxNative > 0 {
			normalizedNative := *native / maxNative
			score = 0.7*semantic + 0.3*normalizedNative
		}
		scored[i] = scoredChunk{chunk: c, score: score}
	}

	// Step 4: stable-sort descending by score.
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	// Step 5: dedup by (source, doc_id) — keep the highest-scoring chunk, plus
	// up to MaxChunksPerDoc-1 more from the same doc, in ordinal order.
	selected := dedupe(scored, b.cfg.MaxChunksPerDoc)

	// Step 6: greedily pack under the token budget.
	packed, usedSources := pack(selected, b.cfg.TokenBudget, b.cfg.SeparatorOverhead)

	// Step 7: emit with provenance.
	refs := make([]query.DocumentRef, 0, len(packed))
	seenRef := make(map[string]bool)
	for _, c := range packed {
		key := string(c.Source) + "|" + c.Title
		if seenRef[key] {
			continue
		}
		seenRef[key] = true
		refs = append(refs, query.DocumentRef{Source: c.Source, Title: c.Title, Url: c.Url})
	}

	return query.ContextPack{Chunks: packed, UsedSources: usedSources, Documents: refs}, nil
}

var errMismatchedEmbeddingCount = contextBuilderError("contextbuilder: embedder returned a different count than requested")

type contextBuilderError string

func (e contextBuilderError) Error() string { return string(e) }

func maxNativeScore(scores map[string]*float64) float64 {
	max := 0.0
	for _, s := range scores {
		if s != nil && *s > max {
			max = *s
		}
	}
	return max
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	// a and b are expected to already be L2-normalized (embed package's
	// invariant), so the dot product alone is the cosine similarity.
	return dot
}

// dedupe keeps, per (source, doc_id), the highest-scoring chunk plus up to
// maxPerDoc-1 more. The highest-scoring chunk anchors the group's position
// in the score-ranked output; its companions are reordered by Ordinal
// among themselves, so a document's retained chunks read in the order they
// appear in the source text rather than in score order.
func dedupe(scored []scoredChunk, maxPerDoc int) []scoredChunk {
	if maxPerDoc <= 0 {
		maxPerDoc = 1
	}

	type group struct {
		primary scoredChunk
		extras  []scoredChunk
	}
	order := make([]string, 0)
	groups := make(map[string]*group)

	for _, sc := range scored {
		key := string(sc.chunk.Source) + "|" + sc.chunk.DocId
		g, ok := groups[key]
		if !ok {
			g = &group{primary: sc}
			groups[key] = g
			order = append(order, key)
			continue
		}
		if len(g.extras)+1 >= maxPerDoc {
			continue
		}
		g.extras = append(g.extras, sc)
	}

	out := make([]scoredChunk, 0, len(scored))
	for _, key := range order {
		g := groups[key]
		sort.Slice(g.extras, func(i, j int) bool { return g.extras[i].chunk.Ordinal < g.extras[j].chunk.Ordinal })
		out = append(out, g.primary)
		out = append(out, g.extras...)
	}
	return out
}

// pack greedily accepts chunks in score order until the token budget would
// be exceeded. Each accepted chunk reserves token_count + separatorOverhead.
func pack(scored []scoredChunk, budget, separatorOverhead int) ([]query.Chunk, []query.SourceId) {
	var packed []query.Chunk
	usedSet := make(map[query.SourceId]bool)
	remaining := budget
	for _, sc := range scored {
		cost := sc.chunk.TokenCount + separatorOverhead
		if cost > remaining {
			continue
		}
		remaining -= cost
		packed = append(packed, sc.chunk)
		usedSet[sc.chunk.Source] = true
	}

	used := make([]query.SourceId, 0, len(usedSet))
	for _, id := range query.AllSourceIds {
		if usedSet[id] {
			used = append(used, id)
		}
	}
	return packed, used
}
