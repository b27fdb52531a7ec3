// Package query defines the data model shared by every stage of the
// retrieval pipeline: the inbound query, the documents and chunks produced
// while answering it, and the SSE stages emitted back to the client.
package query

import "time"

// SourceId is a closed enumeration of external knowledge sources plus the
// local semantic cache. The set is fixed at build time; adding one is a
// code change, not a config change.
type SourceId string

const (
	SourceConfluence   SourceId = "confluence"
	SourceJira         SourceId = "jira"
	SourceSlack        SourceId = "slack"
	SourceGithub       SourceId = "github"
	SourceGoogle       SourceId = "google"
	SourceNotion       SourceId = "notion"
	SourceLinear       SourceId = "linear"
	SourceFigma        SourceId = "figma"
	SourceMicrosoft365 SourceId = "microsoft365"
	SourceDevtools     SourceId = "devtools"
	SourceProductivity SourceId = "productivity"
	SourceWeb          SourceId = "web"
	SourceVectorCache  SourceId = "vector_cache"
)

// AllSourceIds enumerates every source the router may select from, in a
// stable order that source.Registry.All and the ContextBuilder's
// used-sources list follow.
var AllSourceIds = []SourceId{
	SourceConfluence, SourceJira, SourceSlack, SourceGithub, SourceGoogle,
	SourceNotion, SourceLinear, SourceFigma, SourceMicrosoft365, SourceDevtools,
	SourceProductivity, SourceWeb, SourceVectorCache,
}

// Options carries the per-query knobs a caller may override via Settings.
type Options struct {
	MaxSources      int
	PerSourceLimit  int
	TokenBudget     int
	Streaming       bool
	EnabledSources  map[SourceId]bool
	HistoryTurns    int
}

// DefaultOptions mirrors the defaults named throughout the component design:
// max_sources=6, token_budget left to configuration (2048 is a workable
// default for a single context window), streaming on, 6 turns of history.
func DefaultOptions() Options {
	return Options{
		MaxSources:     6,
		PerSourceLimit: 10,
		TokenBudget:    2048,
		Streaming:      true,
		HistoryTurns:   6,
	}
}

// Query is immutable once accepted by the pipeline.
type Query struct {
	Text      string
	SessionId string
	UserId    string
	Deadline  time.Time
	Options   Options
}

// Document is a single item returned by a SourceAdapter. Body is plain text,
// already extracted from whatever markup the source used.
type Document struct {
	Id        string
	Source    SourceId
	Title     string
	Url       string
	Body      string
	FetchedAt time.Time
	Score     *float64
}

// Chunk is a bounded slice of a Document. Chunks of the same document share
// DocId and are ordered by Ordinal starting at 0.
type Chunk struct {
	Id         string
	DocId      string
	Source     SourceId
	Title      string
	Url        string
	Text       string
	TokenCount int
	Ordinal    int
}

// Embedding is an L2-normalized fixed-dimension vector over a Chunk.
type Embedding struct {
	ChunkId string
	Vector  []float32
}

// CacheEntry is what VectorCache.Query returns: a chunk, its embedding, and
// the bookkeeping needed for LRU eviction.
type CacheEntry struct {
	Chunk      Chunk
	Embedding  Embedding
	InsertedAt time.Time
	LastHitAt  time.Time
	HitCount   int
	Version    int
}

// SelectionResult is the Router's output: an ordered candidate list plus a
// rough confidence signal for observability.
type SelectionResult struct {
	Sources    []SourceId
	Confidence float64
}

// SourceResult is what the Orchestrator publishes per source on its
// aggregation channel.
type SourceResult struct {
	Source    SourceId
	Documents []Document
	Err       error
}

// Stage enumerates the SSE event kinds on the wire (§4.11). Kept as a typed
// string so handlers can't typo an event name past the compiler.
type Stage string

const (
	StageStart            Stage = "start"
	StageSourcesAnnounced Stage = "sources"
	StageContextReady     Stage = "context"
	StageToken            Stage = "chunk"
	StageDone             Stage = "done"
	StageError            Stage = "error"
)

// DocumentRef is the provenance triple the wire protocol exposes for a
// packed chunk, without leaking the full chunk text back to the client.
type DocumentRef struct {
	Source SourceId `json:"source"`
	Title  string   `json:"title"`
	Url    string   `json:"url,omitempty"`
}

// ContextPack is ContextBuilder's output: the chunks selected under the
// token budget, plus which sources actually contributed one.
type ContextPack struct {
	Chunks      []Chunk
	UsedSources []SourceId
	Documents   []DocumentRef
}
