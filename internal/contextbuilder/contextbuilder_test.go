package contextbuilder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragmux/ragmux/internal/query"
)

type fakeChunker struct{}

func (fakeChunker) Split(doc query.Document) ([]query.Chunk, error) {
	return []query.Chunk{{Id: doc.Id + "#0", DocId: doc.Id, Source: doc.Source, Title: doc.Title, Url: doc.Url, Text: doc.Body, TokenCount: len(doc.Body) / 4, Ordinal: 0}}, nil
}

// fakeEmbedder returns a fixed vector per text so cosine similarity is
// entirely a function of which fixture vector the test wired in.
type fakeEmbedder struct {
	byText map[string][]float32
}

func (f fakeEmbedder) Embed(ctx context.Context, texts []string) ([]query.Embedding, error) {
	out := make([]query.Embedding, len(texts))
	for i, t := range texts {
		v, ok := f.byText[t]
		if !ok {
			v = []float32{0, 1}
		}
		out[i] = query.Embedding{Vector: v}
	}
	return out, nil
}

func TestBuildReturnsEmptyPackWhenNoDocuments(t *testing.T) {
	cb := New(fakeChunker{}, fakeEmbedder{}, DefaultConfig())
	pack, err := cb.Build(context.Background(), query.Query{Text: "q"}, nil)
	require.NoError(t, err)
	assert.Empty(t, pack.Chunks)
}

func TestBuildScoresSortsAndPacksUnderBudget(t *testing.T) {
	emb := fakeEmbedder{byText: map[string][]float32{
		"query text":     {1, 0},
		"closely related": {1, 0},
		"unrelated noise":  {0, 1},
	}}
	cb := New(fakeChunker{}, emb, Config{TokenBudget: 100, MaxChunksPerDoc: 2, SeparatorOverhead: 1})

	results := []query.SourceResult{
		{Source: query.SourceJira, Documents: []query.Document{{Id: "d1", Source: query.SourceJira, Title: "t1", Body: "closely related"}}},
		{Source: query.SourceSlack, Documents: []query.Document{{Id: "d2", Source: query.SourceSlack, Title: "t2", Body: "unrelated noise"}}},
	}

	pack, err := cb.Build(context.Background(), query.Query{Text: "query text"}, results)
	require.NoError(t, err)
	require.Len(t, pack.Chunks, 2)
	assert.Equal(t, "d1#0", pack.Chunks[0].Id, "the semantically closer chunk should sort first")
	assert.Contains(t, pack.UsedSources, query.SourceJira)
	assert.Contains(t, pack.UsedSources, query.SourceSlack)
}

func TestBuildDedupesPerDocumentKeepingMaxChunksPerDoc(t *testing.T) {
	chunker := multiChunker{n: 5}
	emb := fakeEmbedder{}
	cb := New(chunker, emb, Config{TokenBudget: 10000, MaxChunksPerDoc: 2, SeparatorOverhead: 0})

	results := []query.SourceResult{
		{Source: query.SourceJira, Documents: []query.Document{{Id: "d1", Source: query.SourceJira, Body: "text"}}},
	}
	pack, err := cb.Build(context.Background(), query.Query{Text: "q"}, results)
	require.NoError(t, err)
	assert.Len(t, pack.Chunks, 2)
}

func TestBuildRespectsHardTokenBudget(t *testing.T) {
	chunker := multiChunker{n: 10, tokensEach: 50}
	cb := New(chunker, fakeEmbedder{}, Config{TokenBudget: 120, MaxChunksPerDoc: 10, SeparatorOverhead: 0})

	results := []query.SourceResult{
		{Source: query.SourceJira, Documents: []query.Document{{Id: "d1", Source: query.SourceJira, Body: "text"}}},
	}
	pack, err := cb.Build(context.Background(), query.Query{Text: "q"}, results)
	require.NoError(t, err)

	total := 0
	for _, c := range pack.Chunks {
		total += c.TokenCount
	}
	assert.LessOrEqual(t, total, 120)
}

type multiChunker struct {
	n          int
	tokensEach int
}

func (m multiChunker) Split(doc query.Document) ([]query.Chunk, error) {
	tokens := m.tokensEach
	if tokens == 0 {
		tokens = 1
	}
	chunks := make([]query.Chunk, m.n)
	for i := 0; i < m.n; i++ {
		chunks[i] = query.Chunk{Id: doc.Id + "#" + string(rune('0'+i)), DocId: doc.Id, Source: doc.Source, Text: doc.Body, TokenCount: tokens, Ordinal: i}
	}
	return chunks, nil
}
