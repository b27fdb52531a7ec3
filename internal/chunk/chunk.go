// Package chunk splits fetched Document bodies into token-bounded, slightly
// overlapping Chunks for embedding and prompt packing.
//
// Splitting uses a textsplitter.RecursiveCharacter per source file type,
// with a shared chunk-size/overlap pair configured in tokens and converted to
// characters (charsPerToken per token) for the character-oriented splitter;
// the TokenCounter only stamps each resulting chunk's TokenCount.
package chunk

import (
	"strconv"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/ragmux/ragmux/internal/query"
)

// Config holds the chunker's token-window parameters.
type Config struct {
	MaxTokens int
	Overlap   int
}

// DefaultConfig sets a 512-token window with a 64-token overlap.
func DefaultConfig() Config {
	return Config{MaxTokens: 512, Overlap: 64}
}

var (
	defaultSeparators  = []string{"\n\n", "\n", " ", ""}
	pythonSeparators   = []string{"\nclass ", "\ndef ", "\n\t", "\n", " "}
	cStyleSeparators   = []string{
		"\nfunction ", "\nclass ", "\ninterface ",
		"\npublic ", "\nprivate ", "\nprotected ",
		"\nfunc", "\ntype",
		"\n\n", "\n", " ", "",
	}
	markdownSeparators = []string{
		"\n# ", "\n## ", "\n### ", "\n#### ", "\n##### ", "\n###### ",
		"\n\n", "\n", " ", "",
	}
)

// TokenCounter estimates (or, for providers with a known tokenizer,
// computes exactly) how many tokens a string costs. cmd/ragmux installs the
// tiktoken-go counter for every LLM provider and uses HeuristicCounter only
// when that encoding fails to load; internal/llm supplies no counter of its
// own, so the choice does not depend on the configured provider.
type TokenCounter interface {
	Count(text string) int
}

// Chunker splits Document bodies into Chunks, choosing a separator set by
// dispatching on the document's title/url extension.
type Chunker struct {
	cfg     Config
	counter TokenCounter
}

// New builds a Chunker. counter stamps each resulting Chunk's TokenCount; it
// does not size the underlying character-oriented splitter, which gets its
// character budget from the token budget times charsPerToken.
func New(cfg Config, counter TokenCounter) *Chunker {
	return &Chunker{cfg: cfg, counter: counter}
}

// charsPerToken is the heuristic used to translate a token budget into the
// character-oriented langchaingo splitter's chunk size/overlap parameters;
// 4 is the commonly cited average for English prose and source code alike.
const charsPerToken = 4

func (c *Chunker) splitterFor(name string) textsplitter.TextSplitter {
	size := c.cfg.MaxTokens * charsPerToken
	overlap := c.cfg.Overlap * charsPerToken

	switch {
	case strings.HasSuffix(name, ".md") || strings.HasSuffix(name, ".mdx"):
		return textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(size),
			textsplitter.WithChunkOverlap(overlap),
			textsplitter.WithSeparators(markdownSeparators),
		)
	case strings.HasSuffix(name, ".py"):
		return textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(size),
			textsplitter.WithChunkOverlap(overlap),
			textsplitter.WithSeparators(pythonSeparators),
		)
	case strings.HasSuffix(name, ".go") || strings.HasSuffix(name, ".java") || strings.HasSuffix(name, ".ts") || strings.HasSuffix(name, ".c") || strings.HasSuffix(name, ".cpp"):
		return textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(size),
			textsplitter.WithChunkOverlap(overlap),
			textsplitter.WithSeparators(cStyleSeparators),
		)
	default:
		return textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(size),
			textsplitter.WithChunkOverlap(overlap),
			textsplitter.WithSeparators(defaultSeparators),
		)
	}
}

// Split breaks doc.Body into ordered Chunks. A Chunk whose exact token
// count (per TokenCounter) still exceeds MaxTokens after the
// character-oriented split is not re-split further; the counter's per-chunk
// value is informational for packing, the hard token-budget invariant lives
// in internal/contextbuilder, not here.
func (c *Chunker) Split(doc query.Document) ([]query.Chunk, error) {
	splitter := c.splitterFor(doc.Title)
	parts, err := splitter.SplitText(doc.Body)
	if err != nil {
		return nil, err
	}

	chunks := make([]query.Chunk, 0, len(parts))
	for i, text := range parts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		chunks = append(chunks, query.Chunk{
			Id:         chunkId(doc.Id, i),
			DocId:      doc.Id,
			Source:     doc.Source,
			Title:      doc.Title,
			Url:        doc.Url,
			Text:       text,
			TokenCount: c.counter.Count(text),
			Ordinal:    i,
		})
	}
	return chunks, nil
}

func chunkId(docId string, ordinal int) string {
	return docId + "#" + strconv.Itoa(ordinal)
}
