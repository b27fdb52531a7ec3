//go:build !cgo

package embed

import (
	"context"
	"errors"

	"github.com/ragmux/ragmux/internal/query"
)

// ONNXEmbedder stub used when built without CGO; see onnx.go for the real
// implementation. Kept so callers can reference the type name regardless of
// build tags.
type ONNXEmbedder struct{}

// NewONNXEmbedder always fails without CGO: onnxruntime is a C library.
func NewONNXEmbedder(_ string, _, _ int, _ Tokenizer) (*ONNXEmbedder, error) {
	return nil, errors.New("embed: ONNX embedder requires CGO and a local onnxruntime install")
}

// Dim satisfies the Embedder interface; never actually reachable since
// NewONNXEmbedder fails unconditionally without CGO.
func (e *ONNXEmbedder) Dim() int { return 0 }

// Embed satisfies the Embedder interface; never actually reachable since
// NewONNXEmbedder fails unconditionally without CGO.
func (e *ONNXEmbedder) Embed(_ context.Context, _ []string) ([]query.Embedding, error) {
	return nil, errors.New("embed: ONNX embedder requires CGO and a local onnxruntime install")
}

// Tokenizer mirrors the cgo build's interface so call sites compile either
// way.
type Tokenizer interface {
	Tokenize(text string, maxTokens int) (inputIDs, attentionMask, tokenTypeIDs []int64)
}

// SimpleTokenizer stub; NewONNXEmbedder fails unconditionally without CGO
// so this type's Tokenize is never actually invoked, only present so
// call sites compile either way.
type SimpleTokenizer struct{}

func (SimpleTokenizer) Tokenize(_ string, maxTokens int) (inputIDs, attentionMask, tokenTypeIDs []int64) {
	return make([]int64, maxTokens), make([]int64, maxTokens), make([]int64, maxTokens)
}

// NewSimpleTokenizer returns the stub tokenizer as a Tokenizer.
func NewSimpleTokenizer() Tokenizer { return SimpleTokenizer{} }
