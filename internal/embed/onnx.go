//go:build cgo

package embed

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/ragmux/ragmux/internal/query"
)

// ONNXEmbedder runs a local sentence-embedding model through ONNX Runtime.
// Requires CGO and the onnxruntime shared library to be present on the host
// (see onnx_stub.go for the no-CGO fallback).
//
// Grounded on the sibling pack's internal/embedding.ONNXEmbedder: same
// fixed-shape input_ids/attention_mask/token_type_ids tensor layout run
// through an AdvancedSession, generalized here to batch calls and the
// query.Embedding return type this system threads everywhere else.
type ONNXEmbedder struct {
	mu        sync.Mutex
	session   *ort.AdvancedSession
	tokenizer Tokenizer
	dim       int
	maxTokens int

	inputIDsTensor      *ort.Tensor[int64]
	attentionMaskTensor *ort.Tensor[int64]
	tokenTypeIDsTensor  *ort.Tensor[int64]
	outputTensor        *ort.Tensor[float32]
}

// Tokenizer converts raw text into the fixed-length id/mask/type arrays an
// ONNX transformer model expects.
type Tokenizer interface {
	Tokenize(text string, maxTokens int) (inputIDs, attentionMask, tokenTypeIDs []int64)
}

// NewONNXEmbedder loads modelPath and allocates the fixed-shape tensors the
// session will reuse across calls. InitializeEnvironment is idempotent
// across embedders in the same process.
func NewONNXEmbedder(modelPath string, dim, maxTokens int, tokenizer Tokenizer) (*ONNXEmbedder, error) {
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("embed: initialize onnxruntime: %w", err)
	}

	inputIDs, attentionMask, tokenTypeIDs := tokenizer.Tokenize("", maxTokens)

	inputIDsTensor, err := ort.NewTensor(ort.NewShape(1, int64(maxTokens)), inputIDs)
	if err != nil {
		return nil, fmt.Errorf("embed: input_ids tensor: %w", err)
	}
	attentionMaskTensor, err := ort.NewTensor(ort.NewShape(1, int64(maxTokens)), attentionMask)
	if err != nil {
		inputIDsTensor.Destroy()
		return nil, fmt.Errorf("embed: attention_mask tensor: %w", err)
	}
	tokenTypeIDsTensor, err := ort.NewTensor(ort.NewShape(1, int64(maxTokens)), tokenTypeIDs)
	if err != nil {
		inputIDsTensor.Destroy()
		attentionMaskTensor.Destroy()
		return nil, fmt.Errorf("embed: token_type_ids tensor: %w", err)
	}
	outputTensor, err := ort.NewTensor(ort.NewShape(1, int64(dim)), make([]float32, dim))
	if err != nil {
		inputIDsTensor.Destroy()
		attentionMaskTensor.Destroy()
		tokenTypeIDsTensor.Destroy()
		return nil, fmt.Errorf("embed: output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"output"},
		[]ort.ArbitraryTensor{inputIDsTensor, attentionMaskTensor, tokenTypeIDsTensor},
		[]ort.ArbitraryTensor{outputTensor},
		nil,
	)
	if err != nil {
		inputIDsTensor.Destroy()
		attentionMaskTensor.Destroy()
		tokenTypeIDsTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("embed: create session: %w", err)
	}

	embedder := &ONNXEmbedder{
		session:             session,
		tokenizer:           tokenizer,
		dim:                 dim,
		maxTokens:           maxTokens,
		inputIDsTensor:      inputIDsTensor,
		attentionMaskTensor: attentionMaskTensor,
		tokenTypeIDsTensor:  tokenTypeIDsTensor,
		outputTensor:        outputTensor,
	}

	// Run one throwaway inference now so the first real Embed call doesn't
	// pay the session's cold-start cost on the request path.
	if _, err := embedder.Embed(context.Background(), []string{""}); err != nil {
		embedder.Close()
		return nil, fmt.Errorf("embed: warm-up inference: %w", err)
	}

	return embedder, nil
}

// Embed runs each text through the session in turn; the underlying
// AdvancedSession is not safe for concurrent Run calls, so the whole batch
// is serialized under one lock.
func (e *ONNXEmbedder) Embed(ctx context.Context, texts []string) ([]query.Embedding, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]query.Embedding, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		inputIDs, attentionMask, tokenTypeIDs := e.tokenizer.Tokenize(text, e.maxTokens)
		copy(e.inputIDsTensor.GetData(), inputIDs)
		copy(e.attentionMaskTensor.GetData(), attentionMask)
		copy(e.tokenTypeIDsTensor.GetData(), tokenTypeIDs)

		if err := e.session.Run(); err != nil {
			return nil, fmt.Errorf("embed: inference: %w", err)
		}

		vec := make([]float32, e.dim)
		copy(vec, e.outputTensor.GetData()[:e.dim])
		normalize(vec)
		out[i] = query.Embedding{Vector: vec}
	}
	return out, nil
}

func (e *ONNXEmbedder) Dim() int { return e.dim }

// Close releases the session and its tensors. Safe to call once; the
// embedder must not be used afterward.
func (e *ONNXEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		err := e.session.Destroy()
		e.session = nil
		e.inputIDsTensor.Destroy()
		e.attentionMaskTensor.Destroy()
		e.tokenTypeIDsTensor.Destroy()
		e.outputTensor.Destroy()
		return err
	}
	return nil
}

var _ Embedder = (*ONNXEmbedder)(nil)
