package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ragmux/ragmux/internal/query"
)

// RemoteHTTPEmbedder calls an out-of-process embedding service over HTTP.
// Grounded on datatypes/rag.go's EmbeddingResponse.Get: a single POST with a
// text payload and a vector response, generalized here to a batch endpoint
// so the Chunker/Orchestrator can embed many chunks in one round trip.
type RemoteHTTPEmbedder struct {
	baseURL string
	dim     int
	client  *http.Client
}

// NewRemoteHTTPEmbedder builds an embedder against baseURL's /batch_embed
// endpoint. dim is the dimensionality the service is known to return; it is
// used only for Dim() and is not independently validated per response.
func NewRemoteHTTPEmbedder(baseURL string, dim int) *RemoteHTTPEmbedder {
	return &RemoteHTTPEmbedder{
		baseURL: baseURL,
		dim:     dim,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type batchEmbedRequest struct {
	Texts []string `json:"texts"`
}

type batchEmbedResponse struct {
	Vectors [][]float32 `json:"vectors"`
}

// Embed POSTs the batch and L2-normalizes every returned vector. A
// length mismatch between request and response is a protocol error, not a
// partial result — the pipeline has no way to tell which chunk a missing
// vector belonged to.
func (e *RemoteHTTPEmbedder) Embed(ctx context.Context, texts []string) ([]query.Embedding, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(batchEmbedRequest{Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("embed: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/batch_embed", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("embed: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("embed: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed: service returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed batchEmbedResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("embed: decode response: %w", err)
	}
	if len(parsed.Vectors) != len(texts) {
		return nil, fmt.Errorf("embed: expected %d vectors, got %d", len(texts), len(parsed.Vectors))
	}

	out := make([]query.Embedding, len(parsed.Vectors))
	for i, v := range parsed.Vectors {
		normalize(v)
		out[i] = query.Embedding{Vector: v}
	}
	return out, nil
}

func (e *RemoteHTTPEmbedder) Dim() int { return e.dim }

var _ Embedder = (*RemoteHTTPEmbedder)(nil)
