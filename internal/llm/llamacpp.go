package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// LlamaCppStreamer talks to llama.cpp's simple server /completion
// endpoint. That server has no chat-streaming endpoint in this
// deployment's configuration, so a complete response is fetched in one
// call and simulated into the Token channel via simulateStream.
type LlamaCppStreamer struct {
	httpClient *http.Client
	baseURL    string
}

func NewLlamaCppStreamer(baseURL string) *LlamaCppStreamer {
	return &LlamaCppStreamer{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}
}

type llamaCppPayload struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict"`
	Temperature *float32 `json:"temperature,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type llamaCppResponse struct {
	Content string `json:"content"`
}

func (l *LlamaCppStreamer) Stream(ctx context.Context, messages []Message, params Params) (<-chan Token, <-chan error) {
	prompt := renderPrompt(messages)
	payload := llamaCppPayload{Prompt: prompt, Stop: params.Stop}
	if len(payload.Stop) == 0 {
		payload.Stop = []string{"\n\n"}
	}
	if params.MaxTokens != nil {
		payload.NPredict = *params.MaxTokens
	} else {
		payload.NPredict = 512
	}
	payload.Temperature = params.Temperature
	payload.TopK = params.TopK
	payload.TopP = params.TopP

	errs := make(chan error, 1)
	body, err := json.Marshal(payload)
	if err != nil {
		tokens := make(chan Token)
		close(tokens)
		errs <- &StreamError{Kind: KindBadRequest, Err: err}
		close(errs)
		return tokens, errs
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/completion", bytes.NewReader(body))
	if err != nil {
		tokens := make(chan Token)
		close(tokens)
		errs <- &StreamError{Kind: KindBadRequest, Err: err}
		close(errs)
		return tokens, errs
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		tokens := make(chan Token)
		close(tokens)
		errs <- &StreamError{Kind: KindUpstreamError, Err: err}
		close(errs)
		return tokens, errs
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		tokens := make(chan Token)
		close(tokens)
		errs <- &StreamError{Kind: KindUpstreamError, Err: err}
		close(errs)
		return tokens, errs
	}
	if resp.StatusCode != http.StatusOK {
		tokens := make(chan Token)
		close(tokens)
		errs <- &StreamError{Kind: kindForHTTPStatus(resp.StatusCode), Err: fmt.Errorf("llama.cpp returned status %d: %s", resp.StatusCode, string(respBody))}
		close(errs)
		return tokens, errs
	}

	var parsed llamaCppResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		tokens := make(chan Token)
		close(tokens)
		errs <- &StreamError{Kind: KindUpstreamError, Err: err}
		close(errs)
		return tokens, errs
	}

	return simulateStream(ctx, parsed.Content)
}

func renderPrompt(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString("assistant: ")
	return b.String()
}
