package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const anthropicAPIVersion = "2023-06-01"

// anthropicMessagesURL is a var (not const) so tests can point it at an
// httptest server; production callers never reassign it.
var anthropicMessagesURL = "https://api.anthropic.com/v1/messages"

// AnthropicStreamer is a hand-rolled SSE client over net/http, kept in the
// teacher's own idiom: services/llm/anthropic_llm.go never added an SDK
// dependency for a single REST endpoint, and this adapter doesn't either.
// It differs from anthropic_llm.go only in setting Stream:true and parsing
// the resulting event stream incrementally instead of decoding one JSON
// body.
type AnthropicStreamer struct {
	httpClient *http.Client
	apiKey     string
	model      string
	maxTokens  int
}

func NewAnthropicStreamer(apiKey, model string) *AnthropicStreamer {
	if model == "" {
		model = "claude-3-5-sonnet-20240620"
	}
	return &AnthropicStreamer{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		apiKey:     apiKey,
		model:      model,
		maxTokens:  4096,
	}
}

type anthropicStreamRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMsg     `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
	Temperature *float32         `json:"temperature,omitempty"`
	TopP        *float32         `json:"top_p,omitempty"`
	TopK        *int             `json:"top_k,omitempty"`
	StopSeqs    []string         `json:"stop_sequences,omitempty"`
}

type anthropicMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicSSEEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *AnthropicStreamer) Stream(ctx context.Context, messages []Message, params Params) (<-chan Token, <-chan error) {
	tokens := make(chan Token)
	errs := make(chan error, 1)

	var apiMessages []anthropicMsg
	var systemPrompt string
	for _, m := range messages {
		if strings.ToLower(m.Role) == "system" {
			if systemPrompt != "" {
				systemPrompt += "\n\n"
			}
			systemPrompt += m.Content
			continue
		}
		apiMessages = append(apiMessages, anthropicMsg{Role: m.Role, Content: m.Content})
	}

	reqPayload := anthropicStreamRequest{
		Model:       s.model,
		Messages:    apiMessages,
		System:      systemPrompt,
		MaxTokens:   s.maxTokens,
		Stream:      true,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		TopK:        params.TopK,
		StopSeqs:    params.Stop,
	}
	if params.MaxTokens != nil {
		reqPayload.MaxTokens = *params.MaxTokens
	}

	body, err := json.Marshal(reqPayload)
	if err != nil {
		close(tokens)
		errs <- &StreamError{Kind: KindBadRequest, Err: err}
		close(errs)
		return tokens, errs
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, anthropicMessagesURL, bytes.NewReader(body))
	if err != nil {
		close(tokens)
		errs <- &StreamError{Kind: KindBadRequest, Err: err}
		close(errs)
		return tokens, errs
	}
	req.Header.Set("x-api-key", s.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	req.Header.Set("content-type", "application/json")
	req.Header.Set("accept", "text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		close(tokens)
		errs <- classifyAnthropicTransportError(err)
		close(errs)
		return tokens, errs
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		close(tokens)
		errs <- &StreamError{Kind: kindForHTTPStatus(resp.StatusCode), Err: fmt.Errorf("anthropic returned status %d: %s", resp.StatusCode, string(respBody))}
		close(errs)
		return tokens, errs
	}

	go func() {
		defer close(tokens)
		defer close(errs)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				continue
			}
			var ev anthropicSSEEvent
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				continue
			}
			if ev.Type == "error" || ev.Error != nil {
				msg := "unknown anthropic stream error"
				if ev.Error != nil {
					msg = ev.Error.Message
				}
				errs <- &StreamError{Kind: KindUpstreamError, Err: fmt.Errorf("anthropic stream error: %s", msg)}
				return
			}
			if ev.Type == "content_block_delta" && ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				select {
				case tokens <- Token{Text: ev.Delta.Text}:
				case <-ctx.Done():
					errs <- &StreamError{Kind: KindUpstreamTimeout, Err: ctx.Err()}
					return
				}
			}
			if ev.Type == "message_stop" {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- &StreamError{Kind: KindUpstreamError, Err: err}
		}
	}()

	return tokens, errs
}

func classifyAnthropicTransportError(err error) error {
	if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
		return &StreamError{Kind: KindUpstreamTimeout, Err: err}
	}
	return &StreamError{Kind: KindUpstreamError, Err: err}
}

func kindForHTTPStatus(status int) ErrorKind {
	switch status {
	case 401, 403:
		return KindAuth
	case 429:
		return KindRateLimited
	case 400, 404, 422:
		return KindBadRequest
	case 408, 504:
		return KindUpstreamTimeout
	default:
		return KindUpstreamError
	}
}
