package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OllamaStreamer adapts services/llm/ollama_llm.go's Chat method almost
// directly: the same request shape and option defaults, with
// Stream: false flipped to Stream: true and the single blocking
// json.Unmarshal replaced by a line-at-a-time decode of Ollama's
// JSON-lines stream into the Token channel.
type OllamaStreamer struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

func NewOllamaStreamer(baseURL, model string) *OllamaStreamer {
	return &OllamaStreamer{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		model:      model,
	}
}

type ollamaStreamMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaStreamRequest struct {
	Model    string                 `json:"model"`
	Messages []ollamaStreamMessage  `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaStreamResponse struct {
	Message ollamaStreamMessage `json:"message"`
	Done    bool                `json:"done"`
}

func (o *OllamaStreamer) Stream(ctx context.Context, messages []Message, params Params) (<-chan Token, <-chan error) {
	tokens := make(chan Token)
	errs := make(chan error, 1)

	options := map[string]interface{}{}
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	} else {
		options["temperature"] = float32(0.2)
	}
	if params.TopK != nil {
		options["top_k"] = *params.TopK
	} else {
		options["top_k"] = 20
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	} else {
		options["top_p"] = float32(0.9)
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	} else {
		options["num_predict"] = 8192
	}
	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}

	msgs := make([]ollamaStreamMessage, len(messages))
	for i, m := range messages {
		msgs[i] = ollamaStreamMessage{Role: m.Role, Content: m.Content}
	}
	payload := ollamaStreamRequest{Model: o.model, Messages: msgs, Stream: true, Options: options}
	body, err := json.Marshal(payload)
	if err != nil {
		close(tokens)
		errs <- &StreamError{Kind: KindBadRequest, Err: err}
		close(errs)
		return tokens, errs
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		close(tokens)
		errs <- &StreamError{Kind: KindBadRequest, Err: err}
		close(errs)
		return tokens, errs
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		close(tokens)
		errs <- &StreamError{Kind: KindUpstreamError, Err: err}
		close(errs)
		return tokens, errs
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		close(tokens)
		errs <- &StreamError{Kind: kindForHTTPStatus(resp.StatusCode), Err: fmt.Errorf("ollama chat failed with status %d", resp.StatusCode)}
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
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var chunk ollamaStreamResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				continue
			}
			if chunk.Message.Content != "" {
				select {
				case tokens <- Token{Text: chunk.Message.Content}:
				case <-ctx.Done():
					errs <- &StreamError{Kind: KindUpstreamTimeout, Err: ctx.Err()}
					return
				}
			}
			if chunk.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- &StreamError{Kind: KindUpstreamError, Err: err}
		}
	}()

	return tokens, errs
}
