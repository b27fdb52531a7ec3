package llm

import (
	"context"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAICompatibleStreamer talks to any OpenAI-chat-completions-compatible
// endpoint (OpenAI itself, or a self-hosted gateway exposing the same
// wire shape) via sashabaranov/go-openai's streaming client.
type OpenAICompatibleStreamer struct {
	client *openai.Client
	model  string
}

// NewOpenAICompatibleStreamer builds a streamer against apiKey/model. If
// baseURL is non-empty it overrides the default OpenAI endpoint, letting
// the same adapter serve any compatible gateway.
func NewOpenAICompatibleStreamer(apiKey, model, baseURL string) *OpenAICompatibleStreamer {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAICompatibleStreamer{client: openai.NewClientWithConfig(cfg), model: model}
}

func (s *OpenAICompatibleStreamer) Stream(ctx context.Context, messages []Message, params Params) (<-chan Token, <-chan error) {
	req := openai.ChatCompletionRequest{
		Model:    s.model,
		Messages: toOpenAIMessages(messages),
		Stream:   true,
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	tokens := make(chan Token)
	errs := make(chan error, 1)

	stream, err := s.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		close(tokens)
		errs <- classifyOpenAIError(err)
		close(errs)
		return tokens, errs
	}

	go func() {
		defer close(tokens)
		defer close(errs)
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				errs <- classifyOpenAIError(err)
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			text := resp.Choices[0].Delta.Content
			if text == "" {
				continue
			}
			select {
			case tokens <- Token{Text: text}:
			case <-ctx.Done():
				errs <- &StreamError{Kind: KindUpstreamTimeout, Err: ctx.Err()}
				return
			}
		}
	}()

	return tokens, errs
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		out[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 401, 403:
			return &StreamError{Kind: KindAuth, Err: err}
		case 429:
			return &StreamError{Kind: KindRateLimited, Err: err}
		case 400, 404, 422:
			return &StreamError{Kind: KindBadRequest, Err: err}
		}
		return &StreamError{Kind: KindUpstreamError, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &StreamError{Kind: KindUpstreamTimeout, Err: err}
	}
	return &StreamError{Kind: KindUpstreamError, Err: err}
}
