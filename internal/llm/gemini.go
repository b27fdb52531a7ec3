package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
)

// GeminiStreamer wraps github.com/tmc/langchaingo/llms/googleai — pulled in
// rather than hand-rolling against google.golang.org/api's REST surface,
// which has no clean streaming chat primitive at the version pinned in the
// teacher's go.mod. langchaingo exposes a streaming callback this adapter
// funnels straight into the Token channel.
type GeminiStreamer struct {
	model *googleai.GoogleAI
}

func NewGeminiStreamer(ctx context.Context, apiKey, model string) (*GeminiStreamer, error) {
	g, err := googleai.New(ctx, googleai.WithAPIKey(apiKey), googleai.WithDefaultModel(model))
	if err != nil {
		return nil, fmt.Errorf("llm: failed to build gemini client: %w", err)
	}
	return &GeminiStreamer{model: g}, nil
}

func (s *GeminiStreamer) Stream(ctx context.Context, messages []Message, params Params) (<-chan Token, <-chan error) {
	tokens := make(chan Token)
	errs := make(chan error, 1)

	content := make([]llms.MessageContent, len(messages))
	for i, m := range messages {
		content[i] = llms.TextParts(roleToGoogleAI(m.Role), m.Content)
	}

	opts := []llms.CallOption{
		llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			select {
			case tokens <- Token{Text: string(chunk)}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}),
	}
	if params.Temperature != nil {
		opts = append(opts, llms.WithTemperature(float64(*params.Temperature)))
	}
	if params.TopP != nil {
		opts = append(opts, llms.WithTopP(float64(*params.TopP)))
	}
	if params.TopK != nil {
		opts = append(opts, llms.WithTopK(*params.TopK))
	}
	if params.MaxTokens != nil {
		opts = append(opts, llms.WithMaxTokens(*params.MaxTokens))
	}
	if len(params.Stop) > 0 {
		opts = append(opts, llms.WithStopWords(params.Stop))
	}

	go func() {
		defer close(tokens)
		defer close(errs)
		_, err := s.model.GenerateContent(ctx, content, opts...)
		if err != nil {
			errs <- classifyGeminiError(err)
		}
	}()

	return tokens, errs
}

func roleToGoogleAI(role string) llms.ChatMessageType {
	switch role {
	case "system":
		return llms.ChatMessageTypeSystem
	case "assistant":
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}

func classifyGeminiError(err error) error {
	if err == context.DeadlineExceeded {
		return &StreamError{Kind: KindUpstreamTimeout, Err: err}
	}
	return &StreamError{Kind: KindUpstreamError, Err: err}
}
