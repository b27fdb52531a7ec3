// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command ragmux starts the HTTP server: it loads startup configuration,
// wires every long-lived component (store, vector cache, router,
// orchestrator, context builder, LLM registry) into one
// internal/pipeline.Pipeline, mounts it behind internal/httpapi, and serves
// until killed.
//
// # Environment Variables
//
//   - BIND_ADDR, STORE_URL, VECTOR_DIR, LOG_LEVEL, CORS_ORIGINS: read by
//     internal/config.Load.
//   - WEAVIATE_URL: Weaviate vector DB URL (required by the vector cache).
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (optional).
//   - EMBEDDER_MODEL_PATH, EMBEDDER_MAX_TOKENS: a local ONNX model to embed
//     with instead of calling out to a remote service (default max tokens
//     256 when EMBEDDER_MAX_TOKENS is unset or unparseable; requires a CGO
//     build with onnxruntime installed).
//   - EMBEDDER_URL, EMBEDDER_DIM: the remote embedding service, used when
//     EMBEDDER_MODEL_PATH is unset or its ONNX embedder fails to load
//     (default dimensionality 384 when EMBEDDER_DIM is unset or
//     unparseable).
//   - For each provider in {openai, anthropic, ollama, gemini}: an API key
//     and model env var pair (e.g. OPENAI_API_KEY/OPENAI_MODEL) used to
//     build that provider's entry in the LLM registry; a provider with no
//     API key configured (Ollama excepted, which needs only a base URL) is
//     left out of the registry entirely.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/url"
	"os"
	"strconv"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/ragmux/ragmux/internal/breaker"
	"github.com/ragmux/ragmux/internal/chunk"
	"github.com/ragmux/ragmux/internal/config"
	"github.com/ragmux/ragmux/internal/contextbuilder"
	"github.com/ragmux/ragmux/internal/embed"
	"github.com/ragmux/ragmux/internal/httpapi"
	"github.com/ragmux/ragmux/internal/llm"
	"github.com/ragmux/ragmux/internal/observability"
	"github.com/ragmux/ragmux/internal/orchestrator"
	"github.com/ragmux/ragmux/internal/pipeline"
	"github.com/ragmux/ragmux/internal/query"
	"github.com/ragmux/ragmux/internal/ratelimit"
	"github.com/ragmux/ragmux/internal/router"
	"github.com/ragmux/ragmux/internal/source"
	"github.com/ragmux/ragmux/internal/store"
	"github.com/ragmux/ragmux/internal/vectorcache"
	"github.com/ragmux/ragmux/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("ragmux: %v", err)
	}

	logger := logging.New(logging.Config{
		Level:   parseLogLevel(cfg.LogLevel),
		Service: "ragmux",
		JSON:    true,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	metrics := observability.InitMetrics()

	if otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); otelEndpoint != "" {
		shutdown, err := observability.InitTracer(otelEndpoint, "ragmux")
		if err != nil {
			logger.Warn("tracing disabled: could not dial otel collector", "error", err)
		} else {
			defer shutdown(context.Background())
		}
	}

	transcripts, err := store.Open(cfg.StoreURL, store.DefaultConfig())
	if err != nil {
		log.Fatalf("ragmux: %v", err)
	}
	defer transcripts.Close()

	cache, err := buildVectorCache(cfg)
	if err != nil {
		log.Fatalf("ragmux: %v", err)
	}

	rateGate := ratelimit.New(ratelimit.DefaultConfig())
	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	sources := source.NewRegistry(buildSourceAdapters()...)

	tokenCounter, err := chunk.NewTiktokenCounter()
	if err != nil {
		logger.Warn("falling back to heuristic token counting", "error", err)
		tokenCounter = nil
	}
	var counter chunk.TokenCounter = chunk.HeuristicCounter{}
	if tokenCounter != nil {
		counter = tokenCounter
	}
	chunker := chunk.New(chunk.DefaultConfig(), counter)

	embedder := buildEmbedder()

	orch := orchestrator.New(sources, rateGate, breakers, cache, chunker, embedder, orchestrator.DefaultConfig())
	contextB := contextbuilder.New(chunker, embedder, contextbuilder.DefaultConfig())

	r, err := router.New()
	if err != nil {
		log.Fatalf("ragmux: could not load routing rules: %v", err)
	}

	llms := buildLLMRegistry()

	p := pipeline.New(r, orch, contextB, breakers, llms, transcripts, pipeline.DefaultConfig())

	server := httpapi.New(p, transcripts, metrics)
	engine := server.NewRouter(cfg.CorsOrigins)

	logger.Info("ragmux listening", "addr", cfg.BindAddr)
	if err := engine.Run(cfg.BindAddr); err != nil {
		log.Fatalf("ragmux: server exited: %v", err)
	}
}

// parseLogLevel maps internal/config.Config.LogLevel's string onto
// logging.Level, defaulting to Info for anything unrecognized.
func parseLogLevel(level string) logging.Level {
	switch level {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

// buildVectorCache opens the Badger ledger under VECTOR_DIR and a Weaviate
// client against WEAVIATE_URL. internal/vectorcache.Query calls straight
// into its Weaviate client with no nil guard, so this module treats
// WEAVIATE_URL as required rather than optional.
func buildVectorCache(cfg config.Config) (*vectorcache.VectorCache, error) {
	ledger, err := badger.Open(badger.DefaultOptions(cfg.VectorDir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open vector cache ledger at %q: %w", cfg.VectorDir, err)
	}

	weaviateURL := os.Getenv("WEAVIATE_URL")
	if weaviateURL == "" {
		return nil, fmt.Errorf("WEAVIATE_URL is required")
	}
	parsed, err := url.Parse(weaviateURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid WEAVIATE_URL %q", weaviateURL)
	}
	client, err := weaviate.NewClient(weaviate.Config{Host: parsed.Host, Scheme: parsed.Scheme})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}

	return vectorcache.New(client, ledger, vectorcache.DefaultConfig()), nil
}

// buildSourceAdapters constructs one HTTPAdapter per external source with a
// configured base URL. Sources left unconfigured are simply absent from the
// registry; internal/router's fallback bundle and internal/orchestrator's
// per-source fan-out both already tolerate a source the registry doesn't
// carry.
func buildSourceAdapters() []source.Adapter {
	specs := []struct {
		id        query.SourceId
		envPrefix string
	}{
		{query.SourceConfluence, "CONFLUENCE"},
		{query.SourceJira, "JIRA"},
		{query.SourceSlack, "SLACK"},
		{query.SourceGithub, "GITHUB"},
		{query.SourceGoogle, "GOOGLE"},
		{query.SourceNotion, "NOTION"},
		{query.SourceLinear, "LINEAR"},
		{query.SourceFigma, "FIGMA"},
		{query.SourceMicrosoft365, "MICROSOFT365"},
		{query.SourceDevtools, "DEVTOOLS"},
		{query.SourceProductivity, "PRODUCTIVITY"},
		{query.SourceWeb, "WEB"},
	}

	var adapters []source.Adapter
	for _, s := range specs {
		baseURL := os.Getenv(s.envPrefix + "_BASE_URL")
		if baseURL == "" {
			continue
		}
		token := os.Getenv(s.envPrefix + "_API_KEY")
		adapters = append(adapters, source.NewHTTPAdapter(source.HTTPAdapterConfig{
			Id:         s.id,
			BaseURL:    baseURL,
			Creds:      source.CredentialsBlob{"token": token},
			AuthHeader: "Authorization",
			AuthKey:    "token",
			HealthPath: "/health",
		}))
	}
	return adapters
}

// buildEmbedder wires a local embed.ONNXEmbedder when EMBEDDER_MODEL_PATH
// names a model on disk, falling back to a RemoteHTTPEmbedder against
// EMBEDDER_URL otherwise. NewONNXEmbedder warms itself up with a throwaway
// inference before returning, so the cold-start cost of loading the model
// lands here at startup rather than on a request.
func buildEmbedder() embed.Embedder {
	dim := getEnvInt("EMBEDDER_DIM", 384)

	if modelPath := os.Getenv("EMBEDDER_MODEL_PATH"); modelPath != "" {
		maxTokens := getEnvInt("EMBEDDER_MAX_TOKENS", 256)
		onnxEmbedder, err := embed.NewONNXEmbedder(modelPath, dim, maxTokens, embed.NewSimpleTokenizer())
		if err != nil {
			slog.Warn("local ONNX embedder unavailable, falling back to the remote embedding service", "error", err)
		} else {
			return onnxEmbedder
		}
	}

	baseURL := getEnvString("EMBEDDER_URL", "http://localhost:8090")
	return embed.NewRemoteHTTPEmbedder(baseURL, dim)
}

// buildLLMRegistry constructs one Streamer per provider with credentials in
// the environment. A provider with nothing configured is left out of the
// registry; internal/pipeline surfaces that as a "config" error at request
// time via Registry.Get, the same way a user with no llm_provider set gets
// turned away by internal/httpapi.resolveProvider.
func buildLLMRegistry() *llm.Registry {
	streamers := make(map[string]llm.Streamer)

	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		model := getEnvString("OPENAI_MODEL", "gpt-4o-mini")
		streamers["openai"] = llm.NewOpenAICompatibleStreamer(apiKey, model, os.Getenv("OPENAI_BASE_URL"))
	}
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		model := getEnvString("ANTHROPIC_MODEL", "claude-3-5-sonnet-latest")
		streamers["anthropic"] = llm.NewAnthropicStreamer(apiKey, model)
	}
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		model := getEnvString("OLLAMA_MODEL", "llama3")
		streamers["ollama"] = llm.NewOllamaStreamer(baseURL, model)
	}
	if apiKey := os.Getenv("GEMINI_API_KEY"); apiKey != "" {
		model := getEnvString("GEMINI_MODEL", "gemini-1.5-flash")
		streamer, err := llm.NewGeminiStreamer(context.Background(), apiKey, model)
		if err != nil {
			slog.Warn("gemini streamer not registered", "error", err)
		} else {
			streamers["gemini"] = streamer
		}
	}

	if len(streamers) == 0 {
		slog.Warn("no LLM provider credentials found in the environment; every chat request will fail until /settings configures one that /test-connection can reach")
	}
	return llm.NewRegistry(streamers)
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
