// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package httpapi implements the external wire contract as Gin handlers:
// chat (streaming and non-streaming), history, settings, and connection
// testing, each wrapped with the same SSE setup, request parsing, and
// metrics/span bookkeeping.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	otelgin "go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"

	"github.com/ragmux/ragmux/internal/llm"
	"github.com/ragmux/ragmux/internal/observability"
	"github.com/ragmux/ragmux/internal/pipeline"
	"github.com/ragmux/ragmux/internal/query"
	"github.com/ragmux/ragmux/internal/store"
	"github.com/ragmux/ragmux/internal/stream"
)

// Runner is the subset of pipeline.Pipeline this package drives.
type Runner interface {
	Run(ctx context.Context, q query.Query, provider string, w stream.Writer) error
}

// SettingsStore is the subset of store.Store this package needs for
// settings and transcript endpoints.
type SettingsStore interface {
	PutSettings(ctx context.Context, userId string, settings store.Settings) error
	GetSettings(ctx context.Context, userId string) (store.Settings, bool, error)
	History(ctx context.Context, sessionId string, limit int) ([]pipeline.Turn, error)
	DeleteHistory(ctx context.Context, sessionId string) error
}

// Server wires a Runner and a SettingsStore into the routes this package
// mounts.
type Server struct {
	pipeline Runner
	store    SettingsStore
	metrics  *observability.Metrics
}

// New constructs a Server. metrics may be nil (every Metrics method is
// nil-safe).
func New(p Runner, s SettingsStore, metrics *observability.Metrics) *Server {
	return &Server{pipeline: p, store: s, metrics: metrics}
}

// NewRouter builds the Gin engine and mounts every chat/settings/history
// route, plus /health for operability. corsOrigins, if non-empty,
// restricts Access-Control-Allow-Origin to that allowlist; an empty list
// disables CORS handling entirely (same-origin only).
func (s *Server) NewRouter(corsOrigins []string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("ragmux"))
	if len(corsOrigins) > 0 {
		router.Use(corsMiddleware(corsOrigins))
	}

	router.GET("/health", s.HandleHealth)
	router.POST("/chat/stream", s.HandleChatStream)
	router.POST("/chat", s.HandleChat)
	router.GET("/chat/history/:session_id", s.HandleGetHistory)
	router.DELETE("/chat/history/:session_id", s.HandleDeleteHistory)
	router.GET("/settings/:user_id", s.HandleGetSettings)
	router.POST("/settings", s.HandlePutSettings)
	router.POST("/test-connection", s.HandleTestConnection)

	return router
}

func corsMiddleware(allowed []string) gin.HandlerFunc {
	allowSet := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		allowSet[o] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if allowSet[origin] {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// HandleHealth answers GET /health.
func (s *Server) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

// chatRequest is the JSON body both /chat/stream and /chat accept.
type chatRequest struct {
	Message   string `json:"message" binding:"required"`
	SessionId string `json:"session_id" binding:"required"`
}

func (s *Server) resolveProvider(ctx context.Context, userId string) (string, error) {
	settings, found, err := s.store.GetSettings(ctx, userId)
	if err != nil {
		return "", err
	}
	if !found || settings.LLMProvider == "" {
		return "", errNoProviderConfigured
	}
	return settings.LLMProvider, nil
}

var errNoProviderConfigured = &configError{"no llm_provider configured for this user"}

type configError struct{ msg string }

func (e *configError) Error() string { return e.msg }

// HandleChatStream answers POST /chat/stream?user_id=<string>, streaming
// events over text/event-stream.
func (s *Server) HandleChatStream(c *gin.Context) {
	ctx, span := otel.Tracer("ragmux/httpapi").Start(c.Request.Context(), "HandleChatStream")
	defer span.End()

	userId := c.Query("user_id")
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	provider, err := s.resolveProvider(ctx, userId)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	stream.SetSSEHeaders(c.Writer)
	w, err := stream.NewWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	s.metrics.StreamStarted()
	defer s.metrics.StreamEnded()
	start := time.Now()

	q := query.Query{Text: req.Message, SessionId: req.SessionId, UserId: userId, Options: query.DefaultOptions()}
	err = s.pipeline.Run(ctx, q, provider, w)

	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordRequest(status)
	s.metrics.RecordStreamDuration(status, time.Since(start).Seconds())
}

// HandleChat answers the non-streaming POST /chat variant: it drives the
// same Pipeline through a stream.Writer that accumulates events instead of
// writing them to the wire, then renders a single JSON response.
func (s *Server) HandleChat(c *gin.Context) {
	userId := c.Query("user_id")
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	provider, err := s.resolveProvider(c.Request.Context(), userId)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	buf := newBufferedWriter()
	q := query.Query{Text: req.Message, SessionId: req.SessionId, UserId: userId, Options: query.DefaultOptions()}
	if err := s.pipeline.Run(c.Request.Context(), q, provider, buf); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	if buf.errKind != "" {
		c.JSON(http.StatusBadGateway, gin.H{"error": buf.errMessage, "kind": buf.errKind})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"response":     buf.answer,
		"sources":      buf.sources,
		"used_sources": buf.usedSources,
		"documents":    buf.documents,
	})
}

// HandleGetHistory answers GET /chat/history/{session_id}.
func (s *Server) HandleGetHistory(c *gin.Context) {
	sessionId := c.Param("session_id")
	turns, err := s.store.History(c.Request.Context(), sessionId, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, store.RenderHistory(turns))
}

// HandleDeleteHistory answers DELETE /chat/history/{session_id}.
func (s *Server) HandleDeleteHistory(c *gin.Context) {
	sessionId := c.Param("session_id")
	if err := s.store.DeleteHistory(c.Request.Context(), sessionId); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleGetSettings answers GET /settings/{user_id}.
func (s *Server) HandleGetSettings(c *gin.Context) {
	userId := c.Param("user_id")
	settings, found, err := s.store.GetSettings(c.Request.Context(), userId)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "no settings for this user"})
		return
	}
	c.JSON(http.StatusOK, settings)
}

// HandlePutSettings answers POST /settings?user_id=<string>.
func (s *Server) HandlePutSettings(c *gin.Context) {
	userId := c.Query("user_id")
	if userId == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	var settings store.Settings
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid settings body"})
		return
	}
	if err := s.store.PutSettings(c.Request.Context(), userId, settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// testConnectionResult is one probe's outcome in the POST /test-connection
// response body.
type testConnectionResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// HandleTestConnection answers POST /test-connection: it builds a
// throwaway Streamer from the candidate settings and issues a minimal
// generation, reporting success/failure without persisting anything.
func (s *Server) HandleTestConnection(c *gin.Context) {
	var settings store.Settings
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid settings body"})
		return
	}

	streamer, err := buildCandidateStreamer(settings)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"llm": testConnectionResult{Status: "error", Message: err.Error()}})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	tokens, errs := streamer.Stream(ctx, []llm.Message{{Role: "user", Content: "ping"}}, llm.Params{})
	result := testConnectionResult{Status: "ok", Message: "connected"}
	select {
	case _, ok := <-tokens:
		if !ok {
			result = testConnectionResult{Status: "error", Message: "provider closed the stream without responding"}
		}
	case err := <-errs:
		if err != nil {
			result = testConnectionResult{Status: "error", Message: err.Error()}
		}
	case <-ctx.Done():
		result = testConnectionResult{Status: "error", Message: "timed out waiting for the provider"}
	}

	c.JSON(http.StatusOK, gin.H{"llm": result})
}

const defaultOllamaBaseURL = "http://localhost:11434"

func buildCandidateStreamer(settings store.Settings) (llm.Streamer, error) {
	switch settings.LLMProvider {
	case "openai":
		return llm.NewOpenAICompatibleStreamer(settings.LLMAPIKey, settings.LLMModel, settings.Credentials["base_url"]), nil
	case "anthropic":
		return llm.NewAnthropicStreamer(settings.LLMAPIKey, settings.LLMModel), nil
	case "ollama":
		baseURL := settings.Credentials["base_url"]
		if baseURL == "" {
			baseURL = defaultOllamaBaseURL
		}
		return llm.NewOllamaStreamer(baseURL, settings.LLMModel), nil
	case "gemini":
		return llm.NewGeminiStreamer(context.Background(), settings.LLMAPIKey, settings.LLMModel)
	default:
		return nil, &configError{"unrecognized llm_provider: " + settings.LLMProvider}
	}
}
