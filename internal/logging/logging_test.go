package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextAttributes(t *testing.T) {
	ctx := context.Background()
	AddAttribute(ctx, "ignored", 1) // no bag: no-op
	assert.Nil(t, Attributes(ctx))

	ctx = ContextWithAttributes(ctx)
	AddAttribute(ctx, "task_id", "task_1")
	AddAttributes(ctx, map[string]any{"worker": 2})

	child := ContextWithAttributes(ctx)
	AddAttribute(child, "run_id", "r1")

	assert.Equal(t, map[string]any{"task_id": "task_1", "worker": 2}, Attributes(ctx))
	assert.Equal(t, map[string]any{"task_id": "task_1", "worker": 2, "run_id": "r1"}, Attributes(child))
}

func TestAttributesHandler_AppendsContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewAttributesHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := ContextWithAttributes(context.Background())
	AddAttribute(ctx, "task_id", "task_42")
	logger.InfoContext(ctx, "started")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "started", rec["msg"])
	assert.Equal(t, "task_42", rec["task_id"])
}

func TestTextHandler_Format(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTextHandler(&buf, WithColor(false), WithLevel(slog.LevelDebug)))

	logger.With("component", "scheduler").Warn("tick failed",
		"error", errors.New("db locked"), "backoff", "10s", "note", "two words")

	line := buf.String()
	assert.Contains(t, line, "WARN  scheduler tick failed")
	assert.Contains(t, line, `error="db locked"`)
	assert.Contains(t, line, "backoff=10s")
	assert.Contains(t, line, `note="two words"`)
	assert.True(t, strings.HasSuffix(line, "\n"))
	assert.NotContains(t, line, "\x1b[", "color codes must be off")
}

func TestTextHandler_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTextHandler(&buf, WithColor(false), WithLevel(slog.LevelWarn)))
	logger.Info("hidden")
	assert.Empty(t, buf.String())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelError, ParseLevel("ERROR"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestChiMiddleware_LogsStatus(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(New(Options{Level: "debug", Format: "json", Output: &buf}))
	t.Cleanup(func() { slog.SetDefault(prev) })

	r := chi.NewRouter()
	r.Use(ChiMiddleware(WithChiFilter(func(r *http.Request) bool { return r.URL.Path != "/health" })))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {})
	r.Get("/missing", func(w http.ResponseWriter, r *http.Request) {
		AddAttribute(r.Context(), "task_id", "task_x")
		http.Error(w, "nope", http.StatusNotFound)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Empty(t, buf.String(), "filtered requests are not logged")

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "Not Found", rec["msg"])
	assert.Equal(t, "task_x", rec["task_id"])
	assert.EqualValues(t, 404, rec["status"])
}

func TestStatusLevel(t *testing.T) {
	assert.Equal(t, slog.LevelInfo, StatusLevel(200))
	assert.Equal(t, slog.LevelWarn, StatusLevel(409))
	assert.Equal(t, slog.LevelError, StatusLevel(503))
}
