package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func newTestLogger(buf *bytes.Buffer, level slog.Level) *slog.Logger {
	return slog.New(NewContextHandler(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: level})))
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	return entry
}

func TestContextHandler_NoSpanNoAttrs(t *testing.T) {
	var buf bytes.Buffer

	newTestLogger(&buf, slog.LevelInfo).InfoContext(context.Background(), "claimed", "key", "value")

	entry := decode(t, &buf)
	assert.Equal(t, "claimed", entry["msg"])
	assert.Equal(t, "value", entry["key"])
	assert.NotContains(t, entry, "trace_id")
	assert.NotContains(t, entry, "span_id")
}

func TestContextHandler_SpanContext(t *testing.T) {
	var buf bytes.Buffer

	traceID, err := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	require.NoError(t, err)

	spanID, err := trace.SpanIDFromHex("0102030405060708")
	require.NoError(t, err)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	newTestLogger(&buf, slog.LevelInfo).InfoContext(ctx, "fetching")

	entry := decode(t, &buf)
	assert.Equal(t, "0102030405060708090a0b0c0d0e0f10", entry["trace_id"])
	assert.Equal(t, "0102030405060708", entry["span_id"])
}

func TestContextHandler_AttrsFromWith(t *testing.T) {
	var buf bytes.Buffer

	ctx := With(context.Background(), "item_id", "42")
	ctx = With(ctx, "download_id", int64(7))

	logger := newTestLogger(&buf, slog.LevelInfo)
	logger.InfoContext(ctx, "transfer finished")

	entry := decode(t, &buf)
	assert.Equal(t, "42", entry["item_id"])
	assert.EqualValues(t, 7, entry["download_id"])

	buf.Reset()
	logger.InfoContext(context.Background(), "unrelated")

	assert.NotContains(t, decode(t, &buf), "item_id")
}

func TestWith_DoesNotLeakIntoParent(t *testing.T) {
	parent := With(context.Background(), "item_id", "1")
	_ = With(parent, "download_id", 2)

	assert.Len(t, attrsFromContext(parent), 1)
	assert.Equal(t, parent, With(parent))
}

func TestContextHandler_EnabledAndGroups(t *testing.T) {
	var buf bytes.Buffer

	logger := newTestLogger(&buf, slog.LevelWarn)
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelError))

	logger.With("component", "scheduler").WithGroup("run").WarnContext(context.Background(), "slow", "active", 2)

	entry := decode(t, &buf)
	assert.Equal(t, "scheduler", entry["component"])
	assert.Equal(t, map[string]any{"active": float64(2)}, entry["run"])
}

func TestLoggerFromContext(t *testing.T) {
	assert.Equal(t, slog.Default(), LoggerFromContext(context.Background()))

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	assert.Same(t, logger, LoggerFromContext(WithLogger(context.Background(), logger)))
}

func TestNewContextHandler_NilPanics(t *testing.T) {
	assert.Panics(t, func() { NewContextHandler(nil) })
}
