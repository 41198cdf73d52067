package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/phrazzld/scry-batch/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  slog.Level
		ok    bool
	}{
		{"debug", "debug", slog.LevelDebug, true},
		{"upper case", "INFO", slog.LevelInfo, true},
		{"warn alias", "warning", slog.LevelWarn, true},
		{"error", "error", slog.LevelError, true},
		{"unknown", "verbose", slog.LevelInfo, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ParseLevel(tc.input)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.ok, ok)
		})
	}
}

func TestSetupWritesJSON(t *testing.T) {
	original := slog.Default()
	defer slog.SetDefault(original)

	var buf bytes.Buffer
	l, err := setup(config.ServerConfig{LogLevel: "debug"}, &buf)
	require.NoError(t, err)
	require.NotNil(t, l)

	l.Debug("hello", "job_id", "j-1")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "j-1", entry["job_id"])
	assert.Equal(t, "scry-batch", entry["service"])
}

func TestSetupRespectsLevel(t *testing.T) {
	original := slog.Default()
	defer slog.SetDefault(original)

	var buf bytes.Buffer
	l, err := setup(config.ServerConfig{LogLevel: "warn"}, &buf)
	require.NoError(t, err)

	l.Info("dropped")
	assert.Empty(t, buf.String())

	l.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestContextHelpers(t *testing.T) {
	custom := slog.New(slog.NewTextHandler(io.Discard, nil))
	fallback := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("missing logger falls back", func(t *testing.T) {
		assert.Same(t, fallback, FromContextOrDefault(context.Background(), fallback))
		assert.Same(t, slog.Default(), FromContext(context.Background()))
	})

	t.Run("stored logger is returned", func(t *testing.T) {
		ctx := WithLogger(context.Background(), custom)
		assert.Same(t, custom, FromContext(ctx))
		assert.Same(t, custom, FromContextOrDefault(ctx, fallback))
	})

	t.Run("nil logger panics", func(t *testing.T) {
		assert.Panics(t, func() {
			WithLogger(context.Background(), nil)
		})
	})
}
