package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalpath/journey/internal/config"
)

func TestNewWithWriter(t *testing.T) {
	tests := []struct {
		name   string
		cfg    config.AppConfig
		assert func(t *testing.T, out string)
	}{
		{
			name: "Should emit JSON with service identity attributes",
			cfg: config.AppConfig{
				Name: "journey", Version: "1.2.3", Environment: "staging",
				LogLevel: "info", LogFormat: "json",
			},
			assert: func(t *testing.T, out string) {
				var line map[string]any
				require.NoError(t, json.Unmarshal([]byte(out), &line))
				assert.Equal(t, "journey", line["service"])
				assert.Equal(t, "1.2.3", line["version"])
				assert.Equal(t, "staging", line["env"])
				assert.Equal(t, "hello", line["msg"])
				assert.Contains(t, line, "source", "non-production logs carry file:line")
			},
		},
		{
			name: "Should emit text when configured",
			cfg: config.AppConfig{
				Name: "journey", Version: "dev", Environment: "development",
				LogLevel: "info", LogFormat: "text",
			},
			assert: func(t *testing.T, out string) {
				assert.True(t, strings.HasPrefix(out, "time="))
				assert.Contains(t, out, "msg=hello")
				assert.Contains(t, out, "service=journey")
			},
		},
		{
			name: "Should omit source in production",
			cfg: config.AppConfig{
				Name: "journey", Version: "1.0.0", Environment: config.EnvironmentProduction,
				LogLevel: "info", LogFormat: "json",
			},
			assert: func(t *testing.T, out string) {
				var line map[string]any
				require.NoError(t, json.Unmarshal([]byte(out), &line))
				assert.NotContains(t, line, "source")
			},
		},
		{
			name: "Should drop info lines when level is error",
			cfg: config.AppConfig{
				Name: "journey", Environment: "development",
				LogLevel: "error", LogFormat: "json",
			},
			assert: func(t *testing.T, out string) {
				assert.Empty(t, out)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			var buf bytes.Buffer
			log := NewWithWriter(&tt.cfg, &buf)

			// Act
			log.Info("hello")

			// Assert
			tt.assert(t, buf.String())
		})
	}
}

func TestNewWithWriter_PanicsOnNilConfig(t *testing.T) {
	assert.Panics(t, func() { NewWithWriter(nil, &bytes.Buffer{}) })
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"Warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.in))
		})
	}
}

func TestNewWithWriter_RedactsCredentials(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&config.AppConfig{Name: "journey", LogLevel: "info", LogFormat: "json"}, &buf)

	log.Info("request",
		slog.String("Authorization", "Bearer eyJhbGciOi"),
		slog.String("refresh_token", "r-123"),
		slog.String("user_id", "user-1"),
	)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "[REDACTED]", line["Authorization"])
	assert.Equal(t, "[REDACTED]", line["refresh_token"])
	assert.Equal(t, "user-1", line["user_id"])
	assert.NotContains(t, buf.String(), "eyJhbGciOi")
}
