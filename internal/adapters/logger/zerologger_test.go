package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"warning", LevelWarn},
		{"Error", LevelError},
		{"verbose", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
	assert.Equal(t, "WARN", LevelWarn.String())
}

func TestZeroLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewZeroLogger(Config{Level: LevelInfo, Output: &buf})

	log.Info(context.Background(), "Gap detected", map[string]interface{}{
		"instrument": "EUR_USD",
		"hours":      30.0,
	})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "Gap detected", entry["message"])
	assert.Equal(t, "EUR_USD", entry["instrument"])
	assert.Equal(t, 30.0, entry["hours"])
	assert.Contains(t, entry, "time")
}

func TestZeroLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewZeroLogger(Config{Level: LevelWarn, Output: &buf})
	ctx := context.Background()

	log.Debug(ctx, "hidden")
	log.Info(ctx, "hidden")
	log.Warn(ctx, "shown")
	log.Error(ctx, errors.New("boom"), "failed", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"shown"`)
	assert.Contains(t, lines[1], `"error":"boom"`)
}

func TestZeroLogger_With(t *testing.T) {
	var buf bytes.Buffer
	log := NewZeroLogger(Config{Level: LevelDebug, Output: &buf}).With(map[string]interface{}{"run_id": "r1"})

	log.Debug(context.Background(), "step")
	assert.Contains(t, buf.String(), `"run_id":"r1"`)
}
