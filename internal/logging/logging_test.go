package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARN ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "ParseLevel(%q)", tt.in)
	}
}

func TestNewLoggerWithConfig_WritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "optionsbot.log")
	logger := NewLoggerWithConfig(LogConfig{Level: "info", File: true, FilePath: path, MaxSize: 1})

	logger.Debug().Msg("hidden")
	LogCycle(logger, 3, 1, 0, 2*time.Second)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hidden")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(raw), &entry))
	assert.Equal(t, "cycle", entry["event"])
	assert.Equal(t, 3.0, entry["signals"])
	assert.Equal(t, "Cycle complete", entry["message"])
}

func TestLogAPICall_MasksCredentials(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)

	LogAPICall(logger, "POST", "/v2/orders", 150*time.Millisecond,
		errors.New("403 forbidden: api_key=PKSECRETVALUE12345678"))

	out := buf.String()
	assert.Contains(t, out, "API call failed")
	assert.Contains(t, out, "/v2/orders")
	assert.NotContains(t, out, "SECRETVALUE1234")
}
