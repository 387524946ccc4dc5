package logging_test

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/config"
	"github.com/warp/commission-engine/logging"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"":        slog.LevelInfo,
		" INFO ":  slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := logging.ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := logging.ParseLevel("trace")
	assert.Error(t, err)
}

func TestNew_WritesJSONToFile(t *testing.T) {
	// GIVEN: File-only logging at warn
	// WHEN: An info and a warn record are written
	// THEN: Only the warn record reaches the file, as one JSON line

	path := filepath.Join(t.TempDir(), "commission.log")
	logger, closer, err := logging.New(config.LogConfig{Level: "warn", File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	logger.Info("skipped")
	logger.Warn("settlement reopened", "settlement_id", "st-1")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, "settlement reopened", record["msg"])
	assert.Equal(t, "st-1", record["settlement_id"])
	assert.Equal(t, "WARN", record["level"])
}

func TestNew_RequiresAnOutput(t *testing.T) {
	_, _, err := logging.New(config.LogConfig{Level: "info"})

	assert.Error(t, err)
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	_, _, err := logging.New(config.LogConfig{Level: "loud", Stdout: true})

	assert.Error(t, err)
}
