package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestNew_ConsoleAndFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "bridge.log")
	var console bytes.Buffer

	log := New(Options{
		Env:          "prod",
		ConsoleLevel: "warn",
		FileLevel:    "debug",
		File:         file,
		App:          "corebridge",
		Console:      &console,
	})
	log.Debug("handle registered", "handle", "Object#3")
	log.Warn("native release failed", "handle", "Object#3")
	require.NoError(t, Close(log))

	lines := readLines(t, file)
	require.Len(t, lines, 2)
	assert.Equal(t, "DEBUG", lines[0]["level"])
	assert.Equal(t, "corebridge", lines[0]["app"])
	assert.Equal(t, "prod", lines[0]["env"])

	assert.NotContains(t, console.String(), "handle registered")
	assert.Contains(t, console.String(), "native release failed")
}

func TestNew_DefaultLevels(t *testing.T) {
	file := filepath.Join(t.TempDir(), "default.log")
	var console bytes.Buffer

	log := New(Options{Env: "dev", File: file, Console: &console})
	log.Debug("only in file")
	require.NoError(t, Close(log))

	assert.Empty(t, console.String())
	assert.Len(t, readLines(t, file), 1)
}

func TestClose_Unknown(t *testing.T) {
	assert.NoError(t, Close(Discard()))
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestRedactingHandler(t *testing.T) {
	var buf bytes.Buffer
	h := NewRedactingHandler(slog.NewJSONHandler(&buf, nil), DefaultSensitive)
	log := slog.New(h).With("secret", "s3cr3t")

	key := strings.Repeat("ab", 32)
	log.Info("open",
		"encryption_key", "whatever",
		"handle", "NotificationToken#12",
		"config", key,
		slog.Group("db", slog.String("password", "hunter2"), slog.String("path", "/tmp/a.db")),
	)

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, redacted, m["secret"])
	assert.Equal(t, redacted, m["encryption_key"])
	assert.Equal(t, redacted, m["config"])
	assert.Equal(t, "NotificationToken#12", m["handle"])

	db := m["db"].(map[string]any)
	assert.Equal(t, redacted, db["password"])
	assert.Equal(t, "/tmp/a.db", db["path"])
}

func TestMultiHandler(t *testing.T) {
	var info, debug bytes.Buffer
	h := NewMultiHandler(
		slog.NewJSONHandler(&info, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewJSONHandler(&debug, &slog.HandlerOptions{Level: slog.LevelDebug}),
	)
	log := slog.New(h).WithGroup("sweep").With("count", 2)

	assert.True(t, h.Enabled(t.Context(), slog.LevelDebug))
	log.Debug("swept")
	log.Info("done")

	assert.Equal(t, 1, strings.Count(info.String(), "\n"))
	assert.Equal(t, 2, strings.Count(debug.String(), "\n"))
	assert.Contains(t, debug.String(), `"sweep":{"count":2}`)
}
