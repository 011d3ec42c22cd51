package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestInstanceWriterDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "8080", "process.log")
	w := FileConfig{}.InstanceWriter(path)
	l, ok := w.(*lj.Logger)
	require.True(t, ok)
	assert.Equal(t, DefaultMaxSizeMB, l.MaxSize)
	assert.Equal(t, DefaultMaxBackups, l.MaxBackups)
	assert.Equal(t, DefaultMaxAgeDays, l.MaxAge)

	_, err := w.Write([]byte("one\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte("two\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(b))
}

func TestInstanceWriterAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "process.log")
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0o600))
	w := FileConfig{MaxSizeMB: 5, Compress: true}.InstanceWriter(path)
	_, err := w.Write([]byte("new\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old\nnew\n", string(b))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel(" error "))
	assert.Equal(t, LevelInfo, ParseLevel("bogus"))
}

func TestSloggerJSON(t *testing.T) {
	var buf bytes.Buffer
	l := Config{Slog: SlogConfig{Level: LevelWarn, Format: FormatJSON}}.newSlogger(&buf)
	l.Info("hidden")
	l.Warn("shown", "key", 8080)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.EqualValues(t, 8080, rec["key"])
	_, hasTime := rec["time"]
	assert.False(t, hasTime)
}

func TestSloggerColor(t *testing.T) {
	var buf bytes.Buffer
	l := Config{Slog: SlogConfig{Color: true}}.newSlogger(&buf)
	l.With("component", "test").Error("boom")
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "\033[31mERROR\033[0m "), out)
	assert.Contains(t, out, "msg=boom")
	assert.Contains(t, out, "component=test")
	assert.NotContains(t, out, `\x1b`)
	assert.NotContains(t, out, "level=")
	assert.NotContains(t, out, "time=")
}

func TestColorTextHandlerTimestamps(t *testing.T) {
	var buf bytes.Buffer
	l := Config{Slog: SlogConfig{Color: true, TimeStamps: true}}.newSlogger(&buf)
	l.WithGroup("req").Info("hello", "port", 8080)
	out := strings.TrimSpace(buf.String())
	ts, rest, ok := strings.Cut(out, " ")
	require.True(t, ok)
	_, err := time.Parse(time.RFC3339, ts)
	require.NoError(t, err, out)
	assert.True(t, strings.HasPrefix(rest, "\033[32mINFO\033[0m "), out)
	assert.Contains(t, rest, "req.port=8080")
	assert.NotContains(t, rest, "time=")
}

func TestSloggerToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "mockvisor.log")
	l := Config{Slog: SlogConfig{File: path, Color: true}}.NewSlogger()
	l.Info("to file")
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "to file")
	assert.NotContains(t, string(b), "\033[")
}
