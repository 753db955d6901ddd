package logx

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lines(buf *bytes.Buffer) []string {
	s := strings.TrimSpace(buf.String())
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewFrom(zerolog.New(&buf).Level(zerolog.DebugLevel)).With(String("comp", "test"))
	l.Info("hello", Int("n", 3))
	l.Trace("dropped by level")

	out := lines(&buf)
	require.Len(t, out, 1)
	assert.Contains(t, out[0], `"comp":"test"`)
	assert.Contains(t, out[0], `"n":3`)
	assert.Contains(t, out[0], `"message":"hello"`)
}

func TestLimitedDropsBelowWarn(t *testing.T) {
	var buf bytes.Buffer
	l := NewFrom(zerolog.New(&buf).Level(zerolog.DebugLevel)).Limited(2)
	for i := 0; i < 20; i++ {
		l.Debug("noisy")
	}
	debug := len(lines(&buf))
	assert.GreaterOrEqual(t, debug, 2)
	assert.Less(t, debug, 20)

	buf.Reset()
	for i := 0; i < 5; i++ {
		l.Warn("important")
	}
	assert.Len(t, lines(&buf), 5)
}

func TestNopAndZero(t *testing.T) {
	var zero Logger
	assert.True(t, zero.IsZero())
	assert.False(t, Nop().IsZero())
	zero.Info("safe on zero value")
	Nop().Error("discarded")
}

func TestServiceFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	svc, log := New(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("to file", String("k", "v"))

	svc.Apply(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})
	log.Info("filtered after apply")
	log.Warn("kept after apply")
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	s := string(b)
	assert.Contains(t, s, "to file")
	assert.NotContains(t, s, "filtered after apply")
	assert.Contains(t, s, "kept after apply")
}

func TestConsoleCaller(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsole(&buf, "info")
	l.Debug("below level")
	l.Info("visible")

	out := lines(&buf)
	require.Len(t, out, 1)
	assert.Contains(t, out[0], "visible")
	assert.Contains(t, out[0], "logging_test.go:")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLevel(" debug "))
	assert.Equal(t, zerolog.WarnLevel, parseLevel("WARNING"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("bogus"))
}
