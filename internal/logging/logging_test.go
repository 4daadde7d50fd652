package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHasComponent(t *testing.T) {
	var buf bytes.Buffer
	Init(slog.LevelDebug, "text", &buf)

	New("resolver").Info("hello")

	assert.Contains(t, buf.String(), "component=resolver")
	assert.Contains(t, buf.String(), "hello")
}

func TestInitJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	Init(slog.LevelInfo, "json", &buf)

	New("lifecycle").Info("json check")

	assert.Contains(t, buf.String(), `"level":"INFO"`)
	assert.Contains(t, buf.String(), `"component":"lifecycle"`)
}

func TestInitLevelGating(t *testing.T) {
	var buf bytes.Buffer
	Init(slog.LevelWarn, "text", &buf)

	logger := New("gate")
	logger.Info("suppressed")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "suppressed")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		" warn ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}
