package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskEmail(t *testing.T) {
	cases := map[string]string{
		"alice@example.com": "a***@example.com",
		"b@x.io":            "b***@x.io",
		"not-an-address":    "***",
		"":                  "",
		"@nolocal.com":      "***",
	}
	for in, want := range cases {
		assert.Equal(t, want, MaskEmail(in), "input %q", in)
	}
}

func TestJSONLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSON(&buf, "debug").With(String("comp", "notifier"))
	log.Info("alert sent", Email("to", "alice@example.com"), Int("attempts", 2), Err(errors.New("boom")))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "alert sent", m["message"])
	assert.Equal(t, "notifier", m["comp"])
	assert.Equal(t, "a***@example.com", m["to"])
	assert.EqualValues(t, 2, m["attempts"])
	assert.Equal(t, "boom", m["err"])
	assert.NotEmpty(t, m["caller"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSON(&buf, "warn")
	log.Info("hidden")
	assert.Zero(t, buf.Len())
	assert.False(t, log.Enabled(LevelDebug))
	assert.True(t, log.Enabled(LevelError))
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var log Logger
	assert.True(t, log.IsZero())
	log.Error("nothing happens")
	assert.False(t, Nop().IsZero())
}
