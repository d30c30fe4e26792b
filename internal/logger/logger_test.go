package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHelpersWriteThroughDefaultLogger(t *testing.T) {
	var buf bytes.Buffer
	Configure(Options{Level: "debug", Format: "json", Output: &buf})

	Warn("Migration record removed", nil)
	Debug("Using config file", map[string]any{"file": "genpost.yaml"})

	out := buf.String()
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"message":"Migration record removed"`)
	assert.Contains(t, out, `"file":"genpost.yaml"`)
}

func TestNewDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Output: &buf})

	l.Debug().Msg("hidden")
	assert.Zero(t, buf.Len())

	l.Info().Str("component", "worker").Msg("shown")
	assert.Contains(t, buf.String(), `"component":"worker"`)
}
