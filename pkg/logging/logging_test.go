package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONDefault(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Config{}, &buf)
	require.NoError(t, err)

	log.Debug().Msg("hidden")
	log.Info().Str("job_id", "j1").Msg("claimed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "j1", line["job_id"])
	assert.Equal(t, "claimed", line["message"])
	assert.Contains(t, line, "time")
}

func TestNew_Level(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Config{Level: "WARN"}, &buf)
	require.NoError(t, err)

	log.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	log.Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Config{Format: "console"}, &buf)
	require.NoError(t, err)

	log.Info().Str("worker_id", "w1").Msg("started")
	assert.Contains(t, buf.String(), "started")
	assert.Contains(t, buf.String(), "worker_id=")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}

func TestNew_Invalid(t *testing.T) {
	_, err := New(Config{Level: "loud"}, nil)
	assert.Error(t, err)

	_, err = New(Config{Format: "xml"}, nil)
	assert.Error(t, err)
}
