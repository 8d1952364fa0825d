package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitJSON(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})
	defer SetLevel(InfoLevel)

	logger := WithWorker("worker", "node-1")
	taskLogger := WithTask(logger, "shell:1:0:0:ls")
	taskLogger.Info().Msg("claimed")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "worker", entry["component"])
	assert.Equal(t, "node-1", entry["worker"])
	assert.Equal(t, "shell:1:0:0:ls", entry["task"])
	assert.Equal(t, "claimed", entry["message"])
}

func TestSetLevel(t *testing.T) {
	tests := []struct {
		level Level
		want  zerolog.Level
	}{
		{DebugLevel, zerolog.DebugLevel},
		{InfoLevel, zerolog.InfoLevel},
		{WarnLevel, zerolog.WarnLevel},
		{ErrorLevel, zerolog.ErrorLevel},
		{Level("bogus"), zerolog.InfoLevel},
	}
	defer SetLevel(InfoLevel)

	for _, tt := range tests {
		SetLevel(tt.level)
		assert.Equal(t, tt.want, zerolog.GlobalLevel(), string(tt.level))
	}
}
