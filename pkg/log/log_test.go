package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initBuffer(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})
	return &buf
}

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &entry))
	return entry
}

func TestComponentLoggerCarriesField(t *testing.T) {
	buf := initBuffer(t)

	logger := WithComponent("worker")
	logger.Info().Int64("user_no", 7).Msg("Task completed")

	entry := lastLine(t, buf)
	assert.Equal(t, "worker", entry["component"])
	assert.Equal(t, float64(7), entry["user_no"])
	assert.Equal(t, "Task completed", entry["message"])
}

func TestUserLoggerCarriesField(t *testing.T) {
	buf := initBuffer(t)

	logger := WithUserID(42)
	logger.Debug().Msg("Push session connected")

	entry := lastLine(t, buf)
	assert.Equal(t, float64(42), entry["user_id"])
}

func TestErrorfAppliesFormat(t *testing.T) {
	buf := initBuffer(t)

	Errorf("API server failed: %v", errors.New("listen tcp: address in use"))

	entry := lastLine(t, buf)
	assert.Equal(t, "API server failed: listen tcp: address in use", entry["message"])
	assert.Equal(t, "error", entry["level"])
}
