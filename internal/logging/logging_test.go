package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferedLogger(buf *bytes.Buffer) *slog.Logger {
	handler := slog.NewJSONHandler(buf, &slog.HandlerOptions{ReplaceAttr: renameLevelToSeverity})
	return slog.New(handler).With(slog.String("worker_id", "w1"), slog.String("medium_id", "m1"))
}

func TestLoggerTagsWorkerAndMedium(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferedLogger(&buf)
	logger.Info("hello")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "w1", record["worker_id"])
	assert.Equal(t, "m1", record["medium_id"])
	assert.Equal(t, "INFO", record["severity"])
	assert.NotContains(t, record, "level")
}

func TestLogActionSuccessAndFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferedLogger(&buf)

	LogAction(context.Background(), logger, "copy_new_file", nil)
	var ok map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &ok))
	assert.Equal(t, "inode action completed", ok["msg"])
	assert.Equal(t, "copy_new_file", ok["action"])

	buf.Reset()
	LogAction(context.Background(), logger, "copy_new_file", errors.New("boom"))
	var fail map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &fail))
	assert.Equal(t, "inode action failed", fail["msg"])
	assert.Equal(t, "boom", fail["error"])
}

func TestSetLevelRecognizesNames(t *testing.T) {
	SetLevel("debug")
	assert.Equal(t, slog.LevelDebug, Level.Level())
	SetLevel("error")
	assert.Equal(t, slog.LevelError, Level.Level())
	SetLevel("nonsense")
	assert.Equal(t, slog.LevelInfo, Level.Level())
}
