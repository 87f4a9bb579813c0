package diagnostics

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecorder struct {
	events []map[string]any
}

func (f *fakeRecorder) AppendProblem(ctx context.Context, mediumID string, event map[string]any) error {
	f.events = append(f.events, event)
	return nil
}

func TestRecordFailureRunsCheckpointAtRetry10(t *testing.T) {
	rec := &fakeRecorder{}
	tr := New(rec, "")

	for i := 0; i < CheckpointRetry-1; i++ {
		tr.RecordFailure(context.Background(), "m1", 1, "")
	}
	assert.Empty(t, rec.events)

	tr.RecordFailure(context.Background(), "m1", 1, "")
	require.Len(t, rec.events, 1)
	assert.Equal(t, "checkpoint_diagnostic", rec.events[0]["type"])

	// crossing the checkpoint again later must not re-fire
	for i := 0; i < 5; i++ {
		tr.RecordFailure(context.Background(), "m1", 1, "")
	}
	assert.Len(t, rec.events, 1)
}

func TestRecordFailureChecksMountPath(t *testing.T) {
	rec := &fakeRecorder{}
	tr := New(rec, "")
	mountDir := t.TempDir()

	for i := 0; i < CheckpointRetry; i++ {
		tr.RecordFailure(context.Background(), "m1", 1, mountDir)
	}
	require.Len(t, rec.events, 1)
	assert.Equal(t, true, rec.events[0]["mount_ok"])
}

func TestRecordFailureScansKernelLogForMediaErrors(t *testing.T) {
	rec := &fakeRecorder{}
	logPath := filepath.Join(t.TempDir(), "kern.log")
	require.NoError(t, os.WriteFile(logPath, []byte("some boring line\nsda: FAT-fs error (device sda1): bad thing\nanother line\n"), 0o644))

	tr := New(rec, logPath)
	for i := 0; i < CheckpointRetry; i++ {
		tr.RecordFailure(context.Background(), "m1", 1, "")
	}

	require.Len(t, rec.events, 1)
	hits, ok := rec.events[0]["kernel_log_matches"].([]string)
	require.True(t, ok)
	assert.NotEmpty(t, hits)
}

func TestIsTerminalRepeat(t *testing.T) {
	assert.False(t, IsTerminalRepeat([]string{"io_error: x"}))
	assert.False(t, IsTerminalRepeat([]string{"io_error: x", "io_error: y", "path_error: z"}))
	assert.True(t, IsTerminalRepeat([]string{"path_error: x", "io_error: same", "io_error: same", "io_error: same"}))
}

func TestPromoteTerminal(t *testing.T) {
	assert.Equal(t, "", PromoteTerminal([]string{"io_error: x"}, 5))
	assert.Equal(t, "MAX_RETRIES_EXCEEDED", PromoteTerminal([]string{"a", "b", "c", "d", "e"}, 5))
	assert.Equal(t, "EXCLUDED: persistent_failure", PromoteTerminal([]string{"x", "same", "same", "same"}, 10))
}

func TestClearInodeResetsCounter(t *testing.T) {
	rec := &fakeRecorder{}
	tr := New(rec, "")
	for i := 0; i < CheckpointRetry; i++ {
		tr.RecordFailure(context.Background(), "m1", 1, "")
	}
	require.Len(t, rec.events, 1)

	tr.ClearInode("m1", 1)
	for i := 0; i < CheckpointRetry; i++ {
		tr.RecordFailure(context.Background(), "m1", 1, "")
	}
	assert.Len(t, rec.events, 2, "checkpoint should fire again after the counter was reset")
}
