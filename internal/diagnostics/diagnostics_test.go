package diagnostics

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joyent/vm-migrate-send/internal/logging"
	"github.com/joyent/vm-migrate-send/internal/task"
)

func TestBuildCapturesTaskAndRecords(t *testing.T) {
	rb := logging.NewRingBuffer(10)
	logger, file, rbFromLogger, err := logging.NewLogger(filepath.Join(t.TempDir(), "worker.log"))
	require.NoError(t, err)
	defer file.Close()
	_ = rb

	logger.Error("link failed", "dataset", "zones/X")

	mt := &task.MigrationTask{SourceVMUUID: "AAA", TargetVMUUID: "BBB"}
	now := time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)

	d := Build(now, "link idle timeout", mt, rbFromLogger)
	assert.Equal(t, "2026-08-03T12:00:00Z", d.Time)
	assert.Equal(t, "link idle timeout", d.Reason)
	assert.Equal(t, "AAA", d.Task.SourceVMUUID)
	require.Len(t, d.Records, 1)
	assert.Equal(t, "link failed", d.Records[0].Message)
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crash.yaml")
	rb := logging.NewRingBuffer(5)
	d := Build(time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC), "panic", nil, rb)

	require.NoError(t, Write(path, d))

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, d.Reason, got.Reason)
	assert.Nil(t, got.Task)
}
