package processfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-assistant/pkg/errors"
	"github.com/core-tools/hsu-assistant/pkg/logging"
)

func newTestFile(t *testing.T) *File {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "nested", "assistant.pid"), logging.NewNopLogger())
}

func TestDefaultPath(t *testing.T) {
	path := DefaultPath("", "workspace-1")

	assert.Equal(t, "workspace-1.pid", filepath.Base(path))
	assert.Equal(t, DefaultAppName, filepath.Base(filepath.Dir(path)))
}

func TestFile_WriteReadRemove(t *testing.T) {
	file := newTestFile(t)

	require.NoError(t, file.Write(os.Getpid()))

	record, err := file.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), record.PID)

	require.NoError(t, file.Remove())
	_, err = file.Read()
	assert.True(t, errors.IsNotFoundError(err))

	assert.NoError(t, file.Remove(), "removing a missing file is not an error")
}

func TestFile_WriteRejectsInvalidPID(t *testing.T) {
	err := newTestFile(t).Write(0)

	assert.True(t, errors.IsValidationError(err))
}

func TestFile_ReadInvalidContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty", ""},
		{"not a number", "abc\n"},
		{"negative", "-4\n/usr/bin/assistant\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := newTestFile(t)
			require.NoError(t, os.MkdirAll(filepath.Dir(file.Path()), 0o755))
			require.NoError(t, os.WriteFile(file.Path(), []byte(tt.content), 0o644))

			_, err := file.Read()
			assert.True(t, errors.IsValidationError(err))
		})
	}
}

func TestFile_ReadKeepsExecutable(t *testing.T) {
	file := newTestFile(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(file.Path()), 0o755))
	require.NoError(t, os.WriteFile(file.Path(), []byte("4242\n/opt/assistant/bin/assistant\n"), 0o644))

	record, err := file.Read()

	require.NoError(t, err)
	assert.Equal(t, Record{PID: 4242, Executable: "/opt/assistant/bin/assistant"}, record)
}

func TestReapOrphan_NothingToReap(t *testing.T) {
	pid, err := newTestFile(t).ReapOrphan(context.Background(), 0)

	assert.NoError(t, err)
	assert.Zero(t, pid)
}

func TestReapOrphan_RemovesGarbage(t *testing.T) {
	file := newTestFile(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(file.Path()), 0o755))
	require.NoError(t, os.WriteFile(file.Path(), []byte("garbage"), 0o644))

	pid, err := file.ReapOrphan(context.Background(), 0)

	assert.NoError(t, err)
	assert.Zero(t, pid)
	assert.NoFileExists(t, file.Path())
}

func TestIsProcessRunning(t *testing.T) {
	running, err := IsProcessRunning(os.Getpid())
	require.NoError(t, err)
	assert.True(t, running)

	_, err = IsProcessRunning(-1)
	assert.True(t, errors.IsValidationError(err))
}
