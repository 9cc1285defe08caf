package ledger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFile_RecordSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "replied.log")
	ctx := context.Background()

	l, err := OpenFile(path)
	require.NoError(t, err)
	assert.Equal(t, 0, l.Len())
	assert.False(t, l.Contains("A"))

	require.NoError(t, l.Record(ctx, "A"))
	assert.True(t, l.Contains("A"))
	assert.False(t, l.Contains("B"))
	require.NoError(t, l.Close())

	reopened, err := OpenFile(path)
	require.NoError(t, err)
	defer reopened.Close()

	assert.True(t, reopened.Contains("A"), "recorded id must survive a restart")
	assert.False(t, reopened.Contains("B"))
}

func TestFile_RecordIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replied.log")
	ctx := context.Background()

	l, err := OpenFile(path)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Record(ctx, "123"))
	require.NoError(t, l.Record(ctx, "123"))
	assert.Equal(t, 1, l.Len())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "123\n", string(data), "no duplicate entries in the log")
}

func TestFile_LoadDeduplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replied.log")
	require.NoError(t, os.WriteFile(path, []byte("1\n2\n1\n3\n"), 0o644))

	l, err := OpenFile(path)
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, 3, l.Len())
	for _, id := range []string{"1", "2", "3"} {
		assert.True(t, l.Contains(id))
	}
}

func TestFile_TornTrailingLineIgnoredAndTrimmed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replied.log")
	require.NoError(t, os.WriteFile(path, []byte("100\n200\n30"), 0o644))

	l, err := OpenFile(path)
	require.NoError(t, err)

	assert.True(t, l.Contains("100"))
	assert.True(t, l.Contains("200"))
	assert.False(t, l.Contains("30"), "incomplete line is treated as absent")

	require.NoError(t, l.Record(context.Background(), "300"))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "100\n200\n300\n", string(data))
}

func TestFile_CorruptEntryIsStorageError(t *testing.T) {
	tests := map[string]string{
		"empty line":   "1\n\n2\n",
		"embedded nul": "1\n2\x003\n",
		"embedded tab": "1\n2\t3\n",
		"carriage ret": "1\r\n",
	}

	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "replied.log")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

			_, err := OpenFile(path)
			var storageErr *StorageError
			require.True(t, errors.As(err, &storageErr), "expected StorageError, got %v", err)
			assert.Equal(t, "file", storageErr.Backend)
			assert.Equal(t, "load", storageErr.Op)
		})
	}
}

func TestFile_UnreadableIsStorageError(t *testing.T) {
	// a directory where the log should be cannot be read as a file
	path := t.TempDir()

	_, err := OpenFile(path)
	var storageErr *StorageError
	require.True(t, errors.As(err, &storageErr), "expected StorageError, got %v", err)
}

func TestFile_RejectsIDsThatWouldCorruptTheLog(t *testing.T) {
	l, err := OpenFile(filepath.Join(t.TempDir(), "replied.log"))
	require.NoError(t, err)
	defer l.Close()

	err = l.Record(context.Background(), "a\nb")
	var storageErr *StorageError
	require.True(t, errors.As(err, &storageErr))
	assert.False(t, l.Contains("a\nb"))
	assert.Equal(t, 0, l.Len())
}

func TestMemory_StartsEmptyAndGrows(t *testing.T) {
	l := NewMemory()
	ctx := context.Background()

	assert.False(t, l.Contains("A"))
	require.NoError(t, l.Record(ctx, "A"))
	require.NoError(t, l.Record(ctx, "A"))
	assert.True(t, l.Contains("A"))
	assert.Equal(t, 1, l.Len())

	// a fresh ephemeral ledger forgets everything
	assert.False(t, NewMemory().Contains("A"))
}

// flakyFile fails the next Sync, and makes the next Write land half its bytes
type flakyFile struct {
	*os.File
	failSync  bool
	tearWrite bool
}

func (f *flakyFile) Write(p []byte) (int, error) {
	if f.tearWrite {
		f.tearWrite = false
		n, _ := f.File.Write(p[:len(p)/2])
		return n, errors.New("no space left on device")
	}
	return f.File.Write(p)
}

func (f *flakyFile) Sync() error {
	if f.failSync {
		f.failSync = false
		return errors.New("input/output error")
	}
	return f.File.Sync()
}

func TestFile_TornAppendKeepsEntryWhoseSyncFailed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replied.log")
	l, err := OpenFile(path)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, "100"))

	flaky := &flakyFile{File: l.f.(*os.File), failSync: true}
	l.f = flaky

	var se *StorageError
	require.ErrorAs(t, l.Record(ctx, "200"), &se)
	assert.Equal(t, "sync", se.Op)

	flaky.tearWrite = true
	require.ErrorAs(t, l.Record(ctx, "300000"), &se)
	assert.Equal(t, "record", se.Op)
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "100\n200\n", string(data), "only the torn bytes are dropped")

	reopened, err := OpenFile(path)
	require.NoError(t, err)
	defer reopened.Close()
	assert.True(t, reopened.Contains("200"))
	assert.False(t, reopened.Contains("300000"))
}
