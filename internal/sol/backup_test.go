package sol

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupAppendAndScan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "solmanager.backup")

	b, err := OpenBackup(path)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Append([]Object{
		testObject(1700000000),
		testObject(1700000060),
	}))
	require.NoError(t, b.Append([]Object{testObject(1700000120)}))

	// The range is inclusive on both ends.
	objs, err := b.Scan(1700000000, 1700000060)
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, int64(1700000000), objs[0].Timestamp)
	assert.Equal(t, int64(1700000060), objs[1].Timestamp)

	objs, err = b.Scan(1700000061, 1700001000)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, int64(1700000120), objs[0].Timestamp)

	objs, err = b.Scan(0, 1)
	require.NoError(t, err)
	assert.Empty(t, objs)
}

func TestBackupScanEmptyFile(t *testing.T) {
	b, err := OpenBackup(filepath.Join(t.TempDir(), "empty.backup"))
	require.NoError(t, err)
	defer b.Close()

	objs, err := b.Scan(0, 1<<31)
	require.NoError(t, err)
	assert.Empty(t, objs)
}

func TestBackupScanStopsAtCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.backup")

	b, err := OpenBackup(path)
	require.NoError(t, err)
	require.NoError(t, b.Append([]Object{testObject(1700000000)}))
	require.NoError(t, b.Close())

	// A torn write leaves a partial record at the tail. The scan keeps the
	// intact prefix and reports the corruption.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x01, 0xde, 0xad})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	b2, err := OpenBackup(path)
	require.NoError(t, err)
	defer b2.Close()

	objs, err := b2.Scan(0, 1<<31)
	assert.Error(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, int64(1700000000), objs[0].Timestamp)
}
