package content

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCacheSequentialWriteFinalize(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	data := []byte("hello lnxdrive")
	id := "item-1"

	pw, err := c.StagePartial(id)
	require.NoError(t, err)
	_, err = pw.Write(data)
	require.NoError(t, err)
	require.NoError(t, pw.Finalize())

	require.True(t, c.Exists(id))
	size, err := c.Size(id)
	require.NoError(t, err)
	require.EqualValues(t, len(data), size)

	f, err := c.Open(id)
	require.NoError(t, err)
	defer f.Close()
	got := make([]byte, len(data))
	_, err = f.Read(got)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestCacheRandomAccessWrite(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	data := []byte("0123456789abcdef")
	id := "item-2"

	pw, err := c.StagePartial(id)
	require.NoError(t, err)
	_, err = pw.WriteAt(data[8:], 8)
	require.NoError(t, err)
	_, err = pw.WriteAt(data[:8], 0)
	require.NoError(t, err)
	require.NoError(t, pw.Finalize())

	require.True(t, c.Exists(id))
	f, err := c.Open(id)
	require.NoError(t, err)
	defer f.Close()
	got := make([]byte, len(data))
	_, err = f.Read(got)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestCacheTwoItemsSameBytesDoNotCollide(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	data := []byte("shared content")
	for _, id := range []string{"item-a", "item-b"} {
		pw, err := c.StagePartial(id)
		require.NoError(t, err)
		_, err = pw.Write(data)
		require.NoError(t, err)
		require.NoError(t, pw.Finalize())
	}

	require.NoError(t, c.Remove("item-a"))
	require.False(t, c.Exists("item-a"))
	require.True(t, c.Exists("item-b"))
}

func TestCacheRemoveAndDiskUsage(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	data := []byte("payload")
	id := "item-3"
	pw, err := c.StagePartial(id)
	require.NoError(t, err)
	_, err = pw.Write(data)
	require.NoError(t, err)
	require.NoError(t, pw.Finalize())

	usage, err := c.DiskUsage()
	require.NoError(t, err)
	require.EqualValues(t, len(data), usage)

	require.NoError(t, c.Remove(id))
	require.False(t, c.Exists(id))

	usage, err = c.DiskUsage()
	require.NoError(t, err)
	require.EqualValues(t, 0, usage)
}

func TestCacheAbortRemovesPartial(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	id := "item-4"
	pw, err := c.StagePartial(id)
	require.NoError(t, err)
	_, err = pw.Write([]byte("partial data"))
	require.NoError(t, err)
	require.NoError(t, pw.Abort())

	_, statErr := os.Stat(c.partialPath(id))
	require.True(t, os.IsNotExist(statErr))
}

func TestCacheCloseLeavesPartialInPlace(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	id := "item-5"
	pw, err := c.StagePartial(id)
	require.NoError(t, err)
	_, err = pw.Write([]byte("partial data"))
	require.NoError(t, err)
	require.NoError(t, pw.Close())

	_, statErr := os.Stat(c.partialPath(id))
	require.NoError(t, statErr)

	// A later StagePartial for the same id truncates and restarts it.
	pw2, err := c.StagePartial(id)
	require.NoError(t, err)
	_, err = pw2.Write([]byte("retried"))
	require.NoError(t, err)
	require.NoError(t, pw2.Finalize())

	f, err := c.Open(id)
	require.NoError(t, err)
	defer f.Close()
	got, err := os.ReadFile(filepath.Join(c.shardDir(id), idHash(id)))
	require.NoError(t, err)
	require.Equal(t, "retried", string(got))
}
