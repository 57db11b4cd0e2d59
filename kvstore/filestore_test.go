package kvstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newTestFileStore(t *testing.T) *fileStore {
	t.Helper()
	fs, err := newFileStore(t.TempDir(), logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	t.Cleanup(fs.close)
	return fs
}

func TestFileStore(t *testing.T) {
	t.Run("WriteReadRemove", func(t *testing.T) {
		fs := newTestFileStore(t)
		require.NoError(t, fs.write("blob", []byte("hello")))

		data, err := fs.read("blob")
		require.NoError(t, err)
		require.Equal(t, []byte("hello"), data)

		require.NoError(t, fs.remove("blob"))
		data, err = fs.read("blob")
		require.NoError(t, err)
		require.Nil(t, data)
	})
	t.Run("ReadMissingIsNotAnError", func(t *testing.T) {
		fs := newTestFileStore(t)
		data, err := fs.read("nope")
		require.NoError(t, err)
		require.Nil(t, data)
	})
	t.Run("RemoveMissingFails", func(t *testing.T) {
		fs := newTestFileStore(t)
		require.Error(t, fs.remove("nope"))
	})
	t.Run("Overwrite", func(t *testing.T) {
		fs := newTestFileStore(t)
		require.NoError(t, fs.write("blob", []byte("one")))
		require.NoError(t, fs.write("blob", []byte("two")))
		data, err := fs.read("blob")
		require.NoError(t, err)
		require.Equal(t, []byte("two"), data)
	})
	t.Run("MoveAllToTrash", func(t *testing.T) {
		fs := newTestFileStore(t)
		require.NoError(t, fs.write("a", []byte("1")))
		require.NoError(t, fs.write("b", []byte("2")))

		require.NoError(t, fs.moveAllToTrash())

		// data/ is fresh and empty...
		entries, err := os.ReadDir(fs.dataDir)
		require.NoError(t, err)
		require.Empty(t, entries)

		// ...and the old contents sit in one staged trash directory.
		staged, err := os.ReadDir(fs.trashDir)
		require.NoError(t, err)
		require.Len(t, staged, 1)
		moved, err := os.ReadDir(filepath.Join(fs.trashDir, staged[0].Name()))
		require.NoError(t, err)
		require.Len(t, moved, 2)
	})
	t.Run("EmptyTrash", func(t *testing.T) {
		fs := newTestFileStore(t)
		require.NoError(t, fs.write("a", []byte("1")))
		require.NoError(t, fs.moveAllToTrash())

		fs.emptyTrash()
		staged, err := os.ReadDir(fs.trashDir)
		require.NoError(t, err)
		require.Empty(t, staged)
	})
}
