package kvstore

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newTestMetaDB(t *testing.T) *metaDB {
	t.Helper()
	m := newMetaDB(filepath.Join(t.TempDir(), dbFilename), logrus.NewEntry(logrus.New()))
	require.NoError(t, m.open())
	t.Cleanup(m.close)
	return m
}

func TestMetaDB(t *testing.T) {
	t.Run("UpsertAndGet", func(t *testing.T) {
		m := newTestMetaDB(t)
		require.NoError(t, m.upsert("k", "", 3, []byte("abc"), []byte("ext")))

		it, err := m.getItem("k", true)
		require.NoError(t, err)
		require.NotNil(t, it)
		require.Equal(t, "k", it.Key)
		require.Equal(t, "", it.Filename)
		require.Equal(t, 3, it.Size)
		require.Equal(t, []byte("abc"), it.Value)
		require.Equal(t, []byte("ext"), it.Extended)
		require.NotZero(t, it.ModTime)
		require.GreaterOrEqual(t, it.AccessTime, it.ModTime)
	})
	t.Run("UpsertExternalSkipsInline", func(t *testing.T) {
		m := newTestMetaDB(t)
		require.NoError(t, m.upsert("k", "blob", 3, []byte("abc"), nil))

		it, err := m.getItem("k", true)
		require.NoError(t, err)
		require.Equal(t, "blob", it.Filename)
		require.Nil(t, it.Value)
	})
	t.Run("GetMissing", func(t *testing.T) {
		m := newTestMetaDB(t)
		it, err := m.getItem("nope", true)
		require.NoError(t, err)
		require.Nil(t, it)
	})
	t.Run("GetWithoutInline", func(t *testing.T) {
		m := newTestMetaDB(t)
		require.NoError(t, m.upsert("k", "", 3, []byte("abc"), nil))
		it, err := m.getItem("k", false)
		require.NoError(t, err)
		require.Nil(t, it.Value)
		require.Equal(t, 3, it.Size)
	})
	t.Run("GetMany", func(t *testing.T) {
		m := newTestMetaDB(t)
		require.NoError(t, m.upsert("a", "", 1, []byte("x"), nil))
		require.NoError(t, m.upsert("b", "", 1, []byte("y"), nil))

		items, err := m.getItems([]string{"a", "b", "missing"}, true)
		require.NoError(t, err)
		require.Len(t, items, 2)
	})
	t.Run("DeleteVariants", func(t *testing.T) {
		m := newTestMetaDB(t)
		require.NoError(t, m.upsert("small", "", 5, []byte("xxxxx"), nil))
		require.NoError(t, m.upsert("big", "", 500, nil, nil))
		require.NoError(t, m.upsert("gone", "", 1, []byte("x"), nil))

		require.NoError(t, m.deleteItem("gone"))
		require.NoError(t, m.deleteLargerThan(100))

		n, err := m.countAll()
		require.NoError(t, err)
		require.Equal(t, 1, n)

		require.NoError(t, m.deleteItems([]string{"small"}))
		n, err = m.countAll()
		require.NoError(t, err)
		require.Zero(t, n)
	})
	t.Run("Scalars", func(t *testing.T) {
		m := newTestMetaDB(t)
		require.NoError(t, m.upsert("a", "", 10, nil, nil))
		require.NoError(t, m.upsert("b", "", 20, nil, nil))

		n, err := m.countAll()
		require.NoError(t, err)
		require.Equal(t, 2, n)

		n, err = m.countKey("a")
		require.NoError(t, err)
		require.Equal(t, 1, n)

		n, err = m.sumSize()
		require.NoError(t, err)
		require.Equal(t, 30, n)
	})
	t.Run("SumSizeEmpty", func(t *testing.T) {
		m := newTestMetaDB(t)
		n, err := m.sumSize()
		require.NoError(t, err)
		require.Zero(t, n)
	})
	t.Run("OldestOrder", func(t *testing.T) {
		m := newTestMetaDB(t)
		require.NoError(t, m.upsert("a", "", 1, nil, nil))
		require.NoError(t, m.upsert("b", "", 1, nil, nil))
		require.NoError(t, m.upsert("c", "", 1, nil, nil))
		// Spread the access times apart explicitly; wall-clock seconds
		// are too coarse to rely on here.
		for i, key := range []string{"b", "c", "a"} {
			_, err := m.db.Exec(`UPDATE manifest SET last_access_time = ?1 WHERE key = ?2`, 1000+i, key)
			require.NoError(t, err)
		}
		items, err := m.getOldest(2)
		require.NoError(t, err)
		require.Len(t, items, 2)
		require.Equal(t, "b", items[0].Key)
		require.Equal(t, "c", items[1].Key)
	})
	t.Run("FilenameLookups", func(t *testing.T) {
		m := newTestMetaDB(t)
		require.NoError(t, m.upsert("f1", "file-1", 100, nil, nil))
		require.NoError(t, m.upsert("f2", "file-2", 300, nil, nil))
		require.NoError(t, m.upsert("inline", "", 400, nil, nil))

		fn, err := m.getFilename("f1")
		require.NoError(t, err)
		require.Equal(t, "file-1", fn)

		fn, err = m.getFilename("inline")
		require.NoError(t, err)
		require.Equal(t, "", fn)

		fns, err := m.getFilenames([]string{"f1", "f2", "inline"})
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"file-1", "file-2"}, fns)

		// Inline rows never contribute filenames, whatever their size.
		fns, err = m.getFilenamesLargerThan(200)
		require.NoError(t, err)
		require.Equal(t, []string{"file-2"}, fns)
	})
	t.Run("StatementCacheReuse", func(t *testing.T) {
		m := newTestMetaDB(t)
		require.NoError(t, m.upsert("a", "", 1, []byte("x"), nil))
		before := m.stmts.Len()
		// Same SQL text again must not grow the cache.
		require.NoError(t, m.upsert("b", "", 1, []byte("y"), nil))
		require.Equal(t, before, m.stmts.Len())
	})
	t.Run("Checkpoint", func(t *testing.T) {
		m := newTestMetaDB(t)
		require.NoError(t, m.upsert("a", "", 1, []byte("x"), nil))
		require.NoError(t, m.deleteItem("a"))
		require.NoError(t, m.checkpoint())
	})
}

func TestMetaDBOpenGate(t *testing.T) {
	// Point the db path at a directory so every open fails.
	dir := t.TempDir()
	m := newMetaDB(dir, logrus.NewEntry(logrus.New()))

	for i := 0; i < openRetryLimit; i++ {
		err := m.open()
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrDBUnavailable)
	}
	// Gate engaged: fail fast without touching the filesystem.
	require.ErrorIs(t, m.open(), ErrDBUnavailable)
	require.Equal(t, openRetryLimit, m.openFails)
}
