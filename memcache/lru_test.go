package memcache

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func (l *lruIndex[K, V]) checkSums(t *testing.T) {
	t.Helper()
	require.Equal(t, len(l.index), l.totalCount)
	require.Equal(t, l.list.Len(), l.totalCount)
	cost := 0
	for _, n := range l.index {
		cost += n.Data.cost
	}
	require.Equal(t, cost, l.totalCost)
}

func TestLRUIndex(t *testing.T) {
	t.Run("InsertAndSums", func(t *testing.T) {
		l := newLRUIndex[string, int]()
		for i := 0; i < 10; i++ {
			l.insertAtHead(entry[string, int]{key: strconv.Itoa(i), value: i, cost: i, time: time.Now()})
		}
		require.Equal(t, 10, l.totalCount)
		require.Equal(t, 45, l.totalCost)
		l.checkSums(t)
	})
	t.Run("RemoveTailIsOldest", func(t *testing.T) {
		l := newLRUIndex[string, int]()
		l.insertAtHead(entry[string, int]{key: "a", value: 1})
		l.insertAtHead(entry[string, int]{key: "b", value: 2})
		l.insertAtHead(entry[string, int]{key: "c", value: 3})

		n, ok := l.removeTail()
		require.True(t, ok)
		require.Equal(t, "a", n.Data.key)
		l.checkSums(t)
	})
	t.Run("BringToHeadProtects", func(t *testing.T) {
		l := newLRUIndex[string, int]()
		l.insertAtHead(entry[string, int]{key: "a", value: 1})
		l.insertAtHead(entry[string, int]{key: "b", value: 2})

		a, ok := l.get("a")
		require.True(t, ok)
		l.bringToHead(a)

		n, ok := l.removeTail()
		require.True(t, ok)
		require.Equal(t, "b", n.Data.key)
	})
	t.Run("RemoveInterior", func(t *testing.T) {
		l := newLRUIndex[string, int]()
		l.insertAtHead(entry[string, int]{key: "a", cost: 1})
		l.insertAtHead(entry[string, int]{key: "b", cost: 2})
		l.insertAtHead(entry[string, int]{key: "c", cost: 4})

		b, ok := l.get("b")
		require.True(t, ok)
		l.remove(b)
		require.Equal(t, 2, l.totalCount)
		require.Equal(t, 5, l.totalCost)
		l.checkSums(t)

		// Endpoints survive interior removal.
		n, ok := l.removeTail()
		require.True(t, ok)
		require.Equal(t, "a", n.Data.key)
		n, ok = l.removeTail()
		require.True(t, ok)
		require.Equal(t, "c", n.Data.key)
		_, ok = l.removeTail()
		require.False(t, ok)
	})
	t.Run("RemoveAllSwapsMap", func(t *testing.T) {
		l := newLRUIndex[string, int]()
		l.insertAtHead(entry[string, int]{key: "a", cost: 3})
		l.insertAtHead(entry[string, int]{key: "b", cost: 4})

		old := l.removeAll()
		require.Len(t, old, 2)
		require.Equal(t, 0, l.totalCount)
		require.Equal(t, 0, l.totalCost)
		require.Equal(t, 0, l.list.Len())
		_, ok := l.get("a")
		require.False(t, ok)
	})
}
