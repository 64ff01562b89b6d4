package metadata

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	db, err := bolt.Open(filepath.Join(dir, "metadata.db"), 0600, &bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := NewBoltStore(db)
	require.NoError(t, err)
	return store
}

func TestBoltStoreSaveAndGet(t *testing.T) {
	store := openTestStore(t)
	entry := &Entry{ID: "item-1", Name: "file.txt", State: ItemStateHydrated}
	require.NoError(t, store.Save(context.Background(), entry))

	got, err := store.Get(context.Background(), "item-1")
	require.NoError(t, err)
	require.Equal(t, "file.txt", got.Name)
	require.Equal(t, ItemStateHydrated, got.State)
	require.False(t, got.CreatedAt.IsZero())
}

func TestBoltStoreUpdate(t *testing.T) {
	store := openTestStore(t)
	entry := &Entry{ID: "item-2", Name: "notes.docx", State: ItemStateOnline}
	require.NoError(t, store.Save(context.Background(), entry))

	updated, err := store.Update(context.Background(), "item-2", func(e *Entry) error {
		e.State = ItemStateHydrating
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, ItemStateHydrating, updated.State)
}

func TestBoltStoreGetMissing(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBoltStoreNextInodeMonotonic(t *testing.T) {
	store := openTestStore(t)
	first, err := store.NextInode(context.Background())
	require.NoError(t, err)
	second, err := store.NextInode(context.Background())
	require.NoError(t, err)
	require.Greater(t, second, first)
	require.Greater(t, first, uint64(1)) // inode 1 is reserved for root
}

func TestBoltStoreListChildren(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Save(context.Background(), &Entry{ID: "child-1", ParentID: "root", Name: "a", State: ItemStateHydrated}))
	require.NoError(t, store.Save(context.Background(), &Entry{ID: "child-2", ParentID: "root", Name: "b", State: ItemStateOnline}))
	require.NoError(t, store.Save(context.Background(), &Entry{ID: "child-3", ParentID: "root", Name: "c", State: ItemStateDeleted}))
	require.NoError(t, store.Save(context.Background(), &Entry{ID: "other", ParentID: "elsewhere", Name: "d", State: ItemStateOnline}))

	children, err := store.ListChildren(context.Background(), "root")
	require.NoError(t, err)
	require.Len(t, children, 2)
}

func TestBoltStoreListEvictionCandidatesOrdered(t *testing.T) {
	store := openTestStore(t)
	now := time.Now().UTC()
	older := now.Add(-time.Hour)
	require.NoError(t, store.Save(context.Background(), &Entry{ID: "a", Name: "a", State: ItemStateHydrated, LastAccessed: &now}))
	require.NoError(t, store.Save(context.Background(), &Entry{ID: "b", Name: "b", State: ItemStateHydrated, LastAccessed: &older}))
	require.NoError(t, store.Save(context.Background(), &Entry{ID: "c", Name: "c", State: ItemStatePinned, LastAccessed: &older}))

	candidates, err := store.ListEvictionCandidates(context.Background())
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	require.Equal(t, "b", candidates[0].ID) // oldest access first
	require.Equal(t, "a", candidates[1].ID)
}
