package metadata

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, store Store) *StateManager {
	t.Helper()
	serializer := NewSerializer(store, Options{})
	t.Cleanup(serializer.Close)
	manager, err := NewStateManager(serializer)
	require.NoError(t, err)
	return manager
}

func TestStateManagerHydrationLifecycle(t *testing.T) {
	store := newMemoryStore()
	require.NoError(t, store.Save(context.Background(), &Entry{ID: "id-1", Name: "example.bin", State: ItemStateOnline}))
	manager := newTestManager(t, store)

	start := time.Date(2025, time.November, 19, 10, 0, 0, 0, time.UTC)
	_, err := manager.Transition(context.Background(), "id-1", ItemStateHydrating,
		WithWorker("hydrator-1"),
		WithTransitionTimestamp(start),
	)
	require.NoError(t, err)

	mid, err := store.Get(context.Background(), "id-1")
	require.NoError(t, err)
	require.Equal(t, ItemStateHydrating, mid.State)
	require.Equal(t, "hydrator-1", mid.Hydration.WorkerID)
	require.NotNil(t, mid.Hydration.StartedAt)

	finish := start.Add(2 * time.Minute)
	size := uint64(2048)
	_, err = manager.Transition(context.Background(), "id-1", ItemStateHydrated,
		WithSize(size),
		WithTransitionTimestamp(finish),
	)
	require.NoError(t, err)

	final, err := store.Get(context.Background(), "id-1")
	require.NoError(t, err)
	require.Equal(t, ItemStateHydrated, final.State)
	require.Equal(t, size, final.Size)
	require.Nil(t, final.HydrationProgress)
}

func TestStateManagerRejectsInvalidTransition(t *testing.T) {
	store := newMemoryStore()
	require.NoError(t, store.Save(context.Background(), &Entry{ID: "id-2", Name: "virtual.txt", State: ItemStateHydrated}))
	manager := newTestManager(t, store)

	// Hydrated -> Hydrating is not a legal transition; only Online can
	// enter Hydrating, and Hydrating -> Online is reserved for crash
	// recovery.
	_, err := manager.Transition(context.Background(), "id-2", ItemStateHydrating)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStateManagerCrashRecoveryRequiresOption(t *testing.T) {
	store := newMemoryStore()
	require.NoError(t, store.Save(context.Background(), &Entry{ID: "id-4", Name: "f", State: ItemStateHydrating}))
	manager := newTestManager(t, store)

	_, err := manager.Transition(context.Background(), "id-4", ItemStateOnline)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = manager.Transition(context.Background(), "id-4", ItemStateOnline, AllowCrashRecovery())
	require.NoError(t, err)
}

func TestStateManagerErrorTransition(t *testing.T) {
	store := newMemoryStore()
	require.NoError(t, store.Save(context.Background(), &Entry{ID: "id-3", Name: "file.txt", State: ItemStateHydrating}))
	manager := newTestManager(t, store)

	_, err := manager.Transition(context.Background(), "id-3", ItemStateError,
		WithTransitionError(errors.New("network timeout"), true),
	)
	require.NoError(t, err)

	current, err := store.Get(context.Background(), "id-3")
	require.NoError(t, err)
	require.NotNil(t, current.LastError)
	require.Equal(t, "network timeout", current.LastError.Message)
	require.True(t, current.LastError.Temporary)
}

func TestStateManagerPinAndUnpin(t *testing.T) {
	store := newMemoryStore()
	require.NoError(t, store.Save(context.Background(), &Entry{ID: "id-5", Name: "f", State: ItemStateHydrated}))
	manager := newTestManager(t, store)

	_, err := manager.Transition(context.Background(), "id-5", ItemStatePinned)
	require.NoError(t, err)
	_, err = manager.Transition(context.Background(), "id-5", ItemStateHydrated)
	require.NoError(t, err)
}

// memoryStore is a simple in-memory implementation of Store for unit tests.
type memoryStore struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	clock    Clock
	nextInode uint64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{entries: make(map[string]*Entry), clock: systemClock{}, nextInode: 1}
}

func (m *memoryStore) Get(_ context.Context, id string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *entry
	return &cp, nil
}

func (m *memoryStore) Save(_ context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.clock.Now()
	}
	entry.UpdatedAt = m.clock.Now()
	if err := entry.Validate(); err != nil {
		return err
	}
	cp := *entry
	m.entries[entry.ID] = &cp
	return nil
}

func (m *memoryStore) Update(_ context.Context, id string, fn func(*Entry) error) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *entry
	if err := fn(&cp); err != nil {
		return nil, err
	}
	cp.UpdatedAt = m.clock.Now()
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	m.entries[id] = &cp
	return &cp, nil
}

func (m *memoryStore) ListEvictionCandidates(_ context.Context) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Entry
	for _, e := range m.entries {
		if e.State == ItemStateHydrated {
			cp := *e
			out = append(out, &cp)
		}
	}
	sortByLastAccessed(out)
	return out, nil
}

func (m *memoryStore) ListByState(_ context.Context, state ItemState) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Entry
	for _, e := range m.entries {
		if e.State == state {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memoryStore) ListChildren(_ context.Context, parentID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Entry
	for _, e := range m.entries {
		if e.ParentID == parentID && e.State != ItemStateDeleted {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memoryStore) NextInode(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextInode++
	return m.nextInode, nil
}
