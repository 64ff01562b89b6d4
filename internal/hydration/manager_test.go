package hydration

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/lnxdrive/lnxdrive/internal/content"
	"github.com/lnxdrive/lnxdrive/internal/metadata"
)

type fakeCloud struct {
	data []byte
}

func (f *fakeCloud) DownloadURL(_ context.Context, remoteID string) (string, error) {
	return "https://example.invalid/" + remoteID, nil
}

func (f *fakeCloud) FetchRange(_ context.Context, _ string, offset, length int64, w io.Writer) error {
	end := int64(len(f.data))
	if length > 0 && offset+length < end {
		end = offset + length
	}
	_, err := w.Write(f.data[offset:end])
	return err
}

func newTestDeps(t *testing.T) (*metadata.StateManager, *metadata.Serializer, *content.Cache) {
	t.Helper()
	dir := t.TempDir()
	db, err := bolt.Open(filepath.Join(dir, "meta.db"), 0600, &bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := metadata.NewBoltStore(db)
	require.NoError(t, err)
	serializer := metadata.NewSerializer(store, metadata.Options{})
	t.Cleanup(serializer.Close)

	states, err := metadata.NewStateManager(serializer)
	require.NoError(t, err)

	cache, err := content.New(filepath.Join(dir, "content"))
	require.NoError(t, err)

	return states, serializer, cache
}

func TestManagerHydratesSmallFile(t *testing.T) {
	states, serializer, cache := newTestDeps(t)

	data := []byte("the quick brown fox jumps over the lazy dog")

	require.NoError(t, serializer.Save(context.Background(), &metadata.Entry{
		ID:       "item-1",
		RemoteID: "remote-1",
		Name:     "fox.txt",
		State:    metadata.ItemStateOnline,
		Size:     uint64(len(data)),
	}))

	m := New(&fakeCloud{data: data}, states, cache, Options{})
	defer m.Close()

	progress := m.Enqueue(context.Background(), "item-1", 2, PriorityUserOpen)

	var final Progress
	for p := range drain(progress, 2*time.Second) {
		final = p
		if p.State == RequestDone || p.State == RequestFailed {
			break
		}
	}
	require.Equal(t, RequestDone, final.State)
	require.NoError(t, final.Err)

	require.True(t, cache.Exists("item-1"))

	entry, err := serializer.Update(context.Background(), "item-1", func(e *metadata.Entry) error { return nil })
	require.NoError(t, err)
	require.Equal(t, metadata.ItemStateHydrated, entry.State)
}

func TestManagerDedupRaisesPriorityNeverLowers(t *testing.T) {
	states, serializer, cache := newTestDeps(t)
	data := []byte("payload")

	require.NoError(t, serializer.Save(context.Background(), &metadata.Entry{
		ID: "item-2", RemoteID: "remote-2", Name: "f", State: metadata.ItemStateOnline,
		Size: uint64(len(data)),
	}))

	m := New(&fakeCloud{data: data}, states, cache, Options{})
	defer m.Close()

	sub1 := m.Enqueue(context.Background(), "item-2", 3, PriorityPrefetch)
	m.mu.Lock()
	r, ok := m.pending["item-2"]
	m.mu.Unlock()
	if ok {
		require.Equal(t, PriorityPrefetch, r.priority)
	}

	sub2 := m.Enqueue(context.Background(), "item-2", 3, PriorityUserOpen)
	_ = sub2

	m.mu.Lock()
	raised := m.pending["item-2"]
	var raisedPriority Priority
	if raised != nil {
		raisedPriority = raised.priority
	}
	m.mu.Unlock()
	if raised != nil {
		require.Equal(t, PriorityUserOpen, raisedPriority)
	}

	_ = m.Enqueue(context.Background(), "item-2", 3, PriorityPrefetch)
	m.mu.Lock()
	after := m.pending["item-2"]
	var afterPriority Priority
	if after != nil {
		afterPriority = after.priority
	}
	m.mu.Unlock()
	if raised != nil && after == raised {
		require.Equal(t, PriorityUserOpen, afterPriority)
	}

	var last Progress
	for p := range drain(sub1, 2*time.Second) {
		last = p
		if p.State == RequestDone || p.State == RequestFailed {
			break
		}
	}
	require.Equal(t, RequestDone, last.State)
}

// flakyCloud fails FetchRange the first failCount times, then
// succeeds, to exercise the retry/backoff loop in run().
type flakyCloud struct {
	data      []byte
	failCount int32
	attempts  int32
}

func (f *flakyCloud) DownloadURL(_ context.Context, remoteID string) (string, error) {
	return "https://example.invalid/" + remoteID, nil
}

func (f *flakyCloud) FetchRange(_ context.Context, _ string, offset, length int64, w io.Writer) error {
	if atomic.AddInt32(&f.attempts, 1) <= f.failCount {
		return errors.New("simulated transient transfer error")
	}
	end := int64(len(f.data))
	if length > 0 && offset+length < end {
		end = offset + length
	}
	_, err := w.Write(f.data[offset:end])
	return err
}

func TestManagerRetriesTransientFailure(t *testing.T) {
	states, serializer, cache := newTestDeps(t)
	data := []byte("retry me")

	require.NoError(t, serializer.Save(context.Background(), &metadata.Entry{
		ID: "item-5", RemoteID: "remote-5", Name: "f", State: metadata.ItemStateOnline,
		Size: uint64(len(data)),
	}))

	cloud := &flakyCloud{data: data, failCount: 2}
	m := New(cloud, states, cache, Options{RetryInitialDelay: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond})
	defer m.Close()

	progress := m.Enqueue(context.Background(), "item-5", 5, PriorityUserOpen)

	var final Progress
	for p := range drain(progress, 2*time.Second) {
		final = p
		if p.State == RequestDone || p.State == RequestFailed {
			break
		}
	}
	require.Equal(t, RequestDone, final.State)
	require.True(t, cache.Exists("item-5"))
	require.GreaterOrEqual(t, atomic.LoadInt32(&cloud.attempts), int32(3))
}

func TestManagerExhaustsRetriesAndFails(t *testing.T) {
	states, serializer, cache := newTestDeps(t)
	data := []byte("never works")

	require.NoError(t, serializer.Save(context.Background(), &metadata.Entry{
		ID: "item-6", RemoteID: "remote-6", Name: "f", State: metadata.ItemStateOnline,
		Size: uint64(len(data)),
	}))

	cloud := &flakyCloud{data: data, failCount: 1000}
	m := New(cloud, states, cache, Options{
		MaxRetries: 1, RetryInitialDelay: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond,
	})
	defer m.Close()

	progress := m.Enqueue(context.Background(), "item-6", 6, PriorityUserOpen)

	var final Progress
	for p := range drain(progress, 2*time.Second) {
		final = p
		if p.State == RequestDone || p.State == RequestFailed {
			break
		}
	}
	require.Equal(t, RequestFailed, final.State)
	require.Error(t, final.Err)
	require.False(t, cache.Exists("item-6"))

	// The .partial is left in place rather than deleted, per run's
	// failure path leaving it for a later manual retry.
	_, statErr := cache.OpenPartial("item-6")
	require.NoError(t, statErr)

	entry, err := serializer.Update(context.Background(), "item-6", func(e *metadata.Entry) error { return nil })
	require.NoError(t, err)
	require.Equal(t, metadata.ItemStateError, entry.State)
}

func TestManagerCancelRevertsToOnlineAndDropsPartial(t *testing.T) {
	states, serializer, cache := newTestDeps(t)
	data := make([]byte, 1) // non-empty so FetchRange actually gets called

	require.NoError(t, serializer.Save(context.Background(), &metadata.Entry{
		ID: "item-7", RemoteID: "remote-7", Name: "f", State: metadata.ItemStateOnline,
		Size: uint64(len(data)),
	}))

	cloud := &flakyCloud{data: data, failCount: 1000}
	m := New(cloud, states, cache, Options{
		MaxRetries: 1000, RetryInitialDelay: 50 * time.Millisecond, RetryMaxDelay: time.Second,
	})
	defer m.Close()

	progress := m.Enqueue(context.Background(), "item-7", 7, PriorityUserOpen)
	time.Sleep(20 * time.Millisecond)
	m.Cancel("item-7")

	var final Progress
	for p := range drain(progress, 2*time.Second) {
		final = p
		if p.State == RequestDone || p.State == RequestFailed || p.State == RequestCancelled {
			break
		}
	}
	require.Equal(t, RequestCancelled, final.State)
	require.False(t, cache.Exists("item-7"))
	_, statErr := cache.OpenPartial("item-7")
	require.Error(t, statErr)

	entry, err := serializer.Update(context.Background(), "item-7", func(e *metadata.Entry) error { return nil })
	require.NoError(t, err)
	require.Equal(t, metadata.ItemStateOnline, entry.State)
}

func TestManagerUpdatesProgressDuringTransfer(t *testing.T) {
	states, serializer, cache := newTestDeps(t)
	data := make([]byte, 50*1024*1024) // large enough to force chunking

	require.NoError(t, serializer.Save(context.Background(), &metadata.Entry{
		ID: "item-8", RemoteID: "remote-8", Name: "f", State: metadata.ItemStateOnline,
		Size: uint64(len(data)),
	}))

	m := New(&fakeCloud{data: data}, states, cache, Options{LargeFileThreshold: 1024 * 1024, ChunkSize: 1024 * 1024})
	defer m.Close()

	progress := m.Enqueue(context.Background(), "item-8", 8, PriorityUserOpen)

	var sawMidProgress bool
	var final Progress
	for p := range drain(progress, 5*time.Second) {
		final = p
		if p.State == RequestRunning && p.Percent > 0 && p.Percent < 100 {
			sawMidProgress = true
		}
		if p.State == RequestDone || p.State == RequestFailed {
			break
		}
	}
	require.Equal(t, RequestDone, final.State)
	require.True(t, sawMidProgress)

	// Progress is recorded only while Hydrating; reaching Hydrated
	// clears it.
	entry, err := serializer.Update(context.Background(), "item-8", func(e *metadata.Entry) error { return nil })
	require.NoError(t, err)
	require.Nil(t, entry.HydrationProgress)
}

func drain(ch <-chan Progress, timeout time.Duration) <-chan Progress {
	out := make(chan Progress, 16)
	go func() {
		defer close(out)
		deadline := time.After(timeout)
		for {
			select {
			case p, ok := <-ch:
				if !ok {
					return
				}
				out <- p
				if p.State == RequestDone || p.State == RequestFailed || p.State == RequestCancelled {
					return
				}
			case <-deadline:
				return
			}
		}
	}()
	return out
}
