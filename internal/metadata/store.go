package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrNotFound indicates the requested metadata entry was not present in the store.
var ErrNotFound = errors.New("metadata: entry not found")

// Store defines the persistence contract required by the state manager.
// Reads are concurrent; writes are expected to come from a single
// caller (the Serializer below wraps any Store to guarantee that).
type Store interface {
	// Get returns the entry for the provided ID or ErrNotFound.
	Get(ctx context.Context, id string) (*Entry, error)
	// Save persists the given entry, overwriting any existing record.
	Save(ctx context.Context, entry *Entry) error
	// Update atomically loads, mutates via fn, and persists the entry.
	Update(ctx context.Context, id string, fn func(*Entry) error) (*Entry, error)
	// ListEvictionCandidates returns entries in state Hydrated ordered by
	// LastAccessed ascending, for the dehydration sweep (C5). Entries
	// with a nil LastAccessed sort first (never yet touched).
	ListEvictionCandidates(ctx context.Context) ([]*Entry, error)
	// ListByState returns every entry currently in the given state, used
	// by crash recovery at mount time.
	ListByState(ctx context.Context, state ItemState) ([]*Entry, error)
	// ListChildren returns every non-deleted entry whose ParentID is
	// parentID, used by the protocol adapter to serve directory reads.
	ListChildren(ctx context.Context, parentID string) ([]*Entry, error)
	// NextInode atomically increments and returns the inode counter.
	// Inode numbers are never reused, even across remounts.
	NextInode(ctx context.Context) (uint64, error)
}

// Clock abstracts time retrieval for deterministic testing.
type Clock interface {
	Now() time.Time
}

// systemClock implements Clock using time.Now.
type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

var (
	bucketEntries = []byte("entries")
	bucketCounter = []byte("counters")
	keyNextInode  = []byte("next_inode")
)

// BoltStore implements Store using a single BBolt bucket for entries
// plus a small counters bucket for the inode allocator. bolt's own
// transaction lock already serializes writers at the storage-engine
// level; Serializer below adds the explicit, observable single-task
// ordering and bounded-queue back pressure the write serializer
// contract requires on top of it.
type BoltStore struct {
	db    *bolt.DB
	clock Clock
}

// BoltStoreOption controls BoltStore construction.
type BoltStoreOption func(*BoltStore)

// WithClock overrides the default system clock.
func WithClock(clock Clock) BoltStoreOption {
	return func(store *BoltStore) {
		if clock != nil {
			store.clock = clock
		}
	}
}

// NewBoltStore opens (creating if absent) the entries and counters
// buckets inside db.
func NewBoltStore(db *bolt.DB, opts ...BoltStoreOption) (*BoltStore, error) {
	if db == nil {
		return nil, fmt.Errorf("metadata: bolt DB is required")
	}
	store := &BoltStore{db: db, clock: systemClock{}}
	for _, opt := range opts {
		opt(store)
	}
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketEntries); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketCounter)
		return err
	})
	if err != nil {
		return nil, err
	}
	return store, nil
}

func (s *BoltStore) Get(_ context.Context, id string) (*Entry, error) {
	var entry *Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketEntries).Get([]byte(id))
		if len(raw) == 0 {
			return ErrNotFound
		}
		var decoded Entry
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return err
		}
		entry = &decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *BoltStore) Save(_ context.Context, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("metadata: entry is nil")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.clock.Now()
	}
	entry.UpdatedAt = s.clock.Now()
	if err := entry.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(entry.ID), data)
	})
}

func (s *BoltStore) Update(_ context.Context, id string, fn func(*Entry) error) (*Entry, error) {
	var result *Entry
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		raw := b.Get([]byte(id))
		if len(raw) == 0 {
			return ErrNotFound
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return err
		}
		if err := fn(&entry); err != nil {
			return err
		}
		entry.UpdatedAt = s.clock.Now()
		if err := entry.Validate(); err != nil {
			return err
		}
		data, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(entry.ID), data); err != nil {
			return err
		}
		result = &entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *BoltStore) ListEvictionCandidates(_ context.Context) ([]*Entry, error) {
	var out []*Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(_, raw []byte) error {
			var entry Entry
			if err := json.Unmarshal(raw, &entry); err != nil {
				return err
			}
			if entry.State == ItemStateHydrated {
				out = append(out, &entry)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortByLastAccessed(out)
	return out, nil
}

func (s *BoltStore) ListByState(_ context.Context, state ItemState) ([]*Entry, error) {
	var out []*Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(_, raw []byte) error {
			var entry Entry
			if err := json.Unmarshal(raw, &entry); err != nil {
				return err
			}
			if entry.State == state {
				out = append(out, &entry)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListChildren(_ context.Context, parentID string) ([]*Entry, error) {
	var out []*Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(_, raw []byte) error {
			var entry Entry
			if err := json.Unmarshal(raw, &entry); err != nil {
				return err
			}
			if entry.ParentID == parentID && entry.State != ItemStateDeleted {
				out = append(out, &entry)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) NextInode(_ context.Context) (uint64, error) {
	var next uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCounter)
		raw := b.Get(keyNextInode)
		var current uint64
		if len(raw) == 8 {
			current = decodeUint64(raw)
		} else {
			current = 1 // inode 1 is reserved for root
		}
		next = current + 1
		buf := make([]byte, 8)
		encodeUint64(buf, next)
		return b.Put(keyNextInode, buf)
	})
	return next, err
}

func sortByLastAccessed(entries []*Entry) {
	// insertion sort: eviction candidate lists are small enough per
	// sweep that this avoids pulling in sort for one call site, and
	// keeps nil-LastAccessed entries (never touched) ordered first.
	for i := 1; i < len(entries); i++ {
		j := i
		for j > 0 && lastAccessedBefore(entries[j], entries[j-1]) {
			entries[j], entries[j-1] = entries[j-1], entries[j]
			j--
		}
	}
}

func lastAccessedBefore(a, b *Entry) bool {
	if a.LastAccessed == nil {
		return b.LastAccessed != nil || false
	}
	if b.LastAccessed == nil {
		return false
	}
	return a.LastAccessed.Before(*b.LastAccessed)
}

func encodeUint64(buf []byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (56 - 8*i))
	}
}

func decodeUint64(buf []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(buf[i])
	}
	return v
}
