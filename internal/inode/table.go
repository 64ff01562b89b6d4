// Package inode implements the in-memory inode table (C2): a
// concurrent, bidirectional map between kernel inode numbers and
// backing SyncItem identifiers, with lock-free reference counting.
package inode

import (
	"sync"
	"sync/atomic"
	"time"
)

// RootIno is the fixed inode number of the mount root.
const RootIno uint64 = 1

// Entry is the in-memory record the protocol adapter consults for
// every metadata-only operation. Its Size field is always the
// authoritative remote size, even for placeholders.
type Entry struct {
	Ino      uint64
	ItemID   string
	ParentID uint64
	Name     string
	IsDir    bool
	Size     uint64
	Mode     uint32

	Mtime time.Time
	Ctime time.Time
	Atime time.Time
	Nlink uint32

	lookupCount uint64
	openHandles uint64
}

// LookupCount returns the current kernel-visible reference count.
func (e *Entry) LookupCount() uint64 { return atomic.LoadUint64(&e.lookupCount) }

// OpenHandles returns the current open file-descriptor count.
func (e *Entry) OpenHandles() uint64 { return atomic.LoadUint64(&e.openHandles) }

// Forgettable reports whether the entry has no outstanding kernel or
// process references and is not the root.
func (e *Entry) Forgettable() bool {
	return e.Ino != RootIno && e.LookupCount() == 0 && e.OpenHandles() == 0
}

type childKey struct {
	parent uint64
	name   string
}

// Table is the concurrent inode↔item map. All counter mutations are
// lock-free atomics; structural mutations (insert/remove/move) take a
// narrow mutex only around the maps themselves, never around an
// individual Entry's fields, so a concurrent reader always observes a
// fully-formed Entry rather than a torn composite.
type Table struct {
	mu       sync.RWMutex
	byIno    map[uint64]*Entry
	byItem   map[string]uint64
	children map[childKey]uint64 // (parent, name) -> ino
	order    map[uint64][]uint64 // parent -> child inos, insertion order
}

// New returns an empty table. Callers insert the root entry themselves
// via Insert with Ino == RootIno.
func New() *Table {
	return &Table{
		byIno:    make(map[uint64]*Entry),
		byItem:   make(map[string]uint64),
		children: make(map[childKey]uint64),
		order:    make(map[uint64][]uint64),
	}
}

// Insert adds or replaces the entry, indexing it by inode, item ID,
// and (parent, name).
func (t *Table) Insert(e *Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.byIno[e.Ino]; ok {
		t.removeChildLocked(existing.ParentID, existing.Name, existing.Ino)
	}
	t.byIno[e.Ino] = e
	if e.ItemID != "" {
		t.byItem[e.ItemID] = e.Ino
	}
	if e.Ino != RootIno {
		key := childKey{parent: e.ParentID, name: e.Name}
		if _, exists := t.children[key]; !exists {
			t.order[e.ParentID] = append(t.order[e.ParentID], e.Ino)
		}
		t.children[key] = e.Ino
	}
}

// Get returns the entry for ino, or nil if absent.
func (t *Table) Get(ino uint64) *Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byIno[ino]
}

// ByItem resolves the inode number currently bound to a cloud item ID.
func (t *Table) ByItem(itemID string) (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ino, ok := t.byItem[itemID]
	return ino, ok
}

// Lookup resolves (parent, name) to an entry, as used by the protocol
// adapter's lookup operation.
func (t *Table) Lookup(parent uint64, name string) *Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ino, ok := t.children[childKey{parent: parent, name: name}]
	if !ok {
		return nil
	}
	return t.byIno[ino]
}

// Children returns the entries directly under parent, in insertion
// order, as readdir requires.
func (t *Table) Children(parent uint64) []*Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	inos := t.order[parent]
	out := make([]*Entry, 0, len(inos))
	for _, ino := range inos {
		if e, ok := t.byIno[ino]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Remove deletes ino from every index and returns the removed entry.
func (t *Table) Remove(ino uint64) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byIno[ino]
	if !ok {
		return nil
	}
	delete(t.byIno, ino)
	if e.ItemID != "" {
		delete(t.byItem, e.ItemID)
	}
	t.removeChildLocked(e.ParentID, e.Name, ino)
	return e
}

// Rename updates an entry's parent/name, re-indexing the child maps.
// The inode number, and therefore every kernel-held reference to it,
// is unchanged.
func (t *Table) Rename(ino, newParent uint64, newName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byIno[ino]
	if !ok {
		return
	}
	t.removeChildLocked(e.ParentID, e.Name, ino)
	e.ParentID = newParent
	e.Name = newName
	key := childKey{parent: newParent, name: newName}
	t.children[key] = ino
	t.order[newParent] = append(t.order[newParent], ino)
}

func (t *Table) removeChildLocked(parent uint64, name string, ino uint64) {
	delete(t.children, childKey{parent: parent, name: name})
	siblings := t.order[parent]
	for i, sib := range siblings {
		if sib == ino {
			t.order[parent] = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
}

// IncLookup / DecLookup / IncOpen / DecOpen are the lock-free counter
// mutations the concurrency model requires: callable from any protocol
// thread without taking the table's structural lock.
func (e *Entry) IncLookup(n uint64) { atomic.AddUint64(&e.lookupCount, n) }

func (e *Entry) DecLookup(n uint64) {
	for {
		cur := atomic.LoadUint64(&e.lookupCount)
		next := uint64(0)
		if cur > n {
			next = cur - n
		}
		if atomic.CompareAndSwapUint64(&e.lookupCount, cur, next) {
			return
		}
	}
}

func (e *Entry) IncOpen() uint64 { return atomic.AddUint64(&e.openHandles, 1) }

func (e *Entry) DecOpen() uint64 {
	for {
		cur := atomic.LoadUint64(&e.openHandles)
		if cur == 0 {
			return 0
		}
		if atomic.CompareAndSwapUint64(&e.openHandles, cur, cur-1) {
			return cur - 1
		}
	}
}
