package metadata

import (
	"fmt"
	"time"
)

// OperationError captures context about the last failure recorded
// against an entry (a failed hydration, a rejected setattr, ...).
type OperationError struct {
	Message    string    `json:"message"`
	Temporary  bool      `json:"temporary,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// HydrationState records information about the most recent hydration
// attempt for this entry.
type HydrationState struct {
	WorkerID    string          `json:"worker_id,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       *OperationError `json:"error,omitempty"`
}

// Entry is the canonical, persisted record for a filesystem item — the
// SyncItem of the data model. It is created by the sync collaborator,
// mutated only through the write serializer, and never removed in
// place; it is marked Deleted and eventually purged by the collaborator
// that owns cloud-side lifecycle.
type Entry struct {
	ID       string   `json:"id"`
	RemoteID string   `json:"remote_id,omitempty"`
	ParentID string   `json:"parent_id,omitempty"`
	Name     string   `json:"name"`
	ItemType ItemKind `json:"item_type"`
	State    ItemState `json:"item_state"`

	// Size is the authoritative remote size, reported by getattr
	// regardless of local hydration state.
	Size uint64 `json:"size,omitempty"`
	Mode uint32 `json:"mode,omitempty"`

	LocalModified  *time.Time `json:"local_modified,omitempty"`
	RemoteModified *time.Time `json:"remote_modified,omitempty"`

	// ContentHash, when known, is the remote's reported content hash
	// for change detection against the cloud. It plays no part in
	// content cache addressing: the cache is keyed by item ID (see
	// internal/content.Cache), not by this value.
	ContentHash string `json:"content_hash,omitempty"`

	// InodeNumber is assigned once, the first time this item is exposed
	// through the protocol adapter, and is stable thereafter.
	InodeNumber uint64 `json:"inode_number,omitempty"`

	// LastAccessed drives dehydration LRU ordering.
	LastAccessed *time.Time `json:"last_accessed,omitempty"`

	// HydrationProgress is set only while State == Hydrating.
	HydrationProgress *int `json:"hydration_progress,omitempty"`

	// PendingRemote marks locally-created items that have not yet been
	// assigned a RemoteID by the sync collaborator's upload path.
	PendingRemote bool `json:"pending_remote,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Hydration HydrationState  `json:"hydration"`
	LastError *OperationError `json:"last_error,omitempty"`
}

// Validate ensures the entry is internally consistent before
// persistence, defaulting optional enum-like fields.
func (e *Entry) Validate() error {
	if e == nil {
		return fmt.Errorf("entry is nil")
	}
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if e.Name == "" && e.ParentID != "" {
		return fmt.Errorf("name is required for non-root entries")
	}
	if e.State == "" {
		return fmt.Errorf("item_state is required")
	}
	if err := e.State.Validate(); err != nil {
		return err
	}
	if e.ItemType == "" {
		e.ItemType = ItemKindUnknown
	}
	if err := e.ItemType.Validate(); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	return nil
}

// IsEvictionExempt reports whether the entry is currently in a state that
// forbids dehydration regardless of LRU order.
func (e *Entry) IsEvictionExempt() bool {
	switch e.State {
	case ItemStatePinned, ItemStateModified, ItemStateHydrating, ItemStateDeleted, ItemStateError:
		return true
	default:
		return false
	}
}
