package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition indicates an unsupported state change was requested.
var ErrInvalidTransition = errors.New("metadata: invalid state transition")

// StateManager validates and applies lifecycle-state transitions on
// top of a Serializer, so every transition goes through the single
// write-serializer task (C3) and is checked against the allowed-moves
// table before being persisted.
type StateManager struct {
	serializer *Serializer
	clock      Clock
	allowed    map[ItemState]map[ItemState]struct{}
}

// StateManagerOption customizes manager construction.
type StateManagerOption func(*StateManager)

// WithStateManagerClock overrides the default clock.
func WithStateManagerClock(clock Clock) StateManagerOption {
	return func(m *StateManager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewStateManager returns a manager that transitions entries through
// the provided serializer.
func NewStateManager(serializer *Serializer, opts ...StateManagerOption) (*StateManager, error) {
	if serializer == nil {
		return nil, fmt.Errorf("metadata: serializer is required")
	}
	m := &StateManager{
		serializer: serializer,
		clock:      systemClock{},
		allowed: map[ItemState]map[ItemState]struct{}{
			ItemStateOnline: stateSet(
				ItemStateHydrating,
				ItemStateDeleted,
				ItemStateError,
			),
			ItemStateHydrating: stateSet(
				ItemStateHydrated,
				ItemStateError,
				ItemStateOnline, // crash-recovery only; see Transition doc.
				ItemStateDeleted,
			),
			ItemStateHydrated: stateSet(
				ItemStatePinned,
				ItemStateModified,
				ItemStateOnline, // dehydration
				ItemStateDeleted,
				ItemStateError,
			),
			ItemStatePinned: stateSet(
				ItemStateHydrated, // unpin
				ItemStateModified,
				ItemStateDeleted,
				ItemStateError,
			),
			ItemStateModified: stateSet(
				ItemStateHydrated,
				ItemStatePinned,
				ItemStateDeleted,
				ItemStateError,
			),
			ItemStateError: stateSet(
				ItemStateHydrating,
				ItemStateOnline,
				ItemStateDeleted,
			),
			ItemStateDeleted: {},
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// TransitionOption configures a single Transition call.
type TransitionOption func(*transitionConfig)

type transitionConfig struct {
	workerID        string
	err             error
	errTemporary    bool
	allowCrashReset bool
	progress        *int
	newSize         *uint64
	remoteID        *string
	touchAccess     bool
	customTimestamp *time.Time
}

// WithWorker attaches a worker/session identifier to hydration bookkeeping.
func WithWorker(id string) TransitionOption {
	return func(cfg *transitionConfig) { cfg.workerID = id }
}

// WithTransitionError records the failure reason for an Error transition.
func WithTransitionError(err error, temporary bool) TransitionOption {
	return func(cfg *transitionConfig) {
		cfg.err = err
		cfg.errTemporary = temporary
	}
}

// AllowCrashRecovery permits the one irregular transition the state
// machine allows outside the ordinary table: Hydrating -> Online. It
// is taken both at mount-time recovery, for requests with no live
// hydration task left to resume them, and when a live hydration
// request is cancelled mid-transfer and needs to hand the item back
// as a placeholder rather than leaving it in Error.
func AllowCrashRecovery() TransitionOption {
	return func(cfg *transitionConfig) { cfg.allowCrashReset = true }
}

// WithProgress sets the hydration-progress percentage (0..100); it is
// cleared automatically on any transition away from Hydrating.
func WithProgress(pct int) TransitionOption {
	return func(cfg *transitionConfig) { cfg.progress = &pct }
}

// WithSize updates the entry's authoritative remote size.
func WithSize(size uint64) TransitionOption {
	return func(cfg *transitionConfig) { cfg.newSize = &size }
}

// WithRemoteID assigns the cloud item identifier, e.g. once a
// locally-created item is first uploaded.
func WithRemoteID(id string) TransitionOption {
	return func(cfg *transitionConfig) { cfg.remoteID = &id }
}

// TouchAccess updates LastAccessed to now, for dehydration LRU ordering.
func TouchAccess() TransitionOption {
	return func(cfg *transitionConfig) { cfg.touchAccess = true }
}

// WithTransitionTimestamp overrides the default clock timestamp (tests only).
func WithTransitionTimestamp(ts time.Time) TransitionOption {
	return func(cfg *transitionConfig) { cfg.customTimestamp = &ts }
}

// Transition validates that to is reachable from the entry's current
// state and, if so, applies it and any side-data updates atomically
// through the write serializer.
func (m *StateManager) Transition(ctx context.Context, id string, to ItemState, opts ...TransitionOption) (*Entry, error) {
	if err := to.Validate(); err != nil {
		return nil, err
	}
	cfg := transitionConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	return m.serializer.Update(ctx, id, func(entry *Entry) error {
		if err := m.validateTransition(entry.State, to, cfg.allowCrashReset); err != nil {
			return err
		}
		m.applyTransition(entry, to, cfg)
		return nil
	})
}

func (m *StateManager) validateTransition(from, to ItemState, allowCrashReset bool) error {
	if from == ItemStateHydrating && to == ItemStateOnline {
		if !allowCrashReset {
			return fmt.Errorf("%w: %s -> %s requires crash recovery", ErrInvalidTransition, from, to)
		}
		return nil
	}
	targets, ok := m.allowed[from]
	if !ok {
		return fmt.Errorf("%w: no transitions defined for %s", ErrInvalidTransition, from)
	}
	if _, ok := targets[to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func (m *StateManager) applyTransition(entry *Entry, to ItemState, cfg transitionConfig) {
	now := m.clock.Now()
	if cfg.customTimestamp != nil {
		now = cfg.customTimestamp.UTC()
	}

	entry.State = to

	switch to {
	case ItemStateHydrating:
		entry.Hydration = HydrationState{WorkerID: cfg.workerID, StartedAt: &now}
		entry.HydrationProgress = nil
		entry.LastError = nil
	case ItemStateHydrated, ItemStatePinned:
		entry.Hydration.CompletedAt = &now
		entry.HydrationProgress = nil
		entry.LastError = nil
	case ItemStateOnline:
		entry.HydrationProgress = nil
	case ItemStateModified:
		entry.HydrationProgress = nil
	case ItemStateError:
		msg := ""
		if cfg.err != nil {
			msg = cfg.err.Error()
		}
		entry.LastError = &OperationError{Message: msg, Temporary: cfg.errTemporary, OccurredAt: now}
		entry.Hydration.Error = entry.LastError
		entry.HydrationProgress = nil
	case ItemStateDeleted:
		entry.HydrationProgress = nil
	}

	if to == ItemStateHydrating && cfg.progress != nil {
		entry.HydrationProgress = cfg.progress
	}
	if cfg.newSize != nil {
		entry.Size = *cfg.newSize
	}
	if cfg.remoteID != nil {
		entry.RemoteID = *cfg.remoteID
		entry.PendingRemote = false
	}
	if cfg.touchAccess {
		entry.LastAccessed = &now
	}
}

// UpdateProgress updates an entry's hydration-progress percentage
// in place without changing its lifecycle state. Callers (C4) use this
// for the frequent in-flight progress updates during a single
// Hydrating episode; Transition is reserved for state changes.
func (m *StateManager) UpdateProgress(ctx context.Context, id string, pct int) (*Entry, error) {
	return m.serializer.Update(ctx, id, func(entry *Entry) error {
		if entry.State != ItemStateHydrating {
			return fmt.Errorf("metadata: cannot set hydration progress outside Hydrating (state=%s)", entry.State)
		}
		entry.HydrationProgress = &pct
		return nil
	})
}

func stateSet(states ...ItemState) map[ItemState]struct{} {
	set := make(map[ItemState]struct{}, len(states))
	for _, st := range states {
		set[st] = struct{}{}
	}
	return set
}
