// Package dehydration implements the dehydration manager (C5): the
// component that reclaims local disk space by removing cached content
// for files that are fully synced, not pinned, not currently open,
// and not in the middle of any other lifecycle transition — leaving
// their metadata placeholder behind so the item still appears in
// directory listings.
//
// Eviction runs two ways: a periodic sweep that walks every eviction
// candidate in least-recently-accessed order until the cache is back
// under its configured threshold, and a fast path triggered when the
// last open handle on a file closes while the cache is over that
// threshold, so a one-shot read of a large file does not linger in
// cache until the next sweep.
package dehydration

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lnxdrive/lnxdrive/internal/content"
	"github.com/lnxdrive/lnxdrive/internal/inode"
	"github.com/lnxdrive/lnxdrive/internal/metadata"
)

// Options configures sweep cadence and size limits.
type Options struct {
	// MaxCacheBytes is the configured cache budget. 0 disables
	// size-triggered eviction, including the on-close fast path
	// (only the age-based pass, if MaxAge > 0, remains active).
	MaxCacheBytes int64
	// ThresholdPercent is the fraction of MaxCacheBytes the sweep
	// tries to bring usage back under, e.g. 80 to evict down to 80%
	// of the budget rather than exactly 100%, avoiding sweep
	// thrashing right at the limit.
	ThresholdPercent int
	// MaxAge evicts hydrated content untouched for longer than this,
	// independent of size pressure. 0 disables age-based eviction.
	MaxAge time.Duration
	// SweepInterval is how often the periodic sweep runs.
	SweepInterval time.Duration
}

func (o *Options) setDefaults() {
	if o.ThresholdPercent <= 0 || o.ThresholdPercent > 100 {
		o.ThresholdPercent = 80
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 10 * time.Minute
	}
}

// Manager runs the periodic sweep and exposes the on-close fast path.
type Manager struct {
	store   metadata.Store
	states  *metadata.StateManager
	cache   *content.Cache
	inodes  *inode.Table
	opts    Options

	stop chan struct{}
	done chan struct{}
}

// New constructs a Manager and starts its sweep loop.
func New(store metadata.Store, states *metadata.StateManager, cache *content.Cache, inodes *inode.Table, opts Options) *Manager {
	opts.setDefaults()
	m := &Manager{
		store:  store,
		states: states,
		cache:  cache,
		inodes: inodes,
		opts:   opts,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go m.loop()
	return m
}

// Close stops the periodic sweep. It does not evict anything itself.
func (m *Manager) Close() {
	close(m.stop)
	<-m.done
}

func (m *Manager) loop() {
	defer close(m.done)
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if err := m.Sweep(context.Background()); err != nil {
				log.Error().Err(err).Msg("dehydration: sweep failed")
			}
		}
	}
}

// Sweep walks eviction candidates oldest-access-first and evicts until
// the cache is back under threshold and no candidate exceeds MaxAge.
// It is safe to call directly (e.g. from a manual "free up space"
// trigger) as well as from the periodic loop.
func (m *Manager) Sweep(ctx context.Context) error {
	candidates, err := m.store.ListEvictionCandidates(ctx)
	if err != nil {
		return err
	}

	usage, err := m.cache.DiskUsage()
	if err != nil {
		return err
	}

	target := int64(-1)
	if m.opts.MaxCacheBytes > 0 {
		target = m.opts.MaxCacheBytes * int64(m.opts.ThresholdPercent) / 100
	}

	now := time.Now()
	var evicted int
	for _, e := range candidates {
		overSize := target >= 0 && usage > target
		overAge := m.opts.MaxAge > 0 && e.LastAccessed != nil && now.Sub(*e.LastAccessed) > m.opts.MaxAge
		if !overSize && !overAge {
			continue
		}
		freed, err := m.evict(ctx, e)
		if err != nil {
			log.Warn().Err(err).Str("item", e.ID).Msg("dehydration: eviction failed, skipping")
			continue
		}
		usage -= freed
		evicted++
	}

	if evicted > 0 {
		log.Info().Int("evicted", evicted).Int64("usage", usage).Msg("dehydration: sweep complete")
	}
	return nil
}

// OnClose is the fast path: called by the protocol adapter when a
// file's last open handle closes. If cache usage is above the
// threshold and the item is currently eligible for eviction, its
// content is removed immediately rather than waiting for the next
// periodic sweep.
func (m *Manager) OnClose(ctx context.Context, itemID string) error {
	if m.opts.MaxCacheBytes <= 0 {
		return nil
	}
	usage, err := m.cache.DiskUsage()
	if err != nil {
		return err
	}
	if usage <= m.opts.MaxCacheBytes*int64(m.opts.ThresholdPercent)/100 {
		return nil
	}
	entry, err := m.store.Get(ctx, itemID)
	if err != nil {
		return err
	}
	_, err = m.evict(ctx, entry)
	return err
}

// evict removes an entry's cached content and transitions it back to
// Online, the specification's placeholder state. The metadata record
// itself — name, size, remote ID — is untouched, so the item keeps
// appearing in directory listings.
//
// The open-handle re-check happens here, inside the decision step,
// rather than only at the caller: an entry can go from zero to
// nonzero open handles between ListEvictionCandidates building the
// sweep's candidate list and this call actually running, and an
// inode with open_handles > 0 must never be dehydrated.
func (m *Manager) evict(ctx context.Context, e *metadata.Entry) (int64, error) {
	if e.IsEvictionExempt() {
		return 0, nil
	}
	if ino, ok := m.inodes.ByItem(e.ID); ok {
		if entry := m.inodes.Get(ino); entry != nil && entry.OpenHandles() > 0 {
			return 0, nil
		}
	}
	var size int64
	if m.cache.Exists(e.ID) {
		if s, err := m.cache.Size(e.ID); err == nil {
			size = s
		}
		if err := m.cache.Remove(e.ID); err != nil {
			return 0, err
		}
	}
	if _, err := m.states.Transition(ctx, e.ID, metadata.ItemStateOnline); err != nil {
		return 0, err
	}
	log.Debug().Str("item", e.ID).Int64("freed", size).Msg("dehydration: evicted")
	return size, nil
}
