// Package hydration implements the hydration manager (C4): the
// component responsible for fetching a placeholder's content from the
// cloud into the local content cache on demand.
//
// Requests are deduplicated by item ID (not by inode number: every
// per-request table here is keyed by item ID) so that two readers opening the
// same file only trigger one transfer. Pending requests are ordered
// by priority, then arrival; a request's priority may only be raised,
// never lowered, since a prefetch that turns into a blocking open
// must not regress behind other prefetches. Concurrency is bounded by
// a weighted semaphore, and large transfers are split into ranged
// chunks downloaded in parallel up to that same bound. Transient
// transfer failures are absorbed by a bounded exponential-backoff
// retry loop, so the request stays alive across a dropped connection
// instead of surfacing to the caller on the first hiccup.
package hydration

import (
	"container/heap"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/lnxdrive/lnxdrive/internal/content"
	"github.com/lnxdrive/lnxdrive/internal/metadata"
	"github.com/lnxdrive/lnxdrive/pkg/retry"
)

// Priority orders competing hydration requests. Higher values run
// first. A request's priority is only ever raised after it is
// enqueued, never lowered.
type Priority int

const (
	PriorityPrefetch Priority = iota
	PriorityPinRequest
	PriorityUserOpen
)

// RequestState is the per-request lifecycle the hydration manager
// tracks independently of the item's own ItemState.
type RequestState int

const (
	RequestQueued RequestState = iota
	RequestRunning
	RequestFinalizing
	RequestDone
	RequestFailed
	RequestCancelled
)

func (s RequestState) String() string {
	switch s {
	case RequestQueued:
		return "queued"
	case RequestRunning:
		return "running"
	case RequestFinalizing:
		return "finalizing"
	case RequestDone:
		return "done"
	case RequestFailed:
		return "failed"
	case RequestCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Progress is published to subscribers as a request advances. A late
// subscriber immediately receives the most recent Progress value
// rather than waiting for the next change.
type Progress struct {
	State   RequestState
	Percent int
	Err     error
}

// CloudClient is the narrow collaborator the hydration manager needs
// from the sync/transport layer: a pre-authorized download URL and a
// ranged GET against it.
type CloudClient interface {
	// DownloadURL returns a short-lived, pre-authorized URL for the
	// item's content.
	DownloadURL(ctx context.Context, remoteID string) (string, error)

	// FetchRange streams bytes [offset, offset+length) of url into w.
	// length of 0 means "to end of file".
	FetchRange(ctx context.Context, url string, offset, length int64, w io.Writer) error
}

// Options configures a Manager.
type Options struct {
	Concurrency        int64 // max simultaneous transfers (and chunks)
	LargeFileThreshold int64 // files at or above this size are chunked
	ChunkSize          int64
	ProgressBuffer     int // subscriber channel buffer

	// MaxRetries, RetryInitialDelay, RetryMaxDelay, RetryMultiplier,
	// and RetryJitter configure the bounded backoff retried around a
	// transfer attempt. See pkg/retry.Config for their meaning.
	MaxRetries        int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	RetryMultiplier   float64
	RetryJitter       float64
}

func (o *Options) setDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.LargeFileThreshold <= 0 {
		o.LargeFileThreshold = 100 * 1024 * 1024
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 10 * 1024 * 1024
	}
	if o.ProgressBuffer <= 0 {
		o.ProgressBuffer = 4
	}
	d := retry.DefaultConfig()
	if o.MaxRetries <= 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.RetryInitialDelay <= 0 {
		o.RetryInitialDelay = d.InitialDelay
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = d.MaxDelay
	}
	if o.RetryMultiplier <= 0 {
		o.RetryMultiplier = d.Multiplier
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = d.Jitter
	}
}

func (o *Options) retryConfig() retry.Config {
	return retry.Config{
		MaxRetries:   o.MaxRetries,
		InitialDelay: o.RetryInitialDelay,
		MaxDelay:     o.RetryMaxDelay,
		Multiplier:   o.RetryMultiplier,
		Jitter:       o.RetryJitter,
	}
}

// Manager is the hydration scheduler. One Manager serves an entire
// mount.
type Manager struct {
	cloud  CloudClient
	states *metadata.StateManager
	cache  *content.Cache
	opts   Options
	sem    *semaphore.Weighted

	mu      sync.Mutex
	pending map[string]*request // itemID -> request
	queue   requestQueue
	wake    chan struct{}

	stop chan struct{}
	done chan struct{}
}

// progressPersistStep throttles how often a transfer's percent
// complete is written through to the metadata store: every 5 points,
// plus always on completion, rather than on every chunk.
const progressPersistStep = 5

type request struct {
	itemID   string
	ino      uint64
	priority Priority
	seq      uint64 // arrival order, for stable tie-break
	index    int    // heap index

	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	cond             *sync.Cond
	state            RequestState
	last             Progress
	subscribers      []chan Progress
	lastPersistedPct int

	// chunkSize and totalSize describe how the transfer's byte range
	// is divided for progressive-read purposes: chunked transfers use
	// the manager's ChunkSize, single-shot transfers treat the whole
	// file as one chunk. chunkDone tracks which chunk offsets have
	// landed, so WaitForRange can wake a reader as soon as its byte
	// range is covered rather than waiting for the whole transfer.
	chunkSize int64
	totalSize int64
	chunkDone map[int64]bool
}

func (r *request) publish(p Progress) {
	r.mu.Lock()
	r.last = p
	subs := append([]chan Progress(nil), r.subscribers...)
	r.cond.Broadcast()
	r.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- p:
		default:
			// Slow subscriber: drop the update rather than block the
			// transfer. It will see the next one, or the replayed
			// last value if it subscribes again.
		}
	}
}

func (r *request) subscribe(buf int) <-chan Progress {
	ch := make(chan Progress, buf)
	r.mu.Lock()
	ch <- r.last
	r.subscribers = append(r.subscribers, ch)
	r.mu.Unlock()
	return ch
}

// resetRanges reinitializes the chunk/progress bookkeeping ahead of a
// (possibly retried) transfer attempt.
func (r *request) resetRanges(totalSize, chunkSize int64) {
	r.mu.Lock()
	r.totalSize = totalSize
	r.chunkSize = chunkSize
	if r.chunkSize <= 0 {
		r.chunkSize = 1
	}
	r.chunkDone = make(map[int64]bool)
	r.lastPersistedPct = -progressPersistStep - 1
	r.mu.Unlock()
}

func (r *request) markChunkDone(offset int64) {
	r.mu.Lock()
	chunkStart := (offset / r.chunkSize) * r.chunkSize
	if r.chunkDone != nil {
		r.chunkDone[chunkStart] = true
	}
	r.cond.Broadcast()
	r.mu.Unlock()
}

// rangeReady reports whether every chunk overlapping [offset,
// offset+size) has completed. Called with r.mu held.
func (r *request) rangeReady(offset, size int64) bool {
	if r.chunkSize <= 0 || r.chunkDone == nil {
		return false
	}
	end := offset + size
	if end > r.totalSize {
		end = r.totalSize
	}
	for o := (offset / r.chunkSize) * r.chunkSize; o < end; o += r.chunkSize {
		if !r.chunkDone[o] {
			return false
		}
	}
	return true
}

// requestQueue is a container/heap priority queue ordered by priority
// descending, then sequence ascending.
type requestQueue []*request

func (q requestQueue) Len() int { return len(q) }
func (q requestQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}
func (q requestQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}
func (q *requestQueue) Push(x any) {
	r := x.(*request)
	r.index = len(*q)
	*q = append(*q, r)
}
func (q *requestQueue) Pop() any {
	old := *q
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*q = old[:n-1]
	return r
}

// New constructs a Manager and starts its dispatcher goroutine.
func New(cloud CloudClient, states *metadata.StateManager, cache *content.Cache, opts Options) *Manager {
	opts.setDefaults()
	m := &Manager{
		cloud:   cloud,
		states:  states,
		cache:   cache,
		opts:    opts,
		sem:     semaphore.NewWeighted(opts.Concurrency),
		pending: make(map[string]*request),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go m.dispatch()
	return m
}

var seqCounter uint64

func nextSeq() uint64 {
	seqCounter++
	return seqCounter
}

// Enqueue requests hydration of an item, returning a channel of
// progress updates. If a request for the same item is already
// in flight, its priority is raised (never lowered) and the caller is
// subscribed to the same underlying transfer.
func (m *Manager) Enqueue(ctx context.Context, itemID string, ino uint64, priority Priority) <-chan Progress {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.pending[itemID]; ok {
		if priority > r.priority {
			r.priority = priority
			heap.Fix(&m.queue, r.index)
		}
		return r.subscribe(m.opts.ProgressBuffer)
	}

	reqCtx, cancel := context.WithCancel(context.Background())
	r := &request{
		itemID:   itemID,
		ino:      ino,
		priority: priority,
		seq:      nextSeq(),
		ctx:      reqCtx,
		cancel:   cancel,
		state:    RequestQueued,
		last:     Progress{State: RequestQueued},
	}
	r.cond = sync.NewCond(&r.mu)
	m.pending[itemID] = r
	heap.Push(&m.queue, r)
	sub := r.subscribe(m.opts.ProgressBuffer)
	m.signal()
	return sub
}

// Cancel aborts an in-flight or queued request for itemID, if any.
// The running transfer (if one is in progress) will notice ctx is
// done, leave its SyncItem back in Online rather than Error, and
// discard its .partial.
func (m *Manager) Cancel(itemID string) {
	m.mu.Lock()
	r, ok := m.pending[itemID]
	m.mu.Unlock()
	if ok {
		r.cancel()
	}
}

// WaitForRange blocks until the byte range [offset, offset+size) of
// itemID's content has been hydrated, the request reaches a terminal
// state, or ctx is done. If no request is pending for itemID, it
// returns immediately: the item is either already fully hydrated or
// was never enqueued, both the caller's responsibility to check.
func (m *Manager) WaitForRange(ctx context.Context, itemID string, offset, size int64) error {
	m.mu.Lock()
	r, ok := m.pending[itemID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.cond.Broadcast()
			r.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if r.rangeReady(offset, size) {
			return nil
		}
		switch r.state {
		case RequestFailed, RequestCancelled:
			return r.last.Err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.cond.Wait()
	}
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Close stops the dispatcher and cancels every in-flight or queued
// request's context, so a mount's teardown actually interrupts
// running transfers rather than only stopping new ones from starting.
func (m *Manager) Close() {
	close(m.stop)
	m.mu.Lock()
	for _, r := range m.pending {
		r.cancel()
	}
	m.mu.Unlock()
	<-m.done
}

func (m *Manager) dispatch() {
	defer close(m.done)
	for {
		m.mu.Lock()
		var next *request
		if m.queue.Len() > 0 {
			next = heap.Pop(&m.queue).(*request)
		}
		m.mu.Unlock()

		if next == nil {
			select {
			case <-m.wake:
				continue
			case <-m.stop:
				return
			}
		}

		if err := m.sem.Acquire(next.ctx, 1); err != nil {
			m.finish(next, RequestCancelled, err)
			continue
		}
		go func(r *request) {
			defer m.sem.Release(1)
			m.run(r)
		}(next)

		select {
		case <-m.stop:
			return
		default:
		}
	}
}

func (m *Manager) run(r *request) {
	r.mu.Lock()
	r.state = RequestRunning
	r.mu.Unlock()
	r.publish(Progress{State: RequestRunning, Percent: 0})

	entry, err := m.states.Transition(r.ctx, r.itemID, metadata.ItemStateHydrating, metadata.WithWorker(fmt.Sprintf("hydration-%d", r.seq)))
	if err != nil {
		m.finish(r, RequestFailed, err)
		return
	}

	var pw *content.PartialWriter
	transferErr := retry.Do(r.ctx, func() error {
		if m.opts.LargeFileThreshold > 0 && int64(entry.Size) >= m.opts.LargeFileThreshold {
			r.resetRanges(int64(entry.Size), m.opts.ChunkSize)
		} else {
			r.resetRanges(int64(entry.Size), int64(entry.Size))
		}

		url, err := m.cloud.DownloadURL(r.ctx, entry.RemoteID)
		if err != nil {
			return err
		}
		staged, err := m.cache.StagePartial(r.itemID)
		if err != nil {
			return err
		}
		if err := m.transfer(r, staged, url, int64(entry.Size)); err != nil {
			if r.ctx.Err() != nil {
				_ = staged.Abort()
			} else {
				_ = staged.Close()
			}
			return err
		}
		pw = staged
		return nil
	}, m.opts.retryConfig())

	if transferErr != nil {
		if r.ctx.Err() != nil {
			m.cancelBack(r, transferErr)
		} else {
			m.fail(r, transferErr)
		}
		return
	}

	r.mu.Lock()
	r.state = RequestFinalizing
	r.mu.Unlock()
	r.publish(Progress{State: RequestFinalizing, Percent: 100})

	if err := pw.Finalize(); err != nil {
		m.fail(r, err)
		return
	}

	if _, err := m.states.Transition(r.ctx, r.itemID, metadata.ItemStateHydrated, metadata.WithSize(entry.Size)); err != nil {
		m.fail(r, err)
		return
	}

	m.finish(r, RequestDone, nil)
}

// transferWriter is satisfied by content.PartialWriter; declared
// separately so tests can substitute a fake.
type transferWriter interface {
	io.Writer
	WriteAt([]byte, int64) (int, error)
}

func (m *Manager) transfer(r *request, w transferWriter, url string, size int64) error {
	if size < m.opts.LargeFileThreshold {
		buf := &progressWriter{w: w, total: size, onProgress: func(pct int) {
			m.reportProgress(r, pct)
		}}
		if err := m.cloud.FetchRange(r.ctx, url, 0, 0, buf); err != nil {
			return err
		}
		r.markChunkDone(0)
		return nil
	}
	return m.transferChunked(r, w, url, size)
}

func (m *Manager) transferChunked(r *request, w transferWriter, url string, size int64) error {
	chunk := m.opts.ChunkSize
	numChunks := int((size + chunk - 1) / chunk)
	var wg sync.WaitGroup
	errCh := make(chan error, numChunks)
	var completed int64
	var mu sync.Mutex

	for i := 0; i < numChunks; i++ {
		if err := m.sem.Acquire(r.ctx, 1); err != nil {
			errCh <- err
			break
		}
		offset := int64(i) * chunk
		length := chunk
		if offset+length > size {
			length = size - offset
		}
		wg.Add(1)
		go func(offset, length int64) {
			defer wg.Done()
			defer m.sem.Release(1)
			pw := &offsetWriter{target: w, offset: offset}
			if err := m.cloud.FetchRange(r.ctx, url, offset, length, pw); err != nil {
				errCh <- fmt.Errorf("hydration: chunk at %d: %w", offset, err)
				return
			}
			r.markChunkDone(offset)
			mu.Lock()
			completed++
			pct := int(completed * 100 / int64(numChunks))
			mu.Unlock()
			m.reportProgress(r, pct)
		}(offset, length)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// reportProgress publishes pct to live subscribers and, throttled to
// every progressPersistStep points (always on completion), persists
// it to the metadata store so user.lnxdrive.progress reflects an
// in-flight transfer rather than only the terminal state.
func (m *Manager) reportProgress(r *request, pct int) {
	r.publish(Progress{State: RequestRunning, Percent: pct})

	r.mu.Lock()
	shouldPersist := pct >= 100 || pct-r.lastPersistedPct >= progressPersistStep
	if shouldPersist {
		r.lastPersistedPct = pct
	}
	r.mu.Unlock()
	if !shouldPersist {
		return
	}
	if _, err := m.states.UpdateProgress(r.ctx, r.itemID, pct); err != nil {
		log.Debug().Err(err).Str("item", r.itemID).Int("percent", pct).Msg("hydration: progress update skipped")
	}
}

// offsetWriter adapts a ranged transfer's sequential stream into a
// WriteAt call at a fixed base offset.
type offsetWriter struct {
	target transferWriter
	offset int64
}

func (o *offsetWriter) Write(b []byte) (int, error) {
	n, err := o.target.WriteAt(b, o.offset)
	o.offset += int64(n)
	return n, err
}

// progressWriter wraps a sequential write target and reports percent
// complete as bytes accumulate.
type progressWriter struct {
	w          io.Writer
	total      int64
	written    int64
	onProgress func(pct int)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	if p.total > 0 && p.onProgress != nil {
		p.onProgress(int(p.written * 100 / p.total))
	}
	return n, err
}

// fail records a non-cancellation transfer failure: the SyncItem
// moves to Error and the .partial, if any, is left in place (see
// content.PartialWriter.Close) so its bytes aren't wasted.
func (m *Manager) fail(r *request, err error) {
	log.Error().Err(err).Str("item", r.itemID).Msg("hydration: transfer failed")
	if _, terr := m.states.Transition(context.Background(), r.itemID, metadata.ItemStateError, metadata.WithTransitionError(err, true)); terr != nil {
		log.Error().Err(terr).Str("item", r.itemID).Msg("hydration: failed to record error state")
	}
	m.finish(r, RequestFailed, err)
}

// cancelBack handles a request whose context was cancelled via
// Cancel: any .partial is discarded (including one an earlier failed
// attempt left in place before the cancellation arrived), and the
// SyncItem returns to Online rather than Error so a later open can
// re-hydrate it from scratch.
func (m *Manager) cancelBack(r *request, err error) {
	log.Info().Str("item", r.itemID).Msg("hydration: request cancelled")
	if pw, perr := m.cache.StagePartial(r.itemID); perr == nil {
		_ = pw.Abort()
	}
	if _, terr := m.states.Transition(context.Background(), r.itemID, metadata.ItemStateOnline, metadata.AllowCrashRecovery()); terr != nil {
		log.Error().Err(terr).Str("item", r.itemID).Msg("hydration: failed to revert cancelled item to online")
	}
	m.finish(r, RequestCancelled, err)
}

// finish marks a request terminal and removes it from the pending
// table. Subscriber channels are deliberately left open (never
// closed): a late subscriber that arrives after finish has already
// run still gets the replayed terminal Progress from subscribe.
func (m *Manager) finish(r *request, state RequestState, err error) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()

	m.mu.Lock()
	delete(m.pending, r.itemID)
	m.mu.Unlock()

	r.publish(Progress{State: state, Percent: 100, Err: err})
}
