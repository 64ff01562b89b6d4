package metadata

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// job is one queued mutation request. result carries the outcome back
// to the submitter over a one-shot channel, matching the contract that
// "results return via a per-request one-shot channel."
type job struct {
	ctx    context.Context
	run    func() (*Entry, error)
	result chan jobResult
}

type jobResult struct {
	entry *Entry
	err   error
}

// Serializer is the single background task that owns the only mutable
// handle to the persistent state store (C3). All other components
// mutate state exclusively through a Serializer, never by calling a
// Store's Update/Save directly.
//
// The queue is bounded. When full, submitters block for at most
// SubmitTimeout before the submission fails with a StateStoreError —
// surfaced by the protocol adapter as EIO. Requests from the same
// goroutine are processed in submission order because the channel
// itself is FIFO and there is exactly one worker draining it.
type Serializer struct {
	store         Store
	queue         chan job
	submitTimeout time.Duration
	drainBatch    int
	stop          chan struct{}
	done          chan struct{}
}

// Options configures a Serializer.
type Options struct {
	QueueCapacity int
	SubmitTimeout time.Duration
	// DrainBatch bounds how many queued requests the worker processes
	// before yielding, so a burst of batched writes (e.g. during init)
	// cannot starve a later single-operation update indefinitely. Zero
	// means unbounded (drain until the channel is momentarily empty).
	DrainBatch int
}

// NewSerializer starts the writer task's goroutine and returns a handle
// that the rest of the core submits mutation requests through.
func NewSerializer(store Store, opts Options) *Serializer {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 256
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = 5 * time.Second
	}
	s := &Serializer{
		store:         store,
		queue:         make(chan job, opts.QueueCapacity),
		submitTimeout: opts.SubmitTimeout,
		drainBatch:    opts.DrainBatch,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Serializer) run() {
	defer close(s.done)
	for {
		processed := 0
		select {
		case <-s.stop:
			s.drainRemaining()
			return
		case j := <-s.queue:
			s.execute(j)
			processed++
		}
		// Drain up to drainBatch additional queued requests before
		// re-checking stop, so a long batch of init-time writes
		// doesn't block a graceful shutdown indefinitely either.
		for s.drainBatch <= 0 || processed < s.drainBatch {
			select {
			case j := <-s.queue:
				s.execute(j)
				processed++
			default:
				goto next
			}
		}
	next:
	}
}

func (s *Serializer) drainRemaining() {
	for {
		select {
		case j := <-s.queue:
			s.execute(j)
		default:
			return
		}
	}
}

func (s *Serializer) execute(j job) {
	entry, err := j.run()
	select {
	case j.result <- jobResult{entry: entry, err: err}:
	default:
		// Submitter already gave up (context canceled / timed out);
		// nothing to deliver to.
	}
}

// submit enqueues fn and blocks for the result, honoring both ctx and
// the serializer's own submit timeout as back pressure.
func (s *Serializer) submit(ctx context.Context, fn func() (*Entry, error)) (*Entry, error) {
	j := job{ctx: ctx, run: fn, result: make(chan jobResult, 1)}

	timer := time.NewTimer(s.submitTimeout)
	defer timer.Stop()

	select {
	case s.queue <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		log.Warn().Msg("metadata: write serializer queue full, submit timed out")
		return nil, fmt.Errorf("metadata: write queue backpressure timeout: %w", ErrQueueTimeout)
	}

	select {
	case res := <-j.result:
		return res.entry, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ErrQueueTimeout is returned when a mutation could not be enqueued
// within the configured back-pressure window.
var ErrQueueTimeout = fmt.Errorf("write queue is full")

// Save enqueues a full-entry upsert.
func (s *Serializer) Save(ctx context.Context, entry *Entry) error {
	_, err := s.submit(ctx, func() (*Entry, error) {
		return entry, s.store.Save(ctx, entry)
	})
	return err
}

// Update enqueues a read-mutate-write against id.
func (s *Serializer) Update(ctx context.Context, id string, fn func(*Entry) error) (*Entry, error) {
	return s.submit(ctx, func() (*Entry, error) {
		return s.store.Update(ctx, id, fn)
	})
}

// NextInode enqueues the atomic inode-counter allocation.
func (s *Serializer) NextInode(ctx context.Context) (uint64, error) {
	var ino uint64
	_, err := s.submit(ctx, func() (*Entry, error) {
		var allocErr error
		ino, allocErr = s.store.NextInode(ctx)
		return nil, allocErr
	})
	return ino, err
}

// Close stops accepting new work after draining whatever is already
// queued, and waits for the worker goroutine to exit.
func (s *Serializer) Close() {
	close(s.stop)
	<-s.done
}
