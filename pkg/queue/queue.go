// Package queue implements the bounded, persisted retry queue that holds
// samples which could not be delivered directly.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/markus-lassfolk/fieldtrack/pkg"
	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
)

// Default ceilings per worker path.
const (
	DefaultPrimaryCeiling  = 100
	DefaultFallbackCeiling = 50
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

var errNotRehydrated = errors.New("queue not rehydrated, kept in memory")

// PersistentList is the durable storage a queue is mirrored to.
type PersistentList interface {
	Load(ctx context.Context, key string) ([]string, error)
	Save(ctx context.Context, key string, values []string) error
}

// SubmitFunc delivers one sample; a nil error means the backend accepted it.
type SubmitFunc func(ctx context.Context, sample pkg.TrackingSample) error

type entry struct {
	seq    uint64
	sample pkg.TrackingSample
	raw    string
}

// Stats is a point-in-time view of queue counters.
type Stats struct {
	Depth    int    `json:"depth"`
	Ceiling  int    `json:"ceiling"`
	Enqueued uint64 `json:"enqueued"`
	Evicted  uint64 `json:"evicted"`
	Drained  uint64 `json:"drained"`
}

// Queue is an ordered, capacity-bounded list of pending samples. Entries are
// only removed after a confirmed submission, oldest first.
type Queue struct {
	store   PersistentList
	key     string
	ceiling int
	logger  *logx.Logger

	// drainMu serializes drain passes; mu guards everything below.
	drainMu sync.Mutex
	mu      sync.Mutex
	entries  []entry
	nextSeq  uint64
	closed   bool
	unloaded bool
	stats    Stats
}

// Open rehydrates the queue stored under key. A storage failure is not
// fatal: the queue starts empty and retries rehydration before every
// enqueue and drain, and does not persist until it succeeds.
func Open(ctx context.Context, store PersistentList, key string, ceiling int, logger *logx.Logger) (*Queue, error) {
	if ceiling < 1 {
		return nil, fmt.Errorf("queue ceiling must be positive, got %d", ceiling)
	}
	q := &Queue{
		store:    store,
		key:      key,
		ceiling:  ceiling,
		logger:   logger.With("queue", key),
		unloaded: true,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.rehydrateLocked(ctx); err != nil {
		q.logger.Warn("Queue rehydration failed, retrying before next use", "error", err)
	}
	return q, nil
}

// Rehydrated reports whether the persisted entries have been loaded.
func (q *Queue) Rehydrated() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.unloaded
}

// rehydrateLocked loads the persisted entries ahead of anything queued in
// memory while storage was unavailable.
func (q *Queue) rehydrateLocked(ctx context.Context) error {
	if !q.unloaded {
		return nil
	}
	raw, err := q.store.Load(ctx, q.key)
	if err != nil {
		return fmt.Errorf("failed to rehydrate queue %s: %w", q.key, err)
	}
	q.unloaded = false

	loaded := make([]entry, 0, len(raw)+len(q.entries))
	for _, r := range raw {
		var s pkg.TrackingSample
		if err := json.Unmarshal([]byte(r), &s); err != nil {
			q.logger.Warn("Dropping corrupt queue entry", "error", err)
			continue
		}
		s.Normalize()
		q.nextSeq++
		loaded = append(loaded, entry{seq: q.nextSeq, sample: s, raw: r})
	}
	valid := len(loaded)
	pending := len(q.entries)
	q.entries = append(loaded, q.entries...)

	evicted := q.evictLocked()
	if evicted > 0 || valid != len(raw) || pending > 0 {
		if err := q.persistLocked(ctx); err != nil {
			q.logger.Warn("Failed to persist queue", "error", err)
		}
	}

	q.logger.Info("Queue rehydrated", "depth", len(q.entries), "ceiling", q.ceiling, "evicted", evicted, "pending", pending)
	return nil
}

// Enqueue appends a sample, evicting the oldest entries beyond the ceiling,
// and persists the result. A persistence error is returned but the sample
// stays queued in memory.
func (q *Queue) Enqueue(ctx context.Context, sample pkg.TrackingSample) error {
	sample.Normalize()
	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to encode sample: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if err := q.rehydrateLocked(ctx); err != nil {
		q.logger.Debug("Queue still not rehydrated", "error", err)
	}
	q.append(sample, string(data))
	q.stats.Enqueued++
	if n := q.evictLocked(); n > 0 {
		q.logger.Warn("Queue ceiling reached, oldest samples evicted", "evicted", n, "ceiling", q.ceiling)
	}
	if err := q.persistLocked(ctx); err != nil {
		return fmt.Errorf("failed to persist queue %s: %w", q.key, err)
	}
	return nil
}

// Drain submits queued samples from the head. Each accepted sample is removed
// and the queue persisted; the first failure ends the pass and leaves the
// remaining entries untouched. It returns how many samples were delivered
// and the error that stopped the pass, if any.
func (q *Queue) Drain(ctx context.Context, submit SubmitFunc) (int, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	q.mu.Lock()
	if err := q.rehydrateLocked(ctx); err != nil {
		q.logger.Debug("Queue still not rehydrated", "error", err)
	}
	q.mu.Unlock()

	drained := 0
	for {
		if err := ctx.Err(); err != nil {
			return drained, err
		}

		q.mu.Lock()
		if q.closed || len(q.entries) == 0 {
			q.mu.Unlock()
			return drained, nil
		}
		head := q.entries[0]
		q.mu.Unlock()

		if err := submit(ctx, head.sample); err != nil {
			q.logger.Debug("Queue drain stopped", "drained", drained, "error", err)
			return drained, err
		}

		q.mu.Lock()
		q.removeLocked(head.seq)
		q.stats.Drained++
		if err := q.persistLocked(ctx); err != nil {
			q.logger.Warn("Failed to persist queue", "error", err)
		}
		q.mu.Unlock()
		drained++
	}
}

// Len returns the number of queued samples.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Ceiling returns the capacity bound.
func (q *Queue) Ceiling() int { return q.ceiling }

// Key returns the storage key.
func (q *Queue) Key() string { return q.key }

// Snapshot returns the queued samples, oldest first.
func (q *Queue) Snapshot() []pkg.TrackingSample {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]pkg.TrackingSample, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.sample
	}
	return out
}

// Stats returns the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Depth = len(q.entries)
	s.Ceiling = q.ceiling
	return s
}

// Close stops accepting new samples. In-flight drains finish their current
// submit and then stop.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

func (q *Queue) append(s pkg.TrackingSample, raw string) {
	q.nextSeq++
	q.entries = append(q.entries, entry{seq: q.nextSeq, sample: s, raw: raw})
}

// evictLocked truncates from the front until the ceiling holds.
func (q *Queue) evictLocked() int {
	over := len(q.entries) - q.ceiling
	if over <= 0 {
		return 0
	}
	q.entries = append([]entry(nil), q.entries[over:]...)
	q.stats.Evicted += uint64(over)
	return over
}

// removeLocked drops the entry with seq. If eviction already removed it,
// nothing else is touched.
func (q *Queue) removeLocked(seq uint64) {
	for i, e := range q.entries {
		if e.seq == seq {
			q.entries = append(q.entries[:i:i], q.entries[i+1:]...)
			return
		}
	}
}

func (q *Queue) persistLocked(ctx context.Context) error {
	// Saving before the stored entries are loaded would overwrite them.
	if q.unloaded {
		return errNotRehydrated
	}
	values := make([]string, len(q.entries))
	for i, e := range q.entries {
		values[i] = e.raw
	}
	return q.store.Save(ctx, q.key, values)
}
