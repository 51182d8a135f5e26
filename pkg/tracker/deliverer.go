package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/markus-lassfolk/fieldtrack/pkg"
	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
	"github.com/markus-lassfolk/fieldtrack/pkg/metrics"
	"github.com/markus-lassfolk/fieldtrack/pkg/queue"
)

// DefaultSubmitTimeout bounds every submission attempt.
const DefaultSubmitTimeout = 10 * time.Second

var errSessionInactive = errors.New("session inactive")

// Outcome describes what happened to one sample.
type Outcome struct {
	Delivered  bool  `json:"delivered"`
	Queued     bool  `json:"queued"`
	QueueDepth int   `json:"queue_depth"`
	Err        error `json:"-"`
}

// Deliverer routes a sample through the single delivery path: direct submit,
// else enqueue. A successful direct submit triggers a drain pass.
type Deliverer struct {
	kind    pkg.WorkerKind
	session SessionClient
	own     *queue.Queue
	sibling *queue.Queue
	timeout time.Duration
	logger  *logx.Logger
	perf    *logx.PerformanceLogger
	now     func() time.Time
}

// NewDeliverer creates a deliverer for kind. sibling is the other worker's
// queue, drained after own; it may be nil.
func NewDeliverer(kind pkg.WorkerKind, session SessionClient, own, sibling *queue.Queue, timeout time.Duration, logger *logx.Logger) *Deliverer {
	if timeout <= 0 {
		timeout = DefaultSubmitTimeout
	}
	logger = logger.With("worker", string(kind))
	return &Deliverer{
		kind:    kind,
		session: session,
		own:     own,
		sibling: sibling,
		timeout: timeout,
		logger:  logger,
		perf:    logx.NewPerformanceLogger(logger, timeout/2),
		now:     time.Now,
	}
}

// Deliver submits sample directly or queues it. Transient failures are not
// returned; Outcome.Err only carries a persistence failure.
func (d *Deliverer) Deliver(ctx context.Context, sample pkg.TrackingSample) Outcome {
	err := d.submit(ctx, sample)
	if err == nil {
		metrics.SamplesSubmitted.WithLabelValues(string(d.kind)).Inc()
		d.Drain(ctx)
		return Outcome{Delivered: true, QueueDepth: d.QueueDepth()}
	}
	d.logger.Debug("Direct submit failed, queueing sample", "error", err)

	sample.QueuedAt = d.now()
	evicted := d.own.Stats().Evicted
	err = d.own.Enqueue(ctx, sample)
	if errors.Is(err, queue.ErrClosed) {
		d.logger.Warn("Queue closed, sample dropped", "error", err)
		return Outcome{QueueDepth: d.QueueDepth(), Err: err}
	}
	if err != nil {
		// The sample stays queued in memory.
		d.logger.Warn("Failed to persist queued sample", "error", err)
	}
	metrics.SamplesQueued.WithLabelValues(string(d.kind)).Inc()
	if n := d.own.Stats().Evicted - evicted; n > 0 {
		metrics.SamplesEvicted.WithLabelValues(string(d.kind)).Add(float64(n))
	}
	d.updateDepth()
	return Outcome{Queued: true, QueueDepth: d.QueueDepth(), Err: err}
}

// Drain delivers queued samples while the session is active, own queue
// first. It returns the number delivered.
func (d *Deliverer) Drain(ctx context.Context) int {
	if !d.session.IsActive() {
		return 0
	}
	done := d.perf.Start("drain")
	total := 0
	var err error
	for _, q := range []*queue.Queue{d.own, d.sibling} {
		if q == nil {
			continue
		}
		var n int
		n, err = q.Drain(ctx, d.submit)
		total += n
		if err != nil {
			break
		}
	}
	done(err)

	if total > 0 {
		metrics.SamplesDrained.WithLabelValues(string(d.kind)).Add(float64(total))
		d.logger.Info("Queued samples delivered", "delivered", total, "remaining", d.QueueDepth())
	}
	d.updateDepth()
	return total
}

// QueueDepth is the number of samples pending in both queues.
func (d *Deliverer) QueueDepth() int {
	n := d.own.Len()
	if d.sibling != nil {
		n += d.sibling.Len()
	}
	return n
}

func (d *Deliverer) updateDepth() {
	metrics.QueueDepth.WithLabelValues(string(d.kind)).Set(float64(d.own.Len()))
}

// submit makes one bounded attempt. A client that ignores ctx is abandoned
// when the timeout fires.
func (d *Deliverer) submit(ctx context.Context, sample pkg.TrackingSample) error {
	if !d.session.IsActive() {
		metrics.SubmitFailures.WithLabelValues(string(d.kind), metrics.ReasonInactive).Inc()
		return errSessionInactive
	}

	sctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	done := d.perf.Start("submit")
	result := make(chan error, 1)
	go func() { result <- d.session.SubmitSample(sctx, sample) }()

	var err error
	select {
	case err = <-result:
	case <-sctx.Done():
		err = sctx.Err()
	}
	done(err)
	metrics.ObserveSubmitLatency(string(d.kind), start)

	if err != nil {
		reason := metrics.ReasonError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(sctx.Err(), context.DeadlineExceeded) {
			reason = metrics.ReasonTimeout
		}
		metrics.SubmitFailures.WithLabelValues(string(d.kind), reason).Inc()
		return fmt.Errorf("submit: %w", err)
	}
	return nil
}
