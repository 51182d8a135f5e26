package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/markus-lassfolk/fieldtrack/pkg"
	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
	"github.com/markus-lassfolk/fieldtrack/pkg/motion"
)

// DefaultDrainInterval is how often a reporting worker retries its queues.
const DefaultDrainInterval = 60 * time.Second

// DefaultResubscribeDelay is the pause before a failed or closed fix
// subscription is retried.
const DefaultResubscribeDelay = 5 * time.Second

// WorkerState is the lifecycle state of one worker.
type WorkerState string

const (
	StateStopped      WorkerState = "stopped"
	StateAcquiringFix WorkerState = "acquiring_fix"
	StateReporting    WorkerState = "reporting"
)

// EventType tells what a worker event carries.
type EventType string

const (
	// EventCadence follows a fix that changed speed or interval.
	EventCadence EventType = "cadence"
	// EventReport follows a delivery attempt.
	EventReport EventType = "report"
	// EventDrain follows a periodic drain pass that changed the queue.
	EventDrain EventType = "drain"
)

// Event is what a worker tells its coordinator.
type Event struct {
	Type            EventType
	Worker          pkg.WorkerKind
	SpeedKmh        float64
	IntervalSeconds int
	Sample          *pkg.TrackingSample
	Outcome         Outcome
	At              time.Time
}

// WorkerConfig holds the settings shared by both workers.
type WorkerConfig struct {
	DistanceFilterMeters float64
	Accuracy             pkg.Accuracy
	DrainInterval        time.Duration
}

type flushRequest struct {
	result chan flushResult
}

type flushResult struct {
	outcome Outcome
	err     error
}

// Worker turns fixes into delivered samples. Primary and Fallback are the
// same type and differ only in their ExecutionContext and queue.
type Worker struct {
	kind      pkg.WorkerKind
	cfg       WorkerConfig
	fixes     FixSource
	sampler   TelemetrySampler
	deliverer *Deliverer
	exec      ExecutionContext
	logger    *logx.Logger
	now       func() time.Time

	// tickUnit scales interval seconds into ticker periods.
	tickUnit         time.Duration
	resubscribeDelay time.Duration

	onEvent func(Event)
	flushCh chan flushRequest

	mu     sync.Mutex
	state  WorkerState
	exited chan struct{}
}

// NewWorker creates a stopped worker.
func NewWorker(kind pkg.WorkerKind, cfg WorkerConfig, fixes FixSource, sampler TelemetrySampler,
	deliverer *Deliverer, exec ExecutionContext, logger *logx.Logger) *Worker {
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = DefaultDrainInterval
	}
	if cfg.Accuracy == "" {
		cfg.Accuracy = pkg.AccuracyHigh
	}
	w := &Worker{
		kind:             kind,
		cfg:              cfg,
		fixes:            fixes,
		sampler:          sampler,
		deliverer:        deliverer,
		exec:             exec,
		logger:           logger.With("worker", string(kind)),
		now:              time.Now,
		tickUnit:         time.Second,
		resubscribeDelay: DefaultResubscribeDelay,
		onEvent:          func(Event) {},
		flushCh:          make(chan flushRequest),
		state:            StateStopped,
	}
	return w
}

// Kind returns the worker's path.
func (w *Worker) Kind() pkg.WorkerKind { return w.kind }

// Deliverer returns the delivery path the worker reports through.
func (w *Worker) Deliverer() *Deliverer { return w.deliverer }

// State returns the current lifecycle state.
func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s WorkerState) {
	w.mu.Lock()
	prev := w.state
	w.state = s
	w.mu.Unlock()
	if prev != s {
		w.logger.LogStateChange("worker", string(prev), string(s), "", nil)
	}
}

// Start launches the body in the worker's execution context.
func (w *Worker) Start(ctx context.Context, onEvent func(Event)) error {
	if onEvent != nil {
		w.onEvent = onEvent
	}
	return w.exec.Launch(ctx, w.run)
}

// Alive asks the execution context whether the body is running.
func (w *Worker) Alive(ctx context.Context) (bool, error) {
	return w.exec.Alive(ctx)
}

// Stop halts the body and waits for it. No event is emitted after Stop
// returns.
func (w *Worker) Stop() {
	w.exec.Halt()
	w.setState(StateStopped)
	w.deliverer.perf.LogMetrics()
}

// Flush asks the running body to deliver a sample built from the last fix
// right away.
func (w *Worker) Flush(ctx context.Context) (Outcome, error) {
	w.mu.Lock()
	state, exited := w.state, w.exited
	w.mu.Unlock()
	if state == StateStopped || exited == nil {
		return Outcome{}, ErrNotActive
	}

	req := flushRequest{result: make(chan flushResult, 1)}
	select {
	case w.flushCh <- req:
	case <-exited:
		return Outcome{}, ErrNotActive
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
	select {
	case res := <-req.result:
		return res.outcome, res.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// reporter is the body-local reporting state.
type reporter struct {
	lastFix  pkg.LocationFix
	hasFix   bool
	speed    float64
	interval int
}

func (w *Worker) run(ctx context.Context) error {
	exited := make(chan struct{})
	w.mu.Lock()
	w.exited = exited
	w.mu.Unlock()
	defer close(exited)

	w.setState(StateAcquiringFix)
	defer w.setState(StateStopped)

	r := &reporter{interval: motion.SelectInterval(0)}
	ticker := time.NewTicker(time.Duration(r.interval) * w.tickUnit)
	defer ticker.Stop()
	drainTicker := time.NewTicker(w.cfg.DrainInterval)
	defer drainTicker.Stop()

	// A missing receiver is not fatal: the body keeps acquiring until a
	// subscription succeeds.
	var resubscribe <-chan time.Time
	fixes, err := w.fixes.Subscribe(ctx, w.cfg.DistanceFilterMeters, w.cfg.Accuracy)
	if err != nil {
		w.logger.Warn("Fix subscription failed, retrying", "error", err, "retry_in", w.resubscribeDelay.String())
		fixes = nil
		resubscribe = time.After(w.resubscribeDelay)
	}
	w.logger.Info("Worker started", "interval_s", r.interval)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker stopped")
			return nil

		case fix, ok := <-fixes:
			if !ok {
				fixes = nil
				resubscribe = time.After(w.resubscribeDelay)
				w.logger.Warn("Fix stream closed, resubscribing", "retry_in", w.resubscribeDelay.String())
				continue
			}
			w.handleFix(r, fix, ticker)

		case <-resubscribe:
			resubscribe = nil
			if fixes, err = w.fixes.Subscribe(ctx, w.cfg.DistanceFilterMeters, w.cfg.Accuracy); err != nil {
				w.logger.Warn("Fix resubscription failed", "error", err)
				fixes = nil
				resubscribe = time.After(w.resubscribeDelay)
			}

		case <-ticker.C:
			if !r.hasFix {
				w.logger.Debug("Tick without a fix, nothing to report")
				continue
			}
			w.report(ctx, r)

		case <-drainTicker.C:
			before := w.deliverer.QueueDepth()
			if n := w.deliverer.Drain(ctx); n > 0 || before != w.deliverer.QueueDepth() {
				w.emit(Event{Type: EventDrain, SpeedKmh: r.speed, IntervalSeconds: r.interval,
					Outcome: Outcome{QueueDepth: w.deliverer.QueueDepth()}})
			}

		case req := <-w.flushCh:
			if !r.hasFix {
				req.result <- flushResult{err: ErrNoFix}
				continue
			}
			req.result <- flushResult{outcome: w.report(ctx, r)}
		}
	}
}

// handleFix updates speed and cadence. The first fix has no predecessor and
// only moves the worker to Reporting.
func (w *Worker) handleFix(r *reporter, fix pkg.LocationFix, ticker *time.Ticker) {
	if !r.hasFix {
		r.lastFix, r.hasFix = fix, true
		w.setState(StateReporting)
		return
	}

	r.speed = motion.EstimateSpeed(fix, r.lastFix)
	r.lastFix = fix
	if next := motion.SelectInterval(r.speed); next != r.interval {
		w.logger.Info("Reporting interval adapted", "from_s", r.interval, "to_s", next, "speed_kmh", r.speed)
		r.interval = next
		ticker.Reset(time.Duration(next) * w.tickUnit)
	}
	w.emit(Event{Type: EventCadence, SpeedKmh: r.speed, IntervalSeconds: r.interval})
}

func (w *Worker) report(ctx context.Context, r *reporter) Outcome {
	battery, tier := w.sampler.Sample()
	sample := pkg.NewTrackingSample(r.lastFix, battery, tier, w.now())
	outcome := w.deliverer.Deliver(ctx, sample)

	w.emit(Event{
		Type:            EventReport,
		SpeedKmh:        r.speed,
		IntervalSeconds: r.interval,
		Sample:          &sample,
		Outcome:         outcome,
	})
	return outcome
}

func (w *Worker) emit(ev Event) {
	ev.Worker = w.kind
	ev.At = w.now()
	w.onEvent(ev)
}
