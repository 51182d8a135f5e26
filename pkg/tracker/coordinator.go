package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/markus-lassfolk/fieldtrack/pkg"
	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
	"github.com/markus-lassfolk/fieldtrack/pkg/metrics"
	"github.com/markus-lassfolk/fieldtrack/pkg/motion"
)

// Coordinator timing defaults.
const (
	DefaultGracePeriod     = 3 * time.Second
	DefaultLivenessTimeout = 2 * time.Second
)

// CoordinatorConfig holds the coordinator timings.
type CoordinatorConfig struct {
	GracePeriod     time.Duration
	LivenessTimeout time.Duration
}

// FlushResult is returned by ForceFlushNow.
type FlushResult struct {
	Worker pkg.WorkerKind `json:"worker"`
	Outcome
}

// Coordinator decides which worker reports and publishes status.
//
// Start launches Primary and, after the grace period, keeps it if it is alive
// or halts it and launches Fallback otherwise. At most one worker reports at
// any time.
type Coordinator struct {
	cfg      CoordinatorConfig
	primary  *Worker
	fallback *Worker
	notifier Notifier
	logger   *logx.Logger

	// lifeMu serializes Start, Stop and the grace decision.
	lifeMu sync.Mutex
	runCtx context.Context
	grace  *time.Timer
	gen    uint64

	mu      sync.Mutex
	session pkg.TrackingSession
	active  pkg.WorkerKind
	online  bool
	battery int
	tier    pkg.SignalTier
	subs    map[int]chan pkg.Status
	nextSub int
}

// NewCoordinator wires the two workers. notifier may be nil.
func NewCoordinator(cfg CoordinatorConfig, primary, fallback *Worker, notifier Notifier, logger *logx.Logger) *Coordinator {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = DefaultLivenessTimeout
	}
	return &Coordinator{
		cfg:      cfg,
		primary:  primary,
		fallback: fallback,
		notifier: notifier,
		logger:   logger,
		session:  pkg.TrackingSession{Mode: pkg.ModeIdle},
		subs:     make(map[int]chan pkg.Status),
	}
}

// Start launches the Primary worker and arms the grace timer.
func (c *Coordinator) Start(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	c.mu.Lock()
	mode := c.session.Mode
	c.mu.Unlock()
	if mode != pkg.ModeIdle && mode != pkg.ModeStopped {
		return ErrAlreadyRunning
	}

	c.gen++
	gen := c.gen
	c.runCtx = ctx

	// Each run gets a fresh session at the slowest cadence.
	c.mu.Lock()
	c.session = pkg.TrackingSession{Mode: mode, CurrentIntervalSeconds: motion.SelectInterval(0)}
	c.online, c.battery, c.tier = false, 0, ""
	c.mu.Unlock()
	c.setMode(pkg.ModeStartingPrimary, pkg.WorkerNone, "start")

	if err := c.primary.Start(ctx, c.handleEvent); err != nil {
		// The liveness check will report it dead and Fallback takes over.
		c.logger.Warn("Primary worker failed to launch", "error", err)
	}
	c.grace = time.AfterFunc(c.cfg.GracePeriod, func() { c.decide(gen) })
	return nil
}

// decide runs once the grace period expires.
func (c *Coordinator) decide(gen uint64) {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	c.mu.Lock()
	stale := gen != c.gen || c.session.Mode != pkg.ModeStartingPrimary
	c.mu.Unlock()
	if stale {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.LivenessTimeout)
	alive, err := c.primary.Alive(ctx)
	cancel()

	if err == nil && alive {
		c.setMode(pkg.ModePrimaryActive, pkg.WorkerPrimary, "primary alive after grace period")
		return
	}

	reason := "primary not alive after grace period"
	if err != nil {
		reason = fmt.Sprintf("liveness check failed: %v", err)
	}
	c.primary.Stop()
	if err := c.fallback.Start(c.runCtx, c.handleEvent); err != nil {
		c.logger.Error("Fallback worker failed to launch", "error", err)
	}
	c.setMode(pkg.ModeFallbackActive, pkg.WorkerFallback, reason)
}

// Stop halts whichever worker runs and waits for it. Calling Stop again is a
// no-op.
func (c *Coordinator) Stop() {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	c.gen++
	if c.grace != nil {
		c.grace.Stop()
		c.grace = nil
	}

	c.mu.Lock()
	mode := c.session.Mode
	c.mu.Unlock()
	if mode == pkg.ModeStopped {
		return
	}

	c.primary.Stop()
	c.fallback.Stop()
	c.setMode(pkg.ModeStopped, pkg.WorkerNone, "stop")
}

// Status returns a snapshot of the session.
func (c *Coordinator) Status() pkg.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Coordinator) statusLocked() pkg.Status {
	s := pkg.Status{
		TrackingSession: c.session,
		ActiveWorker:    c.active,
		QueueDepth:      c.primary.Deliverer().QueueDepth(),
		Online:          c.online,
		BatteryPercent:  c.battery,
		SignalTier:      c.tier,
	}
	if c.session.LastUpdateAt != nil {
		t := *c.session.LastUpdateAt
		s.LastUpdateAt = &t
	}
	return s
}

// Subscribe returns a channel of status snapshots. Delivery keeps only the
// latest value, so a slow reader never blocks the coordinator.
func (c *Coordinator) Subscribe() (<-chan pkg.Status, func()) {
	ch := make(chan pkg.Status, 1)
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.statusLocked()
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			close(ch)
			c.mu.Unlock()
		})
	}
}

// ForceFlushNow asks the reporting worker to submit the last known fix now.
func (c *Coordinator) ForceFlushNow(ctx context.Context) (FlushResult, error) {
	c.mu.Lock()
	mode, active := c.session.Mode, c.active
	c.mu.Unlock()

	var w *Worker
	switch {
	case active == pkg.WorkerPrimary:
		w = c.primary
	case active == pkg.WorkerFallback:
		w = c.fallback
	case mode == pkg.ModeStartingPrimary:
		w = c.primary
	default:
		return FlushResult{}, ErrNotActive
	}

	out, err := w.Flush(ctx)
	if err != nil {
		return FlushResult{}, err
	}
	return FlushResult{Worker: w.Kind(), Outcome: out}, nil
}

// handleEvent is called from worker bodies.
func (c *Coordinator) handleEvent(ev Event) {
	c.mu.Lock()
	reporting := ev.Worker == c.active ||
		(c.session.Mode == pkg.ModeStartingPrimary && ev.Worker == pkg.WorkerPrimary)
	if !reporting {
		c.mu.Unlock()
		c.logger.Debug("Ignoring event from inactive worker", "worker", string(ev.Worker), "type", string(ev.Type))
		return
	}

	c.session.CurrentSpeedKmh = ev.SpeedKmh
	c.session.CurrentIntervalSeconds = ev.IntervalSeconds
	if ev.Type == EventReport {
		at := ev.At
		c.session.LastUpdateAt = &at
		c.online = ev.Outcome.Delivered
		if ev.Sample != nil {
			c.battery = ev.Sample.BatteryPercent
			c.tier = ev.Sample.SignalTier
		}
	}
	if ev.Type == EventDrain && ev.Outcome.QueueDepth == 0 {
		c.online = true
	}
	status := c.statusLocked()
	c.publishLocked(status)
	c.mu.Unlock()

	metrics.IntervalSeconds.Set(float64(ev.IntervalSeconds))
	metrics.SpeedKmh.Set(ev.SpeedKmh)
	if ev.Type != EventCadence {
		c.notify(status)
	}
}

func (c *Coordinator) setMode(mode pkg.Mode, active pkg.WorkerKind, reason string) {
	c.mu.Lock()
	from := c.session.Mode
	c.session.Mode = mode
	c.active = active
	if mode == pkg.ModeStopped {
		c.online = false
	}
	status := c.statusLocked()
	c.publishLocked(status)
	c.mu.Unlock()

	metrics.SetActiveWorker(string(active))
	c.logger.LogStateChange("coordinator", string(from), string(mode), reason, map[string]interface{}{
		"active_worker": string(active),
	})
	c.notify(status)
}

func (c *Coordinator) publishLocked(s pkg.Status) {
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

func (c *Coordinator) notify(s pkg.Status) {
	if c.notifier == nil {
		return
	}
	title := "Tracking " + modeTitle(s.Mode)
	body := fmt.Sprintf("Every %ds, %.1f km/h, battery %d%%, signal %s",
		s.CurrentIntervalSeconds, s.CurrentSpeedKmh, s.BatteryPercent, s.SignalTier)
	if s.QueueDepth > 0 {
		body += fmt.Sprintf(", %d queued", s.QueueDepth)
	}
	c.notifier.Update(title, body, s.StatusTag())
}

func modeTitle(m pkg.Mode) string {
	switch m {
	case pkg.ModePrimaryActive:
		return "active"
	case pkg.ModeFallbackActive:
		return "active (in-process)"
	case pkg.ModeStartingPrimary:
		return "starting"
	case pkg.ModeStopped:
		return "stopped"
	default:
		return "idle"
	}
}
