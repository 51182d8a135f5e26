package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
	"github.com/markus-lassfolk/fieldtrack/pkg/pidfile"
)

// DefaultHeartbeatInterval is how often the durable context refreshes its
// heartbeat file.
const DefaultHeartbeatInterval = time.Second

var errBodyRunning = errors.New("worker body already running")

// ExecutionContext is the strategy that hosts a worker body.
type ExecutionContext interface {
	// Launch starts body in the background.
	Launch(ctx context.Context, body func(ctx context.Context) error) error
	// Alive reports whether the body is executing.
	Alive(ctx context.Context) (bool, error)
	// Halt cancels the body and waits for it to return.
	Halt()
}

// bodyRunner owns one background body goroutine.
type bodyRunner struct {
	logger *logx.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (r *bodyRunner) start(ctx context.Context, body func(ctx context.Context) error) (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		select {
		case <-r.done:
		default:
			return nil, errBodyRunning
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel, r.done = cancel, done

	go func() {
		defer close(done)
		// Ends everything bound to the body ctx, like the heartbeat loop.
		defer cancel()
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("Worker panicked", "panic", fmt.Sprint(p), "stack", string(debug.Stack()))
			}
		}()
		if err := body(ctx); err != nil {
			r.logger.Warn("Worker exited with error", "error", err)
		}
	}()
	return ctx, nil
}

func (r *bodyRunner) running() bool {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func (r *bodyRunner) halt() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// InProcessContext runs the body as a goroutine bound to the caller context.
type InProcessContext struct {
	runner bodyRunner
}

// NewInProcessContext creates the Fallback execution context.
func NewInProcessContext(logger *logx.Logger) *InProcessContext {
	return &InProcessContext{runner: bodyRunner{logger: logger}}
}

func (c *InProcessContext) Launch(ctx context.Context, body func(ctx context.Context) error) error {
	_, err := c.runner.start(ctx, body)
	return err
}

func (c *InProcessContext) Alive(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return c.runner.running(), nil
}

func (c *InProcessContext) Halt() { c.runner.halt() }

// Heartbeat is the JSON document the durable context keeps fresh.
type Heartbeat struct {
	Timestamp string `json:"ts"`
	PID       int    `json:"pid"`
	Worker    string `json:"worker"`
	UptimeS   int64  `json:"uptime_s"`
}

// DurableConfig locates the durable context's PID and heartbeat files.
type DurableConfig struct {
	PIDFile           string
	HeartbeatFile     string
	HeartbeatInterval time.Duration
}

// DurableContext runs the body detached from the caller's cancellation. It
// holds a PID file and refreshes a heartbeat file, so liveness can be judged
// from outside the body.
type DurableContext struct {
	cfg    DurableConfig
	logger *logx.Logger
	now    func() time.Time
	pid    *pidfile.PIDFile
	runner bodyRunner

	hbMu   sync.Mutex
	hbDone chan struct{}
}

// NewDurableContext creates the Primary execution context.
func NewDurableContext(cfg DurableConfig, logger *logx.Logger) *DurableContext {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &DurableContext{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		pid:    pidfile.New(cfg.PIDFile),
		runner: bodyRunner{logger: logger},
	}
}

// Launch claims the PID file, writes a first heartbeat and starts the body.
func (c *DurableContext) Launch(ctx context.Context, body func(ctx context.Context) error) error {
	if c.runner.running() {
		return errBodyRunning
	}
	// Release what a body that exited on its own left behind.
	c.Halt()

	if err := c.pid.Create(); err != nil {
		return fmt.Errorf("durable context: %w", err)
	}

	started := c.now()
	if err := c.writeHeartbeat(started); err != nil {
		_ = c.pid.Remove()
		return fmt.Errorf("durable context: %w", err)
	}

	bodyCtx, err := c.runner.start(context.WithoutCancel(ctx), body)
	if err != nil {
		_ = c.pid.Remove()
		return err
	}

	hbDone := make(chan struct{})
	c.hbMu.Lock()
	c.hbDone = hbDone
	c.hbMu.Unlock()
	go c.heartbeatLoop(bodyCtx, started, hbDone)
	return nil
}

// Alive requires the PID file to name this process, the heartbeat to be
// younger than three intervals, and the body to be running.
func (c *DurableContext) Alive(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !c.runner.running() {
		return false, nil
	}

	owned, err := c.pid.Owned()
	if err != nil {
		return false, fmt.Errorf("read pid file: %w", err)
	}
	if !owned {
		return false, nil
	}

	hb, err := c.readHeartbeat()
	if err != nil {
		return false, fmt.Errorf("read heartbeat: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, hb.Timestamp)
	if err != nil {
		return false, fmt.Errorf("parse heartbeat: %w", err)
	}
	return c.now().Sub(ts) < 3*c.cfg.HeartbeatInterval, nil
}

// Halt stops the body and heartbeat, then releases the files.
func (c *DurableContext) Halt() {
	c.runner.halt()

	c.hbMu.Lock()
	hbDone := c.hbDone
	c.hbDone = nil
	c.hbMu.Unlock()
	if hbDone == nil {
		return
	}
	<-hbDone

	if err := c.pid.Remove(); err != nil {
		c.logger.Warn("Failed to remove PID file", "path", c.cfg.PIDFile, "error", err)
	}
	if err := os.Remove(c.cfg.HeartbeatFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("Failed to remove heartbeat file", "path", c.cfg.HeartbeatFile, "error", err)
	}
}

func (c *DurableContext) heartbeatLoop(ctx context.Context, started time.Time, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeHeartbeat(started); err != nil {
				c.logger.Error("Failed to write heartbeat file", "error", err, "file", c.cfg.HeartbeatFile)
			}
		}
	}
}

// writeHeartbeat writes via a temp file and rename so readers never see a
// partial document.
func (c *DurableContext) writeHeartbeat(started time.Time) error {
	now := c.now()
	data, err := json.Marshal(Heartbeat{
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		PID:       os.Getpid(),
		Worker:    "primary",
		UptimeS:   int64(now.Sub(started).Seconds()),
	})
	if err != nil {
		return err
	}

	dir := filepath.Dir(c.cfg.HeartbeatFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".heartbeat-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), c.cfg.HeartbeatFile)
}

func (c *DurableContext) readHeartbeat() (Heartbeat, error) {
	var hb Heartbeat
	data, err := os.ReadFile(c.cfg.HeartbeatFile)
	if err != nil {
		return hb, err
	}
	err = json.Unmarshal(data, &hb)
	return hb, err
}
