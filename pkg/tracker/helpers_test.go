package tracker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/fieldtrack/pkg"
	"github.com/markus-lassfolk/fieldtrack/pkg/fix"
	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
	"github.com/markus-lassfolk/fieldtrack/pkg/queue"
	"github.com/markus-lassfolk/fieldtrack/pkg/store"
)

var t0 = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

// MockSession records submissions and fails on demand.
type MockSession struct {
	mu        sync.Mutex
	active    bool
	failures  int
	hang      bool
	submitted []pkg.TrackingSample
}

func (m *MockSession) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *MockSession) SetActive(v bool) {
	m.mu.Lock()
	m.active = v
	m.mu.Unlock()
}

func (m *MockSession) FailNext(n int) {
	m.mu.Lock()
	m.failures = n
	m.mu.Unlock()
}

func (m *MockSession) SubmitSample(ctx context.Context, s pkg.TrackingSample) error {
	m.mu.Lock()
	hang := m.hang
	if !hang && m.failures > 0 {
		m.failures--
		m.mu.Unlock()
		return errors.New("network unreachable")
	}
	if !hang {
		m.submitted = append(m.submitted, s)
	}
	m.mu.Unlock()

	if hang {
		// Ignores ctx on purpose.
		time.Sleep(300 * time.Millisecond)
	}
	return nil
}

func (m *MockSession) Submitted() []pkg.TrackingSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]pkg.TrackingSample(nil), m.submitted...)
}

type staticSampler struct{}

func (staticSampler) Sample() (int, pkg.SignalTier) { return 64, pkg.SignalStrong }

// reporterGauge counts bodies that are running at the same time.
type reporterGauge struct {
	current atomic.Int32
	max     atomic.Int32
}

func (g *reporterGauge) enter() {
	n := g.current.Add(1)
	for {
		m := g.max.Load()
		if n <= m || g.max.CompareAndSwap(m, n) {
			return
		}
	}
}

func (g *reporterGauge) exit() { g.current.Add(-1) }

// fakeExec is an in-process context whose liveness answer can be forced.
type fakeExec struct {
	*InProcessContext
	gauge     *reporterGauge
	launchErr error
	aliveErr  error
	dead      bool
	launches  atomic.Int32
}

func newFakeExec(g *reporterGauge) *fakeExec {
	return &fakeExec{InProcessContext: NewInProcessContext(logx.Discard()), gauge: g}
}

func (f *fakeExec) Launch(ctx context.Context, body func(ctx context.Context) error) error {
	f.launches.Add(1)
	if f.launchErr != nil {
		return f.launchErr
	}
	return f.InProcessContext.Launch(ctx, func(ctx context.Context) error {
		f.gauge.enter()
		defer f.gauge.exit()
		return body(ctx)
	})
}

func (f *fakeExec) Alive(ctx context.Context) (bool, error) {
	if f.aliveErr != nil {
		return false, f.aliveErr
	}
	if f.dead {
		return false, nil
	}
	return f.InProcessContext.Alive(ctx)
}

type recordingNotifier struct {
	mu   sync.Mutex
	tags []string
}

func (r *recordingNotifier) Update(title, body, statusTag string) {
	r.mu.Lock()
	r.tags = append(r.tags, statusTag)
	r.mu.Unlock()
}

func (r *recordingNotifier) Tags() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.tags...)
}

type harness struct {
	src       *fix.ChannelSource
	fixes     FixSource
	session   *MockSession
	gauge     *reporterGauge
	primaryQ  *queue.Queue
	fallbackQ *queue.Queue
	pExec     *fakeExec
	fExec     *fakeExec
	primary   *Worker
	fallback  *Worker
	notifier  *recordingNotifier
	coord     *Coordinator
}

func newHarness(t *testing.T, configure func(h *harness)) *harness {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemoryList()

	h := &harness{
		src:      fix.NewChannelSource(),
		session:  &MockSession{active: true},
		gauge:    &reporterGauge{},
		notifier: &recordingNotifier{},
	}
	var err error
	h.primaryQ, err = queue.Open(ctx, mem, "primary_updates", 2, logx.Discard())
	require.NoError(t, err)
	h.fallbackQ, err = queue.Open(ctx, mem, "fallback_updates", 2, logx.Discard())
	require.NoError(t, err)

	h.pExec = newFakeExec(h.gauge)
	h.fExec = newFakeExec(h.gauge)
	if configure != nil {
		configure(h)
	}

	if h.fixes == nil {
		h.fixes = h.src
	}
	wcfg := WorkerConfig{DrainInterval: 40 * time.Millisecond}
	h.primary = NewWorker(pkg.WorkerPrimary, wcfg, h.fixes, staticSampler{},
		NewDeliverer(pkg.WorkerPrimary, h.session, h.primaryQ, h.fallbackQ, 50*time.Millisecond, logx.Discard()),
		h.pExec, logx.Discard())
	h.fallback = NewWorker(pkg.WorkerFallback, wcfg, h.fixes, staticSampler{},
		NewDeliverer(pkg.WorkerFallback, h.session, h.fallbackQ, h.primaryQ, 50*time.Millisecond, logx.Discard()),
		h.fExec, logx.Discard())
	h.primary.tickUnit = time.Millisecond
	h.fallback.tickUnit = time.Millisecond
	h.primary.resubscribeDelay = 10 * time.Millisecond
	h.fallback.resubscribeDelay = 10 * time.Millisecond

	h.coord = NewCoordinator(CoordinatorConfig{GracePeriod: 30 * time.Millisecond, LivenessTimeout: 20 * time.Millisecond},
		h.primary, h.fallback, h.notifier, logx.Discard())
	t.Cleanup(h.coord.Stop)
	return h
}

func (h *harness) waitMode(t *testing.T, mode pkg.Mode) {
	t.Helper()
	require.Eventually(t, func() bool { return h.coord.Status().Mode == mode },
		2*time.Second, 5*time.Millisecond, "mode never became %s", mode)
}

func (h *harness) waitSubscribed(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return h.src.Subscribers() == 1 }, 2*time.Second, 2*time.Millisecond)
}

// flakySource fails the first failures subscriptions, then delegates.
type flakySource struct {
	FixSource
	failures int32
	calls    atomic.Int32
}

func (f *flakySource) Subscribe(ctx context.Context, distanceFilterMeters float64, accuracy pkg.Accuracy) (<-chan pkg.LocationFix, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, errors.New("open /dev/ttyUSB1: no such file or directory")
	}
	return f.FixSource.Subscribe(ctx, distanceFilterMeters, accuracy)
}

// north returns a fix meters north of the base point at t0+offset.
func north(meters float64, offset time.Duration) pkg.LocationFix {
	return pkg.LocationFix{
		Latitude:  59.0 + meters/111195.0,
		Longitude: 18.0,
		Accuracy:  5,
		Timestamp: t0.Add(offset),
	}
}
