// Package telem samples battery and signal telemetry for tracking samples.
package telem

import (
	"context"
	"sync"
	"time"

	"github.com/markus-lassfolk/fieldtrack/pkg"
	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
)

// DefaultRefreshInterval is how long a computed reading is reused.
const DefaultRefreshInterval = 30 * time.Second

// providerTimeout bounds a single provider call
const providerTimeout = 5 * time.Second

// BatteryProvider returns the battery charge in percent.
type BatteryProvider interface {
	BatteryPercent(ctx context.Context) (int, error)
}

// SignalProvider returns the connection quality in percent.
type SignalProvider interface {
	SignalPercent(ctx context.Context) (int, error)
}

// Reading is one computed telemetry value.
type Reading struct {
	BatteryPercent int            `json:"battery_percent"`
	SignalPercent  int            `json:"signal_percent"`
	SignalTier     pkg.SignalTier `json:"signal_tier"`
	SampledAt      time.Time      `json:"sampled_at"`
}

// Sampler throttles telemetry re-computation so the reported values stay
// stable between refreshes.
type Sampler struct {
	battery BatteryProvider
	signal  SignalProvider
	logger  *logx.Logger
	refresh time.Duration
	now     func() time.Time

	mu      sync.Mutex
	last    Reading
	sampled bool
}

// Option configures a Sampler
type Option func(*Sampler)

// WithRefreshInterval overrides the 30s throttle.
func WithRefreshInterval(d time.Duration) Option {
	return func(s *Sampler) { s.refresh = d }
}

// WithClock injects a time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sampler) { s.now = now }
}

// NewSampler creates a sampler over the given providers.
func NewSampler(battery BatteryProvider, signal SignalProvider, logger *logx.Logger, opts ...Option) *Sampler {
	s := &Sampler{
		battery: battery,
		signal:  signal,
		logger:  logger,
		refresh: DefaultRefreshInterval,
		now:     time.Now,
		last:    Reading{SignalTier: pkg.SignalPoor},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sample returns battery percent and signal tier, recomputing only when the
// cached reading is older than the refresh interval.
func (s *Sampler) Sample() (int, pkg.SignalTier) {
	r := s.Reading()
	return r.BatteryPercent, r.SignalTier
}

// Reading returns the full cached (or freshly computed) reading.
func (s *Sampler) Reading() Reading {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.sampled && now.Sub(s.last.SampledAt) <= s.refresh {
		return s.last
	}

	ctx, cancel := context.WithTimeout(context.Background(), providerTimeout)
	defer cancel()

	next := s.last
	next.SampledAt = now

	if s.battery != nil {
		if pct, err := s.battery.BatteryPercent(ctx); err != nil {
			s.logger.Debug("Battery sample failed", "error", err)
		} else {
			next.BatteryPercent = clampPercent(pct)
		}
	}
	if s.signal != nil {
		if pct, err := s.signal.SignalPercent(ctx); err != nil {
			s.logger.Debug("Signal sample failed", "error", err)
		} else {
			next.SignalPercent = clampPercent(pct)
			next.SignalTier = pkg.TierForPercent(next.SignalPercent)
		}
	}

	s.last = next
	s.sampled = true
	return next
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
