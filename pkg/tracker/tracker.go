// Package tracker runs the adaptive dual-path reporting engine: a durable
// Primary worker, an in-process Fallback worker, and the Coordinator that
// decides which of the two is producing updates.
package tracker

import (
	"context"
	"errors"

	"github.com/markus-lassfolk/fieldtrack/pkg"
)

var (
	// ErrAlreadyRunning is returned by Start on a running coordinator.
	ErrAlreadyRunning = errors.New("tracking already running")
	// ErrNotActive means no worker is currently reporting.
	ErrNotActive = errors.New("no active tracking worker")
	// ErrNoFix means no location fix has been received yet.
	ErrNoFix = errors.New("no location fix available")
)

// FixSource streams location fixes until ctx ends.
type FixSource interface {
	Subscribe(ctx context.Context, distanceFilterMeters float64, accuracy pkg.Accuracy) (<-chan pkg.LocationFix, error)
}

// SessionClient submits samples to the fleet backend.
type SessionClient interface {
	IsActive() bool
	SubmitSample(ctx context.Context, sample pkg.TrackingSample) error
}

// Notifier surfaces status to the operator. Update must not block.
type Notifier interface {
	Update(title, body, statusTag string)
}

// TelemetrySampler returns the current battery percentage and signal tier.
type TelemetrySampler interface {
	Sample() (int, pkg.SignalTier)
}
