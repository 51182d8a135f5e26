package pkg

import (
	"fmt"
	"strings"
	"time"
)

// LocationFix is a single geolocation reading produced by a fix source.
type LocationFix struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

// IsZero reports whether the fix carries no reading at all
func (f LocationFix) IsZero() bool {
	return f.Timestamp.IsZero() && f.Latitude == 0 && f.Longitude == 0
}

// SignalTier is a coarse classification of connection quality
type SignalTier string

const (
	SignalStrong SignalTier = "strong"
	SignalWeak   SignalTier = "weak"
	SignalPoor   SignalTier = "poor"
)

// Signal banding thresholds, in percent.
const (
	StrongSignalPercent = 60
	WeakSignalPercent   = 30
)

// TierForPercent maps a signal percentage onto its tier.
func TierForPercent(percent int) SignalTier {
	switch {
	case percent >= StrongSignalPercent:
		return SignalStrong
	case percent >= WeakSignalPercent:
		return SignalWeak
	default:
		return SignalPoor
	}
}

// ParseSignalTier parses a lowercase tier name.
func ParseSignalTier(s string) (SignalTier, error) {
	switch SignalTier(strings.ToLower(strings.TrimSpace(s))) {
	case SignalStrong:
		return SignalStrong, nil
	case SignalWeak:
		return SignalWeak, nil
	case SignalPoor:
		return SignalPoor, nil
	}
	return SignalPoor, fmt.Errorf("unknown signal tier %q", s)
}

// Valid reports whether t is one of the three known tiers
func (t SignalTier) Valid() bool {
	return t == SignalStrong || t == SignalWeak || t == SignalPoor
}

// TrackingSample is what a worker reports on each tick.
type TrackingSample struct {
	Fix            LocationFix `json:"fix"`
	BatteryPercent int         `json:"battery_percent"`
	SignalTier     SignalTier  `json:"signal_tier"`
	QueuedAt       time.Time   `json:"queued_at"`
}

// NewTrackingSample builds a sample with battery clamped to [0,100] and an
// unknown tier normalised to poor.
func NewTrackingSample(fix LocationFix, battery int, tier SignalTier, at time.Time) TrackingSample {
	s := TrackingSample{
		Fix:            fix,
		BatteryPercent: battery,
		SignalTier:     tier,
		QueuedAt:       at,
	}
	s.Normalize()
	return s
}

// Normalize enforces the sample invariants in place.
func (s *TrackingSample) Normalize() {
	if s.BatteryPercent < 0 {
		s.BatteryPercent = 0
	}
	if s.BatteryPercent > 100 {
		s.BatteryPercent = 100
	}
	if !s.SignalTier.Valid() {
		s.SignalTier = SignalPoor
	}
}

// SubmissionPayload is the exact JSON object the session API accepts.
type SubmissionPayload struct {
	Latitude      float64    `json:"latitude"`
	Longitude     float64    `json:"longitude"`
	Accuracy      float64    `json:"accuracy"`
	BatteryStatus int        `json:"batteryStatus"`
	Signal        SignalTier `json:"signal"`
}

// Payload returns the wire form of the sample.
func (s TrackingSample) Payload() SubmissionPayload {
	s.Normalize()
	return SubmissionPayload{
		Latitude:      s.Fix.Latitude,
		Longitude:     s.Fix.Longitude,
		Accuracy:      s.Fix.Accuracy,
		BatteryStatus: s.BatteryPercent,
		Signal:        s.SignalTier,
	}
}

// WorkerKind tags which of the two redundant execution paths a worker runs on
type WorkerKind string

const (
	WorkerNone     WorkerKind = ""
	WorkerPrimary  WorkerKind = "primary"
	WorkerFallback WorkerKind = "fallback"
)

// Mode is the coordinator session state
type Mode string

const (
	ModeIdle            Mode = "idle"
	ModeStartingPrimary Mode = "starting_primary"
	ModePrimaryActive   Mode = "primary_active"
	ModeFallbackActive  Mode = "fallback_active"
	ModeStopped         Mode = "stopped"
)

// Active reports whether a worker is expected to be reporting in this mode
func (m Mode) Active() bool {
	return m == ModePrimaryActive || m == ModeFallbackActive
}

// TrackingSession holds the coordinator-owned reporting state.
type TrackingSession struct {
	Mode                   Mode       `json:"mode"`
	CurrentSpeedKmh        float64    `json:"current_speed_kmh"`
	CurrentIntervalSeconds int        `json:"current_interval_seconds"`
	LastUpdateAt           *time.Time `json:"last_update_at,omitempty"`
}

// Status is the read-only view exposed to UIs and the API.
type Status struct {
	TrackingSession
	ActiveWorker   WorkerKind `json:"active_worker"`
	QueueDepth     int        `json:"queue_depth"`
	Online         bool       `json:"online"`
	BatteryPercent int        `json:"battery_percent"`
	SignalTier     SignalTier `json:"signal_tier,omitempty"`
}

// StatusTag is the short label shown next to notifications.
func (s Status) StatusTag() string {
	if s.Online {
		return "online"
	}
	if s.QueueDepth > 0 {
		return fmt.Sprintf("offline (%d queued)", s.QueueDepth)
	}
	return "offline"
}

// Accuracy is the precision hint passed to a fix source subscription.
type Accuracy string

const (
	AccuracyHigh     Accuracy = "high"
	AccuracyBalanced Accuracy = "balanced"
	AccuracyLow      Accuracy = "low"
)

// ParseAccuracy maps a config value to an Accuracy, defaulting to high.
func ParseAccuracy(s string) (Accuracy, error) {
	switch a := Accuracy(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return AccuracyHigh, nil
	case AccuracyHigh, AccuracyBalanced, AccuracyLow:
		return a, nil
	default:
		return "", fmt.Errorf("unknown accuracy %q", s)
	}
}
