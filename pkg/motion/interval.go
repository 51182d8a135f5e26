package motion

import "time"

// Speed bands in km/h.
const (
	FastSpeedKmh   = 12.0
	MediumSpeedKmh = 8.0
	SlowSpeedKmh   = 2.0
)

// Reporting intervals in seconds.
const (
	FastIntervalSeconds   = 5
	MediumIntervalSeconds = 15
	SlowIntervalSeconds   = 30
)

// SelectInterval maps a speed to a reporting interval in seconds. Speeds below
// SlowSpeedKmh are treated as GPS jitter and share the slow cadence.
func SelectInterval(speedKmh float64) int {
	switch {
	case speedKmh >= FastSpeedKmh:
		return FastIntervalSeconds
	case speedKmh >= MediumSpeedKmh:
		return MediumIntervalSeconds
	case speedKmh >= SlowSpeedKmh:
		return SlowIntervalSeconds
	default:
		// NaN lands here too
		return SlowIntervalSeconds
	}
}

// Interval is SelectInterval as a duration.
func Interval(speedKmh float64) time.Duration {
	return time.Duration(SelectInterval(speedKmh)) * time.Second
}
