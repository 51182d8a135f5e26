package logx

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// PerformanceLogger keeps running latency and success statistics for named
// operations such as sample submission and queue drains.
type PerformanceLogger struct {
	logger        *Logger
	slowThreshold time.Duration

	mu      sync.Mutex
	metrics map[string]*PerformanceMetric
}

// PerformanceMetric is the accumulated view of one operation.
type PerformanceMetric struct {
	Name         string        `json:"name"`
	Count        int64         `json:"count"`
	ErrorCount   int64         `json:"error_count"`
	Total        time.Duration `json:"total"`
	Min          time.Duration `json:"min"`
	Max          time.Duration `json:"max"`
	LastExecuted time.Time     `json:"last_executed"`
}

// Avg returns the mean duration
func (m PerformanceMetric) Avg() time.Duration {
	if m.Count == 0 {
		return 0
	}
	return m.Total / time.Duration(m.Count)
}

// SuccessRate returns the percentage of operations that did not fail
func (m PerformanceMetric) SuccessRate() float64 {
	if m.Count == 0 {
		return 100
	}
	return float64(m.Count-m.ErrorCount) / float64(m.Count) * 100
}

// NewPerformanceLogger creates a tracker that warns about operations slower
// than slowThreshold.
func NewPerformanceLogger(logger *Logger, slowThreshold time.Duration) *PerformanceLogger {
	return &PerformanceLogger{
		logger:        logger,
		slowThreshold: slowThreshold,
		metrics:       make(map[string]*PerformanceMetric),
	}
}

// Start begins timing an operation. The returned func records the outcome.
func (pl *PerformanceLogger) Start(name string) func(err error) {
	started := time.Now()
	return func(err error) {
		pl.record(name, time.Since(started), err)
	}
}

func (pl *PerformanceLogger) record(name string, d time.Duration, err error) {
	pl.mu.Lock()
	m, ok := pl.metrics[name]
	if !ok {
		m = &PerformanceMetric{Name: name, Min: d}
		pl.metrics[name] = m
	}
	m.Count++
	m.Total += d
	m.LastExecuted = time.Now()
	if d < m.Min {
		m.Min = d
	}
	if d > m.Max {
		m.Max = d
	}
	if err != nil {
		m.ErrorCount++
	}
	snapshot := *m
	pl.mu.Unlock()

	if pl.slowThreshold > 0 && d > pl.slowThreshold {
		pl.logger.Warn("Slow operation detected",
			"operation", name,
			"duration", d.String(),
			"avg_duration", snapshot.Avg().String(),
			"success_rate", fmt.Sprintf("%.2f%%", snapshot.SuccessRate()),
		)
	}
}

// Metric returns a copy of the named metric.
func (pl *PerformanceLogger) Metric(name string) (PerformanceMetric, bool) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	m, ok := pl.metrics[name]
	if !ok {
		return PerformanceMetric{}, false
	}
	return *m, true
}

// LogMetrics writes one summary line per operation, sorted by name.
func (pl *PerformanceLogger) LogMetrics() {
	pl.mu.Lock()
	all := make([]PerformanceMetric, 0, len(pl.metrics))
	for _, m := range pl.metrics {
		all = append(all, *m)
	}
	pl.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	for _, m := range all {
		pl.logger.Info("Performance summary",
			"operation", m.Name,
			"count", m.Count,
			"errors", m.ErrorCount,
			"avg_duration", m.Avg().String(),
			"max_duration", m.Max.String(),
			"success_rate", fmt.Sprintf("%.2f%%", m.SuccessRate()),
		)
	}
}
