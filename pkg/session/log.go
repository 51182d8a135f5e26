package session

import (
	"context"
	"sync/atomic"

	"github.com/markus-lassfolk/fieldtrack/pkg"
	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
)

// LogClient accepts every sample and logs its payload. Dry runs use it in
// place of a backend.
type LogClient struct {
	logger    *logx.Logger
	submitted atomic.Int64
}

// NewLogClient creates a log-only session.
func NewLogClient(logger *logx.Logger) *LogClient {
	return &LogClient{logger: logger}
}

// IsActive is always true.
func (c *LogClient) IsActive() bool { return true }

// SubmitSample logs the wire payload.
func (c *LogClient) SubmitSample(ctx context.Context, sample pkg.TrackingSample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := sample.Payload()
	c.submitted.Add(1)
	c.logger.Info("Sample submitted",
		"latitude", p.Latitude,
		"longitude", p.Longitude,
		"accuracy", p.Accuracy,
		"battery", p.BatteryStatus,
		"signal", string(p.Signal),
	)
	return nil
}

// Submitted is the number of samples accepted so far.
func (c *LogClient) Submitted() int64 { return c.submitted.Load() }
