package fix

import (
	"context"
	"fmt"
	"time"

	"googlemaps.github.io/maps"

	"github.com/markus-lassfolk/fieldtrack/pkg"
	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
)

// DefaultGeolocationPoll is how often the Geolocation API is queried at high
// accuracy.
const DefaultGeolocationPoll = 30 * time.Second

type geolocator interface {
	Geolocate(ctx context.Context, r *maps.GeolocationRequest) (*maps.GeolocationResult, error)
}

// GeolocationSource polls the Google Geolocation API for coarse IP/cell based
// fixes. Used on units without a GNSS receiver.
type GeolocationSource struct {
	client   geolocator
	interval time.Duration
	logger   *logx.Logger
	now      func() time.Time
}

// NewGeolocationSource creates a source authenticated with apiKey.
func NewGeolocationSource(apiKey string, interval time.Duration, logger *logx.Logger) (*GeolocationSource, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Google Maps client: %w", err)
	}
	return newGeolocationSource(client, interval, logger), nil
}

func newGeolocationSource(client geolocator, interval time.Duration, logger *logx.Logger) *GeolocationSource {
	if interval <= 0 {
		interval = DefaultGeolocationPoll
	}
	return &GeolocationSource{client: client, interval: interval, logger: logger, now: time.Now}
}

// pollInterval stretches the poll period for lower accuracy hints to save
// API quota.
func (s *GeolocationSource) pollInterval(accuracy pkg.Accuracy) time.Duration {
	switch accuracy {
	case pkg.AccuracyLow:
		return 4 * s.interval
	case pkg.AccuracyBalanced:
		return 2 * s.interval
	default:
		return s.interval
	}
}

// Subscribe queries immediately and then on every poll interval.
func (s *GeolocationSource) Subscribe(ctx context.Context, distanceFilterMeters float64, accuracy pkg.Accuracy) (<-chan pkg.LocationFix, error) {
	out := make(chan pkg.LocationFix, 1)
	interval := s.pollInterval(accuracy)

	go func() {
		defer close(out)
		filter := &distanceFilter{minMeters: distanceFilterMeters}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if fix, err := s.locate(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("Geolocation request failed", "error", err)
			} else if filter.accept(fix) {
				select {
				case out <- fix:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

func (s *GeolocationSource) locate(ctx context.Context) (pkg.LocationFix, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := s.client.Geolocate(ctx, &maps.GeolocationRequest{ConsiderIP: true})
	if err != nil {
		return pkg.LocationFix{}, err
	}
	return pkg.LocationFix{
		Latitude:  resp.Location.Lat,
		Longitude: resp.Location.Lng,
		Accuracy:  resp.Accuracy,
		Timestamp: s.now(),
	}, nil
}
