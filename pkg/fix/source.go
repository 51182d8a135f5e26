// Package fix provides location fix sources: an NMEA serial receiver, the
// Google Geolocation API, and a channel-fed source for tests and replay.
package fix

import (
	"context"
	"sync"

	"github.com/markus-lassfolk/fieldtrack/pkg"
	"github.com/markus-lassfolk/fieldtrack/pkg/motion"
)

// Source streams fixes until ctx ends, then closes the channel.
type Source interface {
	Subscribe(ctx context.Context, distanceFilterMeters float64, accuracy pkg.Accuracy) (<-chan pkg.LocationFix, error)
}

// distanceFilter drops fixes closer than minMeters to the last emitted fix.
type distanceFilter struct {
	minMeters float64
	last      pkg.LocationFix
	seen      bool
}

func (f *distanceFilter) accept(fix pkg.LocationFix) bool {
	if f.seen && f.minMeters > 0 && motion.DistanceMeters(f.last, fix) < f.minMeters {
		return false
	}
	f.last = fix
	f.seen = true
	return true
}

// ChannelSource replays fixes pushed with Push to every subscriber.
type ChannelSource struct {
	mu   sync.Mutex
	subs map[chan pkg.LocationFix]*distanceFilter
}

// NewChannelSource creates an empty source.
func NewChannelSource() *ChannelSource {
	return &ChannelSource{subs: make(map[chan pkg.LocationFix]*distanceFilter)}
}

// Subscribe registers a subscriber; it is removed and its channel closed when
// ctx ends.
func (s *ChannelSource) Subscribe(ctx context.Context, distanceFilterMeters float64, _ pkg.Accuracy) (<-chan pkg.LocationFix, error) {
	ch := make(chan pkg.LocationFix, 16)
	s.mu.Lock()
	s.subs[ch] = &distanceFilter{minMeters: distanceFilterMeters}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch, nil
}

// Push delivers fix to all current subscribers. A subscriber whose buffer is
// full misses the fix.
func (s *ChannelSource) Push(fix pkg.LocationFix) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch, filter := range s.subs {
		if !filter.accept(fix) {
			continue
		}
		select {
		case ch <- fix:
		default:
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (s *ChannelSource) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
