// Package notifications surfaces tracking status to the operator.
package notifications

import (
	"sync"
	"time"

	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
)

// Notifier receives fire-and-forget status updates. Implementations must not
// block the caller on network I/O.
type Notifier interface {
	Update(title, body, statusTag string)
}

// Notification is one status update as delivered to a channel.
type Notification struct {
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Tag       string    `json:"tag"`
	Timestamp time.Time `json:"timestamp"`
}

// LogNotifier writes every update to the log.
type LogNotifier struct {
	logger *logx.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(logger *logx.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Update(title, body, statusTag string) {
	n.logger.Info("Tracking status update", "title", title, "body", body, "tag", statusTag)
}

// MultiNotifier fans an update out to several notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier skips nil entries.
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	m := &MultiNotifier{}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

func (m *MultiNotifier) Update(title, body, statusTag string) {
	for _, n := range m.notifiers {
		n.Update(title, body, statusTag)
	}
}

// Len returns the number of wrapped notifiers.
func (m *MultiNotifier) Len() int { return len(m.notifiers) }

// tagGate passes an update only when the status tag differs from the last
// one passed.
type tagGate struct {
	mu   sync.Mutex
	last string
	seen bool
}

func (g *tagGate) changed(tag string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen && g.last == tag {
		return false
	}
	g.last = tag
	g.seen = true
	return true
}

// dispatcher runs sends in the background and lets Close wait for them.
type dispatcher struct {
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	timeout time.Duration
}

func (d *dispatcher) goSend(fn func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		fn()
	}()
}

func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}
