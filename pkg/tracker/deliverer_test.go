package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/fieldtrack/pkg"
	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
	"github.com/markus-lassfolk/fieldtrack/pkg/metrics"
	"github.com/markus-lassfolk/fieldtrack/pkg/queue"
	"github.com/markus-lassfolk/fieldtrack/pkg/store"
)

func newDeliverer(t *testing.T, session *MockSession, timeout time.Duration) (*Deliverer, *queue.Queue, *queue.Queue) {
	t.Helper()
	mem := store.NewMemoryList()
	own, err := queue.Open(context.Background(), mem, "own", 2, logx.Discard())
	require.NoError(t, err)
	sibling, err := queue.Open(context.Background(), mem, "sibling", 2, logx.Discard())
	require.NoError(t, err)
	return NewDeliverer(pkg.WorkerFallback, session, own, sibling, timeout, logx.Discard()), own, sibling
}

func sampleAt(meters float64) pkg.TrackingSample {
	return pkg.NewTrackingSample(north(meters, 0), 40, pkg.SignalWeak, t0)
}

func TestDeliverer_InactiveSessionQueues(t *testing.T) {
	session := &MockSession{}
	d, own, _ := newDeliverer(t, session, time.Second)

	out := d.Deliver(context.Background(), sampleAt(1))
	assert.False(t, out.Delivered)
	assert.True(t, out.Queued)
	assert.NoError(t, out.Err)
	assert.Equal(t, 1, own.Len())
	assert.Empty(t, session.Submitted())
}

func TestDeliverer_ClosedQueueIsNotCountedAsQueued(t *testing.T) {
	session := &MockSession{}
	d, own, _ := newDeliverer(t, session, time.Second)
	own.Close()

	queued := metrics.SamplesQueued.WithLabelValues(string(pkg.WorkerFallback))
	before := testutil.ToFloat64(queued)
	out := d.Deliver(context.Background(), sampleAt(1))
	assert.False(t, out.Queued)
	assert.False(t, out.Delivered)
	assert.ErrorIs(t, out.Err, queue.ErrClosed)
	assert.Equal(t, before, testutil.ToFloat64(queued))
	assert.Equal(t, 0, own.Len())

	d2, _, _ := newDeliverer(t, session, time.Second)
	d2.Deliver(context.Background(), sampleAt(2))
	assert.Equal(t, before+1, testutil.ToFloat64(queued))
}

func TestDeliverer_ThreeFailuresKeepTwoNewest(t *testing.T) {
	session := &MockSession{active: true}
	session.FailNext(3)
	d, own, _ := newDeliverer(t, session, time.Second)

	for i := 1; i <= 3; i++ {
		d.Deliver(context.Background(), sampleAt(float64(i)))
	}
	snap := own.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, north(2, 0).Latitude, snap[0].Fix.Latitude)
	assert.Equal(t, north(3, 0).Latitude, snap[1].Fix.Latitude)
}

func TestDeliverer_SuccessDrainsOwnThenSibling(t *testing.T) {
	session := &MockSession{active: true}
	d, own, sibling := newDeliverer(t, session, time.Second)
	ctx := context.Background()
	require.NoError(t, sibling.Enqueue(ctx, sampleAt(10)))
	require.NoError(t, own.Enqueue(ctx, sampleAt(1)))
	require.NoError(t, own.Enqueue(ctx, sampleAt(2)))

	out := d.Deliver(ctx, sampleAt(3))
	assert.True(t, out.Delivered)
	assert.Equal(t, 0, out.QueueDepth)

	var got []float64
	for _, s := range session.Submitted() {
		got = append(got, s.Fix.Latitude)
	}
	assert.Equal(t, []float64{
		north(3, 0).Latitude,
		north(1, 0).Latitude,
		north(2, 0).Latitude,
		north(10, 0).Latitude,
	}, got)
}

func TestDeliverer_DrainStopsAtFirstFailure(t *testing.T) {
	session := &MockSession{active: true}
	d, own, sibling := newDeliverer(t, session, time.Second)
	ctx := context.Background()
	require.NoError(t, own.Enqueue(ctx, sampleAt(1)))
	require.NoError(t, sibling.Enqueue(ctx, sampleAt(2)))

	session.FailNext(1)
	assert.Equal(t, 0, d.Drain(ctx))
	assert.Equal(t, 2, d.QueueDepth())

	session.SetActive(false)
	assert.Equal(t, 0, d.Drain(ctx))

	session.SetActive(true)
	assert.Equal(t, 2, d.Drain(ctx))
	assert.Equal(t, 0, d.QueueDepth())
}

func TestDeliverer_TimeoutIsFailure(t *testing.T) {
	session := &MockSession{active: true, hang: true}
	d, own, _ := newDeliverer(t, session, 20*time.Millisecond)

	start := time.Now()
	out := d.Deliver(context.Background(), sampleAt(1))
	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.True(t, out.Queued)
	assert.Equal(t, 1, own.Len())
}
