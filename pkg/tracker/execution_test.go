package tracker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
)

func blockUntilDone(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func TestInProcessContext_Lifecycle(t *testing.T) {
	c := NewInProcessContext(logx.Discard())
	alive, err := c.Alive(context.Background())
	require.NoError(t, err)
	assert.False(t, alive)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Launch(ctx, blockUntilDone))
	assert.Error(t, c.Launch(ctx, blockUntilDone))

	alive, err = c.Alive(context.Background())
	require.NoError(t, err)
	assert.True(t, alive)

	c.Halt()
	alive, _ = c.Alive(context.Background())
	assert.False(t, alive)
	c.Halt()
}

func TestInProcessContext_RecoversPanic(t *testing.T) {
	c := NewInProcessContext(logx.Discard())
	require.NoError(t, c.Launch(context.Background(), func(ctx context.Context) error {
		panic("boom")
	}))
	require.Eventually(t, func() bool {
		alive, _ := c.Alive(context.Background())
		return !alive
	}, time.Second, 5*time.Millisecond)

	// A crashed body can be launched again.
	require.NoError(t, c.Launch(context.Background(), blockUntilDone))
	c.Halt()
}

func TestInProcessContext_AliveHonoursContext(t *testing.T) {
	c := NewInProcessContext(logx.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Alive(ctx)
	assert.Error(t, err)
}

func newDurable(t *testing.T, interval time.Duration) (*DurableContext, DurableConfig) {
	dir := t.TempDir()
	cfg := DurableConfig{
		PIDFile:           filepath.Join(dir, "primary.pid"),
		HeartbeatFile:     filepath.Join(dir, "primary.health"),
		HeartbeatInterval: interval,
	}
	return NewDurableContext(cfg, logx.Discard()), cfg
}

func TestDurableContext_LivenessAndCleanup(t *testing.T) {
	c, cfg := newDurable(t, 20*time.Millisecond)

	callerCtx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Launch(callerCtx, blockUntilDone))
	assert.FileExists(t, cfg.PIDFile)
	assert.FileExists(t, cfg.HeartbeatFile)

	// The body is detached from the caller.
	cancel()
	time.Sleep(60 * time.Millisecond)
	alive, err := c.Alive(context.Background())
	require.NoError(t, err)
	assert.True(t, alive)

	hb, err := c.readHeartbeat()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), hb.PID)
	assert.Equal(t, "primary", hb.Worker)

	c.Halt()
	alive, err = c.Alive(context.Background())
	require.NoError(t, err)
	assert.False(t, alive)
	assert.NoFileExists(t, cfg.PIDFile)
	assert.NoFileExists(t, cfg.HeartbeatFile)
	c.Halt()
}

func TestDurableContext_BodyExitStopsHeartbeat(t *testing.T) {
	c, cfg := newDurable(t, 10*time.Millisecond)
	require.NoError(t, c.Launch(context.Background(), func(ctx context.Context) error { return nil }))

	c.hbMu.Lock()
	hbDone := c.hbDone
	c.hbMu.Unlock()
	select {
	case <-hbDone:
	case <-time.After(time.Second):
		t.Fatal("heartbeat kept running after the body returned")
	}

	alive, err := c.Alive(context.Background())
	require.NoError(t, err)
	assert.False(t, alive)

	c.Halt()
	assert.NoFileExists(t, cfg.HeartbeatFile)
	assert.NoFileExists(t, cfg.PIDFile)
}

func TestDurableContext_StaleHeartbeatIsDead(t *testing.T) {
	// The loop never ticks, so the first heartbeat is the only one.
	c, _ := newDurable(t, time.Hour)
	require.NoError(t, c.Launch(context.Background(), blockUntilDone))
	defer c.Halt()

	alive, err := c.Alive(context.Background())
	require.NoError(t, err)
	assert.True(t, alive)

	c.now = func() time.Time { return time.Now().Add(4 * time.Hour) }
	alive, err = c.Alive(context.Background())
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestDurableContext_ForeignPIDFileFailsLaunch(t *testing.T) {
	c, cfg := newDurable(t, 20*time.Millisecond)
	require.NoError(t, os.WriteFile(cfg.PIDFile, []byte("1\n"), 0o644))
	if os.Getpid() == 1 {
		t.Skip("test process is init")
	}
	assert.Error(t, c.Launch(context.Background(), blockUntilDone))
	alive, _ := c.Alive(context.Background())
	assert.False(t, alive)
}

func TestDurableContext_MissingHeartbeatIsError(t *testing.T) {
	c, cfg := newDurable(t, time.Hour)
	require.NoError(t, c.Launch(context.Background(), blockUntilDone))
	defer c.Halt()

	require.NoError(t, os.Remove(cfg.HeartbeatFile))
	_, err := c.Alive(context.Background())
	assert.Error(t, err)
}
