package lifetime

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestStopIfAppropriate_IdleStopsOnce(t *testing.T) {
	clock := newFakeClock()
	var stops atomic.Int32
	c := New(0, time.Minute, func() { stops.Add(1) }, WithClock(clock.Now))

	assert.False(t, c.StopIfAppropriate())

	clock.Advance(2 * time.Minute)
	assert.True(t, c.StopIfAppropriate())
	assert.True(t, c.StopIfAppropriate())
	assert.True(t, c.Stopped())
	assert.Equal(t, int32(1), stops.Load())
}

func TestStopIfAppropriate_NeverWhileRunning(t *testing.T) {
	clock := newFakeClock()
	var stops atomic.Int32
	c := New(time.Minute, time.Minute, func() { stops.Add(1) }, WithClock(clock.Now))

	c.JobStarted("exec-1")
	clock.Advance(time.Hour)
	assert.False(t, c.StopIfAppropriate())
	assert.Equal(t, 1, c.Running())

	c.JobFinished("exec-1")
	assert.True(t, c.StopIfAppropriate(), "lifetime exceeded once idle")
	assert.Equal(t, int32(1), stops.Load())
}

func TestJobFinished_RestartsIdleClock(t *testing.T) {
	clock := newFakeClock()
	c := New(0, time.Minute, func() {}, WithClock(clock.Now))

	clock.Advance(50 * time.Second)
	c.JobStarted("exec-1")
	clock.Advance(50 * time.Second)
	c.JobFinished("exec-1")

	clock.Advance(30 * time.Second)
	assert.False(t, c.StopIfAppropriate(), "idle for 30s only")

	clock.Advance(31 * time.Second)
	assert.True(t, c.StopIfAppropriate())
}

func TestJobFinished_IdleOnlyWhenAllDone(t *testing.T) {
	clock := newFakeClock()
	c := New(0, time.Minute, func() {}, WithClock(clock.Now))

	c.JobStarted("a")
	c.JobStarted("b")
	c.JobFinished("a")
	clock.Advance(2 * time.Minute)
	assert.False(t, c.StopIfAppropriate())

	c.JobFinished("b")
	assert.False(t, c.StopIfAppropriate())
}

func TestStopIfAppropriate_ZeroThresholdsNeverStop(t *testing.T) {
	clock := newFakeClock()
	c := New(0, 0, func() { t.Fatal("stop called") }, WithClock(clock.Now))
	clock.Advance(1000 * time.Hour)
	assert.False(t, c.StopIfAppropriate())
}

func TestRun_StopsReceiveLoop(t *testing.T) {
	receiveCtx, stopReceiving := context.WithCancel(context.Background())
	c := New(0, 20*time.Millisecond, stopReceiving, WithPollInterval(5*time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	select {
	case <-receiveCtx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("receive loop was not stopped")
	}
	require.NoError(t, <-done)
	assert.True(t, c.Stopped())
}

func TestRun_DisabledWaitsForContext(t *testing.T) {
	c := New(0, 0, func() {})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	cancel()
	require.NoError(t, <-done)
	assert.False(t, c.Stopped())
}
