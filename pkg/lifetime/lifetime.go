// Package lifetime decides when a worker process has lived or idled long
// enough and should stop taking work.
//
// The Controller never interrupts running executions. Stopping only cancels
// the receive loops, which then drain what is already in flight.
package lifetime

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultPollInterval is how often Run checks whether to stop.
const DefaultPollInterval = 2 * time.Second

// Controller tracks running executions and the worker's age and idle time.
type Controller struct {
	maxLife time.Duration
	maxIdle time.Duration
	stop    func()
	once    sync.Once

	mu       sync.Mutex
	running  map[string]struct{}
	started  time.Time
	idleFrom time.Time
	stopped  bool

	now      func() time.Time
	interval time.Duration
	logger   *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithPollInterval sets how often Run checks the thresholds.
func WithPollInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// New creates a controller that calls stop at most once, when no execution
// is running and the process is older than maxLife or has been idle longer
// than maxIdle. A zero threshold is never exceeded.
func New(maxLife, maxIdle time.Duration, stop func(), opts ...Option) *Controller {
	c := &Controller{
		maxLife:  maxLife,
		maxIdle:  maxIdle,
		stop:     stop,
		running:  make(map[string]struct{}),
		now:      time.Now,
		interval: DefaultPollInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.started = c.now()
	c.idleFrom = c.started
	return c
}

// JobStarted records that execution id is running.
func (c *Controller) JobStarted(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running[id] = struct{}{}
}

// JobFinished records that execution id is done. The idle clock restarts
// when the last running execution finishes.
func (c *Controller) JobFinished(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.running, id)
	if len(c.running) == 0 {
		c.idleFrom = c.now()
	}
}

// Running returns the number of executions in flight.
func (c *Controller) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.running)
}

// Stopped reports whether the stop function has been called.
func (c *Controller) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// StopIfAppropriate calls stop when nothing is running and a threshold has
// been exceeded, and reports whether the worker is stopping. Once it has
// returned true it keeps returning true without calling stop again.
func (c *Controller) StopIfAppropriate() bool {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return true
	}
	if len(c.running) > 0 {
		c.mu.Unlock()
		return false
	}
	now := c.now()
	life, idle := now.Sub(c.started), now.Sub(c.idleFrom)
	expired := c.maxLife > 0 && life > c.maxLife
	idled := c.maxIdle > 0 && idle > c.maxIdle
	if !expired && !idled {
		c.mu.Unlock()
		return false
	}
	c.stopped = true
	c.mu.Unlock()

	c.once.Do(func() {
		c.logger.Info("worker stopping", "lifetime", life, "idle", idle,
			"max_lifetime", c.maxLife, "max_idle", c.maxIdle)
		if c.stop != nil {
			c.stop()
		}
	})
	return true
}

// Run checks the thresholds every poll interval until ctx is cancelled or
// the controller stops the worker.
func (c *Controller) Run(ctx context.Context) error {
	if c.maxLife <= 0 && c.maxIdle <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if c.StopIfAppropriate() {
				return nil
			}
		}
	}
}
