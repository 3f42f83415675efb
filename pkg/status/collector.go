package status

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/jdziat/scanflow/pkg/core"
)

// EventSource is the event side of a scheduler.
type EventSource interface {
	Events() <-chan core.Event
	Unsubscribe(ch <-chan core.Event)
}

// Collector counts execution outcomes per step from scheduler events. Totals
// are kept in memory; with a StatsStorage they are also flushed as minute
// buckets.
type Collector struct {
	source    EventSource
	stats     StatsStorage
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]*Counters
	totals  map[string]Counters
	dropped int64

	ready     chan struct{}
	readyOnce sync.Once
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithStats flushes counters to s.
func WithStats(s StatsStorage) CollectorOption {
	return func(c *Collector) { c.stats = s }
}

// WithFlushInterval sets how often counters are flushed. Default: 1 minute.
func WithFlushInterval(d time.Duration) CollectorOption {
	return func(c *Collector) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithRetention sets how long stats rows are kept. Zero keeps them forever.
// Default: 7 days.
func WithRetention(d time.Duration) CollectorOption {
	return func(c *Collector) { c.retention = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) CollectorOption {
	return func(c *Collector) { c.logger = l }
}

// NewCollector creates a collector over source's events.
func NewCollector(source EventSource, opts ...CollectorOption) *Collector {
	c := &Collector{
		source:    source,
		interval:  time.Minute,
		retention: 7 * 24 * time.Hour,
		logger:    slog.Default(),
		pending:   make(map[string]*Counters),
		totals:    make(map[string]Counters),
		ready:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WaitReady blocks until the collector has subscribed to events.
func (c *Collector) WaitReady() {
	<-c.ready
}

// Run consumes events until ctx is cancelled, then flushes what it holds.
func (c *Collector) Run(ctx context.Context) {
	events := c.source.Events()
	defer c.source.Unsubscribe(events)
	c.readyOnce.Do(func() { close(c.ready) })

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			c.Flush(flushCtx)
			cancel()
			return
		case ev := <-events:
			c.handle(ev)
		case <-ticker.C:
			c.Flush(ctx)
			c.prune(ctx)
		}
	}
}

func (c *Collector) handle(ev core.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e := ev.(type) {
	case *core.ExecutionFinished:
		switch e.Execution.State {
		case core.StateSuccessful:
			c.counters(e.StepID).Successful++
		case core.StateFailed:
			c.counters(e.StepID).Failed++
		}
	case *core.ExecutionReclaimed:
		c.counters(e.StepID).Reclaimed++
	case *core.ResultDropped:
		c.dropped++
	}
}

// counters returns the pending counters of step. Called with mu held.
func (c *Collector) counters(step string) *Counters {
	p, ok := c.pending[step]
	if !ok {
		p = &Counters{}
		c.pending[step] = p
	}
	return p
}

// Flush moves pending counters into the totals and, with a StatsStorage,
// writes them as a bucket for the current minute.
func (c *Collector) Flush(ctx context.Context) {
	c.mu.Lock()
	batch := c.pending
	c.pending = make(map[string]*Counters)
	for step, p := range batch {
		t := c.totals[step]
		t.Successful += p.Successful
		t.Failed += p.Failed
		t.Reclaimed += p.Reclaimed
		c.totals[step] = t
	}
	c.mu.Unlock()

	if c.stats == nil {
		return
	}
	now := time.Now()
	for step, p := range batch {
		if p.zero() {
			continue
		}
		if err := c.stats.AddCounters(ctx, step, now, *p); err != nil {
			c.logger.Warn("could not store step stats", "step_id", step, "error", err)
		}
	}
}

func (c *Collector) prune(ctx context.Context) {
	if c.stats == nil || c.retention <= 0 {
		return
	}
	if _, err := c.stats.Prune(ctx, time.Now().Add(-c.retention)); err != nil {
		c.logger.Warn("could not prune step stats", "error", err)
	}
}

// Totals returns the flushed counters per step and the number of dropped results.
func (c *Collector) Totals() (map[string]Counters, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.totals), c.dropped
}
