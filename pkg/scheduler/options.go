package scheduler

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jdziat/scanflow/pkg/metrics"
	"github.com/jdziat/scanflow/pkg/security"
)

// Defaults used when an option is not given.
const (
	DefaultRequestQueue  = "scanflow.requests"
	DefaultResponseQueue = "scanflow.responses"
	DefaultPollInterval  = 2 * time.Second
	DefaultSyncInterval  = 30 * time.Second
	DefaultCronTick      = time.Second
)

// Config holds scheduler configuration.
type Config struct {
	RequestQueue  string
	ResponseQueue string
	PollInterval  time.Duration

	// SyncInterval controls how often instances inserted into the store by
	// other processes are adopted. Zero disables the periodic sync.
	SyncInterval time.Duration

	// ReclaimAfter fails executions that have shown no activity for this
	// long. Zero disables reclaiming.
	ReclaimAfter time.Duration

	// ReconcileConcurrency is the number of results merged at once.
	ReconcileConcurrency int

	CronTick time.Duration

	Metrics *metrics.Scheduler
	Tracer  trace.Tracer
	Logger  *slog.Logger
	Now     func() time.Time
}

// Option configures a Scheduler.
type Option interface {
	ApplyScheduler(*Config)
}

type optionFunc func(*Config)

func (f optionFunc) ApplyScheduler(c *Config) { f(c) }

// RequestQueue sets the queue executions are dispatched to. Parallel steps
// use "<name>.<job id>".
func RequestQueue(name string) Option {
	return optionFunc(func(c *Config) { c.RequestQueue = name })
}

// ResponseQueue sets the queue workers report results on.
func ResponseQueue(name string) Option {
	return optionFunc(func(c *Config) { c.ResponseQueue = name })
}

// PollInterval sets the delay between two polls.
func PollInterval(d time.Duration) Option {
	return optionFunc(func(c *Config) {
		if d > 0 {
			c.PollInterval = d
		}
	})
}

// SyncInterval sets how often the store is checked for new instances.
func SyncInterval(d time.Duration) Option {
	return optionFunc(func(c *Config) { c.SyncInterval = d })
}

// ReclaimAfter enables failing executions idle for longer than d.
func ReclaimAfter(d time.Duration) Option {
	return optionFunc(func(c *Config) { c.ReclaimAfter = d })
}

// ReconcileConcurrency sets how many results are merged concurrently.
// Values are clamped to [1, MaxConcurrency].
func ReconcileConcurrency(n int) Option {
	return optionFunc(func(c *Config) { c.ReconcileConcurrency = security.ClampConcurrency(n) })
}

// CronTick sets how often cron-triggered steps are checked.
func CronTick(d time.Duration) Option {
	return optionFunc(func(c *Config) {
		if d > 0 {
			c.CronTick = d
		}
	})
}

// WithMetrics records scheduler metrics on m.
func WithMetrics(m *metrics.Scheduler) Option {
	return optionFunc(func(c *Config) { c.Metrics = m })
}

// WithTracer sets the tracer used for dispatch spans.
func WithTracer(t trace.Tracer) Option {
	return optionFunc(func(c *Config) { c.Tracer = t })
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(c *Config) { c.Logger = l })
}

// WithClock replaces time.Now for reclaim and cron decisions.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(c *Config) { c.Now = now })
}
