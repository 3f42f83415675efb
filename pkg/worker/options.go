package worker

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jdziat/scanflow/pkg/metrics"
	"github.com/jdziat/scanflow/pkg/security"
)

// DefaultConcurrency is the number of executions run at once per queue.
const DefaultConcurrency = 4

// WorkerOption configures a Worker.
type WorkerOption interface {
	ApplyWorker(*WorkerConfig)
}

type workerOptionFunc func(*WorkerConfig)

func (f workerOptionFunc) ApplyWorker(c *WorkerConfig) { f(c) }

// WorkerConfig holds worker configuration.
type WorkerConfig struct {
	Queues        map[string]int // queue name -> concurrency
	ResponseQueue string
	WorkerID      string

	// WorkDir is the parent of the per-execution scratch directories.
	WorkDir      string
	KeepWorkDirs bool

	// SendRetry governs delivery of results to the response queue.
	SendRetry *RetryConfig

	// MaxLifetime and MaxIdle stop the worker once exceeded while no
	// execution is running. Zero disables the check.
	MaxLifetime  time.Duration
	MaxIdle      time.Duration
	LifetimePoll time.Duration

	Metrics *metrics.Worker
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

// Concurrency sets the concurrency for every queue configured so far.
// Values are clamped to [1, MaxConcurrency].
func Concurrency(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		clamped := security.ClampConcurrency(n)
		for k := range c.Queues {
			c.Queues[k] = clamped
		}
	})
}

// WorkerQueue adds a request queue to consume with optional concurrency.
func WorkerQueue(name string, opts ...WorkerOption) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if c.Queues == nil {
			c.Queues = make(map[string]int)
		}
		// Options apply to this queue only.
		scoped := WorkerConfig{Queues: map[string]int{name: DefaultConcurrency}}
		for _, opt := range opts {
			opt.ApplyWorker(&scoped)
		}
		c.Queues[name] = scoped.Queues[name]
	})
}

// ResponseQueue sets the queue results are sent to.
func ResponseQueue(name string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) { c.ResponseQueue = name })
}

// WorkerID sets the id recorded on executions this worker runs.
func WorkerID(id string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) { c.WorkerID = id })
}

// WorkDir sets the parent directory for execution scratch directories.
func WorkDir(dir string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) { c.WorkDir = dir })
}

// KeepWorkDirs leaves scratch directories in place after execution.
func KeepWorkDirs(keep bool) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) { c.KeepWorkDirs = keep })
}

// SendRetry sets the retry policy for result delivery.
func SendRetry(cfg RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) { c.SendRetry = &cfg })
}

// MaxLifetime stops the worker once it has run for d and is idle.
func MaxLifetime(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) { c.MaxLifetime = d })
}

// MaxIdle stops the worker after d without running any execution.
func MaxIdle(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) { c.MaxIdle = d })
}

// LifetimePoll sets how often the lifetime thresholds are checked.
func LifetimePoll(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) { c.LifetimePoll = d })
}

// WithMetrics records worker metrics on m.
func WithMetrics(m *metrics.Worker) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) { c.Metrics = m })
}

// WithTracer sets the tracer used for execution spans.
func WithTracer(t trace.Tracer) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) { c.Tracer = t })
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) { c.Logger = l })
}
