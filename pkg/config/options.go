package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jdziat/scanflow/pkg/security"
)

// EnvPrefix prefixes every environment variable Load reads.
const EnvPrefix = "SCANFLOW"

// Options is the full set of runtime options. Each command registers the
// groups it uses.
type Options struct {
	LogLevel  string
	LogFormat string
	Pipeline  string

	Database  Database
	Transport Transport
	Master    Master
	Worker    Worker
}

// Database selects the store.
type Database struct {
	DSN          string
	MaxOpenConns int
}

// Transport selects the message channel. An empty RedisAddr runs everything
// in-process on a memory transport.
type Transport struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	StreamPrefix  string
	ConsumerGroup string
	ConsumerName  string
	ClaimIdle     time.Duration

	RequestQueue  string
	ResponseQueue string
}

// Master configures the scheduler process.
type Master struct {
	PollInterval         time.Duration
	SyncInterval         time.Duration
	ReclaimAfter         time.Duration
	ReconcileConcurrency int
	MetricsAddr          string
	StatsRetention       time.Duration
}

// Worker configures a worker process.
type Worker struct {
	// Queues lists extra request queues as name or name=concurrency.
	Queues       []string
	Concurrency  int
	ID           string
	WorkDir      string
	KeepWorkDirs bool
	MaxLifetime  time.Duration
	MaxIdle      time.Duration
	LifetimePoll time.Duration
	MetricsAddr  string
}

// NewOptions returns options holding the defaults.
func NewOptions() *Options {
	return &Options{
		LogLevel:  "info",
		LogFormat: "text",
		Database: Database{
			DSN:          "sqlite://scanflow.db",
			MaxOpenConns: 25,
		},
		Transport: Transport{
			StreamPrefix:  "/scanflow-queue/",
			ConsumerGroup: "scanflow",
			ClaimIdle:     time.Minute,
			RequestQueue:  "scanflow.requests",
			ResponseQueue: "scanflow.responses",
		},
		Master: Master{
			PollInterval:         2 * time.Second,
			SyncInterval:         30 * time.Second,
			ReconcileConcurrency: 4,
			StatsRetention:       7 * 24 * time.Hour,
		},
		Worker: Worker{
			Concurrency:  4,
			LifetimePoll: 2 * time.Second,
		},
	}
}

// AddCommonFlags registers the flags every command shares.
func (o *Options) AddCommonFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel, "log level: debug, info, warn or error")
	fs.StringVar(&o.LogFormat, "log-format", o.LogFormat, "log format: text or json")
	fs.StringVar(&o.Pipeline, "pipeline", o.Pipeline, "path to the pipeline definition")
}

// AddDatabaseFlags registers the store flags.
func (o *Options) AddDatabaseFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Database.DSN, "database-dsn", o.Database.DSN, "store dsn (sqlite://, postgres:// or mysql://)")
	fs.IntVar(&o.Database.MaxOpenConns, "database-max-open-conns", o.Database.MaxOpenConns, "maximum open database connections")
}

// AddTransportFlags registers the message channel flags.
func (o *Options) AddTransportFlags(fs *pflag.FlagSet) {
	t := &o.Transport
	fs.StringVar(&t.RedisAddr, "redis-addr", t.RedisAddr, "redis address; empty uses an in-process transport")
	fs.StringVar(&t.RedisPassword, "redis-password", t.RedisPassword, "redis password")
	fs.IntVar(&t.RedisDB, "redis-db", t.RedisDB, "redis database number")
	fs.StringVar(&t.StreamPrefix, "redis-stream-prefix", t.StreamPrefix, "key prefix of queue streams")
	fs.StringVar(&t.ConsumerGroup, "redis-consumer-group", t.ConsumerGroup, "consumer group shared by receivers")
	fs.StringVar(&t.ConsumerName, "redis-consumer-name", t.ConsumerName, "consumer name, unique per process (default worker id, or hostname plus a random suffix)")
	fs.DurationVar(&t.ClaimIdle, "redis-claim-idle", t.ClaimIdle, "claim messages left unacknowledged by another consumer for this long; 0 disables")
	fs.StringVar(&t.RequestQueue, "request-queue", t.RequestQueue, "queue executions are sent to")
	fs.StringVar(&t.ResponseQueue, "response-queue", t.ResponseQueue, "queue results are sent to")
}

// AddMasterFlags registers the scheduler flags.
func (o *Options) AddMasterFlags(fs *pflag.FlagSet) {
	m := &o.Master
	fs.DurationVar(&m.PollInterval, "poll-interval", m.PollInterval, "how often instances are checked for submission")
	fs.DurationVar(&m.SyncInterval, "sync-interval", m.SyncInterval, "how often instances added to the store are adopted; 0 disables")
	fs.DurationVar(&m.ReclaimAfter, "reclaim-after", m.ReclaimAfter, "fail executions silent for this long; 0 disables")
	fs.IntVar(&m.ReconcileConcurrency, "reconcile-concurrency", m.ReconcileConcurrency, "results reconciled at once")
	fs.StringVar(&m.MetricsAddr, "metrics-addr", m.MetricsAddr, "address serving /metrics and /status; empty disables")
	fs.DurationVar(&m.StatsRetention, "stats-retention", m.StatsRetention, "how long per-minute step stats are kept; 0 keeps them forever")
}

// AddWorkerFlags registers the worker flags.
func (o *Options) AddWorkerFlags(fs *pflag.FlagSet) {
	w := &o.Worker
	fs.StringSliceVar(&w.Queues, "queue", w.Queues, "extra request queue to consume, as name or name=concurrency; a name without a dot is a job id (repeatable)")
	fs.IntVar(&w.Concurrency, "concurrency", w.Concurrency, "executions run at once on the request queue")
	fs.StringVar(&w.ID, "worker-id", w.ID, "id recorded on executions (default random)")
	fs.StringVar(&w.WorkDir, "work-dir", w.WorkDir, "parent of execution scratch directories (default $TMPDIR/scanflow)")
	fs.BoolVar(&w.KeepWorkDirs, "keep-work-dirs", w.KeepWorkDirs, "leave scratch directories after execution")
	fs.DurationVar(&w.MaxLifetime, "max-lifetime", w.MaxLifetime, "stop once idle after running this long; 0 disables")
	fs.DurationVar(&w.MaxIdle, "max-idle", w.MaxIdle, "stop after idling this long; 0 disables")
	fs.DurationVar(&w.LifetimePoll, "lifetime-poll", w.LifetimePoll, "how often the lifetime limits are checked")
	fs.StringVar(&w.MetricsAddr, "metrics-addr", w.MetricsAddr, "address serving /metrics; empty disables")
}

// QueueConcurrency returns the request queues to consume with their
// concurrency. The main request queue is always included. A name without a
// dot is a job id and stands for that job's queue, "<request>.<job>".
func (o *Options) QueueConcurrency() (map[string]int, error) {
	queues := map[string]int{o.Transport.RequestQueue: o.Worker.Concurrency}
	for _, spec := range o.Worker.Queues {
		name, n, found := strings.Cut(spec, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("config: empty queue name in %q", spec)
		}
		if !strings.Contains(name, ".") {
			q, err := security.JobQueueName(o.Transport.RequestQueue, name)
			if err != nil {
				return nil, fmt.Errorf("config: queue %q: %w", name, err)
			}
			name = q
		}
		concurrency := o.Worker.Concurrency
		if found {
			v, err := strconv.Atoi(strings.TrimSpace(n))
			if err != nil {
				return nil, fmt.Errorf("config: queue %q: bad concurrency: %w", name, err)
			}
			concurrency = v
		}
		queues[name] = concurrency
	}
	return queues, nil
}

// Load fills every flag in fs that was not set on the command line from
// SCANFLOW_<NAME> in the environment, then from the config file key with
// dashes read as dots. file names the config file; when empty, scanflow.yaml
// is looked up in . and config/ and may be absent.
func Load(fs *pflag.FlagSet, file string) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("config: read %s: %w", file, err)
		}
	} else {
		v.SetConfigName("scanflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return fmt.Errorf("config: %w", err)
			}
		}
	}

	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed || f.Name == "config" {
			return
		}
		key := strings.ReplaceAll(f.Name, "-", ".")
		if !v.IsSet(key) {
			return
		}
		if err := setFlag(f, v.Get(key)); err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
		}
	})
	return errors.Join(errs...)
}

func setFlag(f *pflag.Flag, val any) error {
	if list, ok := val.([]any); ok {
		items := make([]string, len(list))
		for i, item := range list {
			items[i] = fmt.Sprint(item)
		}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			return sv.Replace(items)
		}
		return f.Value.Set(strings.Join(items, ","))
	}
	return f.Value.Set(fmt.Sprint(val))
}

// NewLogger builds the process logger from the log-level and log-format options.
func NewLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("config: log level %q: %w", level, err)
	}
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("config: unknown log format %q", format)
	}
}
