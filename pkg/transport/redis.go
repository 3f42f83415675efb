package transport

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/xid"
)

const (
	DefaultStreamPrefix  = "/scanflow-queue/"
	DefaultConsumerGroup = "scanflow"
	DefaultClaimIdle     = time.Minute

	bodyField = "body"
)

// RedisTransport carries messages on Redis Streams. Every queue is a stream
// read through one consumer group, so each message goes to one consumer.
// A message is acknowledged only after its handler returns nil. Anything
// left pending is read again by the same consumer after a handler failure,
// and claimed by another consumer once it has been idle for the claim
// threshold. While a handler runs its message is kept fresh so that it is
// not claimed from a live consumer.
type RedisTransport struct {
	cli        *redis.Client
	owned      bool
	prefix     string
	group      string
	consumer   string
	block      time.Duration
	retryDelay time.Duration
	claimIdle  time.Duration
	logger     *slog.Logger
}

// RedisOption configures a RedisTransport.
type RedisOption func(*RedisTransport)

// WithStreamPrefix sets the key prefix of every stream.
func WithStreamPrefix(prefix string) RedisOption {
	return func(t *RedisTransport) { t.prefix = prefix }
}

// WithConsumerGroup sets the consumer group shared by all receivers.
func WithConsumerGroup(group string) RedisOption {
	return func(t *RedisTransport) { t.group = group }
}

// WithConsumerName sets this process's consumer name. Names must be unique
// among live receivers: two processes sharing a name read each other's
// pending messages. The default is the hostname plus a random suffix.
func WithConsumerName(name string) RedisOption {
	return func(t *RedisTransport) {
		if name != "" {
			t.consumer = name
		}
	}
}

// WithClaimIdle sets how long a message may sit unacknowledged with another
// consumer before this one claims it. Zero disables claiming and the
// keep-alive of in-flight messages.
func WithClaimIdle(d time.Duration) RedisOption {
	return func(t *RedisTransport) { t.claimIdle = d }
}

// WithBlock sets how long a read waits for new messages before checking for shutdown.
func WithBlock(d time.Duration) RedisOption {
	return func(t *RedisTransport) { t.block = d }
}

// WithRetryDelay sets the pause before a failed message is read again.
func WithRetryDelay(d time.Duration) RedisOption {
	return func(t *RedisTransport) { t.retryDelay = d }
}

// WithRedisLogger sets the logger.
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(t *RedisTransport) { t.logger = l }
}

// NewRedisTransport connects to Redis with the given options. The client is
// closed by Close.
func NewRedisTransport(ropts *redis.Options, opts ...RedisOption) *RedisTransport {
	t := NewRedisTransportFromClient(redis.NewClient(ropts), opts...)
	t.owned = true
	return t
}

// NewRedisTransportFromClient uses an existing client, which Close leaves open.
func NewRedisTransportFromClient(cli *redis.Client, opts ...RedisOption) *RedisTransport {
	t := &RedisTransport{
		cli:        cli,
		prefix:     DefaultStreamPrefix,
		group:      DefaultConsumerGroup,
		consumer:   defaultConsumerName(),
		block:      2 * time.Second,
		retryDelay: time.Second,
		claimIdle:  DefaultClaimIdle,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func defaultConsumerName() string {
	id := xid.New().String()
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname + "-" + id
	}
	return id
}

// Consumer returns the consumer name this transport reads as.
func (t *RedisTransport) Consumer() string {
	return t.consumer
}

// Stream returns the stream key backing a queue.
func (t *RedisTransport) Stream(queue string) string {
	return t.prefix + queue
}

// Send appends body to the queue's stream.
func (t *RedisTransport) Send(ctx context.Context, queue string, body []byte) error {
	return t.cli.XAdd(ctx, &redis.XAddArgs{
		Stream: t.Stream(queue),
		Values: map[string]interface{}{bodyField: body},
	}).Err()
}

// Receive consumes the queue's stream until ctx is cancelled. The first read
// takes this consumer's pending messages, later reads block for new ones.
// Between reads, messages abandoned by other consumers are claimed and then
// read as pending.
func (t *RedisTransport) Receive(ctx context.Context, queue string, h Handler, opts ...ReceiveOption) error {
	cfg := newReceiveConfig(opts)
	stream := t.Stream(queue)

	if err := t.cli.XGroupCreateMkStream(ctx, stream, t.group, "0").Err(); err != nil {
		if !strings.Contains(err.Error(), "exists") {
			return err
		}
	}

	sem := make(chan struct{}, cfg.Concurrency)
	hctx := context.WithoutCancel(ctx)
	var (
		wg          sync.WaitGroup
		inflight    sync.Map
		readPending atomic.Bool
	)
	readPending.Store(true)
	defer wg.Wait()

	var lastClaim time.Time
	for ctx.Err() == nil {
		if t.claimIdle > 0 && time.Since(lastClaim) >= t.claimIdle/2 {
			lastClaim = time.Now()
			if n := t.claimAbandoned(ctx, stream); n > 0 {
				readPending.Store(true)
			}
		}

		pending := readPending.Load()
		args := &redis.XReadGroupArgs{
			Group:    t.group,
			Consumer: t.consumer,
			Streams:  []string{stream, ">"},
			Count:    int64(cfg.Concurrency),
			Block:    t.block,
		}
		if pending {
			args.Streams[1] = "0"
			args.Count = 0
			args.Block = -1
		}

		result, err := t.cli.XReadGroup(ctx, args).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				if pending {
					readPending.Store(false)
				}
				continue
			}
			if ctx.Err() != nil {
				break
			}
			t.logger.Warn("stream read failed", "stream", stream, "error", err)
			t.pause(ctx, t.retryDelay)
			continue
		}

		started := 0
		for _, s := range result {
			for _, m := range s.Messages {
				if _, busy := inflight.LoadOrStore(m.ID, struct{}{}); busy {
					continue
				}
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					inflight.Delete(m.ID)
					continue
				}
				started++
				wg.Add(1)
				msg := &Message{ID: m.ID, Queue: queue, Body: messageBody(m.Values)}
				if pending {
					msg.Deliveries = 1
				}
				go func(msg *Message) {
					defer wg.Done()
					defer func() { <-sem }()

					stopKeepAlive := t.keepAlive(hctx, stream, msg.ID)
					err := h(hctx, msg)
					stopKeepAlive()
					if err != nil {
						t.logger.Warn("handler failed, message left pending",
							"stream", stream, "message_id", msg.ID, "error", err)
						t.pause(hctx, t.retryDelay)
						inflight.Delete(msg.ID)
						readPending.Store(true)
						return
					}
					if err := t.cli.XAck(hctx, stream, t.group, msg.ID).Err(); err != nil {
						t.logger.Error("ack failed", "stream", stream, "message_id", msg.ID, "error", err)
					}
					inflight.Delete(msg.ID)
				}(msg)
			}
		}
		if pending && started == 0 {
			readPending.Store(false)
		}
	}
	return nil
}

// claimAbandoned moves messages idle for at least claimIdle on other
// consumers to this one and returns how many it took.
func (t *RedisTransport) claimAbandoned(ctx context.Context, stream string) int {
	entries, err := t.cli.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  t.group,
		Idle:   t.claimIdle,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			t.logger.Warn("pending scan failed", "stream", stream, "error", err)
		}
		return 0
	}

	var ids []string
	for _, e := range entries {
		if e.Consumer != t.consumer && e.Idle >= t.claimIdle {
			ids = append(ids, e.ID)
		}
	}
	if len(ids) == 0 {
		return 0
	}
	claimed, err := t.cli.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    t.group,
		Consumer: t.consumer,
		MinIdle:  t.claimIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Warn("claim failed", "stream", stream, "error", err)
		}
		return 0
	}
	if len(claimed) > 0 {
		t.logger.Info("claimed abandoned messages", "stream", stream, "count", len(claimed))
	}
	return len(claimed)
}

// keepAlive re-claims id for this consumer until the returned func is
// called, so that its idle time never reaches claimIdle while a handler runs.
func (t *RedisTransport) keepAlive(ctx context.Context, stream, id string) func() {
	if t.claimIdle <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(t.claimIdle / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := t.cli.XClaimJustID(ctx, &redis.XClaimArgs{
					Stream:   stream,
					Group:    t.group,
					Consumer: t.consumer,
					Messages: []string{id},
				}).Err()
				if err != nil && ctx.Err() == nil {
					t.logger.Warn("keep-alive failed", "stream", stream, "message_id", id, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (t *RedisTransport) pause(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func messageBody(values map[string]interface{}) []byte {
	switch v := values[bodyField].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return nil
	}
}

// Close closes the client when the transport created it.
func (t *RedisTransport) Close() error {
	if t.owned {
		return t.cli.Close()
	}
	return nil
}

var (
	_ Transport = (*RedisTransport)(nil)
	_ Transport = (*MemoryTransport)(nil)
)
