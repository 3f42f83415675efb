package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
)

// Relay moves messages from a submission queue to one or more target queues,
// possibly on a different transport. Targets are used round-robin. The
// inbound message is acknowledged only once it has been forwarded.
type Relay struct {
	source  Transport
	from    string
	sink    Transport
	targets []string
	opts    []ReceiveOption
	next    atomic.Uint64
	logger  *slog.Logger
}

// NewRelay creates a relay from source/from to sink/targets.
func NewRelay(source Transport, from string, sink Transport, targets []string, opts ...ReceiveOption) (*Relay, error) {
	if len(targets) == 0 {
		return nil, errors.New("transport: relay needs at least one target queue")
	}
	return &Relay{
		source:  source,
		from:    from,
		sink:    sink,
		targets: targets,
		opts:    opts,
		logger:  slog.Default(),
	}, nil
}

// SetLogger sets the logger used for forwarding failures.
func (r *Relay) SetLogger(l *slog.Logger) {
	r.logger = l
}

// Run forwards messages until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	return r.source.Receive(ctx, r.from, r.forward, r.opts...)
}

func (r *Relay) forward(ctx context.Context, msg *Message) error {
	target := r.targets[(r.next.Add(1)-1)%uint64(len(r.targets))]
	if err := r.sink.Send(ctx, target, msg.Body); err != nil {
		r.logger.Warn("relay forward failed", "from", r.from, "to", target, "message_id", msg.ID, "error", err)
		return err
	}
	return nil
}
