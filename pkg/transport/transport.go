package transport

import (
	"context"
	"errors"

	"github.com/jdziat/scanflow/pkg/security"
)

// Errors returned by codecs and transports.
var (
	ErrMessageTooLarge   = errors.New("transport: message exceeds size limit")
	ErrMalformedMessage  = errors.New("transport: malformed message")
	ErrRoundTripMismatch = errors.New("transport: decoded message differs from what was encoded")
	ErrClosed            = errors.New("transport: closed")
)

// Message is one delivery taken from a queue.
type Message struct {
	ID    string
	Queue string
	Body  []byte

	// Deliveries counts earlier unacknowledged deliveries of the same message.
	Deliveries int
}

// Handler processes a delivered message. Returning nil acknowledges the
// message; returning an error leaves it unacknowledged so it is delivered again.
type Handler func(ctx context.Context, msg *Message) error

// Transport moves opaque messages between named queues with at-least-once delivery.
type Transport interface {
	// Send places body on the named queue.
	Send(ctx context.Context, queue string, body []byte) error

	// Receive consumes the named queue until ctx is cancelled. Handlers run
	// with a context that is not cancelled with ctx, and Receive waits for
	// in-flight handlers before returning, so shutdown only stops accepting
	// new messages.
	Receive(ctx context.Context, queue string, h Handler, opts ...ReceiveOption) error

	Close() error
}

// Ephemeral is implemented by transports that lose queued and unacknowledged
// messages when the process exits.
type Ephemeral interface {
	Ephemeral() bool
}

// IsEphemeral reports whether messages on t die with the process.
func IsEphemeral(t Transport) bool {
	e, ok := t.(Ephemeral)
	return ok && e.Ephemeral()
}

// ReceiveConfig holds receive loop configuration.
type ReceiveConfig struct {
	Concurrency int
}

// ReceiveOption configures a receive loop.
type ReceiveOption interface {
	applyReceive(*ReceiveConfig)
}

type receiveOptionFunc func(*ReceiveConfig)

func (f receiveOptionFunc) applyReceive(c *ReceiveConfig) { f(c) }

// Concurrency sets how many handlers may run at once.
// Values are clamped to [1, MaxConcurrency].
func Concurrency(n int) ReceiveOption {
	return receiveOptionFunc(func(c *ReceiveConfig) {
		c.Concurrency = security.ClampConcurrency(n)
	})
}

func newReceiveConfig(opts []ReceiveOption) ReceiveConfig {
	cfg := ReceiveConfig{Concurrency: 1}
	for _, opt := range opts {
		opt.applyReceive(&cfg)
	}
	return cfg
}
