package transport

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
)

const defaultMemoryCapacity = 1024

// MemoryTransport is an in-process transport for single-binary runs and tests.
// Messages whose handler fails are put back on their queue.
type MemoryTransport struct {
	mu       sync.Mutex
	queues   map[string]chan *Message
	capacity int
	closed   bool
	seq      atomic.Uint64
}

// NewMemoryTransport creates a transport whose queues buffer up to capacity
// messages. A capacity of zero or less uses a default.
func NewMemoryTransport(capacity int) *MemoryTransport {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryTransport{
		queues:   make(map[string]chan *Message),
		capacity: capacity,
	}
}

// Ephemeral reports true: queues live in this process only.
func (t *MemoryTransport) Ephemeral() bool { return true }

func (t *MemoryTransport) queue(name string) (chan *Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	ch, ok := t.queues[name]
	if !ok {
		ch = make(chan *Message, t.capacity)
		t.queues[name] = ch
	}
	return ch, nil
}

// Send enqueues a copy of body, blocking while the queue is full.
func (t *MemoryTransport) Send(ctx context.Context, queue string, body []byte) error {
	ch, err := t.queue(queue)
	if err != nil {
		return err
	}
	msg := &Message{
		ID:    strconv.FormatUint(t.seq.Add(1), 10),
		Queue: queue,
		Body:  append([]byte(nil), body...),
	}
	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive consumes queue until ctx is cancelled.
func (t *MemoryTransport) Receive(ctx context.Context, queue string, h Handler, opts ...ReceiveOption) error {
	cfg := newReceiveConfig(opts)
	ch, err := t.queue(queue)
	if err != nil {
		return err
	}

	sem := make(chan struct{}, cfg.Concurrency)
	hctx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-ch:
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				t.redeliver(ch, msg)
				return nil
			}
			wg.Add(1)
			go func(msg *Message) {
				defer wg.Done()
				defer func() { <-sem }()
				if err := h(hctx, msg); err != nil {
					msg.Deliveries++
					t.redeliver(ch, msg)
				}
			}(msg)
		}
	}
}

func (t *MemoryTransport) redeliver(ch chan *Message, msg *Message) {
	select {
	case ch <- msg:
	default:
		go func() { ch <- msg }()
	}
}

// Pending returns the number of messages waiting on queue.
func (t *MemoryTransport) Pending(queue string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queues[queue])
}

// Close stops accepting sends and new receivers.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
