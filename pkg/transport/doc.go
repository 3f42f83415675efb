// Package transport carries executions between the scheduler and workers.
//
// This package includes:
//   - Transport: the send/receive/acknowledge contract with at-least-once delivery
//   - RedisTransport: Redis Streams with consumer groups
//   - MemoryTransport: an in-process transport
//   - Envelope codec with round-trip verification
//   - Relay: forwards a submission queue to per-worker request queues
package transport
