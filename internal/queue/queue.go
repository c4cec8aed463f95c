// Package queue carries the two message flows between the workers:
// object-store notifications into the decoder and settlement jobs from the
// orchestrator to the settlement consumer.
package queue

import "context"

// Message is one delivered queue entry.
type Message struct {
	ID   string
	Body []byte
}

// Disposition is the per-message outcome a handler reports back. Retried
// messages stay pending and are redelivered after the idle threshold.
type Disposition int

const (
	Ack Disposition = iota
	Retry
)

// Handler processes one delivery batch and resolves every message
// individually; one message's failure must not affect another's
// disposition. len(result) must equal len(msgs).
type Handler func(ctx context.Context, msgs []Message) []Disposition

// Sender enqueues payloads onto a named stream in fixed-size chunks.
type Sender interface {
	Send(ctx context.Context, stream string, payloads [][]byte) error
}

// SendChunkSize bounds a single enqueue call.
const SendChunkSize = 100
