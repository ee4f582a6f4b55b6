// Package queue provides the durable event queue that decouples CDC capture
// from CDC apply. The production implementation is backed by Redis Streams;
// a memory implementation serves tests and single-process setups.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pglogrepl"
)

// ErrNoGroup is returned when reading from a stream whose consumer group
// has not been created yet.
var ErrNoGroup = errors.New("queue: consumer group does not exist")

// Message is one captured replication event in transit. Payload is the raw
// logical decoding frame; consumers decode it themselves so the queue stays
// schema-agnostic.
type Message struct {
	// ID is the broker-assigned message ID, used for acknowledgment.
	// Empty until the message has been appended.
	ID         string
	InstanceID uuid.UUID
	LSN        pglogrepl.LSN
	Payload    []byte
}

// Queue is a durable at-least-once delivery queue with consumer groups.
type Queue interface {
	// Append adds a message and returns its broker-assigned ID.
	Append(ctx context.Context, msg *Message) (string, error)

	// ReadGroup fetches up to count pending messages for the named consumer,
	// blocking up to block when the queue is empty. Messages stay pending
	// until acknowledged.
	ReadGroup(ctx context.Context, consumer string, count int, block time.Duration) ([]*Message, error)

	// Ack acknowledges processed messages by ID.
	Ack(ctx context.Context, ids ...string) error

	// Len returns the number of messages currently in the queue, including
	// unacknowledged ones. The capture side uses this for backpressure.
	Len(ctx context.Context) (int64, error)

	// Reclaim transfers messages that have been pending longer than minIdle
	// to the named consumer, recovering work from crashed consumers.
	Reclaim(ctx context.Context, consumer string, minIdle time.Duration, count int) ([]*Message, error)
}
