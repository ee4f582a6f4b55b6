package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue for tests and single-node setups.
// Delivery semantics mirror the Redis implementation: messages stay pending
// per consumer until acked, and idle pending messages can be reclaimed.
type MemoryQueue struct {
	mu      sync.Mutex
	seq     int64
	entries []*memoryEntry
	wakeup  chan struct{}
}

type memoryEntry struct {
	msg       *Message
	delivered bool
	consumer  string
	claimedAt time.Time
	acked     bool
}

// NewMemoryQueue returns an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{wakeup: make(chan struct{}, 1)}
}

// Append adds a message and assigns it a sequential ID.
func (q *MemoryQueue) Append(_ context.Context, msg *Message) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	id := fmt.Sprintf("%d-0", q.seq)

	stored := *msg
	stored.ID = id
	q.entries = append(q.entries, &memoryEntry{msg: &stored})

	select {
	case q.wakeup <- struct{}{}:
	default:
	}

	return id, nil
}

// ReadGroup fetches up to count undelivered messages, blocking up to block
// if none are available.
func (q *MemoryQueue) ReadGroup(ctx context.Context, consumer string, count int, block time.Duration) ([]*Message, error) {
	deadline := time.Now().Add(block)

	for {
		if msgs := q.takeUndelivered(consumer, count); len(msgs) > 0 {
			return msgs, nil
		}

		if block <= 0 || time.Now().After(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wakeup:
		case <-time.After(time.Until(deadline)):
			return nil, nil
		}
	}
}

func (q *MemoryQueue) takeUndelivered(consumer string, count int) []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	var msgs []*Message

	for _, e := range q.entries {
		if e.delivered || e.acked {
			continue
		}

		e.delivered = true
		e.consumer = consumer
		e.claimedAt = time.Now()
		msgs = append(msgs, e.msg)

		if len(msgs) == count {
			break
		}
	}

	return msgs
}

// Ack marks messages processed and removes them from the queue.
func (q *MemoryQueue) Ack(_ context.Context, ids ...string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range ids {
		for _, e := range q.entries {
			if e.msg.ID == id {
				e.acked = true
			}
		}
	}

	q.compact()

	return nil
}

// compact drops acked entries from the head. Called with mu held.
func (q *MemoryQueue) compact() {
	kept := q.entries[:0]

	for _, e := range q.entries {
		if !e.acked {
			kept = append(kept, e)
		}
	}

	q.entries = kept
}

// Len returns the number of unacked messages.
func (q *MemoryQueue) Len(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return int64(len(q.entries)), nil
}

// Reclaim hands messages pending longer than minIdle to the consumer.
func (q *MemoryQueue) Reclaim(_ context.Context, consumer string, minIdle time.Duration, count int) ([]*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-minIdle)

	var msgs []*Message

	for _, e := range q.entries {
		if !e.delivered || e.acked || e.claimedAt.After(cutoff) {
			continue
		}

		e.consumer = consumer
		e.claimedAt = time.Now()
		msgs = append(msgs, e.msg)

		if len(msgs) == count {
			break
		}
	}

	return msgs, nil
}
