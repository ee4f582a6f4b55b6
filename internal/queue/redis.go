package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pglogrepl"
	"github.com/redis/go-redis/v9"
)

// Stream field names. Kept short; Redis stores them per message.
const (
	fieldInstance = "instance_id"
	fieldLSN      = "lsn"
	fieldPayload  = "payload"
)

// RedisQueue is a Queue backed by one Redis Stream with one consumer group.
type RedisQueue struct {
	client *redis.Client
	stream string
	group  string
	logger *slog.Logger
}

// NewRedisQueue builds a queue over the given stream and consumer group.
// Call EnsureGroup once before reading.
func NewRedisQueue(client *redis.Client, stream, group string, logger *slog.Logger) *RedisQueue {
	return &RedisQueue{
		client: client,
		stream: stream,
		group:  group,
		logger: logger,
	}
}

// EnsureGroup creates the consumer group, starting delivery at the beginning
// of the stream. An already-existing group is not an error.
func (q *RedisQueue) EnsureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("queue: create group %s on %s: %w", q.group, q.stream, err)
	}

	return nil
}

// Append adds a message to the stream.
func (q *RedisQueue) Append(ctx context.Context, msg *Message) (string, error) {
	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{
			fieldInstance: msg.InstanceID.String(),
			fieldLSN:      msg.LSN.String(),
			fieldPayload:  msg.Payload,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("queue: xadd to %s: %w", q.stream, err)
	}

	return id, nil
}

// ReadGroup fetches pending messages for the consumer, blocking up to block
// when the stream is empty.
func (q *RedisQueue) ReadGroup(ctx context.Context, consumer string, count int, block time.Duration) ([]*Message, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()

	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		if strings.Contains(err.Error(), "NOGROUP") {
			return nil, fmt.Errorf("queue: read %s: %w", q.stream, ErrNoGroup)
		}

		return nil, fmt.Errorf("queue: xreadgroup from %s: %w", q.stream, err)
	}

	var msgs []*Message

	for _, s := range streams {
		for i := range s.Messages {
			msg, err := parseXMessage(&s.Messages[i])
			if err != nil {
				// A malformed message is acked and dropped; leaving it pending
				// would wedge the consumer forever.
				q.logger.Error("dropping malformed queue message",
					slog.String("id", s.Messages[i].ID),
					slog.String("error", err.Error()),
				)

				if ackErr := q.Ack(ctx, s.Messages[i].ID); ackErr != nil {
					return nil, ackErr
				}

				continue
			}

			msgs = append(msgs, msg)
		}
	}

	return msgs, nil
}

// Ack acknowledges processed messages.
func (q *RedisQueue) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	if err := q.client.XAck(ctx, q.stream, q.group, ids...).Err(); err != nil {
		return fmt.Errorf("queue: xack on %s: %w", q.stream, err)
	}

	return nil
}

// Len returns the current stream length.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: xlen on %s: %w", q.stream, err)
	}

	return n, nil
}

// Reclaim transfers long-idle pending messages to the consumer.
func (q *RedisQueue) Reclaim(ctx context.Context, consumer string, minIdle time.Duration, count int) ([]*Message, error) {
	claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: xautoclaim on %s: %w", q.stream, err)
	}

	var msgs []*Message

	for i := range claimed {
		msg, err := parseXMessage(&claimed[i])
		if err != nil {
			q.logger.Error("dropping malformed reclaimed message",
				slog.String("id", claimed[i].ID),
				slog.String("error", err.Error()),
			)

			if ackErr := q.Ack(ctx, claimed[i].ID); ackErr != nil {
				return nil, ackErr
			}

			continue
		}

		msgs = append(msgs, msg)
	}

	return msgs, nil
}

// parseXMessage converts a raw stream entry back into a Message.
func parseXMessage(xm *redis.XMessage) (*Message, error) {
	rawInstance, ok := xm.Values[fieldInstance].(string)
	if !ok {
		return nil, fmt.Errorf("queue: message %s missing %s", xm.ID, fieldInstance)
	}

	instanceID, err := uuid.Parse(rawInstance)
	if err != nil {
		return nil, fmt.Errorf("queue: message %s: parse instance id: %w", xm.ID, err)
	}

	rawLSN, ok := xm.Values[fieldLSN].(string)
	if !ok {
		return nil, fmt.Errorf("queue: message %s missing %s", xm.ID, fieldLSN)
	}

	lsn, err := pglogrepl.ParseLSN(rawLSN)
	if err != nil {
		return nil, fmt.Errorf("queue: message %s: parse lsn: %w", xm.ID, err)
	}

	rawPayload, ok := xm.Values[fieldPayload].(string)
	if !ok {
		return nil, fmt.Errorf("queue: message %s missing %s", xm.ID, fieldPayload)
	}

	return &Message{
		ID:         xm.ID,
		InstanceID: instanceID,
		LSN:        lsn,
		Payload:    []byte(rawPayload),
	}, nil
}
