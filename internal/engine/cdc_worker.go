package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"

	"github.com/arcore-io/arcore/internal/defs"
	"github.com/arcore-io/arcore/internal/queue"
)

const (
	// backpressurePoll is how often a paused capture worker re-checks queue
	// depth. Short enough that draining resumes promptly, long enough not to
	// hammer the broker.
	backpressurePoll = 250 * time.Millisecond

	// checkpointInterval bounds how much WAL is replayed after a crash.
	checkpointInterval = 5 * time.Second
)

// RunCDCWorker captures logical replication events from one source instance
// and appends them to the queue until ctx is canceled. Delivery is
// at-least-once: the checkpoint trails the enqueued position, so a restart
// replays a short tail that the consumer absorbs idempotently.
func (e *Engine) RunCDCWorker(ctx context.Context, inst *defs.Instance) error {
	checkpoint, err := e.state.CDCCheckpoint(ctx, inst.ID)
	if err != nil && !isNotFound(err) {
		return err
	}

	stream, err := e.repl(ctx, inst, e.cfg.Publication, checkpoint)
	if err != nil {
		return fmt.Errorf("engine: cdc %s: open stream: %w", inst.Label, err)
	}

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := stream.Close(closeCtx); err != nil {
			e.logger.Warn("cdc stream close failed", "instance", inst.Label, "error", err.Error())
		}
	}()

	e.logger.Info("cdc capture started",
		"instance", inst.Label,
		"publication", e.cfg.Publication,
		"checkpoint", checkpoint.String(),
	)

	flushed := checkpoint
	lastCheckpoint := e.clock.Now()

	for {
		if ctx.Err() != nil {
			return e.saveCheckpoint(inst, flushed)
		}

		if err := e.waitForQueueRoom(ctx, stream, flushed); err != nil {
			if ctx.Err() != nil {
				return e.saveCheckpoint(inst, flushed)
			}

			return err
		}

		msg, err := stream.Next(ctx, flushed)
		if err != nil {
			if ctx.Err() != nil {
				return e.saveCheckpoint(inst, flushed)
			}

			return fmt.Errorf("engine: cdc %s: %w", inst.Label, err)
		}

		if msg == nil {
			// Keepalive round; nothing to enqueue.
			continue
		}

		_, err = e.queue.Append(ctx, &queue.Message{
			InstanceID: inst.ID,
			LSN:        msg.WALEnd,
			Payload:    msg.Data,
		})
		if err != nil {
			return fmt.Errorf("engine: cdc %s: enqueue: %w", inst.Label, err)
		}

		// The event is durably queued, so the server may recycle WAL up to
		// here even if this process dies before the consumer applies it.
		flushed = msg.WALEnd

		if now := e.clock.Now(); now.Sub(lastCheckpoint) >= checkpointInterval {
			if err := e.saveCheckpoint(inst, flushed); err != nil {
				return err
			}

			lastCheckpoint = now
		}
	}
}

// waitForQueueRoom blocks while the queue sits at or above the high-water
// mark, keeping the replication connection alive with status updates.
func (e *Engine) waitForQueueRoom(ctx context.Context, stream Replication, flushed pglogrepl.LSN) error {
	for {
		depth, err := e.queue.Len(ctx)
		if err != nil {
			return err
		}

		if depth < int64(e.cfg.HighWater) {
			return nil
		}

		e.logger.Debug("cdc capture paused on backpressure",
			"depth", depth,
			"high_water", e.cfg.HighWater,
		)

		if err := stream.SendStatus(ctx, flushed); err != nil {
			return err
		}

		if err := e.clock.Sleep(ctx, backpressurePoll); err != nil {
			return err
		}
	}
}

// saveCheckpoint persists the capture position using a fresh context so a
// canceled worker still records its progress.
func (e *Engine) saveCheckpoint(inst *defs.Instance, flushed pglogrepl.LSN) error {
	if flushed == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.state.SaveCDCCheckpoint(ctx, inst.ID, flushed); err != nil {
		return fmt.Errorf("engine: cdc %s: save checkpoint: %w", inst.Label, err)
	}

	return nil
}
