package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arcore-io/arcore/internal/defs"
	"github.com/arcore-io/arcore/internal/graph"
	"github.com/arcore-io/arcore/internal/pgoutput"
	"github.com/arcore-io/arcore/internal/queue"
	"github.com/arcore-io/arcore/internal/rowvalue"
)

const (
	consumerBatch  = 64
	consumerBlock  = 2 * time.Second
	reclaimMinIdle = time.Minute
)

// cdcConsumer applies queued replication events to target lists. Each
// consumer owns one pgoutput decoder per source instance, since the relation
// cache inside a decoder is positional state tied to that instance's stream.
type cdcConsumer struct {
	engine   *Engine
	name     string
	decoders map[uuid.UUID]*pgoutput.Decoder
}

// RunCDCConsumer reads queued replication events as the named consumer and
// applies them until ctx is canceled. Messages are acknowledged only after
// the target write and ledger update committed, so a crash mid-apply
// redelivers and the content hash absorbs the duplicate.
func (e *Engine) RunCDCConsumer(ctx context.Context, consumer string) error {
	c := &cdcConsumer{
		engine:   e,
		name:     consumer,
		decoders: make(map[uuid.UUID]*pgoutput.Decoder),
	}

	e.logger.Info("cdc consumer started", "consumer", consumer)

	// Adopt messages a crashed consumer left pending before reading fresh
	// ones.
	if err := c.reclaimPending(ctx); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if _, err := c.consumeBatch(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return err
		}
	}
}

// consumeBatch reads and applies one batch, returning how many messages were
// acknowledged.
func (c *cdcConsumer) consumeBatch(ctx context.Context) (int, error) {
	msgs, err := c.engine.queue.ReadGroup(ctx, c.name, consumerBatch, consumerBlock)
	if err != nil {
		if errors.Is(err, queue.ErrNoGroup) {
			return 0, fmt.Errorf("engine: cdc consumer %s: %w", c.name, err)
		}

		return 0, err
	}

	return c.applyMessages(ctx, msgs)
}

// reclaimPending transfers long-idle pending messages to this consumer and
// applies them.
func (c *cdcConsumer) reclaimPending(ctx context.Context) error {
	msgs, err := c.engine.queue.Reclaim(ctx, c.name, reclaimMinIdle, consumerBatch)
	if err != nil {
		return err
	}

	if len(msgs) > 0 {
		c.engine.logger.Info("reclaimed pending cdc messages",
			"consumer", c.name,
			"count", len(msgs),
		)
	}

	_, err = c.applyMessages(ctx, msgs)

	return err
}

func (c *cdcConsumer) applyMessages(ctx context.Context, msgs []*queue.Message) (int, error) {
	acked := 0

	for _, msg := range msgs {
		if ctx.Err() != nil {
			return acked, ctx.Err()
		}

		if err := c.applyMessage(ctx, msg); err != nil {
			// Leave the message pending: it redelivers after restart, or a
			// reclaim picks it up. Stop the batch so ordering within the
			// stream holds.
			return acked, fmt.Errorf("engine: cdc consumer %s: message %s: %w", c.name, msg.ID, err)
		}

		if err := c.engine.queue.Ack(ctx, msg.ID); err != nil {
			return acked, err
		}

		acked++
	}

	return acked, nil
}

// applyMessage decodes and applies one replication event. A nil return means
// the message may be acknowledged; malformed frames are counted as applied
// because redelivery can never fix them.
func (c *cdcConsumer) applyMessage(ctx context.Context, msg *queue.Message) error {
	dec, ok := c.decoders[msg.InstanceID]
	if !ok {
		dec = pgoutput.NewDecoder()
		c.decoders[msg.InstanceID] = dec
	}

	ev, err := dec.Decode(msg.Payload)
	if err != nil {
		if errors.Is(err, pgoutput.ErrDecode) {
			c.engine.logger.Error("dropping undecodable replication frame",
				"instance", msg.InstanceID.String(),
				"lsn", msg.LSN.String(),
				"error", err.Error(),
			)

			return nil
		}

		return err
	}

	switch ev.Type {
	case pgoutput.EventInsert, pgoutput.EventUpdate, pgoutput.EventDelete:
	default:
		// Transaction boundaries and relation metadata carry no row work.
		return nil
	}

	def, routed, err := c.engine.defs.Route(ctx, msg.InstanceID, ev.Schema, ev.Table)
	if err != nil {
		return err
	}

	if !routed || def.Paused {
		return nil
	}

	if ev.Type == pgoutput.EventDelete {
		return c.applyDelete(ctx, def, ev)
	}

	return c.applyUpsert(ctx, def, msg.InstanceID, ev)
}

// applyUpsert mirrors an INSERT or UPDATE event onto its target list.
func (c *cdcConsumer) applyUpsert(ctx context.Context, def *defs.Definition, instanceID uuid.UUID, ev *pgoutput.Event) error {
	row := ev.Row

	// Columns elided as unchanged TOAST are missing from the frame; the
	// current source row fills them in so the content hash stays complete.
	if len(ev.Unchanged) > 0 {
		full, err := c.refetchRow(ctx, def, row)
		if err != nil {
			return err
		}

		if full != nil {
			row = full
		}
	}

	payload, err := mapToTarget(def, row)
	if err != nil {
		return err
	}

	targets, err := c.engine.resolveTargets(ctx, def)
	if err != nil {
		return err
	}

	target, ok := selectTarget(def, targets, row)
	if !ok {
		return fmt.Errorf("%s: no target for row %s: %w", def.Name, payload.identity, ErrNoTarget)
	}

	if target.ListDeleted {
		return fmt.Errorf("%s: list %s: %w", def.Name, target.ListID, ErrTargetDeleted)
	}

	ts := ev.CommitTime
	sourceTS := &ts

	if ts.IsZero() {
		sourceTS = cursorTimestamp(def, row)
	}

	_, err = c.engine.applyToTarget(ctx, def, target, payload, sourceTS, instanceID.String())

	return err
}

// refetchRow loads the full current source row for an event whose frame
// elided some columns. A row that vanished in the meantime returns nil and
// the partial frame is applied as-is.
func (c *cdcConsumer) refetchRow(ctx context.Context, def *defs.Definition, row rowvalue.Row) (rowvalue.Row, error) {
	binding, err := c.engine.defs.SourceBinding(ctx, def.ID)
	if err != nil {
		return nil, err
	}

	src, err := c.engine.source(ctx, binding.Instance)
	if err != nil {
		return nil, err
	}

	key := make(rowvalue.Row, len(def.KeyColumns()))

	for _, col := range def.KeyColumns() {
		v, ok := row[col]
		if !ok {
			return nil, fmt.Errorf("%s: key column %s missing from frame", def.Name, col)
		}

		key[col] = v
	}

	full, err := src.FetchByKey(ctx, def, key)
	if isSourceMissing(err) {
		return nil, nil
	}

	return full, err
}

// applyDelete removes the target item a deleted source row was mirrored to.
func (c *cdcConsumer) applyDelete(ctx context.Context, def *defs.Definition, ev *pgoutput.Event) error {
	identity, err := rowvalue.Identity(ev.Row, def.KeyColumns(), def.KeyStrategy)
	if err != nil {
		return fmt.Errorf("%s: delete frame: %w", def.Name, err)
	}

	entry, err := c.engine.state.Entry(ctx, def.ID, rowvalue.HashIdentity(identity))
	if err != nil {
		if isNotFound(err) {
			// Row was never mirrored; nothing to remove.
			return nil
		}

		return err
	}

	client, site, err := c.engine.targetClientForList(ctx, def, entry.TargetListID)
	if err != nil {
		return err
	}

	err = client.DeleteItem(ctx, site, entry.TargetListID, entry.TargetItemID)
	if err != nil && !errors.Is(err, graph.ErrNotFound) {
		return err
	}

	return c.engine.state.DeleteEntry(ctx, def.ID, entry.SourceIdentityHash)
}

// targetClientForList resolves the client and site for a ledger-recorded
// list, falling back to a default-site binding when the list has no explicit
// target row.
func (e *Engine) targetClientForList(ctx context.Context, def *defs.Definition, listID string) (Lists, string, error) {
	targets, err := e.resolveTargets(ctx, def)
	if err != nil {
		return nil, "", err
	}

	target, ok := targetByList(targets, listID)
	if !ok {
		target = &defs.Target{SyncDefID: def.ID, ListID: listID, Active: true}
	}

	return e.listsFor(target)
}
