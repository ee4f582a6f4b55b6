package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/arcore-io/arcore/internal/defs"
	"github.com/arcore-io/arcore/internal/graph"
	"github.com/arcore-io/arcore/internal/rowvalue"
	"github.com/arcore-io/arcore/internal/state"
)

// MoveResult reports how a relocation ended. Status is one of the move audit
// statuses; anything but plain success leaves a condition the operator may
// need to act on.
type MoveResult struct {
	FromListID string
	ToListID   string
	NewItemID  int64
	Status     string
}

// Move relocates one tracked row's target item to another list. The order is
// create first, rebind the ledger second, delete the old item last: at every
// step the ledger points at a live item, and a failure after the create can
// at worst leave a duplicate, never a lost row.
func (e *Engine) Move(ctx context.Context, defID uuid.UUID, identityHash, toListID string) (*MoveResult, error) {
	def, err := e.defs.Get(ctx, defID)
	if err != nil {
		return nil, err
	}

	entry, err := e.state.Entry(ctx, defID, identityHash)
	if err != nil {
		return nil, fmt.Errorf("engine: move %s: %w", identityHash, err)
	}

	if entry.TargetListID == toListID {
		return nil, fmt.Errorf("engine: move %s: already on list %s", identityHash, toListID)
	}

	res := &MoveResult{FromListID: entry.TargetListID, ToListID: toListID}

	payload, err := e.moveSourcePayload(ctx, def, entry)
	if err != nil {
		return nil, err
	}

	toClient, toSite, err := e.targetClientForList(ctx, def, toListID)
	if err != nil {
		return nil, err
	}

	// Step 1: create on the destination. Failing here is clean — nothing
	// changed yet.
	item, err := toClient.CreateItem(ctx, toSite, toListID, payload.fields)
	if err != nil {
		e.auditMove(ctx, def, entry, entry.TargetListID, toListID, state.MoveStatusFailed, err.Error())

		return nil, fmt.Errorf("engine: move %s: create on %s: %w", identityHash, toListID, err)
	}

	res.NewItemID = item.ID

	// Step 2: rebind the ledger. If this fails, the destination item exists
	// but the ledger still points at the old one; the new item is the
	// orphan, and the audit trail records the risk for cleanup.
	oldListID := entry.TargetListID
	oldItemID := entry.TargetItemID

	entry.TargetListID = toListID
	entry.TargetItemID = item.ID
	entry.LastSyncTS = e.clock.Now()

	if err := e.state.UpsertEntry(ctx, entry); err != nil {
		e.auditMove(ctx, def, entry, oldListID, toListID, state.MoveStatusOrphanRisk,
			fmt.Sprintf("ledger rebind failed, item %d on %s is orphaned: %v", item.ID, toListID, err))

		res.Status = state.MoveStatusOrphanRisk

		return res, fmt.Errorf("engine: move %s: rebind ledger: %w", identityHash, err)
	}

	// Step 3: delete the old item. The move already succeeded; a failure
	// here only leaves a stale duplicate behind.
	fromClient, fromSite, err := e.targetClientForList(ctx, def, oldListID)
	if err == nil {
		err = fromClient.DeleteItem(ctx, fromSite, oldListID, oldItemID)
	}

	if err != nil && !errors.Is(err, graph.ErrNotFound) {
		e.auditMove(ctx, def, entry, oldListID, toListID, state.MoveStatusSuccessOrphan,
			fmt.Sprintf("old item %d on %s not deleted: %v", oldItemID, oldListID, err))

		res.Status = state.MoveStatusSuccessOrphan

		return res, nil
	}

	e.auditMove(ctx, def, entry, oldListID, toListID, state.MoveStatusSuccess, "")

	res.Status = state.MoveStatusSuccess

	e.logger.Info("item moved",
		"def", def.Name,
		"identity", entry.SourceIdentity,
		"from", oldListID,
		"to", toListID,
		"item", item.ID,
	)

	return res, nil
}

// moveSourcePayload builds the create payload for a move from the current
// source row, so the destination item carries fresh values rather than a
// copy of possibly stale target fields.
func (e *Engine) moveSourcePayload(ctx context.Context, def *defs.Definition, entry *state.Entry) (*mappedPayload, error) {
	binding, err := e.defs.SourceBinding(ctx, def.ID)
	if err != nil {
		return nil, err
	}

	src, err := e.source(ctx, binding.Instance)
	if err != nil {
		return nil, err
	}

	key, err := rowvalue.ParseIdentity(entry.SourceIdentity, def.KeyColumns(), def.KeyStrategy)
	if err != nil {
		return nil, err
	}

	row, err := src.FetchByKey(ctx, def, key)
	if err != nil {
		if isSourceMissing(err) {
			return nil, fmt.Errorf("engine: move %s: source row gone", entry.SourceIdentity)
		}

		return nil, err
	}

	return mapToTarget(def, row)
}

// auditMove appends to the move audit trail; the trail is best-effort and
// never fails the move itself.
func (e *Engine) auditMove(ctx context.Context, def *defs.Definition, entry *state.Entry, fromListID, toListID, status, details string) {
	err := e.state.AppendMoveAudit(ctx, &state.MoveAudit{
		SyncDefID:          def.ID,
		SourceIdentityHash: entry.SourceIdentityHash,
		FromListID:         fromListID,
		ToListID:           toListID,
		Status:             status,
		Details:            details,
	})
	if err != nil {
		e.logger.Warn("failed to append move audit",
			"def", def.Name,
			"status", status,
			"error", err.Error(),
		)
	}
}
