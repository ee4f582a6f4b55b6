package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/arcore-io/arcore/internal/defs"
	"github.com/arcore-io/arcore/internal/rowvalue"
	"github.com/arcore-io/arcore/internal/state"
)

// applyOutcome classifies one source-to-target write attempt.
type applyOutcome int

const (
	outcomeCreated applyOutcome = iota
	outcomeUpdated
	outcomeSkipped
)

func (o applyOutcome) String() string {
	switch o {
	case outcomeCreated:
		return "created"
	case outcomeUpdated:
		return "updated"
	case outcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// applyToTarget writes one mapped row to its target list, shared by the push
// engine and the CDC consumer. It performs loop suppression against the
// ledger, then creates or updates the item and records the new ledger state
// with push provenance.
func (e *Engine) applyToTarget(
	ctx context.Context,
	def *defs.Definition,
	target *defs.Target,
	payload *mappedPayload,
	sourceTS *time.Time,
	instanceID string,
) (applyOutcome, error) {
	if err := e.limiters.wait(ctx, def.ID, def.RateLimitPerSec); err != nil {
		return outcomeSkipped, err
	}

	contentHash := rowvalue.ContentHash(payload.hashRow)

	entry, err := e.state.Entry(ctx, def.ID, payload.identityH)
	if err != nil && !isNotFound(err) {
		return outcomeSkipped, err
	}

	// Loop suppression: the target already holds exactly this content and
	// it came from the target. Writing it back would bounce the change
	// forever.
	if entry != nil && entry.Provenance == state.ProvenancePull && entry.ContentHash == contentHash {
		e.logger.Debug("suppressed echo to target",
			"def", def.Name,
			"identity", payload.identity,
		)

		return outcomeSkipped, nil
	}

	client, site, err := e.listsFor(target)
	if err != nil {
		return outcomeSkipped, err
	}

	newEntry := &state.Entry{
		SyncDefID:          def.ID,
		SourceIdentityHash: payload.identityH,
		SourceIdentity:     payload.identity,
		SourceInstanceID:   instanceID,
		ContentHash:        contentHash,
		LastSourceTS:       sourceTS,
		LastSyncTS:         e.clock.Now(),
		Provenance:         state.ProvenancePush,
	}

	if entry != nil {
		// The ledger is the index of truth: updates go to the recorded
		// binding even when sharding would now pick a different list.
		if err := client.UpdateItemFields(ctx, site, entry.TargetListID, entry.TargetItemID, payload.fields); err != nil {
			return outcomeSkipped, fmt.Errorf("update item %d in %s: %w", entry.TargetItemID, entry.TargetListID, err)
		}

		newEntry.TargetListID = entry.TargetListID
		newEntry.TargetItemID = entry.TargetItemID

		if err := e.state.UpsertEntry(ctx, newEntry); err != nil {
			return outcomeSkipped, err
		}

		return outcomeUpdated, nil
	}

	item, err := client.CreateItem(ctx, site, target.ListID, payload.fields)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("create item in %s: %w", target.ListID, err)
	}

	newEntry.TargetListID = target.ListID
	newEntry.TargetItemID = item.ID

	if err := e.state.UpsertEntry(ctx, newEntry); err != nil {
		return outcomeSkipped, err
	}

	return outcomeCreated, nil
}

// selectTarget routes a row through the sharding policy, falling back to
// the default binding. Returns false when no binding can take the row.
func selectTarget(def *defs.Definition, targets []defs.Target, row rowvalue.Row) (*defs.Target, bool) {
	if def.Sharding != nil {
		eval := shardEvaluator(def)

		if listID, ok := eval.Evaluate(row); ok {
			if t, found := targetByList(targets, listID); found {
				return t, true
			}

			// The policy named a list with no binding: synthesize one in
			// the default site so conditional routing does not require a
			// bookkeeping row per list.
			return &defs.Target{SyncDefID: def.ID, ListID: listID, Active: true}, true
		}

		// No rule matched and the policy has no default of its own: the
		// row routes like an unsharded one, to the default binding.
	}

	for i := range targets {
		if targets[i].IsDefault {
			return &targets[i], true
		}
	}

	if len(targets) > 0 {
		return &targets[0], true
	}

	return nil, false
}
