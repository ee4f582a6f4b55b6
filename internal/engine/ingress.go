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

// IngressResult summarizes one ingress run.
type IngressResult struct {
	Processed      int
	Applied        int
	Deleted        int
	Skipped        int
	Conflicts      int
	Failed         int
	TokenPersisted bool
}

// RunIngress pulls target-side changes back into the source for every
// active target list of a two-way definition. The delta token for a list is
// persisted only after every change in its enumeration applied cleanly.
func (e *Engine) RunIngress(ctx context.Context, defID, runID uuid.UUID) (*IngressResult, error) {
	def, err := e.defs.Get(ctx, defID)
	if err != nil {
		return nil, err
	}

	if def.Mode != defs.ModeTwoWay {
		return nil, fmt.Errorf("engine: %s: ingress requires two_way mode", def.Name)
	}

	binding, err := e.defs.SourceBinding(ctx, defID)
	if err != nil {
		return nil, err
	}

	src, err := e.source(ctx, binding.Instance)
	if err != nil {
		return nil, err
	}

	targets, err := e.resolveTargets(ctx, def)
	if err != nil {
		return nil, err
	}

	res := &IngressResult{}

	for i := range targets {
		target := &targets[i]

		if err := e.ingressList(ctx, def, src, target, runID, res); err != nil {
			return res, fmt.Errorf("engine: %s: list %s: %w", def.Name, target.ListID, err)
		}
	}

	return res, nil
}

// ingressList processes one target list's delta enumeration.
func (e *Engine) ingressList(
	ctx context.Context,
	def *defs.Definition,
	src Source,
	target *defs.Target,
	runID uuid.UUID,
	res *IngressResult,
) error {
	client, site, err := e.listsFor(target)
	if err != nil {
		return err
	}

	token := ""

	cursor, err := e.state.Cursor(ctx, def.ID, state.ScopeTarget, target.ListID)
	if err != nil && !isNotFound(err) {
		return err
	}

	if cursor != nil {
		token = cursor.Value
	}

	changes, newToken, err := client.DeltaAll(ctx, site, target.ListID, token)
	if errors.Is(err, graph.ErrGone) {
		// Expired token: reset and re-enumerate from scratch. Replayed
		// changes are harmless because echo suppression and content-hash
		// idempotence absorb them.
		e.logger.Warn("delta token expired, re-enumerating",
			"def", def.Name,
			"list", target.ListID,
		)

		if err := e.state.ResetCursor(ctx, def.ID, state.ScopeTarget, target.ListID); err != nil {
			return err
		}

		changes, newToken, err = client.DeltaAll(ctx, site, target.ListID, "")
	}

	if err != nil {
		return err
	}

	for i := range changes {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		res.Processed++

		// Fail-fast: one failed change stops the list so its token does not
		// advance past unapplied changes.
		if err := e.ingressChange(ctx, def, src, target, &changes[i], runID, res); err != nil {
			res.Failed++
			e.recordEvent(ctx, runID, state.SeverityError, "ingress_failed", err.Error())

			return err
		}
	}

	if newToken != "" && newToken != token {
		err := e.state.UpsertCursor(ctx, &state.Cursor{
			SyncDefID:     def.ID,
			Scope:         state.ScopeTarget,
			Discriminator: target.ListID,
			Type:          defs.CursorDeltaToken,
			Value:         newToken,
			UpdatedAt:     e.clock.Now(),
		})
		if err != nil {
			return err
		}

		res.TokenPersisted = true
	}

	return nil
}

// ingressChange applies one target-side change to the source.
func (e *Engine) ingressChange(
	ctx context.Context,
	def *defs.Definition,
	src Source,
	target *defs.Target,
	change *graph.Change,
	runID uuid.UUID,
	res *IngressResult,
) error {
	entry, err := e.state.EntryByTargetItem(ctx, def.ID, target.ListID, change.ItemID)
	if err != nil && !isNotFound(err) {
		return err
	}

	if change.Deleted {
		if entry == nil {
			// An item the engine never tracked; nothing to mirror.
			res.Skipped++
			return nil
		}

		return e.ingressDelete(ctx, def, src, entry, res)
	}

	mapped := mapToSource(def, change.Fields)
	contentHash := rowvalue.ContentHash(ingressHashRow(def, change.Fields))

	if entry == nil {
		return e.ingressInsert(ctx, def, src, target, change, mapped, contentHash, res)
	}

	// Echo suppression: this change is our own push bounced back.
	if entry.Provenance == state.ProvenancePush && entry.ContentHash == contentHash {
		res.Skipped++
		return nil
	}

	key, err := rowvalue.ParseIdentity(entry.SourceIdentity, def.KeyColumns(), def.KeyStrategy)
	if err != nil {
		return err
	}

	apply, err := e.resolveConflict(ctx, def, src, entry, key, change)
	if err != nil {
		return err
	}

	if !apply {
		res.Conflicts++
		e.recordEvent(ctx, runID, state.SeverityWarn, "conflict_skipped", entry.SourceIdentity)

		return nil
	}

	if _, err := src.UpdateByKey(ctx, def, key, mapped); err != nil {
		return err
	}

	entry.ContentHash = contentHash
	entry.LastSyncTS = e.clock.Now()
	entry.Provenance = state.ProvenancePull

	if err := e.state.UpsertEntry(ctx, entry); err != nil {
		return err
	}

	res.Applied++

	return nil
}

// ingressDelete mirrors a target-side deletion into the source.
func (e *Engine) ingressDelete(
	ctx context.Context,
	def *defs.Definition,
	src Source,
	entry *state.Entry,
	res *IngressResult,
) error {
	key, err := rowvalue.ParseIdentity(entry.SourceIdentity, def.KeyColumns(), def.KeyStrategy)
	if err != nil {
		return err
	}

	// Zero rows deleted means the source row was already gone; the delete
	// stays idempotent.
	if _, err := src.DeleteByKey(ctx, def, key); err != nil {
		return err
	}

	if err := e.state.DeleteEntry(ctx, def.ID, entry.SourceIdentityHash); err != nil {
		return err
	}

	res.Deleted++

	return nil
}

// ingressInsert materializes a target-created item as a new source row. The
// identity is taken from the row the insert returns, so key columns the
// target never supplied pick up their database defaults.
func (e *Engine) ingressInsert(
	ctx context.Context,
	def *defs.Definition,
	src Source,
	target *defs.Target,
	change *graph.Change,
	mapped rowvalue.Row,
	contentHash string,
	res *IngressResult,
) error {
	inserted, err := src.InsertRow(ctx, def, mapped)
	if err != nil {
		return err
	}

	identity, err := rowvalue.Identity(inserted, def.KeyColumns(), def.KeyStrategy)
	if err != nil {
		// Even the stored row carries no key: the row cannot be tracked.
		return fmt.Errorf("target item %d: %w", change.ItemID, err)
	}

	err = e.state.UpsertEntry(ctx, &state.Entry{
		SyncDefID:          def.ID,
		SourceIdentityHash: rowvalue.HashIdentity(identity),
		SourceIdentity:     identity,
		TargetListID:       target.ListID,
		TargetItemID:       change.ItemID,
		ContentHash:        contentHash,
		LastSyncTS:         e.clock.Now(),
		Provenance:         state.ProvenancePull,
	})
	if err != nil {
		return err
	}

	res.Applied++

	return nil
}

// resolveConflict decides whether an incoming target change should be
// applied to the source. A conflict exists when the source row moved since
// the ledger last recorded it; the definition's policy then arbitrates.
func (e *Engine) resolveConflict(
	ctx context.Context,
	def *defs.Definition,
	src Source,
	entry *state.Entry,
	key rowvalue.Row,
	change *graph.Change,
) (bool, error) {
	current, err := src.FetchByKey(ctx, def, key)
	if err != nil {
		if isSourceMissing(err) {
			// Row vanished under us; treat the target change as an update
			// against nothing and let the update no-op.
			return true, nil
		}

		return false, err
	}

	currentHash := rowvalue.ContentHash(sourceHashRow(def, current))
	if currentHash == entry.ContentHash {
		// Source unchanged since last sync: no conflict.
		return true, nil
	}

	switch def.ConflictPolicy {
	case defs.ConflictSourceWins:
		return false, nil

	case defs.ConflictTargetWins:
		return true, nil

	case defs.ConflictLastWriterWins:
		sourceTS := current[def.CursorColumnOrDefault()]
		if sourceTS.Kind() != rowvalue.KindTimestamp || change.LastModified.IsZero() {
			// Without comparable instants on both sides, degrade to
			// target_wins: the change in hand is the newest known fact.
			return true, nil
		}

		return change.LastModified.UTC().After(sourceTS.Time().UTC()), nil

	default:
		return false, fmt.Errorf("engine: unknown conflict policy %q", def.ConflictPolicy)
	}
}
