package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arcore-io/arcore/internal/defs"
	"github.com/arcore-io/arcore/internal/rowvalue"
	"github.com/arcore-io/arcore/internal/state"
)

// PushResult summarizes one push run.
type PushResult struct {
	Processed      int
	Succeeded      int
	Failed         int
	Skipped        int
	CursorAdvanced bool
}

// RunPush executes one push cycle for a definition: fetch changed source
// rows beyond the watermark, mirror them onto their target lists in strict
// cursor order, and advance the watermark to the highest cursor value that
// was fully committed. runID attributes per-row events; pass uuid.Nil to
// skip event recording.
func (e *Engine) RunPush(ctx context.Context, defID, runID uuid.UUID) (*PushResult, error) {
	def, err := e.defs.Get(ctx, defID)
	if err != nil {
		return nil, err
	}

	binding, err := e.defs.SourceBinding(ctx, defID)
	if err != nil {
		return nil, err
	}

	if binding == nil || binding.Instance == nil || !binding.Instance.Enabled {
		return nil, fmt.Errorf("engine: %s: no enabled source instance", def.Name)
	}

	targets, err := e.resolveTargets(ctx, def)
	if err != nil {
		return nil, err
	}

	if len(targets) == 0 {
		return nil, fmt.Errorf("engine: %s: %w", def.Name, ErrNoTarget)
	}

	instanceID := binding.Instance.ID.String()

	since := ""

	cursor, err := e.state.Cursor(ctx, defID, state.ScopeSource, instanceID)
	if err != nil && !isNotFound(err) {
		return nil, err
	}

	if cursor != nil {
		since = cursor.Value
	}

	src, err := e.source(ctx, binding.Instance)
	if err != nil {
		return nil, err
	}

	rows, err := src.FetchChanged(ctx, def, since, e.cfg.FetchLimit)
	if err != nil {
		return nil, err
	}

	e.logger.Info("push run started",
		"def", def.Name,
		"instance", binding.Instance.Label,
		"since", since,
		"rows", len(rows),
	)

	res := &PushResult{}
	watermark := ""
	failedSeen := false

	for _, row := range rows {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		res.Processed++

		cursorValue := row[def.CursorColumnOrDefault()].Canonical()

		outcome, rowErr := e.pushRow(ctx, def, targets, row, instanceID)
		if rowErr != nil {
			if errors.Is(rowErr, context.Canceled) || errors.Is(rowErr, context.DeadlineExceeded) {
				return res, rowErr
			}

			res.Failed++
			failedSeen = true
			e.recordEvent(ctx, runID, state.SeverityError, "item_failed", rowErr.Error())

			continue
		}

		res.Succeeded++

		switch outcome {
		case outcomeSkipped:
			res.Skipped++
		case outcomeCreated:
			e.recordEvent(ctx, runID, state.SeverityInfo, "item_created", cursorValue)
		case outcomeUpdated:
		}

		// The watermark never passes a failed row: once one row fails, the
		// remaining successes no longer advance it.
		if !failedSeen && cursorValue > watermark {
			watermark = cursorValue
		}
	}

	if watermark != "" && watermark != since {
		err := e.state.UpsertCursor(ctx, &state.Cursor{
			SyncDefID:     defID,
			Scope:         state.ScopeSource,
			Discriminator: instanceID,
			Type:          def.CursorType,
			Value:         watermark,
			UpdatedAt:     e.clock.Now(),
		})
		if err != nil {
			return res, err
		}

		res.CursorAdvanced = true
	}

	e.logger.Info("push run finished",
		"def", def.Name,
		"processed", res.Processed,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"cursor_advanced", res.CursorAdvanced,
	)

	return res, nil
}

// pushRow mirrors one source row onto its routed target.
func (e *Engine) pushRow(
	ctx context.Context,
	def *defs.Definition,
	targets []defs.Target,
	row rowvalue.Row,
	instanceID string,
) (applyOutcome, error) {
	payload, err := mapToTarget(def, row)
	if err != nil {
		return outcomeSkipped, err
	}

	target, ok := selectTarget(def, targets, row)
	if !ok {
		return outcomeSkipped, fmt.Errorf("engine: %s: no target for row %s: %w", def.Name, payload.identity, ErrNoTarget)
	}

	if target.ListDeleted {
		return outcomeSkipped, fmt.Errorf("engine: %s: list %s: %w", def.Name, target.ListID, ErrTargetDeleted)
	}

	return e.applyToTarget(ctx, def, target, payload, cursorTimestamp(def, row), instanceID)
}

// cursorTimestamp extracts the row's cursor instant when the cursor column
// holds a timestamp.
func cursorTimestamp(def *defs.Definition, row rowvalue.Row) *time.Time {
	v := row[def.CursorColumnOrDefault()]
	if v.Kind() != rowvalue.KindTimestamp {
		return nil
	}

	t := v.Time()

	return &t
}

// recordEvent appends a run event, tolerating a nil run.
func (e *Engine) recordEvent(ctx context.Context, runID uuid.UUID, severity state.EventSeverity, eventType, message string) {
	if runID == uuid.Nil {
		return
	}

	if err := e.state.AppendEvent(ctx, runID, severity, eventType, message); err != nil {
		e.logger.Warn("failed to record run event",
			"event_type", eventType,
			"error", err.Error(),
		)
	}
}
