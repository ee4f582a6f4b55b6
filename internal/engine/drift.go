package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/arcore-io/arcore/internal/defs"
	"github.com/arcore-io/arcore/internal/graph"
)

// DriftKind selects how deep a drift report digs.
type DriftKind string

const (
	// DriftLedgerValidity checks that every ledger entry's target item
	// still exists.
	DriftLedgerValidity DriftKind = "ledger_validity"

	// DriftFullReconcile additionally finds target items the ledger does
	// not know about.
	DriftFullReconcile DriftKind = "full_reconcile"
)

// DriftFinding is one divergence between ledger and target.
type DriftFinding struct {
	ListID         string
	TargetItemID   int64
	SourceIdentity string
	Kind           string // "missing_item" or "untracked_item"
}

// DriftReport is the outcome of one drift run over a definition.
type DriftReport struct {
	Checked  int
	Findings []DriftFinding
}

// RunDrift compares the ledger against the live target lists of a
// definition. The report is read-only; repair stays an operator decision.
func (e *Engine) RunDrift(ctx context.Context, defID uuid.UUID, kind DriftKind) (*DriftReport, error) {
	switch kind {
	case DriftLedgerValidity, DriftFullReconcile:
	default:
		return nil, fmt.Errorf("engine: unknown drift kind %q", kind)
	}

	def, err := e.defs.Get(ctx, defID)
	if err != nil {
		return nil, err
	}

	targets, err := e.resolveTargets(ctx, def)
	if err != nil {
		return nil, err
	}

	report := &DriftReport{}

	for i := range targets {
		if err := e.driftList(ctx, def, &targets[i], kind, report); err != nil {
			return report, fmt.Errorf("engine: drift %s: list %s: %w", def.Name, targets[i].ListID, err)
		}
	}

	return report, nil
}

func (e *Engine) driftList(
	ctx context.Context,
	def *defs.Definition,
	target *defs.Target,
	kind DriftKind,
	report *DriftReport,
) error {
	client, site, err := e.listsFor(target)
	if err != nil {
		return err
	}

	entries, err := e.state.ListEntriesForList(ctx, def.ID, target.ListID)
	if err != nil {
		return err
	}

	tracked := make(map[int64]bool, len(entries))

	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		tracked[entry.TargetItemID] = true
		report.Checked++

		_, err := client.GetItem(ctx, site, target.ListID, entry.TargetItemID)
		if errors.Is(err, graph.ErrNotFound) {
			report.Findings = append(report.Findings, DriftFinding{
				ListID:         target.ListID,
				TargetItemID:   entry.TargetItemID,
				SourceIdentity: entry.SourceIdentity,
				Kind:           "missing_item",
			})

			continue
		}

		if err != nil {
			return err
		}
	}

	if kind != DriftFullReconcile {
		return nil
	}

	// A tokenless delta enumeration lists the current items, which is all
	// the reconcile pass needs.
	changes, _, err := client.DeltaAll(ctx, site, target.ListID, "")
	if err != nil {
		return err
	}

	for _, change := range changes {
		if change.Deleted || tracked[change.ItemID] {
			continue
		}

		report.Checked++
		report.Findings = append(report.Findings, DriftFinding{
			ListID:       target.ListID,
			TargetItemID: change.ItemID,
			Kind:         "untracked_item",
		})
	}

	return nil
}
