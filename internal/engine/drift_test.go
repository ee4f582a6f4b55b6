package engine

import (
	"context"
	"testing"

	"github.com/arcore-io/arcore/internal/graph"
)

func TestDriftLedgerValidity(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	itemID := pushOne(t, env, "W-1", "Widget")
	pushOne(t, env, "W-2", "Gadget")

	// Someone deleted the first item behind the engine's back.
	env.lists.mu.Lock()
	delete(env.lists.items["L1"], itemID)
	env.lists.mu.Unlock()

	report, err := env.engine.RunDrift(ctx, testDefID, DriftLedgerValidity)
	if err != nil {
		t.Fatalf("RunDrift: %v", err)
	}

	if report.Checked != 2 {
		t.Errorf("checked %d entries, want 2", report.Checked)
	}

	if len(report.Findings) != 1 {
		t.Fatalf("findings = %+v", report.Findings)
	}

	f := report.Findings[0]
	if f.Kind != "missing_item" || f.TargetItemID != itemID || f.SourceIdentity != "W-1" {
		t.Errorf("finding = %+v", f)
	}
}

func TestDriftFullReconcileFindsUntracked(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	itemID := pushOne(t, env, "W-1", "Widget")

	// An item created directly on the list, unknown to the ledger. The
	// reconcile pass sees it through a tokenless enumeration.
	env.lists.changes["L1"] = []graph.Change{
		{ItemID: itemID, Fields: map[string]any{"Title": "Widget"}},
		{ItemID: 9999, Fields: map[string]any{"Title": "Rogue"}},
	}

	report, err := env.engine.RunDrift(ctx, testDefID, DriftFullReconcile)
	if err != nil {
		t.Fatalf("RunDrift: %v", err)
	}

	if len(report.Findings) != 1 {
		t.Fatalf("findings = %+v", report.Findings)
	}

	if report.Findings[0].Kind != "untracked_item" || report.Findings[0].TargetItemID != 9999 {
		t.Errorf("finding = %+v", report.Findings[0])
	}
}

func TestDriftRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	if _, err := env.engine.RunDrift(context.Background(), testDefID, DriftKind("everything")); err == nil {
		t.Fatal("unknown drift kind accepted")
	}
}
