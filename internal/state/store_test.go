package state

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pglogrepl"

	"github.com/arcore-io/arcore/internal/defs"
)

var (
	testDefID  = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")
	testInstID = uuid.MustParse("bbbbbbbb-0000-0000-0000-000000000001")
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := Open(filepath.Join(t.TempDir(), "state.db"), logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})

	return s
}

func TestLedgerRoundtrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	sourceTS := time.Date(2026, 8, 20, 10, 30, 0, 0, time.UTC)
	entry := &Entry{
		SyncDefID:          testDefID,
		SourceIdentityHash: "hash-1",
		SourceIdentity:     "W-1",
		SourceInstanceID:   testInstID.String(),
		TargetListID:       "L1",
		TargetItemID:       42,
		ContentHash:        "abc123",
		LastSourceTS:       &sourceTS,
		LastSyncTS:         time.Date(2026, 8, 20, 10, 31, 0, 0, time.UTC),
		Provenance:         ProvenancePush,
	}

	if err := s.UpsertEntry(ctx, entry); err != nil {
		t.Fatalf("UpsertEntry: %v", err)
	}

	got, err := s.Entry(ctx, testDefID, "hash-1")
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}

	if got.TargetItemID != 42 || got.ContentHash != "abc123" || got.Provenance != ProvenancePush {
		t.Errorf("entry = %+v", got)
	}

	if got.LastSourceTS == nil || !got.LastSourceTS.Equal(sourceTS) {
		t.Errorf("LastSourceTS = %v, want %v", got.LastSourceTS, sourceTS)
	}

	// Upsert replaces in place.
	entry.ContentHash = "def456"
	entry.Provenance = ProvenancePull

	if err := s.UpsertEntry(ctx, entry); err != nil {
		t.Fatalf("second UpsertEntry: %v", err)
	}

	got, err = s.Entry(ctx, testDefID, "hash-1")
	if err != nil {
		t.Fatalf("Entry after update: %v", err)
	}

	if got.ContentHash != "def456" || got.Provenance != ProvenancePull {
		t.Errorf("updated entry = %+v", got)
	}
}

func TestLedgerLookupByTargetItem(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	for i, hash := range []string{"h-a", "h-b"} {
		entry := &Entry{
			SyncDefID:          testDefID,
			SourceIdentityHash: hash,
			SourceIdentity:     hash,
			TargetListID:       "L1",
			TargetItemID:       int64(100 + i),
			ContentHash:        "x",
			LastSyncTS:         time.Now(),
			Provenance:         ProvenancePush,
		}
		if err := s.UpsertEntry(ctx, entry); err != nil {
			t.Fatalf("UpsertEntry: %v", err)
		}
	}

	got, err := s.EntryByTargetItem(ctx, testDefID, "L1", 101)
	if err != nil {
		t.Fatalf("EntryByTargetItem: %v", err)
	}

	if got.SourceIdentityHash != "h-b" {
		t.Errorf("resolved %q, want h-b", got.SourceIdentityHash)
	}

	if _, err := s.EntryByTargetItem(ctx, testDefID, "L1", 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing target item: err = %v, want ErrNotFound", err)
	}

	entries, err := s.ListEntriesForList(ctx, testDefID, "L1")
	if err != nil {
		t.Fatalf("ListEntriesForList: %v", err)
	}

	if len(entries) != 2 {
		t.Errorf("got %d entries, want 2", len(entries))
	}
}

func TestLedgerDelete(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	entry := &Entry{
		SyncDefID:          testDefID,
		SourceIdentityHash: "gone",
		SourceIdentity:     "gone",
		TargetListID:       "L1",
		TargetItemID:       1,
		ContentHash:        "x",
		LastSyncTS:         time.Now(),
		Provenance:         ProvenancePush,
	}
	if err := s.UpsertEntry(ctx, entry); err != nil {
		t.Fatalf("UpsertEntry: %v", err)
	}

	if err := s.DeleteEntry(ctx, testDefID, "gone"); err != nil {
		t.Fatalf("DeleteEntry: %v", err)
	}

	if _, err := s.Entry(ctx, testDefID, "gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted entry: err = %v, want ErrNotFound", err)
	}

	// Deleting twice is fine.
	if err := s.DeleteEntry(ctx, testDefID, "gone"); err != nil {
		t.Errorf("second DeleteEntry: %v", err)
	}
}

func TestCursorTimestampMonotonic(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	save := func(value string) error {
		return s.UpsertCursor(ctx, &Cursor{
			SyncDefID:     testDefID,
			Scope:         ScopeSource,
			Discriminator: testInstID.String(),
			Type:          defs.CursorTimestamp,
			Value:         value,
		})
	}

	if err := save("2026-08-20T10:00:00Z"); err != nil {
		t.Fatalf("initial save: %v", err)
	}

	if err := save("2026-08-20T11:00:00Z"); err != nil {
		t.Fatalf("advance: %v", err)
	}

	// Re-saving the same position after an empty batch is allowed.
	if err := save("2026-08-20T11:00:00Z"); err != nil {
		t.Errorf("idempotent re-save: %v", err)
	}

	if err := save("2026-08-20T09:00:00Z"); !errors.Is(err, ErrCursorRegression) {
		t.Errorf("regression: err = %v, want ErrCursorRegression", err)
	}

	c, err := s.Cursor(ctx, testDefID, ScopeSource, testInstID.String())
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}

	if c.Value != "2026-08-20T11:00:00Z" {
		t.Errorf("cursor = %q after rejected regression", c.Value)
	}
}

func TestCursorLSNMonotonic(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	save := func(value string) error {
		return s.UpsertCursor(ctx, &Cursor{
			SyncDefID:     testDefID,
			Scope:         ScopeSource,
			Discriminator: testInstID.String(),
			Type:          defs.CursorLSN,
			Value:         value,
		})
	}

	if err := save("0/1000000"); err != nil {
		t.Fatalf("initial save: %v", err)
	}

	// LSNs compare numerically, not lexically: 0/F000000 < 1/0.
	if err := save("0/F000000"); err != nil {
		t.Fatalf("advance: %v", err)
	}

	if err := save("1/0"); err != nil {
		t.Fatalf("advance to next segment: %v", err)
	}

	if err := save("0/2000000"); !errors.Is(err, ErrCursorRegression) {
		t.Errorf("regression: err = %v, want ErrCursorRegression", err)
	}
}

func TestCursorDeltaTokenOverwrites(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	for _, token := range []string{"token-zzz", "token-aaa"} {
		err := s.UpsertCursor(ctx, &Cursor{
			SyncDefID:     testDefID,
			Scope:         ScopeTarget,
			Discriminator: "L1",
			Type:          defs.CursorDeltaToken,
			Value:         token,
		})
		if err != nil {
			t.Fatalf("UpsertCursor(%q): %v", token, err)
		}
	}

	c, err := s.Cursor(ctx, testDefID, ScopeTarget, "L1")
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}

	if c.Value != "token-aaa" {
		t.Errorf("cursor = %q, want latest token", c.Value)
	}
}

func TestCursorReset(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	err := s.UpsertCursor(ctx, &Cursor{
		SyncDefID:     testDefID,
		Scope:         ScopeSource,
		Discriminator: testInstID.String(),
		Type:          defs.CursorTimestamp,
		Value:         "2026-08-20T10:00:00Z",
	})
	if err != nil {
		t.Fatalf("UpsertCursor: %v", err)
	}

	if err := s.ResetCursor(ctx, testDefID, ScopeSource, testInstID.String()); err != nil {
		t.Fatalf("ResetCursor: %v", err)
	}

	if _, err := s.Cursor(ctx, testDefID, ScopeSource, testInstID.String()); !errors.Is(err, ErrNotFound) {
		t.Errorf("after reset: err = %v, want ErrNotFound", err)
	}

	// After a reset the cursor may be planted anywhere, including earlier.
	err = s.UpsertCursor(ctx, &Cursor{
		SyncDefID:     testDefID,
		Scope:         ScopeSource,
		Discriminator: testInstID.String(),
		Type:          defs.CursorTimestamp,
		Value:         "2026-01-01T00:00:00Z",
	})
	if err != nil {
		t.Errorf("UpsertCursor after reset: %v", err)
	}
}

func TestCDCCheckpoint(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CDCCheckpoint(ctx, testInstID); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing checkpoint: err = %v, want ErrNotFound", err)
	}

	want := pglogrepl.LSN(0x1000000)
	if err := s.SaveCDCCheckpoint(ctx, testInstID, want); err != nil {
		t.Fatalf("SaveCDCCheckpoint: %v", err)
	}

	got, err := s.CDCCheckpoint(ctx, testInstID)
	if err != nil {
		t.Fatalf("CDCCheckpoint: %v", err)
	}

	if got != want {
		t.Errorf("checkpoint = %s, want %s", got, want)
	}
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	runID, err := s.StartRun(ctx, testDefID, RunPush)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	if err := s.AppendEvent(ctx, runID, SeverityInfo, "item_created", "W-1 -> L1/42"); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	if err := s.AppendEvent(ctx, runID, SeverityError, "item_failed", "W-2: 403"); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	if err := s.EndRun(ctx, runID, RunSucceeded, 2, 1, ""); err != nil {
		t.Fatalf("EndRun: %v", err)
	}

	runs, err := s.ListRuns(ctx, testDefID, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}

	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}

	r := runs[0]
	if r.Status != RunSucceeded || r.ItemsProcessed != 2 || r.ItemsFailed != 1 {
		t.Errorf("run = %+v", r)
	}

	if r.EndTime == nil {
		t.Error("EndTime not set")
	}

	events, err := s.ListEvents(ctx, runID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}

	if len(events) != 2 || events[1].Severity != SeverityError {
		t.Errorf("events = %+v", events)
	}

	if err := s.EndRun(ctx, uuid.New(), RunFailed, 0, 0, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ending unknown run: err = %v, want ErrNotFound", err)
	}
}

func TestMoveAuditAppendOnly(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	for _, status := range []string{MoveStatusOrphanRisk, MoveStatusSuccess} {
		err := s.AppendMoveAudit(ctx, &MoveAudit{
			SyncDefID:          testDefID,
			SourceIdentityHash: "h-1",
			FromListID:         "L1",
			ToListID:           "L2",
			Status:             status,
		})
		if err != nil {
			t.Fatalf("AppendMoveAudit(%s): %v", status, err)
		}
	}

	audits, err := s.ListMoveAudits(ctx, testDefID, "h-1")
	if err != nil {
		t.Fatalf("ListMoveAudits: %v", err)
	}

	if len(audits) != 2 {
		t.Fatalf("got %d audits, want 2", len(audits))
	}

	if audits[0].Status != MoveStatusOrphanRisk || audits[1].Status != MoveStatusSuccess {
		t.Errorf("audit order = %s, %s", audits[0].Status, audits[1].Status)
	}
}
