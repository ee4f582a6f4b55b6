package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/arcore-io/arcore/internal/rowvalue"
	"github.com/arcore-io/arcore/internal/state"
)

func TestOrchestratorRecordsRuns(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	orch := NewOrchestrator(env.engine)

	ts := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	env.source.rows = []rowvalue.Row{productRow("W-1", "Widget", "", ts)}

	res, err := orch.Push(ctx, testDefID)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	if res.Succeeded != 1 {
		t.Fatalf("result = %+v", res)
	}

	runs, err := env.state.ListRuns(ctx, testDefID, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}

	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}

	run := runs[0]
	if run.Kind != state.RunPush || run.Status != state.RunSucceeded || run.ItemsProcessed != 1 {
		t.Errorf("run = %+v", run)
	}

	events, err := env.state.ListEvents(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}

	if len(events) != 1 || events[0].EventType != "item_created" {
		t.Errorf("events = %+v", events)
	}
}

func TestOrchestratorRecordsFailedRun(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	orch := NewOrchestrator(env.engine)

	// Ingress on a push-only definition fails before processing anything.
	badID := testTierDefID

	if _, err := orch.Ingress(ctx, badID); err == nil {
		t.Fatal("expected ingress failure on push-only definition")
	}

	runs, err := env.state.ListRuns(ctx, badID, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}

	if len(runs) != 1 || runs[0].Status != state.RunFailed {
		t.Fatalf("runs = %+v", runs)
	}

	if runs[0].ErrorMsg == "" {
		t.Error("failed run carries no error message")
	}
}

func TestOrchestratorSerializesSameKind(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	orch := NewOrchestrator(env.engine)

	// Hold the push lock, then confirm a concurrent push waits for it.
	lock := orch.lockFor(testDefID, state.RunPush)
	lock.Lock()

	started := make(chan struct{})
	finished := make(chan struct{})

	var once sync.Once

	go func() {
		close(started)

		_, _ = orch.Push(context.Background(), testDefID)

		once.Do(func() { close(finished) })
	}()

	<-started

	select {
	case <-finished:
		t.Fatal("push ran while the kind lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	lock.Unlock()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("push never ran after the lock was released")
	}
}

func TestPromoteSourceUnknownInstance(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	orch := NewOrchestrator(env.engine)

	// Promotion to an unknown instance must fail loudly rather than
	// silently unbinding sources.
	if _, err := orch.PromoteSource(ctx, testInstID, testTierDefID); err == nil {
		t.Fatal("promotion to unknown instance accepted")
	}
}

func TestPromoteSourceRebinds(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	orch := NewOrchestrator(env.engine)

	rebound, err := orch.PromoteSource(ctx, testInstID, testStandbyID)
	if err != nil {
		t.Fatalf("PromoteSource: %v", err)
	}

	// Both definitions were bound to the failed instance.
	if rebound != 2 {
		t.Errorf("rebound %d bindings, want 2", rebound)
	}

	binding, err := env.repo.SourceBinding(ctx, testDefID)
	if err != nil {
		t.Fatalf("SourceBinding: %v", err)
	}

	if binding.Instance.ID != testStandbyID {
		t.Errorf("binding points at %s, want the promoted standby", binding.Instance.ID)
	}
}

func TestServeRejectsMultipleConsumers(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	orch := NewOrchestrator(env.engine)

	// One stream, one consumer: fanning out would split the relation state
	// the row frames depend on.
	if err := orch.Serve(context.Background(), 2); err == nil {
		t.Fatal("serve accepted more consumers than the stream supports")
	}
}
