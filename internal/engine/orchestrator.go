package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/arcore-io/arcore/internal/defs"
	"github.com/arcore-io/arcore/internal/state"
)

// Orchestrator schedules engine operations. Runs of the same definition and
// kind are serialized so two pushes never interleave on one watermark; the
// CDC workers and consumers run under a supervisor that restarts them with
// exponential backoff.
type Orchestrator struct {
	engine *Engine
	logger *slog.Logger

	mu    sync.Mutex
	locks map[runKey]*sync.Mutex
}

type runKey struct {
	defID uuid.UUID
	kind  state.RunKind
}

// NewOrchestrator wraps an engine.
func NewOrchestrator(e *Engine) *Orchestrator {
	return &Orchestrator{
		engine: e,
		logger: e.logger,
		locks:  make(map[runKey]*sync.Mutex),
	}
}

// lockFor returns the mutex serializing one (definition, kind) pair.
func (o *Orchestrator) lockFor(defID uuid.UUID, kind state.RunKind) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()

	key := runKey{defID: defID, kind: kind}

	l, ok := o.locks[key]
	if !ok {
		l = &sync.Mutex{}
		o.locks[key] = l
	}

	return l
}

// Push runs one recorded push cycle for a definition.
func (o *Orchestrator) Push(ctx context.Context, defID uuid.UUID) (*PushResult, error) {
	lock := o.lockFor(defID, state.RunPush)
	lock.Lock()
	defer lock.Unlock()

	runID, err := o.engine.state.StartRun(ctx, defID, state.RunPush)
	if err != nil {
		return nil, err
	}

	res, err := o.engine.RunPush(ctx, defID, runID)

	processed, failed := 0, 0
	if res != nil {
		processed, failed = res.Processed, res.Failed
	}

	o.endRun(runID, processed, failed, err)

	return res, err
}

// Ingress runs one recorded ingress cycle for a definition.
func (o *Orchestrator) Ingress(ctx context.Context, defID uuid.UUID) (*IngressResult, error) {
	lock := o.lockFor(defID, state.RunIngress)
	lock.Lock()
	defer lock.Unlock()

	runID, err := o.engine.state.StartRun(ctx, defID, state.RunIngress)
	if err != nil {
		return nil, err
	}

	res, err := o.engine.RunIngress(ctx, defID, runID)

	processed, failed := 0, 0
	if res != nil {
		processed, failed = res.Processed, res.Failed
	}

	o.endRun(runID, processed, failed, err)

	return res, err
}

// Move runs one recorded relocation.
func (o *Orchestrator) Move(ctx context.Context, defID uuid.UUID, identityHash, toListID string) (*MoveResult, error) {
	lock := o.lockFor(defID, state.RunMove)
	lock.Lock()
	defer lock.Unlock()

	runID, err := o.engine.state.StartRun(ctx, defID, state.RunMove)
	if err != nil {
		return nil, err
	}

	res, err := o.engine.Move(ctx, defID, identityHash, toListID)

	o.endRun(runID, 1, boolToInt(err != nil), err)

	return res, err
}

// Drift runs one recorded drift report.
func (o *Orchestrator) Drift(ctx context.Context, defID uuid.UUID, kind DriftKind) (*DriftReport, error) {
	lock := o.lockFor(defID, state.RunDrift)
	lock.Lock()
	defer lock.Unlock()

	runID, err := o.engine.state.StartRun(ctx, defID, state.RunDrift)
	if err != nil {
		return nil, err
	}

	report, err := o.engine.RunDrift(ctx, defID, kind)

	checked := 0
	if report != nil {
		checked = report.Checked

		for _, f := range report.Findings {
			o.engine.recordEvent(ctx, runID, state.SeverityWarn, "drift_"+f.Kind,
				fmt.Sprintf("%s item %d", f.ListID, f.TargetItemID))
		}
	}

	o.endRun(runID, checked, 0, err)

	return report, err
}

// endRun finalizes a run record with a background context so cancellation
// of the run itself never loses its outcome.
func (o *Orchestrator) endRun(runID uuid.UUID, processed, failed int, runErr error) {
	status := state.RunSucceeded
	errMsg := ""

	if runErr != nil {
		status = state.RunFailed
		errMsg = runErr.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := o.engine.state.EndRun(ctx, runID, status, processed, failed, errMsg); err != nil {
		o.logger.Warn("failed to finalize run", "run", runID.String(), "error", err.Error())
	}
}

// groupEnsurer is implemented by queue backends that need their consumer
// group created before the first read.
type groupEnsurer interface {
	EnsureGroup(ctx context.Context) error
}

// Serve runs the CDC pipeline: one capture worker per distinct cdc-enabled
// source instance plus the queue consumer, each supervised with capped
// exponential restart backoff until ctx is canceled.
//
// The stream interleaves relation frames with the row frames that depend on
// them, so it must be read by a single consumer; fanning it out would hand a
// relation frame to one consumer and the rows that need it to another.
// Lifting the restriction requires a stream per source instance.
func (o *Orchestrator) Serve(ctx context.Context, consumers int) error {
	if consumers > 1 {
		return fmt.Errorf("engine: serve: %d consumers requested; the queue stream supports exactly one", consumers)
	}

	if q, ok := o.engine.queue.(groupEnsurer); ok {
		if err := q.EnsureGroup(ctx); err != nil {
			return err
		}
	}

	routes, err := o.engine.repo.EnumerateCDC(ctx)
	if err != nil {
		return err
	}

	instances := make(map[uuid.UUID]*defs.Instance)

	for _, route := range routes {
		if _, ok := instances[route.InstanceID]; ok {
			continue
		}

		inst, err := o.engine.repo.Instance(ctx, route.InstanceID)
		if err != nil {
			return err
		}

		if inst.Enabled {
			instances[inst.ID] = inst
		}
	}

	if len(instances) == 0 {
		return fmt.Errorf("engine: serve: no cdc-enabled source instances")
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, inst := range instances {
		g.Go(func() error {
			return o.supervise(gctx, "cdc_worker "+inst.Label, func(ctx context.Context) error {
				return o.engine.RunCDCWorker(ctx, inst)
			})
		})
	}

	if consumers < 1 {
		consumers = 1
	}

	for i := 0; i < consumers; i++ {
		name := fmt.Sprintf("consumer-%d", i+1)

		g.Go(func() error {
			return o.supervise(gctx, "cdc_consumer "+name, func(ctx context.Context) error {
				return o.engine.RunCDCConsumer(ctx, name)
			})
		})
	}

	err = g.Wait()
	if ctx.Err() != nil {
		return nil
	}

	return err
}

// supervise restarts a long-running task with exponential backoff, capped at
// 30 seconds between attempts. It returns only when ctx is canceled.
func (o *Orchestrator) supervise(ctx context.Context, name string, run func(context.Context) error) error {
	backoff := retry.WithCappedDuration(30*time.Second, retry.NewExponential(time.Second))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := run(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if err == nil {
			err = fmt.Errorf("engine: %s exited unexpectedly", name)
		}

		o.logger.Error("supervised task failed, restarting", "task", name, "error", err.Error())

		return retry.RetryableError(err)
	})
}

// PromoteSource fails a definition's source bindings over from one instance
// to another and drops cached routing so the next run sees the new primary.
func (o *Orchestrator) PromoteSource(ctx context.Context, from, to uuid.UUID) (int, error) {
	rebound, err := o.engine.repo.RebindSources(ctx, from, to)
	if err != nil {
		return 0, err
	}

	o.engine.defs.Invalidate()

	o.logger.Info("source promoted",
		"from", from.String(),
		"to", to.String(),
		"rebound", rebound,
	)

	return rebound, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
