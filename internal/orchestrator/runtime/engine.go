// Package runtime implements the Runtime described in spec section 4.2: it
// takes a planned Operation and drives it to completion, coordinating
// progressive locking, per-instance memoized promises, cancellation
// cascades, and composite progress aggregation across a pool of goroutines.
package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ionforge/orchestrator/internal/platform/ctxutil"
	"github.com/ionforge/orchestrator/internal/platform/logger"

	octx "github.com/ionforge/orchestrator/internal/orchestrator/context"
	"github.com/ionforge/orchestrator/internal/orchestrator/model"
	"github.com/ionforge/orchestrator/internal/orchestrator/planner"
	"github.com/ionforge/orchestrator/internal/orchestrator/workset"
	"github.com/ionforge/orchestrator/internal/ports"
)

// Engine is the Runtime's top-level collaborator set, one per process,
// shared across operations. Apart from the registry of running operations'
// abort trees that Cancel/CancelInstance use, it holds no per-operation
// state itself — that lives in the Context and Workset built fresh inside
// Operate.
type Engine struct {
	Log *logger.Logger

	ProjectSvc  ports.ProjectModelService
	StateSvc    ports.InstanceStateService
	LockSvc     ports.InstanceLockService
	OpSvc       ports.OperationService
	Runner      ports.RunnerBackend
	SecretSvc   ports.SecretService
	ArtifactSvc ports.ArtifactService
	PubSub      ports.PubSubManager
	Library     ports.LibraryBackend

	// LockTimeout bounds the progressive partial lock acquisition loop (spec
	// section 4.2 names 60 seconds as the default).
	LockTimeout time.Duration

	// sem caps how many per-instance tasks run concurrently across the whole
	// engine, standing in for the spec's abstract worker-pool concurrency
	// ceiling (SPEC_FULL section 11). Nil means unbounded.
	sem *semaphore.Weighted

	opMu    sync.Mutex
	running map[string]*operationHandle
}

// operationHandle is the in-flight view of one operation, kept only so
// Cancel/CancelInstance can reach its abort-controller tree.
type operationHandle struct {
	root *workset.AbortController
	ws   *workset.Workset
}

func New(log *logger.Logger, projectSvc ports.ProjectModelService, stateSvc ports.InstanceStateService, lockSvc ports.InstanceLockService, opSvc ports.OperationService, runner ports.RunnerBackend, secretSvc ports.SecretService, artifactSvc ports.ArtifactService, pubsub ports.PubSubManager, lib ports.LibraryBackend, concurrency int, lockTimeout time.Duration) *Engine {
	if lockTimeout <= 0 {
		lockTimeout = 60 * time.Second
	}
	e := &Engine{
		Log:         log,
		ProjectSvc:  projectSvc,
		StateSvc:    stateSvc,
		LockSvc:     lockSvc,
		OpSvc:       opSvc,
		Runner:      runner,
		SecretSvc:   secretSvc,
		ArtifactSvc: artifactSvc,
		PubSub:      pubsub,
		Library:     lib,
		LockTimeout: lockTimeout,
	}
	if concurrency > 0 {
		e.sem = semaphore.NewWeighted(int64(concurrency))
	}
	e.running = map[string]*operationHandle{}
	return e
}

// Cancel requests cancellation of a running operation: the first call fires
// the graceful signal down the whole abort tree, a second call fires force
// (spec section 5). Unknown or already-finished operation ids are ignored.
func (e *Engine) Cancel(operationID string) {
	e.opMu.Lock()
	h := e.running[operationID]
	e.opMu.Unlock()
	if h != nil {
		h.root.Cancel()
	}
}

// CancelInstance cancels a single instance's subtree without touching its
// siblings.
func (e *Engine) CancelInstance(operationID string, id model.InstanceID) {
	e.opMu.Lock()
	h := e.running[operationID]
	e.opMu.Unlock()
	if h == nil {
		return
	}
	if ctl := h.ws.AbortControllerFor(id); ctl != nil {
		ctl.Cancel()
	}
}

// OperateSafe wraps Operate so a panic or error inside it can never leave an
// Operation stuck in a non-terminal status: it always calls
// MarkOperationFinished exactly once.
func (e *Engine) OperateSafe(ctx context.Context, op *model.Operation) error {
	defer func() {
		if r := recover(); r != nil {
			e.Log.Error("operation panicked", "operationId", op.ID, "panic", r)
			op.Status = model.OperationFailed
			_ = e.OpSvc.MarkOperationFinished(context.Background(), op.ID, op.Status)
		}
	}()

	err := e.Operate(ctx, op)
	switch {
	case err == nil:
		op.Status = model.OperationCompleted
	case model.IsAbort(err):
		op.Status = model.OperationCancelled
	default:
		op.Status = model.OperationFailed
		_ = e.OpSvc.AppendLog(context.Background(), op.ID, "", err.Error())
	}
	now := time.Now()
	op.FinishedAt = &now
	_ = e.OpSvc.MarkOperationFinished(context.Background(), op.ID, op.Status)
	return err
}

// Operate runs the operate() sequence from spec section 4.2: load the
// Operation Context, compute (or reuse) the plan, build a Workset, create
// pending state rows, acquire locks progressively, and walk phases in
// order, each phase's instances running concurrently.
func (e *Engine) Operate(ctx context.Context, op *model.Operation) error {
	ctx = ctxutil.WithTraceData(ctx, &ctxutil.TraceData{TraceID: op.ID, RequestID: uuid.NewString()})

	octxCtx, err := octx.Load(ctx, op.ProjectID, "", e.ProjectSvc, e.StateSvc, e.Library)
	if err != nil {
		return err
	}

	if len(op.Phases) == 0 {
		phases, err := planner.Plan(octxCtx, op.Type, op.RequestedInstanceIDs, op.Options)
		if err != nil {
			return err
		}
		op.Phases = phases
		_ = e.OpSvc.UpdateOperation(ctx, op)
	}

	ws := workset.New(op.ID, op.Phases)
	for _, ph := range op.Phases {
		for _, pi := range ph.Instances {
			if sid, ok := octxCtx.StateIDOf(pi.ID); ok {
				ws.AffectedStateIDs[sid] = true
			}
		}
	}

	stateIDs := make([]model.StateID, 0, len(ws.AffectedStateIDs))
	for sid := range ws.AffectedStateIDs {
		stateIDs = append(stateIDs, sid)
	}
	if err := e.StateSvc.CreateOperationStates(ctx, op.ID, stateIDs); err != nil {
		return err
	}
	// A stateId with no row yet (first-ever operation on a brand-new
	// instance) has no entry in octxCtx's load-time snapshot; track a
	// pending one now so StateOf/IsOutdated see "undeployed" rather than
	// nil for the rest of this operation.
	for _, sid := range stateIDs {
		if octxCtx.StateByID(sid) != nil {
			continue
		}
		if id, ok := octxCtx.InstanceIDOf(sid); ok {
			octxCtx.SetState(&model.InstanceState{ID: sid, InstanceID: id, Status: model.StatusUndeployed})
		}
	}

	root := workset.NewRootAbortController()
	e.registerControllers(ws, octxCtx, root, op.Phases)

	e.opMu.Lock()
	e.running[op.ID] = &operationHandle{root: root, ws: ws}
	e.opMu.Unlock()
	defer func() {
		e.opMu.Lock()
		delete(e.running, op.ID)
		e.opMu.Unlock()
	}()

	unlockToken := uuid.NewString()
	lockCtx, cancelLocks := context.WithCancel(ctx)
	defer cancelLocks()

	var lockErr error
	lockDone := make(chan struct{})
	go func() {
		defer close(lockDone)
		lockErr = e.LockSvc.LockInstances(
			lockCtx, op.ProjectID, stateIDs,
			ports.LockMeta{OperationID: op.ID, ProjectID: op.ProjectID},
			ws.MarkLocked,
			op.Options.AllowPartialCompositeInstanceUpdate || op.Options.AllowPartialCompositeInstanceDestruction,
			root.Graceful.Done(),
			e.LockTimeout,
			unlockToken,
		)
	}()
	defer func() {
		<-lockDone
		if lockErr != nil && !model.IsAbort(lockErr) {
			e.Log.Warn("lock acquisition did not complete cleanly", "operationId", op.ID, "error", lockErr.Error())
		}
		_ = e.LockSvc.UnlockInstances(context.Background(), op.ProjectID, stateIDs, unlockToken)
	}()

	op.Status = model.OperationRunning
	started := time.Now()
	op.StartedAt = &started
	_ = e.OpSvc.UpdateOperation(ctx, op)

	promises := NewPromiseMap()
	for idx, phase := range op.Phases {
		if err := e.runPhase(ctx, op, octxCtx, ws, root, promises, phase, idx, unlockToken); err != nil {
			cancelLocks()
			return err
		}
		ws.AdvancePhase()
	}
	return nil
}

// traceKVs pulls the trace/request ids Operate attached onto ctx into a
// key-value slice, so per-instance log lines carry the same correlation ids
// a request-scoped log line would under the teacher's middleware.
func traceKVs(ctx context.Context) []any {
	td := ctxutil.GetTraceData(ctx)
	if td == nil {
		return nil
	}
	return []any{"traceId", td.TraceID, "requestId", td.RequestID}
}

// registerControllers walks every phase's instances and derives each one's
// AbortController from its parent's, registering a planned parent before
// its children (the planner orders children ahead of their composite), so
// the cascade tree described in spec sections 5 and 9 is built top-down.
func (e *Engine) registerControllers(ws *workset.Workset, c *octx.Context, root *workset.AbortController, phases []model.Phase) {
	parentOf := map[model.InstanceID]model.InstanceID{}
	var order []model.InstanceID
	for _, ph := range phases {
		for _, pi := range ph.Instances {
			if _, seen := parentOf[pi.ID]; seen {
				continue
			}
			parentOf[pi.ID] = pi.ParentID
			order = append(order, pi.ID)
		}
	}
	var register func(id model.InstanceID)
	register = func(id model.InstanceID) {
		if parent := parentOf[id]; parent != "" {
			if _, planned := parentOf[parent]; planned {
				register(parent)
			}
		}
		ws.RegisterAbortController(id, root, parentOf[id])
	}
	for _, id := range order {
		register(id)
	}
}

// runPhase fans out every instance in phase to its own goroutine, installing
// all Futures up front so in-phase dependency waits never race against
// installation order.
func (e *Engine) runPhase(ctx context.Context, op *model.Operation, c *octx.Context, ws *workset.Workset, root *workset.AbortController, promises *PromiseMap, phase model.Phase, idx int, unlockToken string) error {
	inPhase := make(map[model.InstanceID]bool, len(phase.Instances))
	futures := make(map[model.InstanceID]*Future, len(phase.Instances))
	for _, pi := range phase.Instances {
		inPhase[pi.ID] = true
		futures[pi.ID] = promises.Install(pi.ID)
	}

	var mu sync.Mutex
	var failures []error

	g, gctx := errgroup.WithContext(ctx)
	for _, pi := range phase.Instances {
		ctl := ws.AbortControllerFor(pi.ID)
		if ctl == nil {
			ctl = root
		}
		task := &phaseInstanceTask{
			e: e, op: op, octx: c, ws: ws,
			phase: phase, phaseIdx: idx, pi: pi,
			ctl: ctl, promises: promises, futures: futures, inPhase: inPhase,
			unlockToken: unlockToken,
		}
		g.Go(func() error {
			if e.sem != nil {
				if err := e.sem.Acquire(gctx, 1); err != nil {
					return nil
				}
				defer e.sem.Release(1)
			}
			if err := task.run(ctx); err != nil {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) > 0 {
		return failures[0]
	}
	return nil
}

// handleInstanceFailure marks the whole operation "failing" (abort errors
// excepted) so tasks that have not started yet short-circuit; tasks already
// in flight run to completion (spec section 4.2, "once any instance
// fails the operation enters a failing state that only lets already
// in-flight work drain"). The instance status patch follows spec section
// 4.2's rule verbatim: "deployed stays deployed on failure/cancel;
// otherwise → failed".
func (e *Engine) handleInstanceFailure(ctx context.Context, op *model.Operation, c *octx.Context, sid model.StateID, err error) {
	e.Log.Warn("instance operation failed", append(traceKVs(ctx), "operationId", op.ID, "stateId", sid, "error", err.Error())...)
	if !model.IsAbort(err) && op.Status != model.OperationFailing {
		op.Status = model.OperationFailing
		_ = e.OpSvc.UpdateOperation(ctx, op)
	}

	ioStatus := model.IOFailed
	if model.IsAbort(err) {
		ioStatus = model.IOCancelled
	}

	newStatus := model.StatusFailed
	if id, ok := c.InstanceIDOf(sid); ok {
		if st := c.StateOf(id); st != nil && st.Status == model.StatusDeployed {
			newStatus = model.StatusDeployed
		}
	}

	now := time.Now()
	_ = e.StateSvc.UpdateOperationState(ctx, model.InstanceOperationState{
		OperationID:     op.ID,
		InstanceStateID: sid,
		Status:          ioStatus,
		FinishedAt:      &now,
		InstanceStatePatch: map[string]any{
			"status": newStatus,
		},
	})
}

// recomputeParentProgress records a unit's latest reported progress and
// walks its ancestor chain, recomputing each composite's aggregate from its
// immediate children's current known progress (spec section 4.2's composite
// progress aggregation: sum of currents, known totals summed plus an
// extrapolated average for children with no total yet, never decreasing).
func (e *Engine) recomputeParentProgress(ws *workset.Workset, c *octx.Context, id model.InstanceID, current, total int) {
	ws.SetUnitProgress(id, current, total)

	for {
		parent, ok := c.ParentOf(id)
		if !ok {
			return
		}
		children := c.ChildrenOf(parent)
		currents := make([]int, len(children))
		totals := make([]int, len(children))
		for i, ch := range children {
			cp := ws.ProgressFor(ch)
			currents[i] = cp.Current
			totals[i] = cp.Total
		}
		ws.UpdateCompositeProgress(parent, currents, totals)
		id = parent
	}
}
