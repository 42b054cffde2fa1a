package runtime

import (
	"context"
	"strings"
	"time"

	octx "github.com/ionforge/orchestrator/internal/orchestrator/context"
	"github.com/ionforge/orchestrator/internal/orchestrator/model"
	"github.com/ionforge/orchestrator/internal/orchestrator/workset"
	"github.com/ionforge/orchestrator/internal/ports"
)

// phaseInstanceTask is everything a single instance's handler needs to run
// one phase entry.
type phaseInstanceTask struct {
	e           *Engine
	op          *model.Operation
	octx        *octx.Context
	ws          *workset.Workset
	phase       model.Phase
	phaseIdx    int
	pi          model.PhaseInstance
	ctl      *workset.AbortController
	promises *PromiseMap
	// futures is the phase-launch snapshot of every in-phase instance's
	// Future, taken before any task runs so in-phase waits never race with
	// promise-map removal.
	futures     map[model.InstanceID]*Future
	inPhase     map[model.InstanceID]bool // everything else in this same phase
	unlockToken string
}

// run dispatches to the unit or composite handler and settles the task's own
// Future, matching the memoized-promise contract in spec section 4.2. Once
// the promise settles and the instance has no later phase, its entry leaves
// the promise map and its lock is released with the operation's unlock token.
func (t *phaseInstanceTask) run(ctx context.Context) error {
	f, ok := t.futures[t.pi.ID]
	if !ok {
		f = t.promises.Install(t.pi.ID)
	}

	sid, _ := t.octx.StateIDOf(t.pi.ID)
	<-t.ws.WaitLocked(sid)

	var err error
	inst, _ := t.octx.Project.Get(t.pi.ID)
	if inst.IsComposite() {
		err = t.runComposite(ctx)
	} else {
		err = t.runUnit(ctx)
	}

	if err != nil {
		t.e.handleInstanceFailure(ctx, t.op, t.octx, sid, err)
	}
	f.Settle(err)

	if t.isLastPhaseFor(t.pi.ID) {
		t.promises.Remove(t.pi.ID)
		_ = t.e.LockSvc.UnlockInstances(context.Background(), t.op.ProjectID, []model.StateID{sid}, t.unlockToken)
		t.ws.MarkUnlocked(sid)
	}
	return err
}

func (t *phaseInstanceTask) handleTransient(ctx context.Context, status model.InstanceOperationStatus, patch map[string]any) {
	sid, _ := t.octx.StateIDOf(t.pi.ID)
	now := time.Now()
	_ = t.e.StateSvc.UpdateOperationState(ctx, model.InstanceOperationState{
		OperationID:        t.op.ID,
		InstanceStateID:    sid,
		Status:             status,
		StartedAt:          &now,
		InstanceStatePatch: patch,
	})
}

// waitInPhaseDependencies blocks until every dependency of t.pi.ID that is
// also part of the current phase has settled, racing against the graceful
// abort signal the way Promise.race does in the original design.
func (t *phaseInstanceTask) waitInPhaseDependencies(ctx context.Context) error {
	for _, dep := range t.octx.Dependencies(t.pi.ID) {
		if !t.inPhase[dep] {
			continue
		}
		f, ok := t.futures[dep]
		if !ok {
			continue
		}
		select {
		case <-f.Done():
			if f.err != nil {
				return model.ErrDependencyFailed(dep, f.err)
			}
		case <-t.ctl.Graceful.Done():
			return model.ErrAbort(false)
		}
	}
	return nil
}

func (t *phaseInstanceTask) waitInPhaseDependents(ctx context.Context) error {
	for _, dep := range t.octx.Dependents(t.pi.ID) {
		if !t.inPhase[dep] {
			continue
		}
		f, ok := t.futures[dep]
		if !ok {
			continue
		}
		select {
		case <-f.Done():
			if f.err != nil {
				return model.ErrDependencyFailed(dep, f.err)
			}
		case <-t.ctl.Graceful.Done():
			return model.ErrAbort(false)
		}
	}
	return nil
}

func (t *phaseInstanceTask) runUnit(ctx context.Context) error {
	sid, _ := t.octx.StateIDOf(t.pi.ID)

	switch t.phase.Type {
	case model.PhaseUpdate:
		if err := t.waitInPhaseDependencies(ctx); err != nil {
			return err
		}
		if t.op.Status == model.OperationFailing {
			return model.ErrAbort(false)
		}
		if t.shortCircuitSkip() {
			now := time.Now()
			_ = t.e.StateSvc.UpdateOperationState(ctx, model.InstanceOperationState{
				OperationID:     t.op.ID,
				InstanceStateID: sid,
				Status:          model.IOSkipped,
				FinishedAt:      &now,
				InstanceStatePatch: map[string]any{
					"inputHash": t.octx.ExpectedInputHash(t.pi.ID),
				},
			})
			return nil
		}
		t.handleTransient(ctx, model.IOUpdating, nil)
		return t.invokeAndDrain(ctx, sid, "update")

	case model.PhasePreview:
		if t.op.Status == model.OperationFailing {
			return model.ErrAbort(false)
		}
		t.handleTransient(ctx, model.IOPreviewing, nil)
		return t.invokeAndDrain(ctx, sid, "preview")

	case model.PhaseRefresh:
		t.handleTransient(ctx, model.IORefreshing, nil)
		return t.invokeAndDrain(ctx, sid, "refresh")

	case model.PhaseDestroy:
		if err := t.waitInPhaseDependents(ctx); err != nil {
			return err
		}
		if t.op.Options.InvokeDestroyTriggers {
			if trigs := t.beforeDestroyTriggers(sid); len(trigs) > 0 {
				t.handleTransient(ctx, model.IOProcessingTriggers, nil)
				if err := t.invokeAndDrain(ctx, sid, "triggers"); err != nil {
					return err
				}
			}
		}
		t.handleTransient(ctx, model.IODestroying, nil)
		if err := t.invokeAndDrain(ctx, sid, "destroy"); err != nil {
			return err
		}
		st := t.octx.StateByID(sid)
		if st != nil && st.IsGhost() && t.isLastPhaseFor(t.pi.ID) {
			_ = t.e.StateSvc.PublishGhostInstanceDeletion(ctx, t.op.ProjectID, sid)
		}
		return nil
	}
	return nil
}

// beforeDestroyTriggers returns the state's trigger names that run before a
// destroy.
func (t *phaseInstanceTask) beforeDestroyTriggers(sid model.StateID) []string {
	st := t.octx.StateByID(sid)
	if st == nil {
		return nil
	}
	var out []string
	for _, trig := range st.Triggers {
		if strings.HasPrefix(trig, "before-destroy") {
			out = append(out, trig)
		}
	}
	return out
}

// shortCircuitSkip implements the update short-circuit from spec section
// 4.2: if selfHash and dependencyOutputHash already equal the freshly
// computed expected values and the state is deployed, the runner is never
// invoked.
func (t *phaseInstanceTask) shortCircuitSkip() bool {
	st := t.octx.StateOf(t.pi.ID)
	if st == nil || st.Status != model.StatusDeployed {
		return false
	}
	if st.SelfHash == nil || st.DependencyOutputHash == nil {
		return false
	}
	if expectedSelf, ok := t.octx.ExpectedSelfHash(t.pi.ID); ok && *st.SelfHash != expectedSelf {
		return false
	}
	return *st.DependencyOutputHash == t.octx.ExpectedDependencyOutputHash(t.pi.ID)
}

func (t *phaseInstanceTask) invokeAndDrain(ctx context.Context, sid model.StateID, kind string) error {
	inst, _ := t.octx.Project.Get(t.pi.ID)
	opts := ports.RunnerOptions{
		StateID:           sid,
		Type:              inst.Type,
		Name:              string(t.pi.ID),
		Config:            inst.Args,
		Signal:            t.ctl.Graceful.Done(),
		ForceSignal:       t.ctl.Force.Done(),
		Debug:             t.op.Options.Debug,
		Refresh:           t.op.Options.Refresh,
		DeleteUnreachable: t.op.Options.DeleteUnreachableResources,
		ForceDeleteState:  t.op.Options.ForceDeleteState,
	}
	if secrets, err := t.e.SecretSvc.GetInstanceSecretValues(ctx, t.op.ProjectID, sid); err == nil {
		opts.Secrets = secrets
	}
	if kind == "update" || kind == "triggers" {
		opts.Artifacts = t.assembleDependencyArtifacts(ctx)
	}
	if kind == "triggers" {
		opts.InvokedTriggers = t.beforeDestroyTriggers(sid)
	}

	var rpcErr error
	switch kind {
	case "update":
		rpcErr = t.e.Runner.Update(ctx, opts)
	case "triggers":
		// A pre-destroy trigger cycle is an update with InvokedTriggers set.
		rpcErr = t.e.Runner.Update(ctx, opts)
	case "preview":
		rpcErr = t.e.Runner.Preview(ctx, opts)
	case "refresh":
		rpcErr = t.e.Runner.Refresh(ctx, opts)
	case "destroy":
		rpcErr = t.e.Runner.Destroy(ctx, opts)
	}
	if rpcErr != nil {
		return rpcErr
	}

	stream, err := t.e.Runner.Watch(ctx, sid)
	if err != nil {
		return err
	}
	return t.drain(ctx, sid, kind, stream)
}

// assembleDependencyArtifacts gathers the artifact blobs every direct
// dependency has exported, keyed by content hash, for the runner to consume.
func (t *phaseInstanceTask) assembleDependencyArtifacts(ctx context.Context) map[string][]byte {
	var ids []string
	seen := map[string]bool{}
	for _, dep := range t.octx.Dependencies(t.pi.ID) {
		st := t.octx.StateOf(dep)
		if st == nil {
			continue
		}
		for _, hashes := range st.ExportedArtifactIDs {
			for _, h := range hashes {
				if seen[h] {
					continue
				}
				seen[h] = true
				ids = append(ids, h)
			}
		}
	}
	if len(ids) == 0 {
		return nil
	}
	artifacts, err := t.e.ArtifactSvc.GetArtifactsByIDs(ctx, t.op.ProjectID, ids)
	if err != nil {
		t.e.Log.Warn("artifact fetch failed", "operationId", t.op.ID, "instanceId", t.pi.ID, "error", err.Error())
		return nil
	}
	return artifacts
}

// drain owns every state-update write for this instance during this phase,
// per spec section 9 ("Runner stream handling... the drain loop... is the
// only place that calls updateState for the current unit during that
// phase"). A graceful abort arriving mid-stream is surfaced to the UI as a
// "cancelling" substate before the runner actually stops.
func (t *phaseInstanceTask) drain(ctx context.Context, sid model.StateID, kind string, stream <-chan ports.UnitStateUpdate) error {
	drainDone := make(chan struct{})
	defer close(drainDone)
	go func() {
		select {
		case <-t.ctl.Graceful.Done():
			_ = t.e.StateSvc.UpdateOperationState(ctx, model.InstanceOperationState{
				OperationID: t.op.ID, InstanceStateID: sid,
				Status: model.IOCancelling,
			})
		case <-drainDone:
		}
	}()

	completed := false
	for u := range stream {
		switch u.Type {
		case ports.UpdateMessage:
			_ = t.e.OpSvc.AppendLog(ctx, t.op.ID, sid, u.Message)
		case ports.UpdateProgress:
			now := time.Now()
			_ = t.e.StateSvc.UpdateOperationState(ctx, model.InstanceOperationState{
				OperationID: t.op.ID, InstanceStateID: sid,
				Status: ioStatusFor(kind), CurrentResourceCount: u.CurrentResourceCount, TotalResourceCount: u.TotalResourceCount,
				StartedAt: &now,
			})
			t.e.recomputeParentProgress(t.ws, t.octx, t.pi.ID, u.CurrentResourceCount, u.TotalResourceCount)
		case ports.UpdateError:
			now := time.Now()
			_ = t.e.StateSvc.UpdateOperationState(ctx, model.InstanceOperationState{
				OperationID: t.op.ID, InstanceStateID: sid,
				Status: model.IOFailed, FinishedAt: &now,
			})
			return model.ErrRunnerError(t.pi.ID, u.Message)
		case ports.UpdateCompletion:
			completed = true
			t.applyCompletion(ctx, sid, kind, u)
		}
	}
	// A stream the runner closed after acknowledging an abort, without a
	// completion event, is a cancellation, not a silent success.
	if !completed && t.ctl.IsGraceful() {
		return model.ErrAbort(t.ctl.IsForced())
	}
	return nil
}

func ioStatusFor(kind string) model.InstanceOperationStatus {
	switch kind {
	case "update":
		return model.IOUpdating
	case "triggers":
		return model.IOProcessingTriggers
	case "preview":
		return model.IOPreviewing
	case "refresh":
		return model.IORefreshing
	case "destroy":
		return model.IODestroying
	default:
		return model.IOPending
	}
}

func (t *phaseInstanceTask) applyCompletion(ctx context.Context, sid model.StateID, kind string, u ports.UnitStateUpdate) {
	now := time.Now()
	patch := map[string]any{}
	var finalIO model.InstanceOperationStatus

	switch kind {
	case "update":
		finalIO = model.IOUpdated
		patch["status"] = model.StatusDeployed
		if u.OutputHash != nil {
			patch["outputHash"] = *u.OutputHash
			t.octx.CaptureOutput(t.pi.ID, *u.OutputHash)
		}
		patch["inputHash"] = t.octx.ExpectedInputHash(t.pi.ID)
		patch["dependencyOutputHash"] = t.octx.ExpectedDependencyOutputHash(t.pi.ID)
		if selfHash, ok := t.octx.ExpectedSelfHash(t.pi.ID); ok {
			patch["selfHash"] = selfHash
		}
		if len(u.ExportedArtifactIDs) > 0 {
			patch["exportedArtifactIds"] = u.ExportedArtifactIDs
		}
		if len(u.Triggers) > 0 {
			patch["triggers"] = u.Triggers
		}
	case "triggers":
		// The pre-destroy trigger cycle leaves the state to the destroy that
		// follows it; nothing is finalized here.
		return
	case "preview":
		finalIO = model.IOPreviewed
		// Preview must never mutate instanceState.status.
	case "refresh":
		finalIO = model.IORefreshed
		// getNextStableInstanceStatus: unchanged on refresh completion.
	case "destroy":
		finalIO = model.IODestroyed
		patch["status"] = model.StatusUndeployed
		patch["inputHash"] = nil
		patch["outputHash"] = nil
		patch["dependencyOutputHash"] = nil
		patch["parentId"] = nil
		patch["resolvedInputs"] = nil
		patch["exportedArtifactIds"] = nil
	}

	_ = t.e.StateSvc.UpdateOperationState(ctx, model.InstanceOperationState{
		OperationID:        t.op.ID,
		InstanceStateID:    sid,
		Status:             finalIO,
		FinishedAt:         &now,
		InstanceStatePatch: patch,
	})
}

func (t *phaseInstanceTask) runComposite(ctx context.Context) error {
	sid, _ := t.octx.StateIDOf(t.pi.ID)
	switch t.phase.Type {
	case model.PhaseUpdate:
		var patch map[string]any
		if t.pi.ParentID != "" {
			patch = map[string]any{"parentId": t.pi.ParentID}
		}
		t.handleTransient(ctx, model.IOUpdating, patch)
	case model.PhasePreview, model.PhaseRefresh:
		t.handleTransient(ctx, ioStatusFor(string(t.phase.Type)), nil)
	case model.PhaseDestroy:
		t.handleTransient(ctx, model.IODestroying, nil)
	}

	// Children come from the model for update/preview/refresh and from the
	// state for destroy, so ghost children with no live instance are still
	// waited on during their cleanup.
	var children []model.InstanceID
	if t.phase.Type == model.PhaseDestroy {
		children = t.octx.StateChildrenOf(t.pi.ID)
	} else {
		children = t.octx.ChildrenOf(t.pi.ID)
	}

	var waiting []model.InstanceID
	for _, c := range children {
		if t.inPhase[c] {
			waiting = append(waiting, c)
		}
	}

	var errs []error
	done := make(chan error, len(waiting))
	for _, c := range waiting {
		f, ok := t.futures[c]
		if !ok {
			done <- nil
			continue
		}
		go func(f *Future) {
			<-f.Done()
			done <- f.err
		}(f)
	}
	for range waiting {
		if err := <-done; err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}

	if t.isLastPhaseFor(t.pi.ID) {
		now := time.Now()
		// Preview and refresh leave the composite's status untouched, the
		// same way the unit-level completion path omits it.
		var patch map[string]any
		switch t.phase.Type {
		case model.PhaseUpdate:
			patch = map[string]any{"status": model.StatusDeployed}
		case model.PhaseDestroy:
			patch = map[string]any{"status": model.StatusUndeployed}
		}
		_ = t.e.StateSvc.UpdateOperationState(ctx, model.InstanceOperationState{
			OperationID: t.op.ID, InstanceStateID: sid,
			Status: compositeFinalIOStatus(t.phase.Type), FinishedAt: &now,
			InstanceStatePatch: patch,
		})
	}
	return nil
}

func compositeFinalIOStatus(pt model.PhaseType) model.InstanceOperationStatus {
	switch pt {
	case model.PhaseUpdate:
		return model.IOUpdated
	case model.PhasePreview:
		return model.IOPreviewed
	case model.PhaseRefresh:
		return model.IORefreshed
	case model.PhaseDestroy:
		return model.IODestroyed
	default:
		return model.IOUpdated
	}
}

// isLastPhaseFor reports whether id appears in no phase after the current
// one, used to decide whether to finalize status / release the lock /
// remove the promise-map entry.
func (t *phaseInstanceTask) isLastPhaseFor(id model.InstanceID) bool {
	for _, p := range t.ws.Phases[t.phaseIdx+1:] {
		for _, other := range p.Instances {
			if other.ID == id {
				return false
			}
		}
	}
	return true
}
