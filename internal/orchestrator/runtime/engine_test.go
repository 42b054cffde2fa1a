package runtime_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ionforge/orchestrator/internal/adapters/memory"
	"github.com/ionforge/orchestrator/internal/orchestrator/model"
	"github.com/ionforge/orchestrator/internal/orchestrator/runtime"
	"github.com/ionforge/orchestrator/internal/platform/logger"
	"github.com/ionforge/orchestrator/internal/ports"
)

// failingRunner fails every Update for one state id and succeeds (via the
// in-memory demo Runner's behavior) for everything else.
type failingRunner struct {
	*memory.Runner
	failStateID model.StateID
}

func (r *failingRunner) Update(ctx context.Context, opts ports.RunnerOptions) error {
	if opts.StateID == r.failStateID {
		return model.ErrRunnerError(model.InstanceID(opts.StateID), "boom")
	}
	return r.Runner.Update(ctx, opts)
}

func newEngine(t *testing.T, project *model.ProjectModel, states map[model.StateID]*model.InstanceState, runner ports.RunnerBackend) (*runtime.Engine, *memory.OperationService, *memory.InstanceStateService, *memory.InstanceLockService) {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)

	projectSvc := &memory.ProjectModelService{Model: project}
	stateSvc := memory.NewInstanceStateService(states)
	lockSvc := memory.NewInstanceLockService()
	opSvc := memory.NewOperationService()

	e := runtime.New(log, projectSvc, stateSvc, lockSvc, opSvc, runner, memory.SecretService{}, memory.ArtifactService{}, memory.NewPubSubManager(), &memory.LibraryBackend{}, 4, time.Second)
	return e, opSvc, stateSvc, lockSvc
}

func singleUnitProject() (*model.ProjectModel, map[model.StateID]*model.InstanceState) {
	project := &model.ProjectModel{
		ProjectID: "proj",
		Instances: map[model.InstanceID]model.Instance{
			"unit:A": {ID: "unit:A", Kind: model.KindUnit, Type: "A"},
		},
	}
	states := map[model.StateID]*model.InstanceState{
		"unit:A": {ID: "unit:A", InstanceID: "unit:A", Status: model.StatusUndeployed},
	}
	return project, states
}

func TestOperateSafeCompletesASingleUnitUpdate(t *testing.T) {
	project, states := singleUnitProject()
	e, opSvc, stateSvc, locks := newEngine(t, project, states, memory.NewRunner())

	op := &model.Operation{ID: "op1", ProjectID: "proj", Type: model.OpUpdate, RequestedInstanceIDs: []model.InstanceID{"unit:A"}, Options: model.DefaultOptions()}
	require.NoError(t, opSvc.CreateOperation(context.Background(), op))

	err := e.OperateSafe(context.Background(), op)
	require.NoError(t, err)
	require.Equal(t, model.OperationCompleted, op.Status)
	require.Equal(t, model.StatusDeployed, stateSvc.States["unit:A"].Status)
	require.Equal(t, 0, locks.Outstanding(), "every lock must be released once the operation settles")
}

func TestOperateSafeFailsOperationWhenRunnerErrors(t *testing.T) {
	project, states := singleUnitProject()
	states["unit:A"].Status = model.StatusDeployed
	runner := &failingRunner{Runner: memory.NewRunner(), failStateID: "unit:A"}
	e, opSvc, stateSvc, locks := newEngine(t, project, states, runner)

	op := &model.Operation{ID: "op1", ProjectID: "proj", Type: model.OpUpdate, RequestedInstanceIDs: []model.InstanceID{"unit:A"}, Options: model.DefaultOptions()}
	require.NoError(t, opSvc.CreateOperation(context.Background(), op))

	err := e.OperateSafe(context.Background(), op)
	require.Error(t, err)
	require.Equal(t, model.OperationFailed, op.Status)
	// Deployed-stays-deployed on failure (spec section 4.2).
	require.Equal(t, model.StatusDeployed, stateSvc.States["unit:A"].Status)
	require.Equal(t, 0, locks.Outstanding())
}

func TestOperateSafeCancelsWhenCancelFiresMidUpdate(t *testing.T) {
	project, states := singleUnitProject()
	runner := memory.NewRunner()
	e, opSvc, _, locks := newEngine(t, project, states, runner)

	op := &model.Operation{ID: "op1", ProjectID: "proj", Type: model.OpUpdate, RequestedInstanceIDs: []model.InstanceID{"unit:A"}, Options: model.DefaultOptions()}
	require.NoError(t, opSvc.CreateOperation(context.Background(), op))

	// Fire the cancel the moment the runner receives the update, so the
	// runner observes an already-aborted signal.
	runner.OnUpdate = func(ports.RunnerOptions) { e.Cancel(op.ID) }

	err := e.OperateSafe(context.Background(), op)
	require.Error(t, err)
	require.True(t, model.IsAbort(err))
	require.Equal(t, model.OperationCancelled, op.Status)
	require.Equal(t, 0, locks.Outstanding())
}

func TestInPhaseDependencyRunsBeforeDependent(t *testing.T) {
	project := &model.ProjectModel{
		ProjectID: "proj",
		Instances: map[model.InstanceID]model.Instance{
			"unit:A": {ID: "unit:A", Kind: model.KindUnit, Type: "A"},
			"unit:B": {ID: "unit:B", Kind: model.KindUnit, Type: "B", Inputs: map[string][]model.InputRef{
				"in": {{InstanceID: "unit:A", Output: "out"}},
			}},
		},
	}
	states := map[model.StateID]*model.InstanceState{
		"unit:A": {ID: "unit:A", InstanceID: "unit:A", Status: model.StatusUndeployed},
		"unit:B": {ID: "unit:B", InstanceID: "unit:B", Status: model.StatusUndeployed},
	}
	runner := memory.NewRunner()
	var mu sync.Mutex
	var order []model.StateID
	runner.OnUpdate = func(opts ports.RunnerOptions) {
		mu.Lock()
		order = append(order, opts.StateID)
		mu.Unlock()
	}
	e, opSvc, _, _ := newEngine(t, project, states, runner)

	op := &model.Operation{ID: "op1", ProjectID: "proj", Type: model.OpUpdate, RequestedInstanceIDs: []model.InstanceID{"unit:B"}, Options: model.DefaultOptions()}
	require.NoError(t, opSvc.CreateOperation(context.Background(), op))
	require.NoError(t, e.OperateSafe(context.Background(), op))

	require.Equal(t, []model.StateID{"unit:A", "unit:B"}, order, "the runner must see A's update strictly before B's")
}

func TestUpToDateDeployedUnitIsSkippedWithoutInvokingRunner(t *testing.T) {
	project, states := singleUnitProject()
	self := int64(42)
	dep := int64(0) // no dependencies, expected dependency hash is zero
	states["unit:A"].Status = model.StatusDeployed
	states["unit:A"].SelfHash = &self
	states["unit:A"].DependencyOutputHash = &dep

	runner := memory.NewRunner()
	invoked := false
	runner.OnUpdate = func(ports.RunnerOptions) { invoked = true }
	e, opSvc, stateSvc, _ := newEngine(t, project, states, runner)

	op := &model.Operation{ID: "op1", ProjectID: "proj", Type: model.OpUpdate, RequestedInstanceIDs: []model.InstanceID{"unit:A"}, Options: model.DefaultOptions()}
	require.NoError(t, opSvc.CreateOperation(context.Background(), op))
	require.NoError(t, e.OperateSafe(context.Background(), op))

	require.False(t, invoked, "the runner must not be invoked for a short-circuited update")
	var skipped *model.InstanceOperationState
	for i := range stateSvc.OperationStates {
		if stateSvc.OperationStates[i].Status == model.IOSkipped {
			skipped = &stateSvc.OperationStates[i]
		}
	}
	require.NotNil(t, skipped)
	require.Contains(t, skipped.InstanceStatePatch, "inputHash")
	require.Equal(t, model.StatusDeployed, stateSvc.States["unit:A"].Status)
}

func TestCompositeFinalizesAfterItsChildren(t *testing.T) {
	project := &model.ProjectModel{
		ProjectID: "proj",
		Instances: map[model.InstanceID]model.Instance{
			"composite:P": {ID: "composite:P", Kind: model.KindComposite, Type: "P"},
			"unit:C":      {ID: "unit:C", Kind: model.KindUnit, Type: "C", ParentID: "composite:P"},
		},
	}
	states := map[model.StateID]*model.InstanceState{
		"composite:P": {ID: "composite:P", InstanceID: "composite:P", Kind: model.KindComposite, Status: model.StatusUndeployed},
		"unit:C":      {ID: "unit:C", InstanceID: "unit:C", ParentInstanceID: "composite:P", Status: model.StatusUndeployed},
	}
	e, opSvc, stateSvc, _ := newEngine(t, project, states, memory.NewRunner())

	op := &model.Operation{ID: "op1", ProjectID: "proj", Type: model.OpUpdate, RequestedInstanceIDs: []model.InstanceID{"composite:P"}, Options: model.DefaultOptions()}
	require.NoError(t, opSvc.CreateOperation(context.Background(), op))
	require.NoError(t, e.OperateSafe(context.Background(), op))

	childDone, parentDone := -1, -1
	for i, st := range stateSvc.OperationStates {
		if st.Status != model.IOUpdated {
			continue
		}
		switch st.InstanceStateID {
		case "unit:C":
			childDone = i
		case "composite:P":
			parentDone = i
		}
	}
	require.GreaterOrEqual(t, childDone, 0)
	require.GreaterOrEqual(t, parentDone, 0)
	require.Greater(t, parentDone, childDone, "the composite's finalization must follow its child's completion")
	require.Equal(t, model.StatusDeployed, stateSvc.States["composite:P"].Status)
}

func TestCompositeRefreshLeavesStatusUntouched(t *testing.T) {
	project := &model.ProjectModel{
		ProjectID: "proj",
		Instances: map[model.InstanceID]model.Instance{
			"composite:P": {ID: "composite:P", Kind: model.KindComposite, Type: "P"},
			"unit:C":      {ID: "unit:C", Kind: model.KindUnit, Type: "C", ParentID: "composite:P"},
		},
	}
	states := map[model.StateID]*model.InstanceState{
		"composite:P": {ID: "composite:P", InstanceID: "composite:P", Kind: model.KindComposite, Status: model.StatusFailed},
		"unit:C":      {ID: "unit:C", InstanceID: "unit:C", ParentInstanceID: "composite:P", Status: model.StatusUndeployed},
	}
	e, opSvc, stateSvc, _ := newEngine(t, project, states, memory.NewRunner())

	op := &model.Operation{ID: "op1", ProjectID: "proj", Type: model.OpRefresh, RequestedInstanceIDs: []model.InstanceID{"composite:P"}, Options: model.DefaultOptions()}
	require.NoError(t, opSvc.CreateOperation(context.Background(), op))
	require.NoError(t, e.OperateSafe(context.Background(), op))

	require.Equal(t, model.StatusFailed, stateSvc.States["composite:P"].Status, "refresh must not mutate the composite's status")
	require.Equal(t, model.StatusUndeployed, stateSvc.States["unit:C"].Status, "refresh must not mutate the child's status either")
}

func TestDestroyRunsBeforeDestroyTriggersAndClearsState(t *testing.T) {
	project, states := singleUnitProject()
	in, out, dep := int64(7), int64(8), int64(9)
	states["unit:A"].Status = model.StatusDeployed
	states["unit:A"].InputHash = &in
	states["unit:A"].OutputHash = &out
	states["unit:A"].DependencyOutputHash = &dep
	states["unit:A"].Triggers = []string{"before-destroy:cleanup"}

	runner := memory.NewRunner()
	var mu sync.Mutex
	var invokedTriggers [][]string
	runner.OnUpdate = func(opts ports.RunnerOptions) {
		mu.Lock()
		invokedTriggers = append(invokedTriggers, opts.InvokedTriggers)
		mu.Unlock()
	}
	e, opSvc, stateSvc, _ := newEngine(t, project, states, runner)

	opts := model.DefaultOptions()
	opts.InvokeDestroyTriggers = true
	op := &model.Operation{ID: "op1", ProjectID: "proj", Type: model.OpDestroy, RequestedInstanceIDs: []model.InstanceID{"unit:A"}, Options: opts}
	require.NoError(t, opSvc.CreateOperation(context.Background(), op))
	require.NoError(t, e.OperateSafe(context.Background(), op))

	// The runner sees two invocations: the trigger cycle (with
	// InvokedTriggers set), then the destroy proper.
	require.Len(t, invokedTriggers, 2)
	require.Equal(t, []string{"before-destroy:cleanup"}, invokedTriggers[0])
	require.Empty(t, invokedTriggers[1])

	st := stateSvc.States["unit:A"]
	require.Equal(t, model.StatusUndeployed, st.Status)
	require.Nil(t, st.InputHash)
	require.Nil(t, st.OutputHash)
	require.Nil(t, st.DependencyOutputHash)
}

func TestOperateSafeMarksUndeployedInstanceFailedOnFailure(t *testing.T) {
	project, states := singleUnitProject() // starts undeployed
	runner := &failingRunner{Runner: memory.NewRunner(), failStateID: "unit:A"}
	e, opSvc, stateSvc, _ := newEngine(t, project, states, runner)

	op := &model.Operation{ID: "op1", ProjectID: "proj", Type: model.OpUpdate, RequestedInstanceIDs: []model.InstanceID{"unit:A"}, Options: model.DefaultOptions()}
	require.NoError(t, opSvc.CreateOperation(context.Background(), op))

	err := e.OperateSafe(context.Background(), op)
	require.Error(t, err)
	require.Equal(t, model.OperationFailed, op.Status)
	require.Equal(t, model.StatusFailed, stateSvc.States["unit:A"].Status)
}
