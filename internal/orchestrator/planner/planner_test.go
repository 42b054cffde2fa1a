package planner_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ionforge/orchestrator/internal/adapters/memory"
	octx "github.com/ionforge/orchestrator/internal/orchestrator/context"
	"github.com/ionforge/orchestrator/internal/orchestrator/model"
	"github.com/ionforge/orchestrator/internal/orchestrator/planner"
)

func hash(v int64) *int64 { return &v }

// chainFixture builds the linear chain C -> B -> A (C depends on B depends
// on A) used throughout spec section 8's concrete scenarios.
func chainFixture(t *testing.T, bHash, cHash *int64) *octx.Context {
	t.Helper()
	project := &model.ProjectModel{
		ProjectID: "proj",
		Instances: map[model.InstanceID]model.Instance{
			"unit:A": {ID: "unit:A", Kind: model.KindUnit, Type: "A"},
			"unit:B": {ID: "unit:B", Kind: model.KindUnit, Type: "B", Inputs: map[string][]model.InputRef{
				"in": {{InstanceID: "unit:A", Output: "out"}},
			}},
			"unit:C": {ID: "unit:C", Kind: model.KindUnit, Type: "C", Inputs: map[string][]model.InputRef{
				"in": {{InstanceID: "unit:B", Output: "out"}},
			}},
		},
		Hubs: map[model.InstanceID]model.Hub{},
	}

	oh := hash(1)
	states := map[model.StateID]*model.InstanceState{
		"unit:A": {ID: "unit:A", InstanceID: "unit:A", Kind: model.KindUnit, Status: model.StatusDeployed, InputHash: hash(0), OutputHash: oh},
		"unit:B": {ID: "unit:B", InstanceID: "unit:B", Kind: model.KindUnit, Status: model.StatusDeployed, InputHash: bHash, OutputHash: hash(2)},
		"unit:C": {ID: "unit:C", InstanceID: "unit:C", Kind: model.KindUnit, Status: model.StatusDeployed, InputHash: cHash, OutputHash: hash(3)},
	}

	projectSvc := &memory.ProjectModelService{Model: project}
	stateSvc := memory.NewInstanceStateService(states)
	ctx, err := octx.Load(context.Background(), "proj", "", projectSvc, stateSvc, nil)
	require.NoError(t, err)

	return ctx
}

func upToDate(ctx *octx.Context, id model.InstanceID) *int64 {
	v := ctx.ExpectedInputHash(id)
	return &v
}

func TestDestroyChainCascadesDependents(t *testing.T) {
	ctx := chainFixtureUpToDate(t)
	phases, err := planner.Plan(ctx, model.OpDestroy, []model.InstanceID{"unit:A"}, model.DefaultOptions())
	require.NoError(t, err)
	require.Len(t, phases, 1)
	require.Equal(t, model.PhaseDestroy, phases[0].Type)
	ids := idsOf(phases[0])
	require.Equal(t, []model.InstanceID{"unit:C", "unit:B", "unit:A"}, ids)
}

func TestDestroyWithoutCascade(t *testing.T) {
	ctx := chainFixtureUpToDate(t)
	opts := model.DefaultOptions()
	opts.DestroyDependentInstances = false
	phases, err := planner.Plan(ctx, model.OpDestroy, []model.InstanceID{"unit:A"}, opts)
	require.NoError(t, err)
	require.Len(t, phases, 1)
	require.Equal(t, []model.InstanceID{"unit:A"}, idsOf(phases[0]))
}

func TestUpdateChainPullsChangedDependency(t *testing.T) {
	project := &model.ProjectModel{
		ProjectID: "proj",
		Instances: map[model.InstanceID]model.Instance{
			"unit:A": {ID: "unit:A", Kind: model.KindUnit, Type: "A"},
			"unit:B": {ID: "unit:B", Kind: model.KindUnit, Type: "B", Inputs: map[string][]model.InputRef{
				"in": {{InstanceID: "unit:A", Output: "out"}},
			}},
			"unit:C": {ID: "unit:C", Kind: model.KindUnit, Type: "C", Inputs: map[string][]model.InputRef{
				"in": {{InstanceID: "unit:B", Output: "out"}},
			}},
		},
	}
	states := map[model.StateID]*model.InstanceState{
		"unit:A": {ID: "unit:A", InstanceID: "unit:A", Kind: model.KindUnit, Status: model.StatusDeployed, OutputHash: hash(1)},
		"unit:B": {ID: "unit:B", InstanceID: "unit:B", Kind: model.KindUnit, Status: model.StatusDeployed, InputHash: hash(999), OutputHash: hash(2)},
		"unit:C": {ID: "unit:C", InstanceID: "unit:C", Kind: model.KindUnit, Status: model.StatusDeployed, OutputHash: hash(3)},
	}
	projectSvc := &memory.ProjectModelService{Model: project}
	stateSvc := memory.NewInstanceStateService(states)
	ctx, err := octx.Load(context.Background(), "proj", "", projectSvc, stateSvc, nil)
	require.NoError(t, err)
	ctx.StateOf("unit:A").InputHash = upToDate(ctx, "unit:A")
	ctx.StateOf("unit:C").InputHash = upToDate(ctx, "unit:C")
	// unit:B deliberately left "changed" (InputHash 999 != expected).

	phases, err := planner.Plan(ctx, model.OpUpdate, []model.InstanceID{"unit:C"}, model.DefaultOptions())
	require.NoError(t, err)
	require.Len(t, phases, 1)
	require.Equal(t, model.PhaseUpdate, phases[0].Type)
	require.Equal(t, []model.InstanceID{"unit:B", "unit:C"}, idsOf(phases[0]))
}

func TestUpdateIgnoreDependencies(t *testing.T) {
	project := &model.ProjectModel{
		ProjectID: "proj",
		Instances: map[model.InstanceID]model.Instance{
			"unit:A": {ID: "unit:A", Kind: model.KindUnit, Type: "A"},
			"unit:B": {ID: "unit:B", Kind: model.KindUnit, Type: "B"},
			"unit:C": {ID: "unit:C", Kind: model.KindUnit, Type: "C", Inputs: map[string][]model.InputRef{
				"in": {{InstanceID: "unit:B", Output: "out"}},
			}},
		},
	}
	states := map[model.StateID]*model.InstanceState{
		"unit:A": {ID: "unit:A", InstanceID: "unit:A", Status: model.StatusDeployed, OutputHash: hash(1)},
		"unit:B": {ID: "unit:B", InstanceID: "unit:B", Status: model.StatusDeployed, InputHash: hash(999), OutputHash: hash(2)},
		"unit:C": {ID: "unit:C", InstanceID: "unit:C", Status: model.StatusDeployed, OutputHash: hash(3)},
	}
	projectSvc := &memory.ProjectModelService{Model: project}
	stateSvc := memory.NewInstanceStateService(states)
	ctx, err := octx.Load(context.Background(), "proj", "", projectSvc, stateSvc, nil)
	require.NoError(t, err)
	ctx.StateOf("unit:C").InputHash = upToDate(ctx, "unit:C")

	opts := model.DefaultOptions()
	opts.IgnoreDependencies = true
	phases, err := planner.Plan(ctx, model.OpUpdate, []model.InstanceID{"unit:C"}, opts)
	require.NoError(t, err)
	require.Len(t, phases, 1)
	require.Equal(t, []model.InstanceID{"unit:C"}, idsOf(phases[0]))
}

func TestCompositeChildInclusion(t *testing.T) {
	project := &model.ProjectModel{
		ProjectID: "proj",
		Instances: map[model.InstanceID]model.Instance{
			"composite:Parent": {ID: "composite:Parent", Kind: model.KindComposite, Type: "Parent"},
			"unit:Child1":      {ID: "unit:Child1", Kind: model.KindUnit, Type: "Child", ParentID: "composite:Parent"},
			"unit:Child2":      {ID: "unit:Child2", Kind: model.KindUnit, Type: "Child", ParentID: "composite:Parent"},
			"unit:Child3":      {ID: "unit:Child3", Kind: model.KindUnit, Type: "Child", ParentID: "composite:Parent"},
		},
	}
	states := map[model.StateID]*model.InstanceState{
		"unit:Child1": {ID: "unit:Child1", InstanceID: "unit:Child1", Status: model.StatusDeployed, InputHash: hash(999), OutputHash: hash(1)},
		"unit:Child2": {ID: "unit:Child2", InstanceID: "unit:Child2", Status: model.StatusUndeployed},
		"unit:Child3": {ID: "unit:Child3", InstanceID: "unit:Child3", Status: model.StatusDeployed, OutputHash: hash(1)},
	}
	projectSvc := &memory.ProjectModelService{Model: project}
	stateSvc := memory.NewInstanceStateService(states)
	ctx, err := octx.Load(context.Background(), "proj", "", projectSvc, stateSvc, nil)
	require.NoError(t, err)
	ctx.StateOf("unit:Child3").InputHash = upToDate(ctx, "unit:Child3")

	phases, err := planner.Plan(ctx, model.OpUpdate, []model.InstanceID{"composite:Parent"}, model.DefaultOptions())
	require.NoError(t, err)
	require.Len(t, phases, 1)
	ids := idsOf(phases[0])
	require.ElementsMatch(t, []model.InstanceID{"composite:Parent", "unit:Child1", "unit:Child2"}, ids)
	require.NotContains(t, ids, model.InstanceID("unit:Child3"))
}

func TestPreviewRejectsMultipleTargets(t *testing.T) {
	ctx := chainFixtureUpToDate(t)
	_, err := planner.Plan(ctx, model.OpPreview, []model.InstanceID{"unit:A", "unit:B"}, model.DefaultOptions())
	require.Error(t, err)
	var merr *model.Error
	require.ErrorAs(t, err, &merr)
	require.Equal(t, model.CodeInvalidPreviewTarget, merr.Code)
}

func TestForceUpdateDependenciesAndIgnoreDependenciesConflict(t *testing.T) {
	ctx := chainFixtureUpToDate(t)
	opts := model.DefaultOptions()
	opts.ForceUpdateDependencies = true
	opts.IgnoreDependencies = true
	_, err := planner.Plan(ctx, model.OpUpdate, []model.InstanceID{"unit:A"}, opts)
	require.Error(t, err)
	var merr *model.Error
	require.ErrorAs(t, err, &merr)
	require.Equal(t, model.CodeInvalidOptions, merr.Code)
}

func chainFixtureUpToDate(t *testing.T) *octx.Context {
	t.Helper()
	ctx := chainFixture(t, hash(0), hash(0))
	for _, id := range []model.InstanceID{"unit:A", "unit:B", "unit:C"} {
		st := ctx.StateOf(id)
		st.InputHash = upToDate(ctx, id)
	}
	return ctx
}

func idsOf(p model.Phase) []model.InstanceID {
	out := make([]model.InstanceID, 0, len(p.Instances))
	for _, pi := range p.Instances {
		out = append(out, pi.ID)
	}
	return out
}
