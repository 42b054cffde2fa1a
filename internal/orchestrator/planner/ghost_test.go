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

// ghostFixture builds composite:Parent with one live, up-to-date child and
// one ghost child whose state source is virtual, matching spec section 8
// scenario 6.
func ghostFixture(t *testing.T) *octx.Context {
	t.Helper()
	project := &model.ProjectModel{
		ProjectID: "proj",
		Instances: map[model.InstanceID]model.Instance{
			"composite:Parent": {ID: "composite:Parent", Kind: model.KindComposite, Type: "Parent"},
			"unit:Live":        {ID: "unit:Live", Kind: model.KindUnit, Type: "Live", ParentID: "composite:Parent"},
		},
		VirtualInstances: map[model.InstanceID]model.Instance{
			"unit:GhostChild": {ID: "unit:GhostChild", Kind: model.KindUnit, Type: "Ghost", ParentID: "composite:Parent"},
		},
	}
	states := map[model.StateID]*model.InstanceState{
		"unit:Live":       {ID: "unit:Live", InstanceID: "unit:Live", Status: model.StatusDeployed, OutputHash: hash(1)},
		"unit:GhostChild": {ID: "unit:GhostChild", InstanceID: "unit:GhostChild", Status: model.StatusDeployed, Source: model.SourceVirtual, OutputHash: hash(2)},
	}
	projectSvc := &memory.ProjectModelService{Model: project}
	stateSvc := memory.NewInstanceStateService(states)
	ctx, err := octx.Load(context.Background(), "proj", "", projectSvc, stateSvc, nil)
	require.NoError(t, err)
	ctx.StateOf("unit:Live").InputHash = upToDate(ctx, "unit:Live")
	return ctx
}

func TestGhostCleanupNoUpdatePhaseNeeded(t *testing.T) {
	ctx := ghostFixture(t)
	phases, err := planner.Plan(ctx, model.OpUpdate, []model.InstanceID{"composite:Parent"}, model.DefaultOptions())
	require.NoError(t, err)
	// No update phase: Parent's only live child is already up to date.
	require.Len(t, phases, 1)
	require.Equal(t, model.PhaseDestroy, phases[0].Type)
	ids := idsOf(phases[0])
	require.Equal(t, []model.InstanceID{"unit:GhostChild", "composite:Parent"}, ids)
	for _, pi := range phases[0].Instances {
		if pi.ID == "unit:GhostChild" {
			require.Equal(t, "ghost cleanup", pi.Message)
		}
	}
}

func TestRefreshNeverEmitsGhostCleanup(t *testing.T) {
	ctx := ghostFixture(t)
	phases, err := planner.Plan(ctx, model.OpRefresh, []model.InstanceID{"composite:Parent"}, model.DefaultOptions())
	require.NoError(t, err)
	for _, p := range phases {
		require.NotEqual(t, model.PhaseDestroy, p.Type)
	}
}

func TestRecreateEmitsDestroyThenUpdateOverSameSet(t *testing.T) {
	ctx := chainFixtureUpToDate(t)
	phases, err := planner.Plan(ctx, model.OpRecreate, []model.InstanceID{"unit:A"}, model.DefaultOptions())
	require.NoError(t, err)
	require.Len(t, phases, 2)
	require.Equal(t, model.PhaseDestroy, phases[0].Type)
	require.Equal(t, []model.InstanceID{"unit:C", "unit:B", "unit:A"}, idsOf(phases[0]))
	require.Equal(t, model.PhaseUpdate, phases[1].Type)
	require.Equal(t, []model.InstanceID{"unit:A", "unit:B", "unit:C"}, idsOf(phases[1]))
}

func TestForceUpdateChildrenIncludesUpToDateSibling(t *testing.T) {
	project := &model.ProjectModel{
		ProjectID: "proj",
		Instances: map[model.InstanceID]model.Instance{
			"composite:Parent": {ID: "composite:Parent", Kind: model.KindComposite, Type: "Parent"},
			"unit:Child1":      {ID: "unit:Child1", Kind: model.KindUnit, Type: "Child", ParentID: "composite:Parent"},
			"unit:Child2":      {ID: "unit:Child2", Kind: model.KindUnit, Type: "Child", ParentID: "composite:Parent"},
		},
	}
	states := map[model.StateID]*model.InstanceState{
		"unit:Child1": {ID: "unit:Child1", InstanceID: "unit:Child1", Status: model.StatusDeployed, OutputHash: hash(1)},
		"unit:Child2": {ID: "unit:Child2", InstanceID: "unit:Child2", Status: model.StatusDeployed, OutputHash: hash(1)},
	}
	projectSvc := &memory.ProjectModelService{Model: project}
	stateSvc := memory.NewInstanceStateService(states)
	ctx, err := octx.Load(context.Background(), "proj", "", projectSvc, stateSvc, nil)
	require.NoError(t, err)
	ctx.StateOf("unit:Child1").InputHash = upToDate(ctx, "unit:Child1")
	ctx.StateOf("unit:Child2").InputHash = upToDate(ctx, "unit:Child2")

	opts := model.DefaultOptions()
	opts.ForceUpdateChildren = true
	phases, err := planner.Plan(ctx, model.OpUpdate, []model.InstanceID{"composite:Parent"}, opts)
	require.NoError(t, err)
	require.Len(t, phases, 1)
	require.ElementsMatch(t, []model.InstanceID{"composite:Parent", "unit:Child1", "unit:Child2"}, idsOf(phases[0]))
}
