package inputresolver_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ionforge/orchestrator/internal/orchestrator/inputresolver"
	"github.com/ionforge/orchestrator/internal/orchestrator/model"
)

func TestResolveExpandsHubFanOut(t *testing.T) {
	project := &model.ProjectModel{
		ProjectID: "proj",
		Instances: map[model.InstanceID]model.Instance{
			"unit:Producer1": {ID: "unit:Producer1", Kind: model.KindUnit, Type: "P"},
			"unit:Producer2": {ID: "unit:Producer2", Kind: model.KindUnit, Type: "P"},
			"unit:Consumer": {ID: "unit:Consumer", Kind: model.KindUnit, Type: "C", Inputs: map[string][]model.InputRef{
				"in": {{HubID: "hub:Fan", Output: "out"}},
			}},
		},
		Hubs: map[model.InstanceID]model.Hub{
			"hub:Fan": {ID: "hub:Fan", Inputs: map[string][]model.InputRef{
				"out": {
					{InstanceID: "unit:Producer1", Output: "out"},
					{InstanceID: "unit:Producer2", Output: "out"},
				},
			}},
		},
	}

	resolved, warnings := inputresolver.New(project).Resolve()
	require.Empty(t, warnings)
	require.ElementsMatch(t, []model.InputRef{
		{InstanceID: "unit:Producer1", Output: "out"},
		{InstanceID: "unit:Producer2", Output: "out"},
	}, resolved["unit:Consumer"]["in"])
}

func TestResolveDeduplicatesRepeatedReferences(t *testing.T) {
	project := &model.ProjectModel{
		ProjectID: "proj",
		Instances: map[model.InstanceID]model.Instance{
			"unit:Producer": {ID: "unit:Producer", Kind: model.KindUnit, Type: "P"},
			"unit:Consumer": {ID: "unit:Consumer", Kind: model.KindUnit, Type: "C", Inputs: map[string][]model.InputRef{
				"in": {
					{InstanceID: "unit:Producer", Output: "out"},
					{InstanceID: "unit:Producer", Output: "out"},
				},
			}},
		},
	}
	resolved, warnings := inputresolver.New(project).Resolve()
	require.Empty(t, warnings)
	require.Len(t, resolved["unit:Consumer"]["in"], 1)
}

func TestResolveWarnsOnMissingProducer(t *testing.T) {
	project := &model.ProjectModel{
		ProjectID: "proj",
		Instances: map[model.InstanceID]model.Instance{
			"unit:Consumer": {ID: "unit:Consumer", Kind: model.KindUnit, Type: "C", Inputs: map[string][]model.InputRef{
				"in": {{InstanceID: "unit:Missing", Output: "out"}},
			}},
		},
	}
	resolved, warnings := inputresolver.New(project).Resolve()
	require.Len(t, warnings, 1)
	require.Equal(t, model.InstanceID("unit:Consumer"), warnings[0].InstanceID)
	require.Empty(t, resolved["unit:Consumer"]["in"])
}

func TestResolveWarnsOnHubCycle(t *testing.T) {
	project := &model.ProjectModel{
		ProjectID: "proj",
		Instances: map[model.InstanceID]model.Instance{
			"unit:Consumer": {ID: "unit:Consumer", Kind: model.KindUnit, Type: "C", Inputs: map[string][]model.InputRef{
				"in": {{HubID: "hub:A", Output: "out"}},
			}},
		},
		Hubs: map[model.InstanceID]model.Hub{
			"hub:A": {ID: "hub:A", Inputs: map[string][]model.InputRef{
				"out": {{HubID: "hub:B", Output: "out"}},
			}},
			"hub:B": {ID: "hub:B", Inputs: map[string][]model.InputRef{
				"out": {{HubID: "hub:A", Output: "out"}},
			}},
		},
	}
	_, warnings := inputresolver.New(project).Resolve()
	require.NotEmpty(t, warnings)
}
