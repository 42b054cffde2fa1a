package planner

import (
	"sort"

	octx "github.com/ionforge/orchestrator/internal/orchestrator/context"
	"github.com/ionforge/orchestrator/internal/orchestrator/model"
)

// dependencyOrder returns ids sorted so that every dependency precedes its
// dependents (Kahn's algorithm topological sort, deterministic on ties via
// lexicographic id order), adapted from the teacher's stage-DAG
// validateDAG routine.
func dependencyOrder(ctx *octx.Context, ids []model.InstanceID) []model.InstanceID {
	set := make(map[model.InstanceID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}

	indegree := make(map[model.InstanceID]int, len(ids))
	edges := make(map[model.InstanceID][]model.InstanceID, len(ids)) // dep -> dependents
	for _, id := range ids {
		indegree[id] = 0
	}
	for _, id := range ids {
		for _, dep := range ctx.Dependencies(id) {
			if !set[dep] {
				continue
			}
			edges[dep] = append(edges[dep], id)
			indegree[id]++
		}
		// A composite's children must precede their parent_composite entry in
		// forward order just like any other dependency, so treat
		// child -> parent as an edge too when both are in the set.
		if parent, ok := ctx.ParentOf(id); ok && set[parent] {
			edges[id] = append(edges[id], parent)
			indegree[parent]++
		}
	}

	var ready []model.InstanceID
	for _, id := range ids {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })

	out := make([]model.InstanceID, 0, len(ids))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
		next := ready[0]
		ready = ready[1:]
		out = append(out, next)
		for _, dependent := range edges[next] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(out) != len(ids) {
		// A cycle exists among the included ids (should not happen for a
		// valid project model); fall back to the deterministic lexicographic
		// order rather than dropping instances from the plan.
		out = append([]model.InstanceID(nil), ids...)
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	}
	return out
}

func reversed(ids []model.InstanceID) []model.InstanceID {
	out := make([]model.InstanceID, len(ids))
	for i, id := range ids {
		out[len(ids)-1-i] = id
	}
	return out
}
