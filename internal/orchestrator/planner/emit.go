package planner

import (
	"github.com/ionforge/orchestrator/internal/orchestrator/model"
)

// emitUpdateLike builds the update/refresh/preview-style phase (spec section
// 4.1, "Phase emission") plus, for update only, a trailing ghost-cleanup
// destroy phase.
func (r *run) emitUpdateLike(opType model.OperationType) []model.Phase {
	needsWork := map[model.InstanceID]bool{}
	var computeNeedsWork func(id model.InstanceID) bool
	computeNeedsWork = func(id model.InstanceID) bool {
		if v, ok := needsWork[id]; ok {
			return v
		}
		inc, ok := r.included[id]
		if !ok || !inc.Included {
			needsWork[id] = false
			return false
		}
		inst, _ := r.ctx.Project.Get(id)

		var result bool
		switch inc.Reason {
		case model.ReasonExplicit:
			if inst.IsComposite() {
				result = r.hasIncludedNonGhostChildNeedingWork(id, computeNeedsWork)
			} else {
				result = true
			}
		case model.ReasonParentComposite:
			result = r.hasIncludedNonParentCompositeChild(id, computeNeedsWork)
		default:
			result = true
		}
		needsWork[id] = result
		return result
	}

	var included []model.InstanceID
	for id, inc := range r.included {
		if inc.Included && computeNeedsWork(id) {
			included = append(included, id)
		}
	}

	ordered := dependencyOrder(r.ctx, included)
	var phases []model.Phase
	if len(ordered) > 0 {
		phaseType := model.PhaseUpdate
		if opType == model.OpRefresh {
			phaseType = model.PhaseRefresh
		}
		phases = append(phases, model.Phase{Type: phaseType, Instances: r.toPhaseInstances(ordered)})
	}

	if opType != model.OpRefresh {
		if ghost := r.emitGhostCleanup(); len(ghost.Instances) > 0 {
			phases = append(phases, ghost)
		}
	}
	return phases
}

func (r *run) hasIncludedNonGhostChildNeedingWork(composite model.InstanceID, needsWork func(model.InstanceID) bool) bool {
	for _, child := range r.ctx.ChildrenOf(composite) {
		st := r.ctx.StateOf(child)
		if st != nil && st.IsGhost() {
			continue
		}
		inc, ok := r.included[child]
		if !ok || !inc.Included {
			continue
		}
		if needsWork(child) {
			return true
		}
	}
	return false
}

func (r *run) hasIncludedNonParentCompositeChild(composite model.InstanceID, needsWork func(model.InstanceID) bool) bool {
	for _, child := range r.ctx.ChildrenOf(composite) {
		inc, ok := r.included[child]
		if !ok || !inc.Included {
			continue
		}
		if inc.Reason == model.ReasonParentComposite {
			continue
		}
		if needsWork(child) {
			return true
		}
	}
	return false
}

// emitGhostCleanup builds the trailing destroy phase for every substantive
// composite's ghost children, reverse-ordered (children first, composite
// last per composite subtree).
func (r *run) emitGhostCleanup() model.Phase {
	ghostReason := map[model.InstanceID]bool{}
	var ids []model.InstanceID
	for id, ct := range r.composite {
		if ct != model.CompositeSubstantive {
			continue
		}
		var anyGhost bool
		for _, child := range r.ctx.ChildrenOf(id) {
			st := r.ctx.StateOf(child)
			if st != nil && st.IsGhost() {
				ids = append(ids, child)
				ghostReason[child] = true
				anyGhost = true
			}
		}
		if anyGhost {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return model.Phase{Type: model.PhaseDestroy}
	}
	// Ghost cleanup orders children before their composite (spec section
	// 4.1: "ordered in reverse (children first, then composite)"), which is
	// exactly the forward dependency order already produced for a
	// composite-plus-its-children id set (a child is the "dependency" side
	// of the synthetic parent edge added in dependencyOrder) — no reversal
	// needed here, unlike the general destroy phase in emitDestroy.
	ordered := dependencyOrder(r.ctx, ids)
	instances := make([]model.PhaseInstance, 0, len(ordered))
	for _, id := range ordered {
		inst, _ := r.ctx.Project.Get(id)
		msg := "ghost cleanup"
		if !ghostReason[id] {
			inc := r.included[id]
			msg = message(r.ctx, id, inc)
		}
		instances = append(instances, model.PhaseInstance{ID: id, ParentID: inst.ParentID, Message: msg})
	}
	return model.Phase{Type: model.PhaseDestroy, Instances: instances}
}

// emitDestroy builds the single reverse-dependency-ordered destroy phase.
func (r *run) emitDestroy() []model.Phase {
	var included []model.InstanceID
	for id, inc := range r.included {
		if inc.Included {
			included = append(included, id)
		}
	}
	if len(included) == 0 {
		return nil
	}
	ordered := reversed(dependencyOrder(r.ctx, included))
	return []model.Phase{{Type: model.PhaseDestroy, Instances: r.toPhaseInstances(ordered)}}
}

// emitRecreateUpdate rebuilds the same inclusion set computed for the
// destroy half of a recreate operation, forward-ordered, as the update
// phase. Every instance destroyed necessarily needs to be rebuilt, so no
// "needs work" filtering is applied here — see DESIGN.md for this decision.
func (r *run) emitRecreateUpdate() []model.Phase {
	var included []model.InstanceID
	for id, inc := range r.included {
		if inc.Included {
			included = append(included, id)
		}
	}
	if len(included) == 0 {
		return nil
	}
	ordered := dependencyOrder(r.ctx, included)
	return []model.Phase{{Type: model.PhaseUpdate, Instances: r.toPhaseInstances(ordered)}}
}

func (r *run) toPhaseInstances(ids []model.InstanceID) []model.PhaseInstance {
	out := make([]model.PhaseInstance, 0, len(ids))
	for _, id := range ids {
		inst, _ := r.ctx.Project.Get(id)
		inc := r.included[id]
		out = append(out, model.PhaseInstance{ID: id, ParentID: inst.ParentID, Message: message(r.ctx, id, inc)})
	}
	return out
}
