// Package planner implements the fixed-point inclusion algorithm and phase
// emission described in spec section 4.1. Planner is pure: it borrows a
// Context by reference and owns no state of its own across calls.
package planner

import (
	"sort"

	octx "github.com/ionforge/orchestrator/internal/orchestrator/context"
	"github.com/ionforge/orchestrator/internal/orchestrator/model"
)

const maxIterations = 100

// inclusion is the fixed-point algorithm's per-instance working record.
type inclusion struct {
	Included        bool
	Reason          model.InclusionReason
	RequiredBy      model.InstanceID
	TriggeringChild model.InstanceID
	ForceFlag       bool
}

type run struct {
	ctx         *octx.Context
	opType      model.OperationType
	opts        model.Options
	requested   map[model.InstanceID]bool
	included    map[model.InstanceID]*inclusion
	composite   map[model.InstanceID]model.CompositeType
	allIDs      []model.InstanceID
}

// Plan produces an ordered sequence of phases for (type, requestedInstanceIds,
// options) against ctx.
func Plan(ctx *octx.Context, opType model.OperationType, requestedInstanceIDs []model.InstanceID, opts model.Options) ([]model.Phase, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	if opType == model.OpPreview {
		return planPreview(ctx, requestedInstanceIDs)
	}

	for _, id := range requestedInstanceIDs {
		if _, ok := ctx.Project.Get(id); !ok {
			return nil, model.ErrInstanceNotFound(id)
		}
	}

	switch opType {
	case model.OpUpdate, model.OpRefresh:
		r, err := newRun(ctx, opType, requestedInstanceIDs, opts).fixedPoint(updateLikeRules(opType == model.OpRefresh))
		if err != nil {
			return nil, err
		}
		phases := r.emitUpdateLike(opType)
		return phases, nil

	case model.OpDestroy:
		r, err := newRun(ctx, opType, requestedInstanceIDs, opts).fixedPoint(destroyRules())
		if err != nil {
			return nil, err
		}
		return r.emitDestroy(), nil

	case model.OpRecreate:
		r, err := newRun(ctx, model.OpDestroy, requestedInstanceIDs, opts).fixedPoint(destroyRules())
		if err != nil {
			return nil, err
		}
		destroyPhase := r.emitDestroy()
		updatePhase := r.emitRecreateUpdate()
		var out []model.Phase
		out = append(out, destroyPhase...)
		out = append(out, updatePhase...)
		return out, nil

	default:
		return nil, model.ErrInvalidOptions("unsupported operation type")
	}
}

func planPreview(ctx *octx.Context, requestedInstanceIDs []model.InstanceID) ([]model.Phase, error) {
	if len(requestedInstanceIDs) != 1 {
		return nil, model.ErrInvalidPreviewTarget("preview requires exactly one requested instance")
	}
	id := requestedInstanceIDs[0]
	inst, ok := ctx.Project.Get(id)
	if !ok {
		return nil, model.ErrInstanceNotFound(id)
	}
	if !inst.IsUnit() {
		return nil, model.ErrInvalidPreviewTarget("preview target must be a unit")
	}
	return []model.Phase{{
		Type: model.PhasePreview,
		Instances: []model.PhaseInstance{
			{ID: id, ParentID: inst.ParentID, Message: "explicitly requested"},
		},
	}}, nil
}

func newRun(ctx *octx.Context, opType model.OperationType, requestedIDs []model.InstanceID, opts model.Options) *run {
	all := ctx.Project.AllInstances()
	r := &run{
		ctx:       ctx,
		opType:    opType,
		opts:      opts,
		requested: map[model.InstanceID]bool{},
		included:  map[model.InstanceID]*inclusion{},
		composite: map[model.InstanceID]model.CompositeType{},
	}
	for id, inst := range all {
		r.allIDs = append(r.allIDs, id)
		if inst.IsComposite() {
			r.composite[id] = model.CompositeUnknown
		}
	}
	sort.Slice(r.allIDs, func(i, j int) bool { return r.allIDs[i] < r.allIDs[j] })
	for _, id := range requestedIDs {
		r.requested[id] = true
		r.include(id, model.ReasonExplicit, "", "", false)
	}
	return r
}

func (r *run) include(id model.InstanceID, reason model.InclusionReason, requiredBy, triggeringChild model.InstanceID, force bool) bool {
	cur, ok := r.included[id]
	if !ok {
		r.included[id] = &inclusion{Included: true, Reason: reason, RequiredBy: requiredBy, TriggeringChild: triggeringChild, ForceFlag: force}
		return true
	}
	if !cur.Included {
		cur.Included = true
		cur.Reason = reason
		cur.RequiredBy = requiredBy
		cur.TriggeringChild = triggeringChild
		cur.ForceFlag = force
		return true
	}
	return false
}

func (r *run) isIncluded(id model.InstanceID) bool {
	inc, ok := r.included[id]
	return ok && inc.Included
}

// substantiveAncestor walks the parent chain looking for a composite already
// classified substantive.
func (r *run) substantiveAncestor(id model.InstanceID) (model.InstanceID, bool) {
	cur := id
	for {
		parent, ok := r.ctx.ParentOf(cur)
		if !ok {
			return "", false
		}
		if r.composite[parent] == model.CompositeSubstantive {
			return parent, true
		}
		cur = parent
	}
}

// isChildOf reports whether b is a direct child of composite.
func (r *run) isChildOf(composite, b model.InstanceID) bool {
	p, ok := r.ctx.ParentOf(b)
	return ok && p == composite
}

// rules bundles the two operation-specific behaviors that differ between
// update/refresh and destroy: how dependencies/dependents are pulled in, and
// how children are pulled in.
type rules struct {
	pullDependencies func(r *run, i model.InstanceID) // update/refresh
	pullChildren     func(r *run, i model.InstanceID)
	pullDependents   func(r *run, i model.InstanceID) // destroy
}

func updateLikeRules(refresh bool) rules {
	return rules{
		pullChildren: func(r *run, i model.InstanceID) {
			parent, ok := r.ctx.ParentOf(i)
			if !ok {
				return
			}
			if _, hasSubstantiveAncestor := r.substantiveAncestor(i); !hasSubstantiveAncestor {
				return
			}
			st := r.ctx.StateOf(i)
			if st != nil && st.IsGhost() {
				return
			}
			if r.opts.ForceUpdateChildren || (!r.opts.AllowPartialCompositeInstanceUpdate && r.ctx.IsOutdated(i)) {
				r.include(i, model.ReasonCompositeChild, "", "", r.opts.ForceUpdateChildren)
			}
			_ = parent
		},
		pullDependencies: func(r *run, i model.InstanceID) {
			if !r.isIncluded(i) {
				return
			}
			if r.opts.IgnoreDependencies {
				return
			}
			for _, d := range r.ctx.Dependencies(i) {
				if refresh {
					if r.opts.ForceUpdateDependencies {
						r.include(d, model.ReasonDependency, i, "", true)
					}
					continue
				}
				if r.opts.ForceUpdateDependencies || r.ctx.IsOutdated(d) {
					r.include(d, model.ReasonDependency, i, "", r.opts.ForceUpdateDependencies)
				}
			}
		},
	}
}

func destroyRules() rules {
	return rules{
		pullChildren: func(r *run, i model.InstanceID) {
			parent, ok := r.ctx.ParentOf(i)
			if !ok {
				return
			}
			if r.composite[parent] == model.CompositeSubstantive && !r.opts.AllowPartialCompositeInstanceDestruction {
				r.include(i, model.ReasonCompositeChild, "", "", false)
			}
		},
		pullDependents: func(r *run, i model.InstanceID) {
			if !r.isIncluded(i) {
				return
			}
			if !r.opts.DestroyDependentInstances {
				return
			}
			for _, dep := range r.ctx.Dependents(i) {
				r.include(dep, model.ReasonDependentCascade, i, "", false)
			}
		},
	}
}

// fixedPoint runs the iterate-until-quiescent algorithm from spec section
// 4.1. On the first iteration, every instance in the context is seeded into
// the pending set so passive composites and dependents get a chance to be
// considered even though nothing referenced them yet.
func (r *run) fixedPoint(rs rules) (*run, error) {
	pending := map[model.InstanceID]bool{}
	for _, id := range r.allIDs {
		pending[id] = true
	}

	for iter := 0; ; iter++ {
		if iter >= maxIterations {
			return nil, model.ErrPlannerDidNotConverge(iter)
		}
		if len(pending) == 0 {
			break
		}

		order := make([]model.InstanceID, 0, len(pending))
		for id := range pending {
			order = append(order, id)
		}
		sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

		changed := false
		next := map[model.InstanceID]bool{}

		// Step 1: refresh composite classification for every composite,
		// based on the current inclusion snapshot.
		for id := range r.composite {
			before := r.composite[id]
			after := r.classify(id)
			if before != after {
				r.composite[id] = after
				changed = true
				next[id] = true
				for _, c := range r.ctx.ChildrenOf(id) {
					next[c] = true
				}
			}
		}

		for _, id := range order {
			inst, ok := r.ctx.Project.Get(id)
			if !ok {
				continue
			}
			before := r.snapshot(id)

			if inst.IsUnit() && rs.pullChildren != nil {
				rs.pullChildren(r, id)
			} else if inst.IsComposite() && rs.pullChildren != nil {
				rs.pullChildren(r, id)
			}
			if rs.pullDependencies != nil {
				rs.pullDependencies(r, id)
			}
			if rs.pullDependents != nil {
				rs.pullDependents(r, id)
			}

			// Step 3: propagate upward.
			if r.isIncluded(id) {
				if parent, ok := r.ctx.ParentOf(id); ok {
					inc := r.included[id]
					if !(inc.Reason == model.ReasonParentComposite) {
						if r.include(parent, model.ReasonParentComposite, "", id, false) {
							changed = true
							next[parent] = true
						}
					}
				}
			}

			after := r.snapshot(id)
			if after != before {
				changed = true
				next[id] = true
				for _, dep := range r.ctx.Dependencies(id) {
					next[dep] = true
				}
				for _, dep := range r.ctx.Dependents(id) {
					next[dep] = true
				}
				if parent, ok := r.ctx.ParentOf(id); ok {
					next[parent] = true
				}
				for _, c := range r.ctx.ChildrenOf(id) {
					next[c] = true
				}
			}
		}

		if !changed {
			break
		}
		pending = next
	}

	return r, nil
}

// snapshot renders a comparable value of an instance's inclusion record, used
// only to detect whether a pass changed anything.
func (r *run) snapshot(id model.InstanceID) [2]string {
	inc, ok := r.included[id]
	if !ok {
		return [2]string{"", ""}
	}
	return [2]string{string(inc.Reason), string(inc.RequiredBy)}
}

// classify implements the composite-classification rule: substantive iff
// explicitly requested, or any included child's inclusion reason is
// dependency/dependent_cascade and the requiring instance is not itself a
// child of the same composite (i.e. an external dependency pulled it in).
func (r *run) classify(id model.InstanceID) model.CompositeType {
	if r.requested[id] {
		return model.CompositeSubstantive
	}
	for _, child := range r.ctx.ChildrenOf(id) {
		inc, ok := r.included[child]
		if !ok || !inc.Included {
			continue
		}
		if inc.Reason != model.ReasonDependency && inc.Reason != model.ReasonDependentCascade {
			continue
		}
		if inc.RequiredBy != "" && r.isChildOf(id, inc.RequiredBy) {
			continue // internal: sibling under the same composite, not external
		}
		return model.CompositeSubstantive
	}
	if r.isIncluded(id) {
		return model.CompositeCompositional
	}
	return model.CompositeUnknown
}
