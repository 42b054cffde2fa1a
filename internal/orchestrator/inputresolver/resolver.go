// Package inputresolver expands each instance's declared inputs through hubs
// into a flat, deduplicated list of (producerInstance, outputName)
// references (spec section 2.A).
package inputresolver

import (
	"fmt"

	"github.com/ionforge/orchestrator/internal/orchestrator/model"
)

// Resolver expands Hub indirections away. It holds no mutable state of its
// own; callers own and cache the result per Operation Context.
type Resolver struct {
	project *model.ProjectModel
}

func New(project *model.ProjectModel) *Resolver {
	return &Resolver{project: project}
}

// Warning records an input reference that pointed at a producer that does
// not exist in the project model (invariant 1 in spec section 3: ignored
// with a warning, not a hard failure).
type Warning struct {
	InstanceID model.InstanceID
	InputName  string
	Ref        model.InputRef
	Reason     string
}

// Resolve expands every input of every instance in the project model,
// following Hub chains to their concrete producers. The result maps each
// instance id to its flattened, deduplicated input references, along with
// any warnings encountered.
func (r *Resolver) Resolve() (map[model.InstanceID]map[string][]model.InputRef, []Warning) {
	out := make(map[model.InstanceID]map[string][]model.InputRef, len(r.project.AllInstances()))
	var warnings []Warning

	for id, inst := range r.project.AllInstances() {
		resolvedInputs := make(map[string][]model.InputRef, len(inst.Inputs))
		for inputName, refs := range inst.Inputs {
			var flat []model.InputRef
			seen := map[model.InstanceID]map[string]bool{}
			for _, ref := range refs {
				expanded, warns := r.expand(id, inputName, ref, map[model.InstanceID]bool{})
				warnings = append(warnings, warns...)
				for _, e := range expanded {
					if seen[e.InstanceID] == nil {
						seen[e.InstanceID] = map[string]bool{}
					}
					if seen[e.InstanceID][e.Output] {
						continue
					}
					seen[e.InstanceID][e.Output] = true
					flat = append(flat, e)
				}
			}
			resolvedInputs[inputName] = flat
		}
		out[id] = resolvedInputs
	}
	return out, warnings
}

// expand follows a single reference through any number of Hub indirections
// until it lands on a concrete instance output, or reports a warning if the
// chain terminates at a missing producer. visiting guards against hub
// cycles (a project-model invariant violation, but one the resolver should
// not hang on).
func (r *Resolver) expand(owner model.InstanceID, inputName string, ref model.InputRef, visiting map[model.InstanceID]bool) ([]model.InputRef, []Warning) {
	if ref.HubID == "" {
		if _, ok := r.project.Get(ref.InstanceID); !ok {
			return nil, []Warning{{
				InstanceID: owner,
				InputName:  inputName,
				Ref:        ref,
				Reason:     fmt.Sprintf("producer %q not found in project model", ref.InstanceID),
			}}
		}
		return []model.InputRef{ref}, nil
	}

	if visiting[ref.HubID] {
		return nil, []Warning{{
			InstanceID: owner,
			InputName:  inputName,
			Ref:        ref,
			Reason:     fmt.Sprintf("hub cycle detected at %q", ref.HubID),
		}}
	}
	hub, ok := r.project.Hubs[ref.HubID]
	if !ok {
		return nil, []Warning{{
			InstanceID: owner,
			InputName:  inputName,
			Ref:        ref,
			Reason:     fmt.Sprintf("hub %q not found", ref.HubID),
		}}
	}
	visiting[ref.HubID] = true

	var out []model.InputRef
	var warnings []Warning
	hubRefs := hub.Inputs[ref.Output]
	for _, hr := range hubRefs {
		expanded, warns := r.expand(owner, inputName, hr, visiting)
		out = append(out, expanded...)
		warnings = append(warnings, warns...)
	}
	return out, warnings
}
