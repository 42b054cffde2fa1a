// Package model holds the immutable project-graph types (Instance, Hub) and
// the mutable runtime types (InstanceState, Operation) that the rest of the
// orchestrator operates over.
package model

// Kind distinguishes a leaf deployable from a container.
type Kind string

const (
	KindUnit      Kind = "unit"
	KindComposite Kind = "composite"
)

// InstanceID is "type:name", globally unique within a project.
type InstanceID string

// InputRef is a single resolved-or-unresolved reference to a producer's
// output, optionally passing through a Hub indirection.
type InputRef struct {
	InstanceID InstanceID
	Output     string
	// HubID is set when this reference was declared against a Hub rather
	// than a concrete instance; the Input Resolver expands it away.
	HubID InstanceID
}

// Instance is the immutable description of a node in the project graph, as
// produced by the library/evaluator layer outside the orchestrator.
type Instance struct {
	ID       InstanceID
	Kind     Kind
	Type     string
	ParentID InstanceID // empty for top-level instances
	// Inputs maps an input name to an ordered list of producer references.
	Inputs map[string][]InputRef
	Args   map[string]any
}

func (i Instance) IsUnit() bool      { return i.Kind == KindUnit }
func (i Instance) IsComposite() bool { return i.Kind == KindComposite }
func (i Instance) HasParent() bool   { return i.ParentID != "" }

// Hub is a fan-in/fan-out vertex that collects inputs and re-exposes them.
// It is resolved away entirely by the Input Resolver and never appears in a
// planned phase.
type Hub struct {
	ID     InstanceID
	Inputs map[string][]InputRef
}

// ProjectModel is the read-mostly snapshot the Operation Context loads once
// per operation: instances (resident + virtual ghosts) plus the hubs needed
// to resolve inputs.
type ProjectModel struct {
	ProjectID       string
	Instances       map[InstanceID]Instance // resident, live instances
	VirtualInstances map[InstanceID]Instance // ghost instances kept for planning
	Hubs            map[InstanceID]Hub
}

// AllInstances returns resident and virtual instances combined. Callers that
// need to distinguish ghosts should check IsGhost.
func (p *ProjectModel) AllInstances() map[InstanceID]Instance {
	out := make(map[InstanceID]Instance, len(p.Instances)+len(p.VirtualInstances))
	for id, inst := range p.Instances {
		out[id] = inst
	}
	for id, inst := range p.VirtualInstances {
		out[id] = inst
	}
	return out
}

func (p *ProjectModel) IsGhost(id InstanceID) bool {
	_, ok := p.VirtualInstances[id]
	return ok
}

func (p *ProjectModel) Get(id InstanceID) (Instance, bool) {
	if inst, ok := p.Instances[id]; ok {
		return inst, true
	}
	if inst, ok := p.VirtualInstances[id]; ok {
		return inst, true
	}
	return Instance{}, false
}

// Children returns every instance whose ParentID is id.
func (p *ProjectModel) Children(id InstanceID) []InstanceID {
	var out []InstanceID
	for cid, inst := range p.AllInstances() {
		if inst.ParentID == id {
			out = append(out, cid)
		}
	}
	return out
}
