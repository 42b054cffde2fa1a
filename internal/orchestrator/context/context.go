// Package context builds the Operation Context: the project model, states,
// and component library loaded once per operation, plus the index maps the
// Planner and Runtime both need (spec section 2.C).
package context

import (
	"context"
	"sort"
	"sync"

	"github.com/ionforge/orchestrator/internal/orchestrator/inputhash"
	"github.com/ionforge/orchestrator/internal/orchestrator/inputresolver"
	"github.com/ionforge/orchestrator/internal/orchestrator/model"
	"github.com/ionforge/orchestrator/internal/ports"
)

/*
Context is read-mostly once Load has returned. Only capturedOutputValueMap,
the input-hash graph, and stateMap mutate during execution, and all three do
so behind their own locks — never the struct's zero-value mutex, since
readers (the Planner's classification pass, the Runtime's per-instance
promises) run concurrently with writers (the runner stream drain loop).
*/
type Context struct {
	ProjectID string
	Project   *model.ProjectModel
	Library   *ports.LibraryModel

	// ResolvedInputs is the Input Resolver's output, keyed by instance id.
	ResolvedInputs map[model.InstanceID]map[string][]model.InputRef
	InputWarnings  []inputresolver.Warning

	Hashes *inputhash.Resolver

	// Index maps built once at load time.
	parentOf   map[model.InstanceID]model.InstanceID
	childrenOf map[model.InstanceID][]model.InstanceID
	dependents map[model.InstanceID][]model.InstanceID // reverse of resolved inputs
	stateByInstance map[model.InstanceID]model.StateID
	instanceByState map[model.StateID]model.InstanceID

	stateMu  sync.RWMutex
	stateMap map[model.StateID]*model.InstanceState

	// capturedOutputValueMap holds output values captured off completion
	// events during this operation, overriding the originally-loaded state's
	// OutputHash for subsequent hash computation within the same run.
	outputMu               sync.Mutex
	capturedOutputValueMap map[model.InstanceID]int64
}

// Load builds a Context for one operation: fetches the project model, the
// instance states, and the library, then derives every index map and the
// two resolver components (A and B) described in spec section 2.
func Load(
	ctx context.Context,
	projectID, libraryID string,
	projectSvc ports.ProjectModelService,
	stateSvc ports.InstanceStateService,
	lib ports.LibraryBackend,
) (*Context, error) {
	project, err := projectSvc.GetProjectModel(ctx, projectID, ports.ProjectModelOptions{IncludeVirtual: true, IncludeGhost: true})
	if err != nil {
		return nil, err
	}

	var libModel *ports.LibraryModel
	if lib != nil && libraryID != "" {
		libModel, err = lib.LoadLibrary(ctx, libraryID)
		if err != nil {
			return nil, err
		}
	}

	c := &Context{
		ProjectID:              projectID,
		Project:                project,
		Library:                libModel,
		parentOf:               map[model.InstanceID]model.InstanceID{},
		childrenOf:             map[model.InstanceID][]model.InstanceID{},
		dependents:             map[model.InstanceID][]model.InstanceID{},
		stateByInstance:        map[model.InstanceID]model.StateID{},
		instanceByState:        map[model.StateID]model.InstanceID{},
		stateMap:               map[model.StateID]*model.InstanceState{},
		capturedOutputValueMap: map[model.InstanceID]int64{},
	}

	resolver := inputresolver.New(project)
	c.ResolvedInputs, c.InputWarnings = resolver.Resolve()

	for id, inst := range project.AllInstances() {
		if inst.HasParent() {
			c.parentOf[id] = inst.ParentID
			c.childrenOf[inst.ParentID] = append(c.childrenOf[inst.ParentID], id)
		}
	}
	for id, inputs := range c.ResolvedInputs {
		for _, refs := range inputs {
			for _, ref := range refs {
				c.dependents[ref.InstanceID] = append(c.dependents[ref.InstanceID], id)
			}
		}
	}

	allIDs := make([]model.StateID, 0)
	for id := range project.AllInstances() {
		// Placeholder state-id resolution: a real ProjectModelService joins
		// instance ids to their persistent state ids; until states are
		// fetched below, assume a 1:1 mapping seeded here and overwritten
		// from the fetched rows (which carry the authoritative StateID).
		sid := model.StateID(id)
		c.stateByInstance[id] = sid
		c.instanceByState[sid] = id
		allIDs = append(allIDs, sid)
	}

	states, err := stateSvc.GetInstanceStates(ctx, projectID, allIDs)
	if err != nil {
		return nil, err
	}
	for i := range states {
		s := states[i]
		c.stateMap[s.ID] = &s
		c.stateByInstance[s.InstanceID] = s.ID
		c.instanceByState[s.ID] = s.InstanceID
	}

	args := make(map[model.InstanceID]map[string]any, len(project.AllInstances()))
	for id, inst := range project.AllInstances() {
		args[id] = inst.Args
	}
	c.Hashes = inputhash.New(c.ResolvedInputs, args, c.currentOutputHash)

	return c, nil
}

// currentOutputHash returns the producer's current output hash: a value
// captured during this operation takes precedence over the originally
// loaded state, matching the Runtime's requirement that in-flight
// completions immediately affect dependents' hash computation.
func (c *Context) currentOutputHash(id model.InstanceID) (int64, bool) {
	c.outputMu.Lock()
	if v, ok := c.capturedOutputValueMap[id]; ok {
		c.outputMu.Unlock()
		return v, true
	}
	c.outputMu.Unlock()

	st := c.StateOf(id)
	if st == nil || st.OutputHash == nil {
		return 0, false
	}
	return *st.OutputHash, true
}

// CaptureOutput records a fresh output hash for id, immediately visible to
// subsequent RequireOutput calls for its dependents: any node the hash
// resolver cached for a dependent (for example during planning) is
// invalidated here so it recomputes against the captured value.
func (c *Context) CaptureOutput(id model.InstanceID, outputHash int64) {
	c.outputMu.Lock()
	c.capturedOutputValueMap[id] = outputHash
	c.outputMu.Unlock()
	c.Hashes.InvalidateConsumersOf(id)
}

func (c *Context) ParentOf(id model.InstanceID) (model.InstanceID, bool) {
	p, ok := c.parentOf[id]
	return p, ok
}

func (c *Context) ChildrenOf(id model.InstanceID) []model.InstanceID {
	return c.childrenOf[id]
}

// Dependents returns every instance whose resolved inputs reference id.
func (c *Context) Dependents(id model.InstanceID) []model.InstanceID {
	return c.dependents[id]
}

// Dependencies returns the set of distinct producer instance ids that id's
// resolved inputs reference.
func (c *Context) Dependencies(id model.InstanceID) []model.InstanceID {
	seen := map[model.InstanceID]bool{}
	var out []model.InstanceID
	for _, refs := range c.ResolvedInputs[id] {
		for _, ref := range refs {
			if seen[ref.InstanceID] {
				continue
			}
			seen[ref.InstanceID] = true
			out = append(out, ref.InstanceID)
		}
	}
	return out
}

func (c *Context) StateIDOf(id model.InstanceID) (model.StateID, bool) {
	sid, ok := c.stateByInstance[id]
	return sid, ok
}

func (c *Context) InstanceIDOf(sid model.StateID) (model.InstanceID, bool) {
	id, ok := c.instanceByState[sid]
	return id, ok
}

// StateOf returns the current, mutable InstanceState for an instance, or nil
// if none is tracked yet. Safe for concurrent use.
func (c *Context) StateOf(id model.InstanceID) *model.InstanceState {
	sid, ok := c.stateByInstance[id]
	if !ok {
		return nil
	}
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.stateMap[sid]
}

func (c *Context) StateByID(sid model.StateID) *model.InstanceState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.stateMap[sid]
}

// SetState installs or replaces the tracked state for sid (used when the
// Runtime creates pending state rows that did not previously exist).
func (c *Context) SetState(s *model.InstanceState) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.stateMap[s.ID] = s
	c.stateByInstance[s.InstanceID] = s.ID
	c.instanceByState[s.ID] = s.InstanceID
}

// ExpectedInputHash returns the input hash the instance should have if it
// were fully up to date, per the Input Hash Resolver (spec section 4.B).
func (c *Context) ExpectedInputHash(id model.InstanceID) int64 {
	return c.Hashes.RequireOutput(id).InputHash
}

func (c *Context) ExpectedDependencyOutputHash(id model.InstanceID) int64 {
	return c.Hashes.RequireOutput(id).DependencyOutputHash
}

// ExpectedSelfHash returns the unit's resolved source hash from the loaded
// library, when one is available for its component type.
func (c *Context) ExpectedSelfHash(id model.InstanceID) (int64, bool) {
	if c.Library == nil {
		return 0, false
	}
	inst, ok := c.Project.Get(id)
	if !ok {
		return 0, false
	}
	src, ok := c.Library.UnitSources[inst.Type]
	if !ok {
		return 0, false
	}
	return src.SourceHash, true
}

// StateChildrenOf returns the instance ids of every tracked state whose
// ParentInstanceID is id. Destroy phases select a composite's children from
// the state rather than the model, so ghosts with no live instance are still
// waited on.
func (c *Context) StateChildrenOf(id model.InstanceID) []model.InstanceID {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	var out []model.InstanceID
	for _, st := range c.stateMap {
		if st.ParentInstanceID == id {
			out = append(out, st.InstanceID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsOutdated implements the "outdated" predicate from spec section 4.1: a
// unit is outdated iff its state is failed/undeployed, or its recorded
// inputHash differs from the freshly computed expected value. Composites are
// never outdated.
func (c *Context) IsOutdated(id model.InstanceID) bool {
	inst, ok := c.Project.Get(id)
	if !ok || inst.IsComposite() {
		return false
	}
	st := c.StateOf(id)
	if st == nil {
		return true
	}
	if st.Status == model.StatusFailed || st.Status == model.StatusUndeployed {
		return true
	}
	expected := c.ExpectedInputHash(id)
	if st.InputHash == nil {
		return true
	}
	return *st.InputHash != expected
}
