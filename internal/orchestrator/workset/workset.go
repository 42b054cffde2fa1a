// Package workset holds the per-operation mutable state described in spec
// section 2.E: affected sets, per-instance abort controllers, lock
// tracking, the phase cursor, and composite progress aggregation.
package workset

import (
	"context"
	"sync"

	"github.com/ionforge/orchestrator/internal/orchestrator/model"
)

// AbortController is a node in the parent-cascading cancellation tree (spec
// section 5/9): two independent signal chains, graceful and force, each
// derived from its parent via context.WithCancel so that cancelling a parent
// node automatically cancels every descendant on that chain. The first call
// to Cancel fires graceful; a second fires force.
type AbortController struct {
	Graceful context.Context
	Force    context.Context

	mu             sync.Mutex
	gracefulCancel context.CancelFunc
	forceCancel    context.CancelFunc
}

func NewRootAbortController() *AbortController {
	return deriveAbortController(context.Background(), context.Background())
}

func deriveAbortController(parentGraceful, parentForce context.Context) *AbortController {
	g, gc := context.WithCancel(parentGraceful)
	f, fc := context.WithCancel(parentForce)
	return &AbortController{Graceful: g, Force: f, gracefulCancel: gc, forceCancel: fc}
}

// Child derives a new controller whose graceful/force chains are cancelled
// whenever this controller's corresponding chain is cancelled.
func (a *AbortController) Child() *AbortController {
	return deriveAbortController(a.Graceful, a.Force)
}

// Cancel fires graceful on the first call and force on any subsequent call.
func (a *AbortController) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	select {
	case <-a.Graceful.Done():
		a.forceCancel()
	default:
		a.gracefulCancel()
	}
}

func (a *AbortController) IsGraceful() bool {
	select {
	case <-a.Graceful.Done():
		return true
	default:
		return false
	}
}

func (a *AbortController) IsForced() bool {
	select {
	case <-a.Force.Done():
		return true
	default:
		return false
	}
}

// CompositeProgress tracks the aggregate resource counts the Runtime
// recomputes on every child progress event (spec section 4.2, "Runner
// stream handling").
type CompositeProgress struct {
	Current int
	Total   int
}

// Workset is built once per operation over its planned phases.
type Workset struct {
	OperationID string
	Phases      []model.Phase

	mu          sync.Mutex
	phaseCursor int

	// AffectedStateIDs is the full set of state ids touched by any phase.
	AffectedStateIDs map[model.StateID]bool

	controllers map[model.InstanceID]*AbortController

	lockMu        sync.Mutex
	lockedStateIDs map[model.StateID]bool
	lockWaiters    map[model.StateID][]chan struct{}

	progressMu   sync.Mutex
	progress     map[model.InstanceID]*CompositeProgress
	unitProgress map[model.InstanceID]*CompositeProgress
}

func New(operationID string, phases []model.Phase) *Workset {
	ws := &Workset{
		OperationID:      operationID,
		Phases:           phases,
		AffectedStateIDs: map[model.StateID]bool{},
		controllers:      map[model.InstanceID]*AbortController{},
		lockedStateIDs:   map[model.StateID]bool{},
		lockWaiters:      map[model.StateID][]chan struct{}{},
		progress:         map[model.InstanceID]*CompositeProgress{},
		unitProgress:     map[model.InstanceID]*CompositeProgress{},
	}
	return ws
}

func (w *Workset) CurrentPhase() (model.Phase, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.phaseCursor >= len(w.Phases) {
		return model.Phase{}, false
	}
	return w.Phases[w.phaseCursor], true
}

func (w *Workset) AdvancePhase() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.phaseCursor++
}

// RegisterAbortController installs the controller for id, deriving it from
// parent's if parent is already registered (building the cascade tree
// top-down as phases are walked in dependency order).
func (w *Workset) RegisterAbortController(id model.InstanceID, root *AbortController, parent model.InstanceID) *AbortController {
	w.mu.Lock()
	defer w.mu.Unlock()
	if c, ok := w.controllers[id]; ok {
		return c
	}
	var c *AbortController
	if parentCtl, ok := w.controllers[parent]; ok && parent != "" {
		c = parentCtl.Child()
	} else {
		c = root.Child()
	}
	w.controllers[id] = c
	return c
}

func (w *Workset) AbortControllerFor(id model.InstanceID) *AbortController {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.controllers[id]
}

// MarkLocked records a state id as locked and wakes any waiters.
func (w *Workset) MarkLocked(stateIDs []model.StateID) {
	w.lockMu.Lock()
	defer w.lockMu.Unlock()
	for _, id := range stateIDs {
		w.lockedStateIDs[id] = true
		for _, ch := range w.lockWaiters[id] {
			close(ch)
		}
		delete(w.lockWaiters, id)
	}
}

func (w *Workset) IsLocked(id model.StateID) bool {
	w.lockMu.Lock()
	defer w.lockMu.Unlock()
	return w.lockedStateIDs[id]
}

// WaitLocked returns a channel closed once id has been marked locked. If it
// is already locked, the returned channel is pre-closed.
func (w *Workset) WaitLocked(id model.StateID) <-chan struct{} {
	w.lockMu.Lock()
	defer w.lockMu.Unlock()
	ch := make(chan struct{})
	if w.lockedStateIDs[id] {
		close(ch)
		return ch
	}
	w.lockWaiters[id] = append(w.lockWaiters[id], ch)
	return ch
}

func (w *Workset) MarkUnlocked(id model.StateID) {
	w.lockMu.Lock()
	defer w.lockMu.Unlock()
	delete(w.lockedStateIDs, id)
}

// UpdateCompositeProgress recomputes a composite's aggregate resource counts
// by summing known children and extrapolating unknown totals from the known
// average, per spec section 4.2. Total never decreases (the Math.min guard
// preserved verbatim per the spec's open question in section 9 — not
// "fixed").
func (w *Workset) UpdateCompositeProgress(composite model.InstanceID, childCurrent, childTotal []int) CompositeProgress {
	w.progressMu.Lock()
	defer w.progressMu.Unlock()

	var sumCurrent, sumKnownTotal, knownCount int
	for i := range childCurrent {
		sumCurrent += childCurrent[i]
		if childTotal[i] > 0 {
			sumKnownTotal += childTotal[i]
			knownCount++
		}
	}
	total := sumKnownTotal
	if knownCount > 0 && knownCount < len(childTotal) {
		avg := float64(sumKnownTotal) / float64(knownCount)
		total += int(avg * float64(len(childTotal)-knownCount))
	}

	prev, ok := w.progress[composite]
	if ok && prev.Total > total {
		total = prev.Total // Math.min-guard equivalent: never lower the total.
	}
	cp := CompositeProgress{Current: sumCurrent, Total: total}
	w.progress[composite] = &cp
	return cp
}

func (w *Workset) CompositeProgressFor(composite model.InstanceID) CompositeProgress {
	w.progressMu.Lock()
	defer w.progressMu.Unlock()
	if cp, ok := w.progress[composite]; ok {
		return *cp
	}
	return CompositeProgress{}
}

// SetUnitProgress records the latest raw progress reported for a single
// unit, the leaf input recomputeParentProgress aggregates upward.
func (w *Workset) SetUnitProgress(id model.InstanceID, current, total int) {
	w.progressMu.Lock()
	defer w.progressMu.Unlock()
	w.unitProgress[id] = &CompositeProgress{Current: current, Total: total}
}

// ProgressFor returns the best-known progress for id, whether it is a unit
// (raw reported counts) or a composite (its last aggregated value).
func (w *Workset) ProgressFor(id model.InstanceID) CompositeProgress {
	w.progressMu.Lock()
	defer w.progressMu.Unlock()
	if cp, ok := w.progress[id]; ok {
		return *cp
	}
	if cp, ok := w.unitProgress[id]; ok {
		return *cp
	}
	return CompositeProgress{}
}
