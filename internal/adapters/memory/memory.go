// Package memory provides in-memory implementations of every port in
// internal/ports, used as test doubles and as the runnable demo backing for
// cmd/orchestrator. None of these are production adapters — they hold all
// state in maps behind a mutex, grounded in the teacher's lightweight
// fake-repo test style rather than a mocking framework.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ionforge/orchestrator/internal/orchestrator/model"
	"github.com/ionforge/orchestrator/internal/ports"
)

// ProjectModelService is a fixed, in-memory project graph.
type ProjectModelService struct {
	Model *model.ProjectModel
}

func (s *ProjectModelService) GetProjectModel(_ context.Context, projectID string, _ ports.ProjectModelOptions) (*model.ProjectModel, error) {
	if s.Model == nil || s.Model.ProjectID != projectID {
		return nil, model.ErrProjectNotFound(projectID)
	}
	return s.Model, nil
}

// InstanceStateService keeps InstanceState rows in a map keyed by StateID.
type InstanceStateService struct {
	mu     sync.Mutex
	States map[model.StateID]*model.InstanceState
	// OperationStates records every UpdateOperationState call, for
	// assertions in tests.
	OperationStates []model.InstanceOperationState
}

func NewInstanceStateService(states map[model.StateID]*model.InstanceState) *InstanceStateService {
	return &InstanceStateService{States: states}
}

func (s *InstanceStateService) GetInstanceStates(_ context.Context, _ string, stateIDs []model.StateID) ([]model.InstanceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.InstanceState, 0, len(stateIDs))
	for _, id := range stateIDs {
		if st, ok := s.States[id]; ok {
			out = append(out, *st)
		}
	}
	return out, nil
}

func (s *InstanceStateService) CreateOperationStates(_ context.Context, _ string, stateIDs []model.StateID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range stateIDs {
		if _, ok := s.States[id]; !ok {
			s.States[id] = &model.InstanceState{ID: id, Status: model.StatusUndeployed}
		}
	}
	return nil
}

func (s *InstanceStateService) UpdateOperationState(_ context.Context, st model.InstanceOperationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OperationStates = append(s.OperationStates, st)
	if existing, ok := s.States[st.InstanceStateID]; ok {
		for k, v := range st.InstanceStatePatch {
			applyPatch(existing, k, v)
		}
	}
	return nil
}

func applyPatch(st *model.InstanceState, key string, val any) {
	// A nil value clears the field (destroy completion resets the state).
	switch key {
	case "status":
		if v, ok := val.(model.InstanceStatus); ok {
			st.Status = v
		}
	case "inputHash":
		st.InputHash = hashVal(val)
	case "outputHash":
		st.OutputHash = hashVal(val)
	case "dependencyOutputHash":
		st.DependencyOutputHash = hashVal(val)
	case "selfHash":
		st.SelfHash = hashVal(val)
	case "parentId":
		if v, ok := val.(model.InstanceID); ok {
			st.ParentInstanceID = v
		} else if val == nil {
			st.ParentInstanceID = ""
		}
	case "resolvedInputs":
		if v, ok := val.(map[string][]model.ResolvedInputRef); ok {
			st.ResolvedInputs = v
		} else if val == nil {
			st.ResolvedInputs = nil
		}
	case "exportedArtifactIds":
		if v, ok := val.(map[string][]string); ok {
			st.ExportedArtifactIDs = v
		} else if val == nil {
			st.ExportedArtifactIDs = nil
		}
	case "triggers":
		if v, ok := val.([]string); ok {
			st.Triggers = v
		} else if val == nil {
			st.Triggers = nil
		}
	}
}

func hashVal(val any) *int64 {
	if v, ok := val.(int64); ok {
		return &v
	}
	return nil
}

func (s *InstanceStateService) PublishGhostInstanceDeletion(_ context.Context, _ string, _ model.StateID) error {
	return nil
}

// InstanceLockService grants every requested lock immediately and in full —
// adequate for tests that exercise the Runtime's phase logic without
// needing to exercise real lock contention (redislock covers that).
type InstanceLockService struct {
	mu     sync.Mutex
	locked map[model.StateID]string
}

func NewInstanceLockService() *InstanceLockService {
	return &InstanceLockService{locked: map[model.StateID]string{}}
}

func (l *InstanceLockService) LockInstances(
	_ context.Context,
	_ string,
	stateIDs []model.StateID,
	_ ports.LockMeta,
	onAcquire func(acquired []model.StateID),
	_ bool,
	_ <-chan struct{},
	_ time.Duration,
	unlockToken string,
) error {
	l.mu.Lock()
	for _, id := range stateIDs {
		l.locked[id] = unlockToken
	}
	l.mu.Unlock()
	if onAcquire != nil {
		onAcquire(stateIDs)
	}
	return nil
}

func (l *InstanceLockService) UnlockInstances(_ context.Context, _ string, stateIDs []model.StateID, unlockToken string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range stateIDs {
		if l.locked[id] == unlockToken {
			delete(l.locked, id)
		}
	}
	return nil
}

func (l *InstanceLockService) UnlockInstancesUnconditionally(_ context.Context, _ string, stateIDs []model.StateID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range stateIDs {
		delete(l.locked, id)
	}
	return nil
}

func (l *InstanceLockService) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locked)
}

// OperationService records operations and their logs in memory.
type OperationService struct {
	mu   sync.Mutex
	Ops  map[string]*model.Operation
	Logs map[string][]string
}

func NewOperationService() *OperationService {
	return &OperationService{Ops: map[string]*model.Operation{}, Logs: map[string][]string{}}
}

func (o *OperationService) CreateOperation(_ context.Context, op *model.Operation) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Ops[op.ID] = op
	return nil
}

func (o *OperationService) UpdateOperation(_ context.Context, op *model.Operation) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Ops[op.ID] = op
	return nil
}

func (o *OperationService) AppendLog(_ context.Context, operationID string, stateID model.StateID, message string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Logs[operationID] = append(o.Logs[operationID], fmt.Sprintf("[%s] %s", stateID, message))
	return nil
}

func (o *OperationService) MarkOperationFinished(_ context.Context, operationID string, status model.OperationStatus) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if op, ok := o.Ops[operationID]; ok {
		op.Status = status
	}
	return nil
}

// LibraryBackend is a no-op library that only knows the unit sources seeded
// into Sources; unseeded unit types are left out of GetResolvedUnitSources
// and of the loaded library model.
type LibraryBackend struct {
	Sources map[string]ports.UnitSource
}

func (l *LibraryBackend) LoadLibrary(_ context.Context, libraryID string) (*ports.LibraryModel, error) {
	return &ports.LibraryModel{LibraryID: libraryID, UnitSources: l.Sources}, nil
}

func (l *LibraryBackend) GetResolvedUnitSources(_ context.Context, _ string, unitTypes []string) ([]ports.UnitSource, error) {
	out := make([]ports.UnitSource, 0, len(unitTypes))
	for _, t := range unitTypes {
		if s, ok := l.Sources[t]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// SecretService always returns an empty secret map.
type SecretService struct{}

func (SecretService) GetInstanceSecretValues(_ context.Context, _ string, _ model.StateID) (map[string]string, error) {
	return map[string]string{}, nil
}

// ArtifactService always returns an empty artifact map.
type ArtifactService struct{}

func (ArtifactService) GetArtifactsByIDs(_ context.Context, _ string, _ []string) (map[string][]byte, error) {
	return map[string][]byte{}, nil
}

// PubSubManager fans out in-process only.
type PubSubManager struct {
	mu   sync.Mutex
	subs map[string][]chan any
}

func NewPubSubManager() *PubSubManager {
	return &PubSubManager{subs: map[string][]chan any{}}
}

func (p *PubSubManager) Publish(_ context.Context, topic string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs[topic] {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (p *PubSubManager) Subscribe(_ context.Context, topic string) (<-chan any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan any, 16)
	p.subs[topic] = append(p.subs[topic], ch)
	return ch, nil
}

// RecoveryStore sweeps the same in-memory OperationService/InstanceStateService
// /InstanceLockService maps the rest of this package uses, so a single demo
// wiring exercises Recovery against exactly the state Operate mutated.
type RecoveryStore struct {
	Ops    *OperationService
	States *InstanceStateService
	Locks  *InstanceLockService
}

func (r *RecoveryStore) Recover(_ context.Context, projectID string) (ports.RecoveryReport, error) {
	var report ports.RecoveryReport
	now := time.Now()

	r.Ops.mu.Lock()
	for _, op := range r.Ops.Ops {
		if op.ProjectID != projectID || op.Status.IsTerminal() {
			continue
		}
		op.Status = model.OperationFailed
		op.FinishedAt = &now
		r.Ops.Logs[op.ID] = append(r.Ops.Logs[op.ID], "[] Operation was interrupted")
		report.OperationsFailed++
	}
	r.Ops.mu.Unlock()

	r.Locks.mu.Lock()
	report.LocksDeleted = len(r.Locks.locked)
	r.Locks.locked = map[model.StateID]string{}
	r.Locks.mu.Unlock()

	r.States.mu.Lock()
	for _, st := range r.States.States {
		if st.Status == model.StatusAttempted {
			st.Status = model.StatusFailed
			report.InstanceStatesFailed++
		}
	}
	r.States.mu.Unlock()

	// OperationStatesFailed is left at zero here: this fake keeps
	// OperationStates as an append-only log for test assertions rather than
	// a queryable-by-status table, so there is nothing meaningful to sweep.
	return report, nil
}

var _ ports.RecoveryStore = (*RecoveryStore)(nil)
