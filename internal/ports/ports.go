// Package ports declares the external collaborator contracts from spec
// section 6. The orchestrator core depends only on these interfaces; concrete
// implementations live under internal/adapters.
package ports

import (
	"context"
	"time"

	"github.com/ionforge/orchestrator/internal/orchestrator/model"
)

// LibraryModel is the subset of a loaded component library the orchestrator
// needs: resolved unit source hashes keyed by unit type.
type LibraryModel struct {
	LibraryID   string
	UnitSources map[string]UnitSource
}

type UnitSource struct {
	UnitType   string
	SourceHash int64
}

// LibraryBackend supplies component definitions and source hashes.
type LibraryBackend interface {
	LoadLibrary(ctx context.Context, libraryID string) (*LibraryModel, error)
	GetResolvedUnitSources(ctx context.Context, libraryID string, unitTypes []string) ([]UnitSource, error)
}

// ProjectModelOptions controls which extra instances are included.
type ProjectModelOptions struct {
	IncludeVirtual bool
	IncludeGhost   bool
}

// ProjectModelService supplies the project's instance graph.
type ProjectModelService interface {
	GetProjectModel(ctx context.Context, projectID string, opts ProjectModelOptions) (*model.ProjectModel, error)
}

// InstanceStateService persists InstanceState and per-phase
// InstanceOperationState rows.
type InstanceStateService interface {
	GetInstanceStates(ctx context.Context, projectID string, stateIDs []model.StateID) ([]model.InstanceState, error)
	CreateOperationStates(ctx context.Context, operationID string, stateIDs []model.StateID) error
	UpdateOperationState(ctx context.Context, state model.InstanceOperationState) error
	PublishGhostInstanceDeletion(ctx context.Context, projectID string, stateID model.StateID) error
}

// LockMeta carries caller-supplied context the lock service may log.
type LockMeta struct {
	OperationID string
	ProjectID   string
}

// InstanceLockService implements progressive partial locking over state ids
// (spec section 4.2). onAcquire is invoked once per subset as it becomes
// available; unlockToken scopes every unlock to the operation that acquired
// the locks.
type InstanceLockService interface {
	LockInstances(
		ctx context.Context,
		projectID string,
		stateIDs []model.StateID,
		meta LockMeta,
		onAcquire func(acquired []model.StateID),
		allowPartial bool,
		abortSignal <-chan struct{},
		timeout time.Duration,
		unlockToken string,
	) error
	UnlockInstances(ctx context.Context, projectID string, stateIDs []model.StateID, unlockToken string) error
	UnlockInstancesUnconditionally(ctx context.Context, projectID string, stateIDs []model.StateID) error
}

// OperationService persists Operation rows and their logs.
type OperationService interface {
	CreateOperation(ctx context.Context, op *model.Operation) error
	UpdateOperation(ctx context.Context, op *model.Operation) error
	AppendLog(ctx context.Context, operationID string, stateID model.StateID, message string) error
	MarkOperationFinished(ctx context.Context, operationID string, status model.OperationStatus) error
}

// RunnerOptions is passed to every RunnerBackend RPC.
type RunnerOptions struct {
	StateID            model.StateID
	Type               string
	Name               string
	Config             map[string]any
	Refresh             bool
	Secrets             map[string]string
	Artifacts           map[string][]byte
	Signal              <-chan struct{} // graceful cancellation
	ForceSignal         <-chan struct{} // forced cancellation
	Debug               bool
	DeleteUnreachable   bool
	ForceDeleteState    bool
	InvokedTriggers     []string
}

// UnitUpdateKind tags a UnitStateUpdate variant from the runner's watch
// stream.
type UnitUpdateKind string

const (
	UpdateMessage    UnitUpdateKind = "message"
	UpdateProgress   UnitUpdateKind = "progress"
	UpdateError      UnitUpdateKind = "error"
	UpdateCompletion UnitUpdateKind = "completion"
)

// UnitStateUpdate is one event off the runner's watch stream.
type UnitStateUpdate struct {
	Type                 UnitUpdateKind
	UnitID               model.StateID
	Message              string
	CurrentResourceCount int
	TotalResourceCount   int
	OperationType        string
	RawOutputs           map[string]any
	OutputHash           *int64
	StatusFields         map[string]any
	Pages                []string
	Terminals            []string
	Triggers             []string
	Workers              []string
	Secrets              map[string]string
	ExportedArtifactIDs  map[string][]string
}

// RunnerBackend invokes the underlying IaC engine.
type RunnerBackend interface {
	Update(ctx context.Context, opts RunnerOptions) error
	Preview(ctx context.Context, opts RunnerOptions) error
	Refresh(ctx context.Context, opts RunnerOptions) error
	Destroy(ctx context.Context, opts RunnerOptions) error
	Watch(ctx context.Context, stateID model.StateID) (<-chan UnitStateUpdate, error)
}

// SecretService resolves secret values scoped to one instance state.
type SecretService interface {
	GetInstanceSecretValues(ctx context.Context, projectID string, stateID model.StateID) (map[string]string, error)
}

// ArtifactService resolves content-addressed artifact blobs.
type ArtifactService interface {
	GetArtifactsByIDs(ctx context.Context, projectID string, ids []string) (map[string][]byte, error)
}

// PubSubManager is the generic fan-out bus; the orchestrator publishes
// worker-registration and ghost-deletion topics on it.
type PubSubManager interface {
	Publish(ctx context.Context, topic string, event any) error
	Subscribe(ctx context.Context, topic string) (<-chan any, error)
}

// RecoveryStore is the transactional collaborator Recovery (spec section
// 2.G / 5) runs against at project unlock. A concrete adapter opens one
// transaction and performs all four steps inside it before committing.
type RecoveryStore interface {
	Recover(ctx context.Context, projectID string) (RecoveryReport, error)
}

// RecoveryReport summarizes what a Recover call changed, for logging.
type RecoveryReport struct {
	OperationsFailed      int
	LocksDeleted          int
	OperationStatesFailed int
	InstanceStatesFailed  int
}
