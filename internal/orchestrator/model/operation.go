package model

import "time"

// OperationType is the user-issued intent kind.
type OperationType string

const (
	OpUpdate   OperationType = "update"
	OpDestroy  OperationType = "destroy"
	OpRecreate OperationType = "recreate"
	OpPreview  OperationType = "preview"
	OpRefresh  OperationType = "refresh"
)

// OperationStatus is the coarse-grained lifecycle of the whole operation.
// "failing" is a sentinel other tasks read to short-circuit; it is never a
// terminal value.
type OperationStatus string

const (
	OperationPending   OperationStatus = "pending"
	OperationRunning   OperationStatus = "running"
	OperationFailing   OperationStatus = "failing"
	OperationCompleted OperationStatus = "completed"
	OperationFailed    OperationStatus = "failed"
	OperationCancelled OperationStatus = "cancelled"
)

func (s OperationStatus) IsTerminal() bool {
	switch s {
	case OperationCompleted, OperationFailed, OperationCancelled:
		return true
	default:
		return false
	}
}

// Options controls inclusion and pass-through behavior for a planned
// operation. Field names mirror spec section 4.1 verbatim.
type Options struct {
	DestroyDependentInstances                bool // default true, set in DefaultOptions
	ForceUpdateDependencies                  bool
	IgnoreDependencies                       bool
	ForceUpdateChildren                      bool
	AllowPartialCompositeInstanceUpdate      bool
	AllowPartialCompositeInstanceDestruction bool

	// Pass-through only: the planner never consults these for inclusion.
	InvokeDestroyTriggers      bool
	DeleteUnreachableResources bool
	ForceDeleteState           bool
	Refresh                    bool
	Debug                      bool
}

func DefaultOptions() Options {
	return Options{DestroyDependentInstances: true}
}

// Validate enforces the single cross-field invariant the planner requires
// before doing any inclusion work.
func (o Options) Validate() error {
	if o.ForceUpdateDependencies && o.IgnoreDependencies {
		return ErrInvalidOptions("forceUpdateDependencies and ignoreDependencies are mutually exclusive")
	}
	return nil
}

// InclusionReason tags why the planner pulled an instance into the working
// set. The zero value is never emitted.
type InclusionReason string

const (
	ReasonExplicit          InclusionReason = "explicit"
	ReasonDependency        InclusionReason = "dependency"
	ReasonDependentCascade  InclusionReason = "dependent_cascade"
	ReasonCompositeChild    InclusionReason = "composite_child"
	ReasonParentComposite   InclusionReason = "parent_composite"
	ReasonGhostCleanup      InclusionReason = "ghost_cleanup"
)

// CompositeType classifies how a composite came to be included.
type CompositeType string

const (
	CompositeUnknown       CompositeType = "unknown"
	CompositeCompositional CompositeType = "compositional"
	CompositeSubstantive   CompositeType = "substantive"
)

// PhaseType is the runner action a phase performs.
type PhaseType string

const (
	PhaseUpdate  PhaseType = "update"
	PhaseRefresh PhaseType = "refresh"
	PhaseDestroy PhaseType = "destroy"
	PhasePreview PhaseType = "preview"
)

// PhaseInstance is the stable, persisted per-instance plan entry.
type PhaseInstance struct {
	ID       InstanceID `json:"id"`
	ParentID InstanceID `json:"parentId,omitempty"`
	Message  string     `json:"message"`
}

// Phase is the stable, persisted plan-phase contract (spec section 6).
type Phase struct {
	Type      PhaseType       `json:"type"`
	Instances []PhaseInstance `json:"instances"`
}

// Operation is the user-issued request plus its computed plan and status.
type Operation struct {
	ID                   string
	ProjectID            string
	Type                 OperationType
	RequestedInstanceIDs []InstanceID
	Options              Options
	Phases               []Phase
	Status               OperationStatus
	CreatedAt            time.Time
	StartedAt            *time.Time
	FinishedAt           *time.Time
}

// InstanceOperationStatus is the per-phase, per-instance execution status.
type InstanceOperationStatus string

const (
	IOPending            InstanceOperationStatus = "pending"
	IOUpdating           InstanceOperationStatus = "updating"
	IOPreviewing         InstanceOperationStatus = "previewing"
	IORefreshing         InstanceOperationStatus = "refreshing"
	IODestroying         InstanceOperationStatus = "destroying"
	IOProcessingTriggers InstanceOperationStatus = "processing_triggers"
	IOCancelling         InstanceOperationStatus = "cancelling"
	IOUpdated            InstanceOperationStatus = "updated"
	IOPreviewed          InstanceOperationStatus = "previewed"
	IORefreshed          InstanceOperationStatus = "refreshed"
	IODestroyed          InstanceOperationStatus = "destroyed"
	IOSkipped            InstanceOperationStatus = "skipped"
	IOFailed             InstanceOperationStatus = "failed"
	IOCancelled          InstanceOperationStatus = "cancelled"
)

func (s InstanceOperationStatus) IsTransient() bool {
	switch s {
	case IOUpdated, IOPreviewed, IORefreshed, IODestroyed, IOSkipped, IOFailed, IOCancelled:
		return false
	default:
		return true
	}
}

// InstanceOperationState is the per-instance, per-phase execution record.
type InstanceOperationState struct {
	OperationID          string
	InstanceStateID      StateID
	Status               InstanceOperationStatus
	CurrentResourceCount int
	TotalResourceCount   int
	StartedAt            *time.Time
	FinishedAt           *time.Time
	// InstanceStatePatch carries field updates to apply to InstanceState on
	// this transition (inputHash, outputHash, status, etc).
	InstanceStatePatch map[string]any
}
