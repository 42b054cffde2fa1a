package model

import "time"

// StateSource distinguishes a resident instance's state from a ghost left
// behind in the project model without a live instance.
type StateSource string

const (
	SourceResident StateSource = "resident"
	SourceVirtual  StateSource = "virtual"
)

// InstanceStatus is the terminal status of an InstanceState. "attempted" is
// reserved for a preview that never reached a deployed/undeployed outcome,
// so a later destroy still knows there may be an IaC stack to clean up.
type InstanceStatus string

const (
	StatusUndeployed InstanceStatus = "undeployed"
	StatusDeployed   InstanceStatus = "deployed"
	StatusFailed     InstanceStatus = "failed"
	StatusAttempted  InstanceStatus = "attempted"
)

// LastOperationState summarizes the most recent operation this state
// participated in, independent of the current operation being executed.
type LastOperationState struct {
	OperationID          string
	Status               string
	CurrentResourceCount int
	TotalResourceCount   int
	StartedAt            *time.Time
	FinishedAt           *time.Time
}

// StateID is a persistent identifier, stable across recreates, distinct from
// InstanceID (which can be reused after a destroy+recreate cycle).
type StateID string

// InstanceState is the mutable per-instance runtime record the orchestrator
// reads and writes via the InstanceStateService.
type InstanceState struct {
	ID               StateID
	InstanceID       InstanceID
	ParentInstanceID InstanceID
	Kind             Kind
	Source           StateSource
	Status           InstanceStatus

	InputHash            *int64
	OutputHash           *int64
	DependencyOutputHash *int64
	SelfHash             *int64

	LastOperationState LastOperationState

	// ExportedArtifactIDs maps an output name to the content hashes it has
	// produced, most recent last.
	ExportedArtifactIDs map[string][]string

	// Triggers lists the trigger names the deployed stack exposes, captured
	// off the runner's completion event. Destroy consults these for
	// "before-destroy" entries when invokeDestroyTriggers is set.
	Triggers []string

	// ResolvedInputs is the serialized Input Resolver output for this
	// instance; references here use StateID rather than InstanceID.
	ResolvedInputs map[string][]ResolvedInputRef
}

// ResolvedInputRef is the serialized, hub-expanded form of an InputRef.
type ResolvedInputRef struct {
	ProducerStateID StateID
	Output          string
}

func (s *InstanceState) IsGhost() bool { return s.Source == SourceVirtual }

// IsTerminal reports whether s.Status is one of the four terminal values
// (undeployed, deployed, failed, attempted). The model package only defines
// terminal InstanceStatus values; transience at the
// operation level is tracked by InstanceOperationStatus instead.
func (s *InstanceState) IsTerminal() bool {
	switch s.Status {
	case StatusUndeployed, StatusDeployed, StatusFailed, StatusAttempted:
		return true
	default:
		return false
	}
}
