package app

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ionforge/orchestrator/internal/orchestrator/model"
)

// OperationRequest is the YAML-loadable shape of a user-issued operation
// request, used by local CLI invocation and test fixtures instead of
// hand-building a model.Operation (SPEC_FULL.md section 11 names this as
// gopkg.in/yaml.v3's role: an optional YAML form for operation request
// fixtures used in tests and local CLI invocation).
type OperationRequest struct {
	ProjectID            string              `yaml:"projectId"`
	Type                 model.OperationType `yaml:"type"`
	RequestedInstanceIDs []string            `yaml:"instances"`
	Options              struct {
		DestroyDependentInstances                *bool `yaml:"destroyDependentInstances"`
		ForceUpdateDependencies                   bool `yaml:"forceUpdateDependencies"`
		IgnoreDependencies                        bool `yaml:"ignoreDependencies"`
		ForceUpdateChildren                       bool `yaml:"forceUpdateChildren"`
		AllowPartialCompositeInstanceUpdate       bool `yaml:"allowPartialCompositeInstanceUpdate"`
		AllowPartialCompositeInstanceDestruction  bool `yaml:"allowPartialCompositeInstanceDestruction"`
		InvokeDestroyTriggers                    bool `yaml:"invokeDestroyTriggers"`
		DeleteUnreachableResources                bool `yaml:"deleteUnreachableResources"`
		ForceDeleteState                          bool `yaml:"forceDeleteState"`
		Refresh                                   bool `yaml:"refresh"`
		Debug                                     bool `yaml:"debug"`
	} `yaml:"options"`
}

// LoadOperationRequestFile reads a YAML operation request fixture off disk,
// the way a local operator would hand-author one to drive cmd/orchestrator
// against a real project without building a model.Operation in Go.
func LoadOperationRequestFile(path string) (*OperationRequest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read operation request %q: %w", path, err)
	}
	var req OperationRequest
	if err := yaml.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("parse operation request %q: %w", path, err)
	}
	if req.ProjectID == "" {
		return nil, fmt.Errorf("operation request %q: projectId is required", path)
	}
	if req.Type == "" {
		return nil, fmt.Errorf("operation request %q: type is required", path)
	}
	if len(req.RequestedInstanceIDs) == 0 {
		return nil, fmt.Errorf("operation request %q: instances must be non-empty", path)
	}
	return &req, nil
}

// ToOperation builds a pending model.Operation from the parsed request,
// applying model.DefaultOptions() as the base before the fixture's
// overrides, same as any other caller of the planner would.
func (r *OperationRequest) ToOperation(id string) *model.Operation {
	opts := model.DefaultOptions()
	if r.Options.DestroyDependentInstances != nil {
		opts.DestroyDependentInstances = *r.Options.DestroyDependentInstances
	}
	opts.ForceUpdateDependencies = r.Options.ForceUpdateDependencies
	opts.IgnoreDependencies = r.Options.IgnoreDependencies
	opts.ForceUpdateChildren = r.Options.ForceUpdateChildren
	opts.AllowPartialCompositeInstanceUpdate = r.Options.AllowPartialCompositeInstanceUpdate
	opts.AllowPartialCompositeInstanceDestruction = r.Options.AllowPartialCompositeInstanceDestruction
	opts.InvokeDestroyTriggers = r.Options.InvokeDestroyTriggers
	opts.DeleteUnreachableResources = r.Options.DeleteUnreachableResources
	opts.ForceDeleteState = r.Options.ForceDeleteState
	opts.Refresh = r.Options.Refresh
	opts.Debug = r.Options.Debug

	instanceIDs := make([]model.InstanceID, len(r.RequestedInstanceIDs))
	for i, s := range r.RequestedInstanceIDs {
		instanceIDs[i] = model.InstanceID(s)
	}

	return &model.Operation{
		ID:                   id,
		ProjectID:            r.ProjectID,
		Type:                 r.Type,
		RequestedInstanceIDs: instanceIDs,
		Options:              opts,
		Status:               model.OperationPending,
	}
}
