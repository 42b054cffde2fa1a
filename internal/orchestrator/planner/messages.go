package planner

import (
	"fmt"

	octx "github.com/ionforge/orchestrator/internal/orchestrator/context"
	"github.com/ionforge/orchestrator/internal/orchestrator/model"
)

// stateWord classifies an instance's current state for message purposes:
// failed, undeployed, changed (outdated but previously deployed), or
// up-to-date. Composites report "up-to-date" since they are never outdated.
func stateWord(ctx *octx.Context, id model.InstanceID) string {
	inst, ok := ctx.Project.Get(id)
	if !ok || inst.IsComposite() {
		return "up-to-date"
	}
	st := ctx.StateOf(id)
	if st == nil {
		return "undeployed"
	}
	switch st.Status {
	case model.StatusFailed:
		return "failed"
	case model.StatusUndeployed:
		return "undeployed"
	}
	if ctx.IsOutdated(id) {
		return "changed"
	}
	return "up-to-date"
}

// message builds the contextual, human-readable explanation for why id
// appears in a phase, combining its inclusion reason, state word,
// requiredBy/triggeringChild, and any force flag (spec section 4.1, end).
func message(ctx *octx.Context, id model.InstanceID, inc *inclusion) string {
	if inc == nil {
		return stateWord(ctx, id)
	}
	switch inc.Reason {
	case model.ReasonExplicit:
		return "explicitly requested"
	case model.ReasonDependency:
		word := stateWord(ctx, id)
		if inc.RequiredBy != "" {
			return fmt.Sprintf("%s and required by %s", word, inc.RequiredBy)
		}
		if inc.ForceFlag {
			return fmt.Sprintf("%s (forced dependency update)", word)
		}
		return word
	case model.ReasonDependentCascade:
		if inc.RequiredBy != "" {
			return fmt.Sprintf("dependent of %s", inc.RequiredBy)
		}
		return "dependent cascade"
	case model.ReasonCompositeChild:
		word := stateWord(ctx, id)
		if inc.ForceFlag {
			return fmt.Sprintf("%s (forced child update)", word)
		}
		return word
	case model.ReasonParentComposite:
		if inc.TriggeringChild != "" {
			return fmt.Sprintf("contains %s", inc.TriggeringChild)
		}
		return "contains included children"
	case model.ReasonGhostCleanup:
		return "ghost cleanup"
	default:
		return stateWord(ctx, id)
	}
}
