// Package recovery implements the project-unlock sweep described in spec
// section 2.G / 5: on unlock, fail whatever the crashed or killed process
// left behind in a non-terminal state, and release every lock row so the
// next operation can proceed cleanly.
package recovery

import (
	"context"

	"github.com/ionforge/orchestrator/internal/platform/logger"
	"github.com/ionforge/orchestrator/internal/ports"
)

// Run executes the recovery sweep for one project. Recovery errors are
// logged and swallowed (spec section 7): a failure here must never block
// the unlock it is running underneath.
func Run(ctx context.Context, log *logger.Logger, store ports.RecoveryStore, projectID string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("recovery panicked", "projectId", projectID, "panic", r)
		}
	}()

	report, err := store.Recover(ctx, projectID)
	if err != nil {
		log.Warn("recovery sweep failed", "projectId", projectID, "error", err.Error())
		return
	}
	if report.OperationsFailed > 0 || report.LocksDeleted > 0 || report.OperationStatesFailed > 0 || report.InstanceStatesFailed > 0 {
		log.Info("recovery sweep completed",
			"projectId", projectID,
			"operationsFailed", report.OperationsFailed,
			"locksDeleted", report.LocksDeleted,
			"operationStatesFailed", report.OperationStatesFailed,
			"instanceStatesFailed", report.InstanceStatesFailed,
		)
	}
}
