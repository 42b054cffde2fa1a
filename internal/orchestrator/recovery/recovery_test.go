package recovery_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ionforge/orchestrator/internal/adapters/memory"
	"github.com/ionforge/orchestrator/internal/orchestrator/model"
	"github.com/ionforge/orchestrator/internal/orchestrator/recovery"
	"github.com/ionforge/orchestrator/internal/platform/logger"
	"github.com/ionforge/orchestrator/internal/ports"
)

var errRecoveryBoom = errors.New("recovery store boom")

func TestRunFailsOrphanedOperationsLocksAndAttemptedStates(t *testing.T) {
	log, err := logger.New("test")
	require.NoError(t, err)

	ops := memory.NewOperationService()
	require.NoError(t, ops.CreateOperation(context.Background(), &model.Operation{
		ID: "op1", ProjectID: "proj", Status: model.OperationRunning,
	}))
	require.NoError(t, ops.CreateOperation(context.Background(), &model.Operation{
		ID: "op2", ProjectID: "proj", Status: model.OperationCompleted,
	}))

	states := memory.NewInstanceStateService(map[model.StateID]*model.InstanceState{
		"unit:A": {ID: "unit:A", Status: model.StatusAttempted},
		"unit:B": {ID: "unit:B", Status: model.StatusDeployed},
	})

	locks := memory.NewInstanceLockService()
	require.NoError(t, locks.LockInstances(context.Background(), "proj", []model.StateID{"unit:A"}, ports.LockMeta{}, nil, false, nil, time.Second, "tok"))

	store := &memory.RecoveryStore{Ops: ops, States: states, Locks: locks}

	recovery.Run(context.Background(), log, store, "proj")

	require.Equal(t, model.OperationFailed, ops.Ops["op1"].Status)
	require.Equal(t, model.OperationCompleted, ops.Ops["op2"].Status, "already-terminal operations must not be touched")
	require.Equal(t, model.StatusFailed, states.States["unit:A"].Status)
	require.Equal(t, model.StatusDeployed, states.States["unit:B"].Status, "non-attempted states must not be touched")
	require.Equal(t, 0, locks.Outstanding())
}

func TestRunSwallowsStoreErrors(t *testing.T) {
	log, err := logger.New("test")
	require.NoError(t, err)
	require.NotPanics(t, func() {
		recovery.Run(context.Background(), log, failingStore{}, "proj")
	})
}

type failingStore struct{}

func (failingStore) Recover(context.Context, string) (ports.RecoveryReport, error) {
	return ports.RecoveryReport{}, errRecoveryBoom
}
