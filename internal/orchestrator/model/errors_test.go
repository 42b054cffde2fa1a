package model_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ionforge/orchestrator/internal/orchestrator/model"
)

func TestIsAbortRecognizesWrappedAbortError(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", model.ErrAbort(false))
	require.True(t, model.IsAbort(err))
}

func TestIsAbortFalseForOtherErrors(t *testing.T) {
	require.False(t, model.IsAbort(model.ErrRunnerError("unit:A", "boom")))
	require.False(t, model.IsAbort(errors.New("plain error")))
}

func TestErrDependencyFailedUnwrapsToCause(t *testing.T) {
	cause := errors.New("root cause")
	err := model.ErrDependencyFailed("unit:B", cause)
	require.ErrorIs(t, err, cause)
	require.Equal(t, model.CodeDependencyFailed, err.Code)
}

func TestOperationStatusIsTerminal(t *testing.T) {
	require.True(t, model.OperationCompleted.IsTerminal())
	require.True(t, model.OperationFailed.IsTerminal())
	require.True(t, model.OperationCancelled.IsTerminal())
	require.False(t, model.OperationPending.IsTerminal())
	require.False(t, model.OperationRunning.IsTerminal())
	require.False(t, model.OperationFailing.IsTerminal())
}

func TestOptionsValidateRejectsConflictingFlags(t *testing.T) {
	opts := model.DefaultOptions()
	opts.ForceUpdateDependencies = true
	opts.IgnoreDependencies = true
	err := opts.Validate()
	require.Error(t, err)
	var merr *model.Error
	require.ErrorAs(t, err, &merr)
	require.Equal(t, model.CodeInvalidOptions, merr.Code)
}
