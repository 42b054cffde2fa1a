package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ionforge/orchestrator/internal/orchestrator/model"
)

func TestFutureSettleIsSharedAcrossWaiters(t *testing.T) {
	f := NewFuture()
	wantErr := errors.New("boom")

	var wg sync.WaitGroup
	results := make([]error, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.Wait(context.Background())
		}(i)
	}

	time.Sleep(10 * time.Millisecond)
	f.Settle(wantErr)
	wg.Wait()

	for _, err := range results {
		require.ErrorIs(t, err, wantErr)
	}
}

func TestFutureWaitRespectsCallerContext(t *testing.T) {
	f := NewFuture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPromiseMapInstallAndRemove(t *testing.T) {
	pm := NewPromiseMap()
	id := model.InstanceID("unit:A")

	_, ok := pm.Get(id)
	require.False(t, ok)

	f := pm.Install(id)
	got, ok := pm.Get(id)
	require.True(t, ok)
	require.Same(t, f, got)

	pm.Remove(id)
	_, ok = pm.Get(id)
	require.False(t, ok)
}
