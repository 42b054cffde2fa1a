package workset_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ionforge/orchestrator/internal/orchestrator/model"
	"github.com/ionforge/orchestrator/internal/orchestrator/workset"
)

func TestAbortControllerFirstCancelIsGraceful(t *testing.T) {
	root := workset.NewRootAbortController()
	child := root.Child()

	require.False(t, child.IsGraceful())
	require.False(t, child.IsForced())

	child.Cancel()
	require.True(t, child.IsGraceful())
	require.False(t, child.IsForced())

	child.Cancel()
	require.True(t, child.IsForced())
}

func TestAbortControllerParentCascadesToChild(t *testing.T) {
	root := workset.NewRootAbortController()
	parent := root.Child()
	child := parent.Child()

	parent.Cancel()
	select {
	case <-child.Graceful.Done():
	case <-time.After(time.Second):
		t.Fatal("child graceful signal was not cancelled by parent")
	}
	require.False(t, child.IsForced())

	parent.Cancel()
	select {
	case <-child.Force.Done():
	case <-time.After(time.Second):
		t.Fatal("child force signal was not cancelled by parent's second cancel")
	}
}

func TestAbortControllerChildCancelDoesNotAffectSibling(t *testing.T) {
	root := workset.NewRootAbortController()
	parent := root.Child()
	childA := parent.Child()
	childB := parent.Child()

	childA.Cancel()
	require.True(t, childA.IsGraceful())
	require.False(t, childB.IsGraceful())
}

func TestWaitLockedUnblocksOnMarkLocked(t *testing.T) {
	ws := workset.New("op1", nil)
	ch := ws.WaitLocked("state:A")

	select {
	case <-ch:
		t.Fatal("should not be locked yet")
	default:
	}

	ws.MarkLocked([]model.StateID{"state:A"})
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("lock-wait channel never closed after MarkLocked")
	}
	require.True(t, ws.IsLocked("state:A"))
}

func TestWaitLockedPreClosedWhenAlreadyLocked(t *testing.T) {
	ws := workset.New("op1", nil)
	ws.MarkLocked([]model.StateID{"state:A"})
	ch := ws.WaitLocked("state:A")
	select {
	case <-ch:
	default:
		t.Fatal("channel should be pre-closed for an already-locked state id")
	}
}

func TestUpdateCompositeProgressExtrapolatesUnknownTotal(t *testing.T) {
	ws := workset.New("op1", nil)
	// Two children: one reports 5/10, one reports nothing (total 0, unknown).
	cp := ws.UpdateCompositeProgress("composite:Parent", []int{5, 0}, []int{10, 0})
	require.Equal(t, 5, cp.Current)
	// known average 10 extrapolated across the 1 unknown child => total 20.
	require.Equal(t, 20, cp.Total)
}

func TestUpdateCompositeProgressNeverDecreasesTotal(t *testing.T) {
	ws := workset.New("op1", nil)
	first := ws.UpdateCompositeProgress("composite:Parent", []int{5}, []int{10})
	require.Equal(t, 10, first.Total)

	// A later recompute with fewer/smaller children should not lower Total.
	second := ws.UpdateCompositeProgress("composite:Parent", []int{2}, []int{4})
	require.Equal(t, 10, second.Total)
}

func TestPhaseCursorAdvances(t *testing.T) {
	phases := []model.Phase{
		{Type: model.PhaseUpdate},
		{Type: model.PhaseDestroy},
	}
	ws := workset.New("op1", phases)
	p, ok := ws.CurrentPhase()
	require.True(t, ok)
	require.Equal(t, model.PhaseUpdate, p.Type)

	ws.AdvancePhase()
	p, ok = ws.CurrentPhase()
	require.True(t, ok)
	require.Equal(t, model.PhaseDestroy, p.Type)

	ws.AdvancePhase()
	_, ok = ws.CurrentPhase()
	require.False(t, ok)
}
