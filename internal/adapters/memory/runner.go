package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ionforge/orchestrator/internal/orchestrator/model"
	"github.com/ionforge/orchestrator/internal/ports"
)

// Runner is a test/demo RunnerBackend double: every RPC immediately
// "succeeds" by pushing a completion event onto that state id's watch
// stream, unless the RPC's force or graceful signal has already fired, in
// which case it pushes an error event and returns an abort error. It exists so the Runtime has something concrete to drive without
// a real IaC engine wired in (see SPEC_FULL.md section 12) — it is
// explicitly not a production runner.
type Runner struct {
	mu       sync.Mutex
	streams  map[model.StateID]chan ports.UnitStateUpdate
	OnUpdate func(opts ports.RunnerOptions) // test hook, called before completion is emitted
}

func NewRunner() *Runner {
	return &Runner{streams: map[model.StateID]chan ports.UnitStateUpdate{}}
}

func (r *Runner) stream(id model.StateID) chan ports.UnitStateUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.streams[id]
	if !ok {
		ch = make(chan ports.UnitStateUpdate, 8)
		r.streams[id] = ch
	}
	return ch
}

func (r *Runner) complete(opts ports.RunnerOptions, opType string) error {
	if r.OnUpdate != nil {
		r.OnUpdate(opts)
	}
	ch := r.stream(opts.StateID)
	select {
	case <-opts.ForceSignal:
		ch <- ports.UnitStateUpdate{Type: ports.UpdateError, UnitID: opts.StateID, Message: "forced cancellation"}
		return model.ErrAbort(true)
	case <-opts.Signal:
		ch <- ports.UnitStateUpdate{Type: ports.UpdateError, UnitID: opts.StateID, Message: "graceful cancellation"}
		return model.ErrAbort(false)
	default:
	}
	oh := int64(1)
	ch <- ports.UnitStateUpdate{Type: ports.UpdateProgress, UnitID: opts.StateID, CurrentResourceCount: 1, TotalResourceCount: 1}
	ch <- ports.UnitStateUpdate{
		Type:                ports.UpdateCompletion,
		UnitID:              opts.StateID,
		OperationType:       opType,
		OutputHash:          &oh,
		ExportedArtifactIDs: map[string][]string{},
	}
	return nil
}

func (r *Runner) Update(_ context.Context, opts ports.RunnerOptions) error  { return r.complete(opts, "update") }
func (r *Runner) Preview(_ context.Context, opts ports.RunnerOptions) error { return r.complete(opts, "preview") }
func (r *Runner) Refresh(_ context.Context, opts ports.RunnerOptions) error { return r.complete(opts, "refresh") }
func (r *Runner) Destroy(_ context.Context, opts ports.RunnerOptions) error { return r.complete(opts, "destroy") }

func (r *Runner) Watch(ctx context.Context, stateID model.StateID) (<-chan ports.UnitStateUpdate, error) {
	ch := r.stream(stateID)
	out := make(chan ports.UnitStateUpdate, 8)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
				return
			case u, ok := <-ch:
				if !ok {
					return
				}
				out <- u
				if u.Type == ports.UpdateCompletion || u.Type == ports.UpdateError {
					return
				}
			}
		}
	}()
	return out, nil
}
