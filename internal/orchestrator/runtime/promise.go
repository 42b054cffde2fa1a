package runtime

import (
	"context"
	"sync"

	"github.com/ionforge/orchestrator/internal/orchestrator/model"
)

// Future is a single-flight, memoized per-instance result: many goroutines
// may Wait on it, all observing the same settled error (spec section 9,
// "Memoized per-instance promises").
type Future struct {
	done chan struct{}
	err  error
}

func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) Settle(err error) {
	f.err = err
	close(f.done)
}

func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Future) Done() <-chan struct{} { return f.done }

// PromiseMap is the engine's instancePromiseMap: the currently in-flight
// Future for each instance, valid for the lifetime of whichever phase is
// driving it. Entries are installed when a phase launches an instance's task
// and removed once that instance has no further phase to run.
type PromiseMap struct {
	mu sync.Mutex
	m  map[model.InstanceID]*Future
}

func NewPromiseMap() *PromiseMap {
	return &PromiseMap{m: map[model.InstanceID]*Future{}}
}

func (p *PromiseMap) Install(id model.InstanceID) *Future {
	p.mu.Lock()
	defer p.mu.Unlock()
	f := NewFuture()
	p.m[id] = f
	return f
}

func (p *PromiseMap) Get(id model.InstanceID) (*Future, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.m[id]
	return f, ok
}

func (p *PromiseMap) Remove(id model.InstanceID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, id)
}
