// Package inputhash computes per-instance inputHash and
// dependencyOutputHash by hashing resolved inputs plus the producers'
// current output hashes, propagating through the dependency graph (spec
// section 2.B). Recomputation is serialized behind a single mutex because it
// mutates a shared dependency-hash graph in place (spec section 5).
package inputhash

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/ionforge/orchestrator/internal/orchestrator/model"
)

// Node caches the computed hashes for one instance so repeated
// RequireOutput calls observe a consistent snapshot within an operation.
type Node struct {
	InputHash            int64
	DependencyOutputHash int64
	computed             bool
}

// Resolver owns the dependency-hash graph for one Operation Context. Every
// method that reads or writes the node cache holds mu, the single mutex
// that serializes hash recomputation.
type Resolver struct {
	mu sync.Mutex

	resolvedInputs map[model.InstanceID]map[string][]model.InputRef
	args           map[model.InstanceID]map[string]any
	outputHashOf   func(model.InstanceID) (int64, bool) // producer's current output hash
	nodes          map[model.InstanceID]*Node
	consumers      map[model.InstanceID][]model.InstanceID // producer -> instances referencing it
}

func New(
	resolvedInputs map[model.InstanceID]map[string][]model.InputRef,
	args map[model.InstanceID]map[string]any,
	outputHashOf func(model.InstanceID) (int64, bool),
) *Resolver {
	consumers := map[model.InstanceID][]model.InstanceID{}
	for id, inputs := range resolvedInputs {
		seen := map[model.InstanceID]bool{}
		for _, refs := range inputs {
			for _, ref := range refs {
				if seen[ref.InstanceID] {
					continue
				}
				seen[ref.InstanceID] = true
				consumers[ref.InstanceID] = append(consumers[ref.InstanceID], id)
			}
		}
	}
	return &Resolver{
		resolvedInputs: resolvedInputs,
		args:           args,
		outputHashOf:   outputHashOf,
		nodes:          map[model.InstanceID]*Node{},
		consumers:      consumers,
	}
}

// InvalidateConsumersOf drops the cached nodes of every instance whose
// resolved inputs reference producer, so the next RequireOutput recomputes
// them against the producer's current output hash. Called whenever a fresh
// output value is captured mid-operation — a node cached during planning
// must not survive its producer completing.
func (r *Resolver) InvalidateConsumersOf(producer model.InstanceID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.consumers[producer] {
		delete(r.nodes, id)
	}
}

// RequireOutput returns the (possibly cached) input hash and
// dependency-output hash for id, computing them on first access and
// memoizing the result until InvalidateConsumersOf drops it.
func (r *Resolver) RequireOutput(id model.InstanceID) Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.compute(id)
}

func (r *Resolver) compute(id model.InstanceID) *Node {
	if n, ok := r.nodes[id]; ok && n.computed {
		return n
	}
	n := &Node{}
	r.nodes[id] = n

	h := fnv.New64a()

	// Hash the instance's own args deterministically.
	writeArgs(h, r.args[id])

	// Hash resolved inputs in a stable order: input name, then producer id,
	// then output name, folding in each producer's current output hash.
	inputs := r.resolvedInputs[id]
	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	var depHash uint64
	for _, name := range names {
		refs := inputs[name]
		sorted := append([]model.InputRef(nil), refs...)
		sort.Slice(sorted, func(i, j int) bool {
			if sorted[i].InstanceID != sorted[j].InstanceID {
				return sorted[i].InstanceID < sorted[j].InstanceID
			}
			return sorted[i].Output < sorted[j].Output
		})
		_, _ = h.Write([]byte(name))
		for _, ref := range sorted {
			_, _ = h.Write([]byte(ref.InstanceID))
			_, _ = h.Write([]byte(ref.Output))
			if outHash, ok := r.outputHashOf(ref.InstanceID); ok {
				var buf [8]byte
				binary.LittleEndian.PutUint64(buf[:], uint64(outHash))
				_, _ = h.Write(buf[:])
				depHash = depHash*1099511628211 ^ uint64(outHash)
			}
		}
	}

	n.InputHash = int64(h.Sum64())
	n.DependencyOutputHash = int64(depHash)
	n.computed = true
	return n
}

func writeArgs(h interface{ Write([]byte) (int, error) }, args map[string]any) {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte(toStableString(args[k])))
	}
}

func toStableString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "<nil>"
	default:
		return fmt.Sprintf("%v", t)
	}
}
