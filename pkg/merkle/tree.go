// Copyright 2026 Annex Project
//
// Append-Only Merkle Registry
// Fixed depth-20 sparse tree over Poseidon(2). The empty-subtree default is
// the field element 0 at every level, and the authentication path encoding
// (LSB-first direction bits, 0 = left child) is contractually mirrored
// inside the membership circuit.

package merkle

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/seismicgear/annex/pkg/field"
)

// Depth is the fixed tree depth; capacity is 2^Depth leaves.
const Depth = 20

// Capacity is the maximum number of leaves.
const Capacity = 1 << Depth

// Registry errors.
var (
	ErrCapacityExceeded = fmt.Errorf("merkle registry is full (%d leaves)", Capacity)
	ErrDuplicateLeaf    = fmt.Errorf("commitment already registered")
	ErrLeafNotFound     = fmt.Errorf("leaf not found")
)

// zeroNode is the empty-subtree default at every level.
var zeroNode = big.NewInt(0)

// Path is an authentication path as of a specific root. Elements[0] is the
// leaf-level sibling; IndexBits[i] = 0 means the authenticated node is the
// left child at level i, 1 the right child.
type Path struct {
	RootHex   string
	Elements  [Depth]string
	IndexBits [Depth]int
}

// AppendResult is returned by Append: the assigned index, the new active
// root, and the path as of immediately after insertion.
type AppendResult struct {
	LeafIndex int64
	RootHex   string
	Path      Path
}

// Registry is the in-memory working set of one server's commitment tree.
// Mutation is serialised by a single-writer lock; readers take the lock
// briefly to snapshot the branch they need.
type Registry struct {
	mu sync.Mutex

	// levels[0] holds leaves, levels[Depth] the root. Missing positions
	// default to zero.
	levels    []map[int64]*big.Int
	leafIndex map[string]int64 // canonical commitment hex -> leaf index
	nextIndex int64
}

// NewRegistry creates an empty depth-20 registry.
func NewRegistry() *Registry {
	levels := make([]map[int64]*big.Int, Depth+1)
	for i := range levels {
		levels[i] = make(map[int64]*big.Int)
	}
	return &Registry{
		levels:    levels,
		leafIndex: make(map[string]int64),
	}
}

// Append inserts a commitment at the next free index and recomputes the
// root. If persist is non-nil it runs while the writer lock is held, with
// the tree already advanced; a persist error unwinds the insertion so the
// in-memory state never outruns the store.
func (r *Registry) Append(commitmentHex string, persist func(AppendResult) error) (*AppendResult, error) {
	leaf, err := field.ParseHex(commitmentHex)
	if err != nil {
		return nil, err
	}
	key := field.ToHex(leaf)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.leafIndex[key]; dup {
		return nil, ErrDuplicateLeaf
	}
	if r.nextIndex >= Capacity {
		return nil, ErrCapacityExceeded
	}

	idx := r.nextIndex
	r.levels[0][idx] = leaf
	r.recomputeBranchLocked(idx)
	r.leafIndex[key] = idx
	r.nextIndex++

	res := &AppendResult{
		LeafIndex: idx,
		RootHex:   r.rootHexLocked(),
		Path:      r.pathLocked(idx),
	}

	if persist != nil {
		if err := persist(*res); err != nil {
			// Unwind: drop the leaf and restore the branch exactly,
			// deleting ancestors whose subtrees are empty again so they
			// fall back to the zero default.
			delete(r.leafIndex, key)
			delete(r.levels[0], idx)
			r.unwindBranchLocked(idx)
			r.nextIndex--
			return nil, err
		}
	}
	return res, nil
}

// PathFor returns the current authentication path for a leaf index.
func (r *Registry) PathFor(leafIndex int64) (*Path, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if leafIndex < 0 || leafIndex >= r.nextIndex {
		return nil, ErrLeafNotFound
	}
	p := r.pathLocked(leafIndex)
	return &p, nil
}

// IndexOf resolves a commitment to its leaf index.
func (r *Registry) IndexOf(commitmentHex string) (int64, bool) {
	leaf, err := field.ParseHex(commitmentHex)
	if err != nil {
		return 0, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.leafIndex[field.ToHex(leaf)]
	return idx, ok
}

// ActiveRootHex returns the root over the current leaf set.
func (r *Registry) ActiveRootHex() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rootHexLocked()
}

// LeafCount returns the number of inserted leaves.
func (r *Registry) LeafCount() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextIndex
}

// Recompute rebuilds every populated branch bottom-up and returns the root.
// Used by tests and after restore to validate the incremental maintenance.
func (r *Registry) Recompute() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recomputeLocked()
}

func (r *Registry) recomputeLocked() (string, error) {
	for lvl := 1; lvl <= Depth; lvl++ {
		r.levels[lvl] = make(map[int64]*big.Int)
	}
	for lvl := 0; lvl < Depth; lvl++ {
		parents := make(map[int64]bool)
		for idx := range r.levels[lvl] {
			parents[idx/2] = true
		}
		for p := range parents {
			left := r.nodeLocked(lvl, p*2)
			right := r.nodeLocked(lvl, p*2+1)
			h, err := field.Poseidon2(left, right)
			if err != nil {
				return "", fmt.Errorf("recompute level %d: %w", lvl, err)
			}
			r.levels[lvl+1][p] = h
		}
	}
	return r.rootHexLocked(), nil
}

// Restore rebuilds the registry from the stored leaf set, in leaf order.
// Leaf indices are assigned densely from 0, matching the store's ordering.
func (r *Registry) Restore(commitments []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.nextIndex != 0 {
		return fmt.Errorf("restore into non-empty registry")
	}
	if len(commitments) > Capacity {
		return ErrCapacityExceeded
	}
	for i, c := range commitments {
		leaf, err := field.ParseHex(c)
		if err != nil {
			return fmt.Errorf("leaf %d: %w", i, err)
		}
		key := field.ToHex(leaf)
		if _, dup := r.leafIndex[key]; dup {
			return fmt.Errorf("leaf %d: %w", i, ErrDuplicateLeaf)
		}
		r.levels[0][int64(i)] = leaf
		r.leafIndex[key] = int64(i)
	}
	r.nextIndex = int64(len(commitments))
	_, err := r.recomputeLocked()
	return err
}

// recomputeBranchLocked refreshes the ancestor hashes of one leaf position.
func (r *Registry) recomputeBranchLocked(leafIdx int64) {
	idx := leafIdx
	for lvl := 0; lvl < Depth; lvl++ {
		parent := idx / 2
		left := r.nodeLocked(lvl, parent*2)
		right := r.nodeLocked(lvl, parent*2+1)
		h, err := field.Poseidon2(left, right)
		if err != nil {
			// Poseidon over in-field inputs cannot fail; inputs here are
			// always prior hashes or validated leaves.
			panic(fmt.Sprintf("merkle: poseidon failure: %v", err))
		}
		r.levels[lvl+1][parent] = h
		idx = parent
	}
}

// unwindBranchLocked restores the ancestor entries of a removed leaf. An
// ancestor with no populated descendants is deleted so it reads as the zero
// default again; otherwise it is recomputed from its children.
func (r *Registry) unwindBranchLocked(leafIdx int64) {
	idx := leafIdx
	for lvl := 0; lvl < Depth; lvl++ {
		parent := idx / 2
		_, hasLeft := r.levels[lvl][parent*2]
		_, hasRight := r.levels[lvl][parent*2+1]
		if !hasLeft && !hasRight {
			delete(r.levels[lvl+1], parent)
		} else {
			h, err := field.Poseidon2(r.nodeLocked(lvl, parent*2), r.nodeLocked(lvl, parent*2+1))
			if err != nil {
				panic(fmt.Sprintf("merkle: poseidon failure: %v", err))
			}
			r.levels[lvl+1][parent] = h
		}
		idx = parent
	}
}

func (r *Registry) nodeLocked(lvl int, idx int64) *big.Int {
	if v, ok := r.levels[lvl][idx]; ok {
		return v
	}
	return zeroNode
}

func (r *Registry) rootHexLocked() string {
	if r.nextIndex == 0 {
		return field.ToHex(zeroNode)
	}
	return field.ToHex(r.nodeLocked(Depth, 0))
}

func (r *Registry) pathLocked(leafIdx int64) Path {
	var p Path
	idx := leafIdx
	for lvl := 0; lvl < Depth; lvl++ {
		var sibling int64
		if idx%2 == 0 {
			sibling = idx + 1
			p.IndexBits[lvl] = 0
		} else {
			sibling = idx - 1
			p.IndexBits[lvl] = 1
		}
		p.Elements[lvl] = field.ToHex(r.nodeLocked(lvl, sibling))
		idx /= 2
	}
	p.RootHex = r.rootHexLocked()
	return p
}
