package octree

import (
	"sort"

	"github.com/multipole/octree/morton"
)

// DistributedTree is one worker's shard of a globally sorted linear octree:
// its leaves cover a contiguous Morton range, and concatenating all workers'
// shards in rank order yields the full ascending leaf sequence. The handle is
// immutable once built and safe for concurrent readers.
type DistributedTree struct {
	balanced bool
	domain   morton.Domain
	keys     []morton.Key
	points   []Point
}

// Balanced reports whether the 2:1 refinement constraint was enforced.
func (t *DistributedTree) Balanced() bool { return t.balanced }

// Domain returns the bounding box agreed by the whole group.
func (t *DistributedTree) Domain() morton.Domain { return t.domain }

// NumKeys returns the number of leaves in this worker's shard.
func (t *DistributedTree) NumKeys() int { return len(t.keys) }

// NumPoints returns the number of points owned by this worker.
func (t *DistributedTree) NumPoints() int { return len(t.points) }

// Keys returns this worker's leaves in ascending Morton order. The slice is
// owned by the tree and must not be mutated.
func (t *DistributedTree) Keys() []morton.Key { return t.keys }

// Points returns this worker's points, sorted consistently with Keys. The
// slice is owned by the tree and must not be mutated.
func (t *DistributedTree) Points() []Point { return t.points }

// Leaf returns the leaf whose box contains the given key, typically a
// point's deepest-level key. The second return is false when the key lies
// outside this worker's shard.
func (t *DistributedTree) Leaf(k morton.Key) (morton.Key, bool) {
	idx, ok := leafContaining(t.keys, k.FinestFirstChild().Code)
	if !ok {
		return morton.Key{}, false
	}
	if !t.keys[idx].IsAncestor(k) {
		return morton.Key{}, false
	}
	return t.keys[idx], true
}

// PointsIn returns the points lying inside the given leaf as a contiguous
// sub-slice of Points; keys and points are kept co-sorted, so no copying is
// needed.
func (t *DistributedTree) PointsIn(leaf morton.Key) []Point {
	lo := leaf.FinestFirstChild().Code
	hi := leaf.FinestLastChild().Code
	start := sort.Search(len(t.points), func(i int) bool { return t.points[i].Key.Code >= lo })
	end := sort.Search(len(t.points), func(i int) bool { return t.points[i].Key.Code > hi })
	return t.points[start:end]
}

// leafContaining locates the leaf of a sorted, non-overlapping key sequence
// whose deepest-level range covers the given code.
func leafContaining(keys []morton.Key, code uint64) (int, bool) {
	idx := sort.Search(len(keys), func(i int) bool {
		return keys[i].FinestLastChild().Code >= code
	})
	if idx == len(keys) || keys[idx].FinestFirstChild().Code > code {
		return 0, false
	}
	return idx, true
}
