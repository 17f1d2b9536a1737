package octree

import (
	"context"
	"sync"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/multipole/octree/group"
	"github.com/multipole/octree/morton"
)

// boxesTouch reports whether the anchor-space boxes of two leaves overlap or
// share a face, edge or corner.
func boxesTouch(a, b morton.Key) bool {
	aStep := morton.LevelSize >> a.Level()
	bStep := morton.LevelSize >> b.Level()
	for axis := 0; axis < 3; axis++ {
		if a.Anchor[axis]+aStep < b.Anchor[axis] || b.Anchor[axis]+bStep < a.Anchor[axis] {
			return false
		}
	}
	return true
}

// assertBalanced checks the 2:1 constraint pairwise over a global leaf set.
// Leaves pinned at the deepest level are allowed to stay out of balance.
func assertBalanced(t *testing.T, leaves []morton.Key) {
	t.Helper()
	for i, a := range leaves {
		for _, b := range leaves[i+1:] {
			if a.Level() == morton.DeepestLevel || b.Level() == morton.DeepestLevel {
				continue
			}
			if !boxesTouch(a, b) {
				continue
			}
			diff := int(a.Level()) - int(b.Level())
			if diff < 0 {
				diff = -diff
			}
			test.That(t, diff, test.ShouldBeLessThanOrEqualTo, 1)
		}
	}
}

func TestBalanceRefinesCoarseNeighbor(t *testing.T) {
	ctx := context.Background()
	logger := golog.NewTestLogger(t)

	domain, err := morton.NewDomain(r3.Vector{}, r3.Vector{X: 1, Y: 1, Z: 1})
	test.That(t, err, test.ShouldBeNil)

	// A tight cluster just inside the first octant's far corner, next to a
	// lone point in the opposite octant. Unbalanced, the lone point's leaf
	// stays at level 1 while the cluster leaves go deep.
	points := []r3.Vector{
		{X: 0.4999, Y: 0.4999, Z: 0.4999},
		{X: 0.4998, Y: 0.4999, Z: 0.4999},
		{X: 0.4999, Y: 0.4998, Z: 0.4999},
		{X: 0.51, Y: 0.51, Z: 0.51},
	}

	g := singleWorker(t)
	loose, err := NewWithDomain(ctx, points, domain, false, g, logger)
	test.That(t, err, test.ShouldBeNil)

	g = singleWorker(t)
	tight, err := NewWithDomain(ctx, points, domain, true, g, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tight.Balanced(), test.ShouldBeTrue)

	// Balancing only ever splits leaves.
	test.That(t, tight.NumKeys(), test.ShouldBeGreaterThan, loose.NumKeys())
	test.That(t, tight.NumPoints(), test.ShouldEqual, loose.NumPoints())
	assertBalanced(t, tight.Keys())

	// Refinement must not lose track of any point.
	for _, p := range tight.Points() {
		_, ok := tight.Leaf(p.Key)
		test.That(t, ok, test.ShouldBeTrue)
	}
}

func TestBalanceDistributed(t *testing.T) {
	ctx := context.Background()
	logger := golog.NewTestLogger(t)

	const numWorkers = 2
	all := randomPoints(200, 7)
	// A cluster forces deep leaves next to sparsely covered space.
	for i := 0; i < 20; i++ {
		all = append(all, r3.Vector{
			X: 1 + float64(i)*1e-4,
			Y: 1 + float64(i)*1e-4,
			Z: 1,
		})
	}

	build := func(balanced bool) []*DistributedTree {
		var mu sync.Mutex
		trees := make([]*DistributedTree, numWorkers)
		err := group.RunLocal(ctx, numWorkers, func(ctx context.Context, g group.Group) error {
			per := len(all) / numWorkers
			shard := all[g.Rank()*per : (g.Rank()+1)*per]
			tree, err := New(ctx, shard, balanced, g, logger)
			if err != nil {
				return err
			}
			mu.Lock()
			trees[g.Rank()] = tree
			mu.Unlock()
			return nil
		})
		test.That(t, err, test.ShouldBeNil)
		return trees
	}

	loose := build(false)
	tight := build(true)

	var looseLeaves, tightLeaves []morton.Key
	for rank := 0; rank < numWorkers; rank++ {
		looseLeaves = append(looseLeaves, loose[rank].Keys()...)
		tightLeaves = append(tightLeaves, tight[rank].Keys()...)
	}
	test.That(t, len(tightLeaves), test.ShouldBeGreaterThanOrEqualTo, len(looseLeaves))
	assertBalanced(t, tightLeaves)

	// The balanced shards still form one ascending non-overlapping sequence.
	for i := 1; i < len(tightLeaves); i++ {
		test.That(t,
			tightLeaves[i-1].FinestLastChild().Code,
			test.ShouldBeLessThan,
			tightLeaves[i].FinestFirstChild().Code)
	}

	// Ownership of the points is unchanged by balancing.
	for rank := 0; rank < numWorkers; rank++ {
		test.That(t, tight[rank].NumPoints(), test.ShouldEqual, loose[rank].NumPoints())
	}
}
