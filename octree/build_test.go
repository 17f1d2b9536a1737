package octree

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/multipole/octree/group"
	"github.com/multipole/octree/morton"
)

func singleWorker(t *testing.T) group.Group {
	t.Helper()
	members, err := group.NewLocal(1)
	test.That(t, err, test.ShouldBeNil)
	return members[0]
}

func TestComputeDomain(t *testing.T) {
	ctx := context.Background()

	shards := [][]r3.Vector{
		{{X: -1, Y: 0, Z: 2}, {X: 0, Y: 1, Z: 3}},
		{}, // a worker may hold no points
		{{X: 5, Y: -2, Z: 2.5}},
	}
	err := group.RunLocal(ctx, 3, func(ctx context.Context, g group.Group) error {
		domain, err := ComputeDomain(ctx, shards[g.Rank()], g)
		if err != nil {
			return err
		}
		test.That(t, domain.Origin, test.ShouldResemble, r3.Vector{X: -1, Y: -2, Z: 2})
		test.That(t, domain.Diameter, test.ShouldResemble, r3.Vector{X: 6, Y: 3, Z: 1})
		return nil
	})
	test.That(t, err, test.ShouldBeNil)

	t.Run("no points anywhere", func(t *testing.T) {
		g := singleWorker(t)
		_, err := ComputeDomain(ctx, nil, g)
		test.That(t, err, test.ShouldBeError, ErrEmptyGroupInput)
	})
}

func TestBuildOctantPoints(t *testing.T) {
	ctx := context.Background()
	logger := golog.NewTestLogger(t)
	g := singleWorker(t)

	domain, err := morton.NewDomain(r3.Vector{}, r3.Vector{X: 1, Y: 1, Z: 1})
	test.That(t, err, test.ShouldBeNil)

	// One point in the middle of each octant of the unit cube.
	var points []r3.Vector
	for _, z := range []float64{0.25, 0.75} {
		for _, y := range []float64{0.25, 0.75} {
			for _, x := range []float64{0.25, 0.75} {
				points = append(points, r3.Vector{X: x, Y: y, Z: z})
			}
		}
	}

	tree, err := NewWithDomain(ctx, points, domain, false, g, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tree.Balanced(), test.ShouldBeFalse)
	test.That(t, tree.NumKeys(), test.ShouldEqual, 8)
	test.That(t, tree.NumPoints(), test.ShouldEqual, 8)

	root := morton.Root
	children, err := root.Children()
	test.That(t, err, test.ShouldBeNil)
	for i, leaf := range tree.Keys() {
		test.That(t, leaf.Level(), test.ShouldEqual, 1)
		test.That(t, leaf, test.ShouldResemble, children[i])
		test.That(t, tree.PointsIn(leaf), test.ShouldHaveLength, 1)
	}

	for _, p := range tree.Points() {
		leaf, ok := tree.Leaf(p.Key)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, leaf.IsAncestor(p.Key), test.ShouldBeTrue)
	}
}

func TestBuildDuplicatePoints(t *testing.T) {
	ctx := context.Background()
	logger := golog.NewTestLogger(t)
	g := singleWorker(t)

	p := r3.Vector{X: 0.5, Y: 0.25, Z: 0.75}
	tree, err := New(ctx, []r3.Vector{p, p}, false, g, logger)
	test.That(t, err, test.ShouldBeNil)

	// Two coincident points occupy one cell, yielding a single leaf owning
	// both of them.
	test.That(t, tree.NumKeys(), test.ShouldEqual, 1)
	test.That(t, tree.NumPoints(), test.ShouldEqual, 2)
	test.That(t, tree.PointsIn(tree.Keys()[0]), test.ShouldHaveLength, 2)
}

func TestBuildRejectsNonFinite(t *testing.T) {
	ctx := context.Background()
	logger := golog.NewTestLogger(t)
	g := singleWorker(t)

	bad := []r3.Vector{{X: 0, Y: 0, Z: 0}, {X: 0, Y: 0, Z: math.Inf(1)}}
	_, err := New(ctx, bad, false, g, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "non-finite")
}

func randomPoints(n int, seed int64) []r3.Vector {
	r := rand.New(rand.NewSource(seed))
	points := make([]r3.Vector, n)
	for i := range points {
		points[i] = r3.Vector{
			X: r.Float64()*10 - 5,
			Y: r.Float64()*10 - 5,
			Z: r.Float64()*10 - 5,
		}
	}
	return points
}

func TestBuildDistributed(t *testing.T) {
	ctx := context.Background()
	logger := golog.NewTestLogger(t)

	const (
		numPoints  = 1000
		numWorkers = 4
	)
	all := randomPoints(numPoints, 42)

	var mu sync.Mutex
	trees := make([]*DistributedTree, numWorkers)
	err := group.RunLocal(ctx, numWorkers, func(ctx context.Context, g group.Group) error {
		per := numPoints / numWorkers
		shard := all[g.Rank()*per : (g.Rank()+1)*per]
		tree, err := New(ctx, shard, false, g, logger)
		if err != nil {
			return err
		}
		mu.Lock()
		trees[g.Rank()] = tree
		mu.Unlock()
		return nil
	})
	test.That(t, err, test.ShouldBeNil)

	// Concatenated in rank order, the shards form one ascending sequence of
	// non-overlapping leaves.
	var leaves []morton.Key
	for _, tree := range trees {
		leaves = append(leaves, tree.Keys()...)
	}
	for i := 1; i < len(leaves); i++ {
		test.That(t, leaves[i-1].Less(leaves[i]), test.ShouldBeTrue)
		test.That(t,
			leaves[i-1].FinestLastChild().Code,
			test.ShouldBeLessThan,
			leaves[i].FinestFirstChild().Code)
	}

	// The leaf count matches the number of distinct occupied cells.
	domain := trees[0].Domain()
	distinct := map[uint64]struct{}{}
	for _, p := range all {
		distinct[morton.FromPoint(p, domain).Code] = struct{}{}
	}
	test.That(t, len(leaves), test.ShouldEqual, len(distinct))

	// Every input point survives redistribution exactly once, with its
	// original coordinate intact.
	seen := map[uint64]r3.Vector{}
	for _, tree := range trees {
		test.That(t, tree.Domain(), test.ShouldResemble, domain)
		for _, p := range tree.Points() {
			_, dup := seen[p.GlobalIndex]
			test.That(t, dup, test.ShouldBeFalse)
			seen[p.GlobalIndex] = p.Coordinate

			leaf, ok := tree.Leaf(p.Key)
			test.That(t, ok, test.ShouldBeTrue)
			test.That(t, leaf.IsAncestor(p.Key), test.ShouldBeTrue)
		}
	}
	test.That(t, seen, test.ShouldHaveLength, numPoints)
	for idx, coord := range seen {
		test.That(t, coord, test.ShouldResemble, all[idx])
	}

	// Per worker, the leaf point ranges partition the owned points.
	for _, tree := range trees {
		var covered int
		for _, leaf := range tree.Keys() {
			covered += len(tree.PointsIn(leaf))
		}
		test.That(t, covered, test.ShouldEqual, tree.NumPoints())
	}
}
