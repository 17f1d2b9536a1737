package octree

import (
	"context"
	"math"
	"sort"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/multipole/octree/group"
	"github.com/multipole/octree/morton"
)

// ErrEmptyGroupInput is returned when no worker contributed any points.
var ErrEmptyGroupInput = errors.New("no points anywhere in the group")

// ComputeDomain agrees on the tightest bounding box of the whole point set
// via a collective min/max reduction. Blocking: every group member must call
// it, with workers holding empty shards passing an empty slice.
func ComputeDomain(ctx context.Context, points []r3.Vector, g group.Group) (morton.Domain, error) {
	mins := []float64{math.Inf(1), math.Inf(1), math.Inf(1)}
	maxs := []float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	for _, p := range points {
		mins[0] = math.Min(mins[0], p.X)
		mins[1] = math.Min(mins[1], p.Y)
		mins[2] = math.Min(mins[2], p.Z)
		maxs[0] = math.Max(maxs[0], p.X)
		maxs[1] = math.Max(maxs[1], p.Y)
		maxs[2] = math.Max(maxs[2], p.Z)
	}

	gmins, err := g.AllReduceFloat64(ctx, group.ReduceMin, mins)
	if err != nil {
		return morton.Domain{}, errors.Wrap(err, "reducing lower bounds")
	}
	gmaxs, err := g.AllReduceFloat64(ctx, group.ReduceMax, maxs)
	if err != nil {
		return morton.Domain{}, errors.Wrap(err, "reducing upper bounds")
	}
	if gmins[0] > gmaxs[0] {
		return morton.Domain{}, ErrEmptyGroupInput
	}
	return morton.NewDomainFromBounds(
		r3.Vector{X: gmins[0], Y: gmins[1], Z: gmins[2]},
		r3.Vector{X: gmaxs[0], Y: gmaxs[1], Z: gmaxs[2]},
	), nil
}

// New builds a distributed tree over the group's point shards, agreeing on
// the domain first. Blocking collective: every member must call it with the
// same balanced flag.
func New(
	ctx context.Context,
	points []r3.Vector,
	balanced bool,
	g group.Group,
	logger golog.Logger,
) (*DistributedTree, error) {
	if err := validateCoordinates(points); err != nil {
		return nil, err
	}
	domain, err := ComputeDomain(ctx, points, g)
	if err != nil {
		return nil, err
	}
	return NewWithDomain(ctx, points, domain, balanced, g, logger)
}

// NewWithDomain builds a distributed tree against a caller-supplied domain.
// Every group member must pass an identical domain.
func NewWithDomain(
	ctx context.Context,
	points []r3.Vector,
	domain morton.Domain,
	balanced bool,
	g group.Group,
	logger golog.Logger,
) (*DistributedTree, error) {
	if err := validateCoordinates(points); err != nil {
		return nil, err
	}
	if _, err := morton.NewDomain(domain.Origin, domain.Diameter); err != nil {
		return nil, err
	}

	encoded, err := encodePoints(ctx, points, domain, g)
	if err != nil {
		return nil, err
	}
	logger.Debugw("encoded local shard", "rank", g.Rank(), "points", len(encoded))

	owned, err := redistribute(ctx, encoded, g)
	if err != nil {
		return nil, err
	}
	logger.Debugw("redistributed points", "rank", g.Rank(), "points", len(owned))

	leaves, err := completeLeaves(ctx, owned, g)
	if err != nil {
		return nil, err
	}
	logger.Debugw("completed local leaves", "rank", g.Rank(), "leaves", len(leaves))

	if balanced {
		leaves, err = balanceLeaves(ctx, leaves, g, logger)
		if err != nil {
			return nil, err
		}
		logger.Debugw("balanced local leaves", "rank", g.Rank(), "leaves", len(leaves))
	}

	return &DistributedTree{
		balanced: balanced,
		domain:   domain,
		keys:     leaves,
		points:   owned,
	}, nil
}

// encodePoints quantizes the local shard to deepest-level keys and assigns
// globally-unique point indices via an exclusive scan of the shard sizes.
func encodePoints(
	ctx context.Context,
	points []r3.Vector,
	domain morton.Domain,
	g group.Group,
) ([]Point, error) {
	counts, err := g.Gather(ctx, 0, []uint64{uint64(len(points))})
	if err != nil {
		return nil, errors.Wrap(err, "gathering shard sizes")
	}
	var offsets []uint64
	if g.Rank() == 0 {
		offsets = make([]uint64, len(counts))
		var running uint64
		for rank, n := range counts {
			offsets[rank] = running
			running += n
		}
	}
	offsets, err = g.Broadcast(ctx, 0, offsets)
	if err != nil {
		return nil, errors.Wrap(err, "broadcasting index offsets")
	}
	base := offsets[g.Rank()]

	encoded := make([]Point, len(points))
	for i, p := range points {
		encoded[i] = Point{
			Coordinate:  p,
			GlobalIndex: base + uint64(i),
			Key:         morton.FromPoint(p, domain),
		}
	}
	sortPoints(encoded)
	return encoded, nil
}

// redistribute runs the parallel sample sort: sample local splitter
// candidates, reduce them to size-1 global splitters at rank 0, broadcast,
// bucket every point by splitter range, exchange all-to-all and sort the
// received bucket. Afterwards each worker owns a contiguous, globally
// ordered Morton range.
func redistribute(ctx context.Context, pts []Point, g group.Group) ([]Point, error) {
	size := g.Size()

	var samples []uint64
	for i := 1; i < size && len(pts) > 0; i++ {
		samples = append(samples, pts[i*len(pts)/size].Key.Code)
	}
	candidates, err := g.Gather(ctx, 0, samples)
	if err != nil {
		return nil, errors.Wrap(err, "gathering splitter candidates")
	}

	var splitters []uint64
	if g.Rank() == 0 && len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })
		for i := 1; i < size; i++ {
			splitters = append(splitters, candidates[i*len(candidates)/size])
		}
	}
	splitters, err = g.Broadcast(ctx, 0, splitters)
	if err != nil {
		return nil, errors.Wrap(err, "broadcasting splitters")
	}

	buckets := make([][]Point, size)
	for _, p := range pts {
		code := p.Key.Code
		dest := sort.Search(len(splitters), func(i int) bool { return splitters[i] > code })
		buckets[dest] = append(buckets[dest], p)
	}
	payload := make([][]byte, size)
	for rank, bucket := range buckets {
		payload[rank] = marshalPoints(bucket)
	}
	received, err := g.AllToAll(ctx, payload)
	if err != nil {
		return nil, errors.Wrap(err, "exchanging point buckets")
	}

	var owned []Point
	for _, raw := range received {
		part, err := unmarshalPoints(raw)
		if err != nil {
			return nil, err
		}
		owned = append(owned, part...)
	}
	sortPoints(owned)
	return owned, nil
}

// completeLeaves turns the worker's occupied deepest-level cells into the
// final leaf set by coarsening every cell to the coarsest ancestor whose box
// holds no other occupied cell, locally or on any other worker. Coarsening
// is a bijection on occupied cells, so the leaf count equals the number of
// distinct deepest-level keys.
func completeLeaves(ctx context.Context, pts []Point, g group.Group) ([]morton.Key, error) {
	keys := uniqueKeys(pts)

	// Every worker needs the occupied extremes of its rank neighbors to keep
	// coarsened boxes inside its own global range.
	local := []uint64{0, 0, 0}
	if len(keys) > 0 {
		local = []uint64{1, keys[0].Code, keys[len(keys)-1].Code}
	}
	extents, err := g.Gather(ctx, 0, local)
	if err != nil {
		return nil, errors.Wrap(err, "gathering occupied ranges")
	}
	extents, err = g.Broadcast(ctx, 0, extents)
	if err != nil {
		return nil, errors.Wrap(err, "broadcasting occupied ranges")
	}

	var prevMax, nextMin uint64
	var havePrev, haveNext bool
	for rank := 0; rank < g.Size(); rank++ {
		if extents[3*rank] == 0 {
			continue
		}
		if rank < g.Rank() {
			prevMax, havePrev = extents[3*rank+2], true
		}
		if rank > g.Rank() && !haveNext {
			nextMin, haveNext = extents[3*rank+1], true
		}
	}

	leaves := make([]morton.Key, len(keys))
	for i, k := range keys {
		lo, hasLo := prevMax, havePrev
		if i > 0 {
			lo, hasLo = keys[i-1].Code, true
		}
		hi, hasHi := nextMin, haveNext
		if i < len(keys)-1 {
			hi, hasHi = keys[i+1].Code, true
		}

		leaf := k
		for leaf.Level() > 0 {
			parent, err := leaf.Parent()
			if err != nil {
				return nil, err
			}
			if hasLo && parent.FinestFirstChild().Code <= lo {
				break
			}
			if hasHi && parent.FinestLastChild().Code >= hi {
				break
			}
			leaf = parent
		}
		leaves[i] = leaf
	}
	return leaves, nil
}
