package octree

import (
	"context"
	"encoding/binary"
	"sort"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/multipole/octree/group"
	"github.com/multipole/octree/morton"
)

// balanceLeaves enforces the 2:1 constraint: no leaf may be more than one
// level coarser than any of its 26 face, edge or vertex neighbors. Each round
// routes refinement demands for boundary-adjacent cells to the workers whose
// leaf ranges they touch, refines locally to a fixpoint, and the group agrees
// collectively on termination once a round produces no change anywhere.
// Refinement only deepens leaves and is capped at the deepest level, so the
// loop terminates; a deepest-level leaf that stays out of balance is accepted.
func balanceLeaves(
	ctx context.Context,
	leaves []morton.Key,
	g group.Group,
	logger golog.Logger,
) ([]morton.Key, error) {
	for round := 1; ; round++ {
		table, err := shareLeafRanges(ctx, leaves, g)
		if err != nil {
			return nil, err
		}

		foreign := make([]map[uint64]struct{}, g.Size())
		for _, leaf := range leaves {
			// A demand at level l requires its surroundings at level l-1 or
			// finer; below level 2 that is vacuous.
			if leaf.Level() < 2 {
				continue
			}
			for _, dir := range morton.Directions {
				neighbor, ok := leaf.KeyInDirection(dir)
				if !ok {
					continue
				}
				lo := neighbor.FinestFirstChild().Code
				hi := neighbor.FinestLastChild().Code
				for rank := 0; rank < g.Size(); rank++ {
					if rank == g.Rank() || table[3*rank] == 0 {
						continue
					}
					if hi < table[3*rank+1] || lo > table[3*rank+2] {
						continue
					}
					if foreign[rank] == nil {
						foreign[rank] = map[uint64]struct{}{}
					}
					foreign[rank][neighbor.Code] = struct{}{}
				}
			}
		}

		external, err := exchangeDemands(ctx, foreign, g)
		if err != nil {
			return nil, err
		}

		var changes uint64
		leaves, changes = refineToFixpoint(leaves, external)

		totals, err := g.Gather(ctx, 0, []uint64{changes})
		if err != nil {
			return nil, errors.Wrap(err, "gathering balance change counts")
		}
		var sum []uint64
		if g.Rank() == 0 {
			var total uint64
			for _, c := range totals {
				total += c
			}
			sum = []uint64{total}
		}
		sum, err = g.Broadcast(ctx, 0, sum)
		if err != nil {
			return nil, errors.Wrap(err, "broadcasting balance change count")
		}
		logger.Debugw("balance round", "round", round, "rank", g.Rank(), "changes", sum[0])
		if sum[0] == 0 {
			return leaves, nil
		}
	}
}

// shareLeafRanges gathers and rebroadcasts every worker's covered range as
// (occupied, first, last) triples of deepest-level codes, so demands can be
// routed to the ranks owning neighboring ranges.
func shareLeafRanges(ctx context.Context, leaves []morton.Key, g group.Group) ([]uint64, error) {
	local := []uint64{0, 0, 0}
	if len(leaves) > 0 {
		local = []uint64{
			1,
			leaves[0].FinestFirstChild().Code,
			leaves[len(leaves)-1].FinestLastChild().Code,
		}
	}
	table, err := g.Gather(ctx, 0, local)
	if err != nil {
		return nil, errors.Wrap(err, "gathering leaf ranges")
	}
	table, err = g.Broadcast(ctx, 0, table)
	if err != nil {
		return nil, errors.Wrap(err, "broadcasting leaf ranges")
	}
	return table, nil
}

// exchangeDemands ships each rank its demand-key set and returns the demands
// received from the rest of the group.
func exchangeDemands(
	ctx context.Context,
	foreign []map[uint64]struct{},
	g group.Group,
) ([]morton.Key, error) {
	payload := make([][]byte, len(foreign))
	for rank, demands := range foreign {
		codes := make([]uint64, 0, len(demands))
		for code := range demands {
			codes = append(codes, code)
		}
		sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
		buf := make([]byte, 8*len(codes))
		for i, code := range codes {
			binary.LittleEndian.PutUint64(buf[8*i:], code)
		}
		payload[rank] = buf
	}

	received, err := g.AllToAll(ctx, payload)
	if err != nil {
		return nil, errors.Wrap(err, "exchanging balance demands")
	}
	var external []morton.Key
	for _, raw := range received {
		if len(raw)%8 != 0 {
			return nil, errors.Errorf("demand payload of %d bytes is not a whole number of codes", len(raw))
		}
		for off := 0; off < len(raw); off += 8 {
			external = append(external, morton.FromCode(binary.LittleEndian.Uint64(raw[off:])))
		}
	}
	return external, nil
}

// refineToFixpoint applies external demands plus the demands the local leaves
// impose on each other, splitting any leaf more than one level coarser than a
// demanded neighbor cell, until the shard is locally consistent. Returns the
// refined leaves (still sorted, still non-overlapping) and the number of
// splits performed.
func refineToFixpoint(leaves []morton.Key, external []morton.Key) ([]morton.Key, uint64) {
	var changes uint64
	for {
		demands := append([]morton.Key(nil), external...)
		for _, leaf := range leaves {
			if leaf.Level() < 2 {
				continue
			}
			for _, dir := range morton.Directions {
				if neighbor, ok := leaf.KeyInDirection(dir); ok {
					demands = append(demands, neighbor)
				}
			}
		}

		changed := false
		for _, demand := range demands {
			if demand.Level() < 2 {
				continue
			}
			target := demand.Level() - 1
			probe := demand.FinestFirstChild().Code
			idx, ok := leafContaining(leaves, probe)
			if !ok {
				// The demanded cell lies in a gap with no leaf; nothing to
				// refine.
				continue
			}
			for leaves[idx].Level() < target {
				children, err := leaves[idx].Children()
				if err != nil {
					break
				}
				next := make([]morton.Key, 0, len(leaves)+7)
				next = append(next, leaves[:idx]...)
				next = append(next, children...)
				next = append(next, leaves[idx+1:]...)
				leaves = next

				for ci, child := range children {
					if child.FinestFirstChild().Code <= probe && probe <= child.FinestLastChild().Code {
						idx += ci
						break
					}
				}
				changes++
				changed = true
			}
		}
		if !changed {
			return leaves, changes
		}
	}
}
