package group

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Local is an in-process group hub. Members share one hub and synchronize
// every collective on a barrier; the calling goroutines stand in for worker
// processes. A member abandoning a collective (context cancellation) leaves
// the hub unusable, mirroring a died worker in a real deployment.
type Local struct {
	size int

	mu      sync.Mutex
	current *round
}

// round is a single collective in flight. Inputs are deposited per rank; the
// last arrival snapshots the round and wakes everyone through ready.
type round struct {
	op        string
	inputs    []interface{}
	remaining int
	ready     chan struct{}
	err       error
}

// NewLocal returns one Group handle per rank, all backed by the same hub.
func NewLocal(size int) ([]Group, error) {
	if size <= 0 {
		return nil, errors.Errorf("group size must be positive, got %d", size)
	}
	hub := &Local{size: size}
	members := make([]Group, size)
	for rank := 0; rank < size; rank++ {
		members[rank] = &localMember{hub: hub, rank: rank}
	}
	return members, nil
}

// RunLocal runs fn once per rank on its own goroutine against a fresh local
// group and waits for all of them. The first error cancels the shared
// context and is returned.
func RunLocal(ctx context.Context, size int, fn func(ctx context.Context, g Group) error) error {
	members, err := NewLocal(size)
	if err != nil {
		return err
	}
	eg, egCtx := errgroup.WithContext(ctx)
	for _, member := range members {
		member := member
		eg.Go(func() error {
			return fn(egCtx, member)
		})
	}
	return eg.Wait()
}

type localMember struct {
	hub  *Local
	rank int
}

func (m *localMember) Rank() int { return m.rank }

func (m *localMember) Size() int { return m.hub.size }

// exchange deposits this member's input for the named collective and blocks
// until every member has deposited, then returns the rank-indexed inputs of
// the whole round. Mismatched operation names are detected when they collide
// within one round.
func (m *localMember) exchange(ctx context.Context, op string, input interface{}) ([]interface{}, error) {
	hub := m.hub
	hub.mu.Lock()
	r := hub.current
	if r == nil {
		r = &round{
			op:        op,
			inputs:    make([]interface{}, hub.size),
			remaining: hub.size,
			ready:     make(chan struct{}),
		}
		hub.current = r
	}
	if r.op != op && r.err == nil {
		r.err = errors.Wrapf(ErrCollectiveMismatch, "%q vs %q", op, r.op)
	}
	if r.inputs[m.rank] != nil && r.err == nil {
		r.err = errors.Wrapf(ErrCollectiveMismatch, "rank %d entered %q twice", m.rank, op)
	}
	r.inputs[m.rank] = input
	r.remaining--
	if r.remaining == 0 {
		hub.current = nil
		close(r.ready)
	}
	hub.mu.Unlock()

	select {
	case <-r.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.inputs, nil
}

func (m *localMember) AllReduceFloat64(ctx context.Context, op ReduceOp, vec []float64) ([]float64, error) {
	inputs, err := m.exchange(ctx, fmt.Sprintf("allreduce:%d:%d", op, len(vec)), vec)
	if err != nil {
		return nil, err
	}
	result := append([]float64(nil), inputs[0].([]float64)...)
	for _, input := range inputs[1:] {
		other := input.([]float64)
		if len(other) != len(result) {
			return nil, errors.Wrap(ErrCollectiveMismatch, "allreduce vector lengths differ")
		}
		for i, v := range other {
			switch {
			case op == ReduceMin && v < result[i]:
				result[i] = v
			case op == ReduceMax && v > result[i]:
				result[i] = v
			}
		}
	}
	return result, nil
}

func (m *localMember) Gather(ctx context.Context, root int, vals []uint64) ([]uint64, error) {
	if root < 0 || root >= m.hub.size {
		return nil, errors.Errorf("gather root %d out of range", root)
	}
	inputs, err := m.exchange(ctx, fmt.Sprintf("gather:%d", root), vals)
	if err != nil {
		return nil, err
	}
	if m.rank != root {
		return nil, nil
	}
	var gathered []uint64
	for _, input := range inputs {
		gathered = append(gathered, input.([]uint64)...)
	}
	return gathered, nil
}

func (m *localMember) Broadcast(ctx context.Context, root int, vals []uint64) ([]uint64, error) {
	if root < 0 || root >= m.hub.size {
		return nil, errors.Errorf("broadcast root %d out of range", root)
	}
	inputs, err := m.exchange(ctx, fmt.Sprintf("broadcast:%d", root), vals)
	if err != nil {
		return nil, err
	}
	return append([]uint64(nil), inputs[root].([]uint64)...), nil
}

func (m *localMember) AllToAll(ctx context.Context, buckets [][]byte) ([][]byte, error) {
	if len(buckets) != m.hub.size {
		return nil, errors.Errorf("alltoall needs %d buckets, got %d", m.hub.size, len(buckets))
	}
	inputs, err := m.exchange(ctx, "alltoall", buckets)
	if err != nil {
		return nil, err
	}
	received := make([][]byte, m.hub.size)
	for src, input := range inputs {
		received[src] = input.([][]byte)[m.rank]
	}
	return received, nil
}
