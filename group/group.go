// Package group defines the process-group collaborator the octree engine
// builds against: a set of cooperating workers with a rank, a size and four
// blocking collective primitives. Every collective must be entered by every
// member of the group; a missing participant stalls the group, and no
// timeout or liveness detection is attempted here.
//
// The package also ships an in-process implementation backed by goroutines,
// used by tests and by single-machine callers. Any transport that provides
// the same four primitives is substitutable.
package group

import (
	"context"

	"github.com/pkg/errors"
)

// ReduceOp selects the component-wise reduction applied by AllReduceFloat64.
type ReduceOp int

// Supported reductions.
const (
	ReduceMin = ReduceOp(iota)
	ReduceMax
)

// ErrCollectiveMismatch is returned, best effort, when group members disagree
// on the collective being performed or on its arguments. A disagreement that
// is not detectable manifests as a hang instead.
var ErrCollectiveMismatch = errors.New("group members disagree on the current collective")

// Group is one member's view of a process group. All collectives block until
// every member has entered the same call.
type Group interface {
	// Rank returns this member's position in [0, Size).
	Rank() int

	// Size returns the number of members.
	Size() int

	// AllReduceFloat64 reduces equal-length vectors component-wise across
	// the group and returns the result to every member.
	AllReduceFloat64(ctx context.Context, op ReduceOp, vec []float64) ([]float64, error)

	// Gather concatenates every member's values in rank order at root.
	// Members other than root receive nil.
	Gather(ctx context.Context, root int, vals []uint64) ([]uint64, error)

	// Broadcast distributes root's values to every member.
	Broadcast(ctx context.Context, root int, vals []uint64) ([]uint64, error)

	// AllToAll routes buckets[i] to member i and returns the buckets this
	// member received, indexed by source rank. len(buckets) must equal Size.
	AllToAll(ctx context.Context, buckets [][]byte) ([][]byte, error)
}
