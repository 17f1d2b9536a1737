// Package octree builds a distributed linear octree over a sharded cloud of
// 3-D points. Each worker in a process group contributes its local shard;
// construction agrees on a global bounding domain, encodes points to Morton
// keys, redistributes them with a parallel sample sort so every worker owns a
// contiguous key range, coarsens the occupied cells into leaves, and can
// optionally enforce a 2:1 refinement balance across workers.
package octree

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/multipole/octree/morton"
)

// Point is one input coordinate together with its globally-unique index and
// its Morton key at the deepest level under the agreed domain. Ownership of a
// point moves between workers during redistribution; the global index
// survives the move.
type Point struct {
	Coordinate  r3.Vector
	GlobalIndex uint64
	Key         morton.Key
}

// pointRecordSize is the wire size of one point in an all-to-all exchange:
// three coordinate float64s, the global index and the key code.
const pointRecordSize = 40

func marshalPoints(pts []Point) []byte {
	buf := make([]byte, len(pts)*pointRecordSize)
	for i, p := range pts {
		rec := buf[i*pointRecordSize:]
		binary.LittleEndian.PutUint64(rec[0:], math.Float64bits(p.Coordinate.X))
		binary.LittleEndian.PutUint64(rec[8:], math.Float64bits(p.Coordinate.Y))
		binary.LittleEndian.PutUint64(rec[16:], math.Float64bits(p.Coordinate.Z))
		binary.LittleEndian.PutUint64(rec[24:], p.GlobalIndex)
		binary.LittleEndian.PutUint64(rec[32:], p.Key.Code)
	}
	return buf
}

func unmarshalPoints(buf []byte) ([]Point, error) {
	if len(buf)%pointRecordSize != 0 {
		return nil, errors.Errorf("point payload of %d bytes is not a whole number of records", len(buf))
	}
	pts := make([]Point, len(buf)/pointRecordSize)
	for i := range pts {
		rec := buf[i*pointRecordSize:]
		pts[i] = Point{
			Coordinate: r3.Vector{
				X: math.Float64frombits(binary.LittleEndian.Uint64(rec[0:])),
				Y: math.Float64frombits(binary.LittleEndian.Uint64(rec[8:])),
				Z: math.Float64frombits(binary.LittleEndian.Uint64(rec[16:])),
			},
			GlobalIndex: binary.LittleEndian.Uint64(rec[24:]),
			Key:         morton.FromCode(binary.LittleEndian.Uint64(rec[32:])),
		}
	}
	return pts, nil
}

// sortPoints orders points by Morton code, ties broken by global index so
// the result is deterministic.
func sortPoints(pts []Point) {
	sort.Slice(pts, func(i, j int) bool {
		if pts[i].Key.Code != pts[j].Key.Code {
			return pts[i].Key.Code < pts[j].Key.Code
		}
		return pts[i].GlobalIndex < pts[j].GlobalIndex
	})
}

// uniqueKeys returns the distinct keys of a sorted point slice.
func uniqueKeys(pts []Point) []morton.Key {
	keys := make([]morton.Key, 0, len(pts))
	for i, p := range pts {
		if i == 0 || p.Key.Code != pts[i-1].Key.Code {
			keys = append(keys, p.Key)
		}
	}
	return keys
}

// validateCoordinates rejects non-finite input before any collective call is
// entered, so a malformed shard cannot leave the group mid-protocol.
func validateCoordinates(points []r3.Vector) error {
	var err error
	for i, p := range points {
		for _, c := range []float64{p.X, p.Y, p.Z} {
			if math.IsNaN(c) || math.IsInf(c, 0) {
				err = multierr.Append(err, errors.Errorf("point %d has non-finite coordinate %v", i, p))
				break
			}
		}
	}
	return err
}
