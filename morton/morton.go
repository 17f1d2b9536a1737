// Package morton implements Morton (Z-order) keys for linear octrees over a
// bounded three-dimensional domain. A key interleaves the bits of a quantized
// anchor coordinate and tags the refinement level in the low bits, so that
// integer comparison of codes equals depth-first octree order.
package morton

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

const (
	// DeepestLevel is the finest refinement level a key can represent.
	DeepestLevel uint64 = 16

	// LevelDisplacement is the number of low bits reserved for the level tag.
	LevelDisplacement uint64 = 15

	// LevelSize is the number of cells along each axis at DeepestLevel.
	LevelSize uint64 = 1 << DeepestLevel

	levelMask        uint64 = 0x7FFF
	byteMask         uint64 = 0xFF
	byteDisplacement uint64 = 8
	nineBitMask      uint64 = 0x1FF
)

// Root is the key of the whole domain at level zero.
var Root = Key{}

// Structural errors surfaced by key navigation.
var (
	ErrNoParent         = errors.New("root key has no parent")
	ErrDeepestLevel     = errors.New("key at deepest level has no children")
	ErrAnchorOutOfRange = errors.New("anchor component out of range")
)

// Key identifies one octant of the domain. The anchor holds the integer
// coordinates of the octant's lower corner at DeepestLevel resolution; the
// code is the interleaved Morton representation with the level tagged in the
// low LevelDisplacement bits. Equality and ordering are defined on the code
// alone.
type Key struct {
	Anchor [3]uint64
	Code   uint64
}

// FromAnchor returns the key of the deepest-level cell anchored at the given
// integer coordinates.
func FromAnchor(anchor [3]uint64) (Key, error) {
	for axis, a := range anchor {
		if a >= LevelSize {
			return Key{}, errors.Wrapf(ErrAnchorOutOfRange, "axis %d value %d", axis, a)
		}
	}
	return Key{Anchor: anchor, Code: encodeAnchor(anchor, DeepestLevel)}, nil
}

// FromPoint returns the key of the deepest-level cell enclosing the point
// under the given domain. Points on or beyond the upper domain boundary are
// clamped into the last cell along the affected axis; this is the only place
// coordinates are silently adjusted.
func FromPoint(p r3.Vector, d Domain) Key {
	anchor := [3]uint64{}
	coords := [3]float64{p.X, p.Y, p.Z}
	origin := [3]float64{d.Origin.X, d.Origin.Y, d.Origin.Z}
	diameter := [3]float64{d.Diameter.X, d.Diameter.Y, d.Diameter.Z}
	for axis := 0; axis < 3; axis++ {
		scaled := (coords[axis] - origin[axis]) / diameter[axis] * float64(LevelSize)
		if scaled < 0 {
			scaled = 0
		}
		a := uint64(scaled)
		if a >= LevelSize {
			a = LevelSize - 1
		}
		anchor[axis] = a
	}
	return Key{Anchor: anchor, Code: encodeAnchor(anchor, DeepestLevel)}
}

// FromCode decodes a Morton code back into a full key. It is the inverse of
// encoding for every valid anchor.
func FromCode(code uint64) Key {
	return Key{Anchor: decodeCode(code), Code: code}
}

// Level returns the refinement level tagged in the key.
func (k Key) Level() uint64 {
	return k.Code & levelMask
}

// Less reports whether k precedes o in depth-first octree order.
func (k Key) Less(o Key) bool {
	return k.Code < o.Code
}

// Parent returns the enclosing key one level coarser.
func (k Key) Parent() (Key, error) {
	level := k.Level()
	if level == 0 {
		return Key{}, ErrNoParent
	}
	payload := k.Code >> LevelDisplacement
	parentLevel := level - 1
	shift := 3 * (DeepestLevel - parentLevel)
	payload = payload >> shift << shift
	return FromCode(payload<<LevelDisplacement | parentLevel), nil
}

// FirstChild returns the first child in Morton order.
func (k Key) FirstChild() (Key, error) {
	if k.Level() == DeepestLevel {
		return Key{}, ErrDeepestLevel
	}
	return Key{Anchor: k.Anchor, Code: k.Code + 1}, nil
}

// Children returns all eight children in Morton order, octant index running
// over z, y, x bits.
func (k Key) Children() ([]Key, error) {
	level := k.Level()
	if level == DeepestLevel {
		return nil, ErrDeepestLevel
	}
	payload := k.Code >> LevelDisplacement
	shift := 3 * (DeepestLevel - level - 1)
	children := make([]Key, 8)
	for octant := uint64(0); octant < 8; octant++ {
		code := (payload|octant<<shift)<<LevelDisplacement | (level + 1)
		children[octant] = FromCode(code)
	}
	return children, nil
}

// Siblings returns all children of the key's parent, including the key itself.
func (k Key) Siblings() ([]Key, error) {
	parent, err := k.Parent()
	if err != nil {
		return nil, err
	}
	return parent.Children()
}

// Ancestors returns the chain of strictly enclosing keys up to and including
// the root, ordered finest first.
func (k Key) Ancestors() []Key {
	ancestors := make([]Key, 0, k.Level())
	current := k
	for current.Level() > 0 {
		current, _ = current.Parent()
		ancestors = append(ancestors, current)
	}
	return ancestors
}

// FinestAncestor returns the deepest key enclosing both k and o.
func (k Key) FinestAncestor(o Key) Key {
	if k == o {
		return k
	}
	current := k
	for !current.IsAncestor(o) {
		current, _ = current.Parent()
	}
	return current
}

// FinestFirstChild returns the first descendant of k at DeepestLevel.
func (k Key) FinestFirstChild() Key {
	if k.Level() == DeepestLevel {
		return k
	}
	return Key{Anchor: k.Anchor, Code: k.Code + DeepestLevel - k.Level()}
}

// FinestLastChild returns the last descendant of k at DeepestLevel.
func (k Key) FinestLastChild() Key {
	if k.Level() == DeepestLevel {
		return k
	}
	payload := k.Code >> LevelDisplacement
	payload |= 1<<(3*(DeepestLevel-k.Level())) - 1
	return FromCode(payload<<LevelDisplacement | DeepestLevel)
}

// IsAncestor reports whether k encloses o, comparing o's payload truncated to
// k's level. A key counts as an ancestor of itself.
func (k Key) IsAncestor(o Key) bool {
	if k.Level() > o.Level() {
		return false
	}
	shift := 3 * (DeepestLevel - k.Level())
	return o.Code>>LevelDisplacement>>shift == k.Code>>LevelDisplacement>>shift
}

// IsDescendant reports whether k lies within o.
func (k Key) IsDescendant(o Key) bool {
	return o.IsAncestor(k)
}

// ToCoordinates returns the physical coordinates of the key's anchor under
// the given domain.
func (k Key) ToCoordinates(d Domain) r3.Vector {
	return r3.Vector{
		X: d.Origin.X + d.Diameter.X*float64(k.Anchor[0])/float64(LevelSize),
		Y: d.Origin.Y + d.Diameter.Y*float64(k.Anchor[1])/float64(LevelSize),
		Z: d.Origin.Z + d.Diameter.Z*float64(k.Anchor[2])/float64(LevelSize),
	}
}

// BoxCoordinates returns the eight corner coordinates of the key's box. The
// corner order is fixed by the binary contract: with the anchor at the lower
// corner, the offsets run (0,0,0), (1,0,0), (0,1,0), (1,1,0), (0,0,1),
// (1,0,1), (0,1,1), (1,1,1) in x, y, z.
func (k Key) BoxCoordinates(d Domain) [8]r3.Vector {
	step := uint64(1) << (DeepestLevel - k.Level())
	var corners [8]r3.Vector
	for i := 0; i < 8; i++ {
		anchor := k.Anchor
		if i&1 != 0 {
			anchor[0] += step
		}
		if i&2 != 0 {
			anchor[1] += step
		}
		if i&4 != 0 {
			anchor[2] += step
		}
		corners[i] = r3.Vector{
			X: d.Origin.X + d.Diameter.X*float64(anchor[0])/float64(LevelSize),
			Y: d.Origin.Y + d.Diameter.Y*float64(anchor[1])/float64(LevelSize),
			Z: d.Origin.Z + d.Diameter.Z*float64(anchor[2])/float64(LevelSize),
		}
	}
	return corners
}

// KeyInDirection returns the key at the same level reached by moving the
// given number of cells along each axis. The second return is false when the
// move leaves the domain; there is no wrap-around.
func (k Key) KeyInDirection(direction [3]int) (Key, bool) {
	level := k.Level()
	maxBoxes := int64(1) << level
	step := int64(1) << (DeepestLevel - level)

	var anchor [3]uint64
	for axis := 0; axis < 3; axis++ {
		moved := int64(k.Anchor[axis]) + step*int64(direction[axis])
		if moved < 0 || moved >= maxBoxes*step {
			return Key{}, false
		}
		anchor[axis] = uint64(moved)
	}
	return Key{Anchor: anchor, Code: encodeAnchor(anchor, level)}, true
}

func encodeAnchor(anchor [3]uint64, level uint64) uint64 {
	x, y, z := anchor[0], anchor[1], anchor[2]

	code := zLookupEncode[z>>byteDisplacement&byteMask] |
		yLookupEncode[y>>byteDisplacement&byteMask] |
		xLookupEncode[x>>byteDisplacement&byteMask]
	code = code<<24 |
		zLookupEncode[z&byteMask] |
		yLookupEncode[y&byteMask] |
		xLookupEncode[x&byteMask]
	return code<<LevelDisplacement | level
}

func decodeCode(code uint64) [3]uint64 {
	payload := code >> LevelDisplacement
	return [3]uint64{
		decodeComponent(payload, &xLookupDecode),
		decodeComponent(payload, &yLookupDecode),
		decodeComponent(payload, &zLookupDecode),
	}
}

func decodeComponent(payload uint64, table *[512]uint64) uint64 {
	var coord uint64
	for i := uint64(0); i < 7; i++ {
		coord |= table[payload>>(9*i)&nineBitMask] << (3 * i)
	}
	return coord
}
