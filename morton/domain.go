package morton

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// ErrInvalidDiameter is returned for domains with a non-positive extent.
var ErrInvalidDiameter = errors.New("domain diameter must be positive on every axis")

// Domain is the axis-aligned bounding box all keys are quantized against.
// Origin is the lower corner, Diameter the extent along each axis.
type Domain struct {
	Origin   r3.Vector
	Diameter r3.Vector
}

// NewDomain validates and returns a domain.
func NewDomain(origin, diameter r3.Vector) (Domain, error) {
	if diameter.X <= 0 || diameter.Y <= 0 || diameter.Z <= 0 {
		return Domain{}, errors.Wrapf(ErrInvalidDiameter, "diameter %v", diameter)
	}
	return Domain{Origin: origin, Diameter: diameter}, nil
}

// NewDomainFromBounds returns the domain spanning the given lower and upper
// corners, guarding zero-width axes with a unit diameter.
func NewDomainFromBounds(lower, upper r3.Vector) Domain {
	return Domain{Origin: lower, Diameter: guardDiameter(upper.Sub(lower))}
}

// DomainFromPoints returns the tightest box enclosing the given points.
// An axis along which all points coincide gets a unit diameter so that
// quantization stays defined.
func DomainFromPoints(points []r3.Vector) Domain {
	if len(points) == 0 {
		return Domain{Diameter: r3.Vector{X: 1, Y: 1, Z: 1}}
	}

	xs := make([]float64, len(points))
	ys := make([]float64, len(points))
	zs := make([]float64, len(points))
	for i, p := range points {
		xs[i], ys[i], zs[i] = p.X, p.Y, p.Z
	}

	return NewDomainFromBounds(
		r3.Vector{X: floats.Min(xs), Y: floats.Min(ys), Z: floats.Min(zs)},
		r3.Vector{X: floats.Max(xs), Y: floats.Max(ys), Z: floats.Max(zs)},
	)
}

func guardDiameter(d r3.Vector) r3.Vector {
	if d.X <= 0 {
		d.X = 1
	}
	if d.Y <= 0 {
		d.Y = 1
	}
	if d.Z <= 0 {
		d.Z = 1
	}
	return d
}
