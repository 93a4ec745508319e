// Package surface represents body-fixed ground coordinates and converts them
// between the latitudinal and rectangular systems used by the adjustment.
package surface

import (
	"fmt"
	"math"
	"strings"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// CoordinateType selects the system in which point corrections are solved.
type CoordinateType int

const (
	// Latitudinal is planetocentric latitude, longitude (radians) and local
	// radius (km).
	Latitudinal CoordinateType = iota
	// Rectangular is body-fixed X, Y, Z (km).
	Rectangular
)

func (c CoordinateType) String() string {
	switch c {
	case Latitudinal:
		return "latitudinal"
	case Rectangular:
		return "rectangular"
	default:
		return fmt.Sprintf("CoordinateType(%d)", int(c))
	}
}

// ParseCoordinateType accepts "latitudinal" or "rectangular" in any case.
func ParseCoordinateType(s string) (CoordinateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "latitudinal", "lat":
		return Latitudinal, nil
	case "rectangular", "rect":
		return Rectangular, nil
	}
	return 0, fmt.Errorf("unknown coordinate type %q", s)
}

// minCosLatitude keeps metre-to-longitude conversion finite at the poles.
const minCosLatitude = 1e-12

// Point is a body-fixed position in kilometres.
type Point struct {
	r3.Vector
}

// FromRectangular builds a point from body-fixed X, Y, Z in km.
func FromRectangular(x, y, z float64) Point {
	return Point{r3.Vector{X: x, Y: y, Z: z}}
}

// FromLatitudinal builds a point from planetocentric latitude and longitude
// in radians and a radius in km.
func FromLatitudinal(lat, lon, radius float64) Point {
	cl := math.Cos(lat)
	return Point{r3.Vector{
		X: radius * cl * math.Cos(lon),
		Y: radius * cl * math.Sin(lon),
		Z: radius * math.Sin(lat),
	}}
}

// FromCoordinates builds a point from a coordinate triple in system ct.
func FromCoordinates(ct CoordinateType, c [3]float64) Point {
	if ct == Latitudinal {
		return FromLatitudinal(c[0], c[1], c[2])
	}
	return FromRectangular(c[0], c[1], c[2])
}

// Latitude returns the planetocentric latitude in radians.
func (p Point) Latitude() float64 {
	return math.Atan2(p.Z, math.Hypot(p.X, p.Y))
}

// Longitude returns the positive-east longitude in [0, 2π).
func (p Point) Longitude() float64 {
	lon := math.Atan2(p.Y, p.X)
	if lon < 0 {
		lon += 2 * math.Pi
	}
	return lon
}

// LocalRadius returns the distance from the body centre in km.
func (p Point) LocalRadius() float64 { return p.Norm() }

// Coordinates returns the point as a triple in system ct.
func (p Point) Coordinates(ct CoordinateType) [3]float64 {
	if ct == Latitudinal {
		return [3]float64{p.Latitude(), p.Longitude(), p.LocalRadius()}
	}
	return [3]float64{p.X, p.Y, p.Z}
}

// Corrected returns the point shifted by delta expressed in system ct.
func (p Point) Corrected(ct CoordinateType, delta [3]float64) Point {
	c := p.Coordinates(ct)
	for i := range c {
		c[i] += delta[i]
	}
	return FromCoordinates(ct, c)
}

// WithRadius returns the point at the same latitude and longitude and the
// given radius.
func (p Point) WithRadius(radius float64) Point {
	return FromLatitudinal(p.Latitude(), p.Longitude(), radius)
}

// LatitudinalJacobian returns ∂(x,y,z)/∂(lat,lon,radius) at p.
func (p Point) LatitudinalJacobian() *mat.Dense {
	lat, lon, r := p.Latitude(), p.Longitude(), p.LocalRadius()
	sl, cl := math.Sincos(lat)
	so, co := math.Sincos(lon)
	return mat.NewDense(3, 3, []float64{
		-r * sl * co, -r * cl * so, cl * co,
		-r * sl * so, r * cl * co, cl * so,
		r * cl, 0, sl,
	})
}

// CoordinateJacobian returns ∂(x,y,z)/∂(coordinates in ct).
func (p Point) CoordinateJacobian(ct CoordinateType) *mat.Dense {
	if ct == Latitudinal {
		return p.LatitudinalJacobian()
	}
	j := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		j.Set(i, i, 1)
	}
	return j
}

// SigmasToCoordinates converts metre sigmas on the surface into sigmas in
// system ct: radians for latitude and longitude, km otherwise. Non-positive
// entries are passed through unchanged.
func (p Point) SigmasToCoordinates(ct CoordinateType, metres [3]float64) [3]float64 {
	var out [3]float64
	for i, m := range metres {
		if m <= 0 {
			out[i] = m
			continue
		}
		out[i] = m / 1000
	}
	if ct != Latitudinal {
		return out
	}
	r := p.LocalRadius()
	if metres[0] > 0 {
		out[0] = metres[0] / 1000 / r
	}
	if metres[1] > 0 {
		cl := math.Max(math.Abs(math.Cos(p.Latitude())), minCosLatitude)
		out[1] = metres[1] / 1000 / (r * cl)
	}
	return out
}

// SigmasToMetres is the inverse of SigmasToCoordinates.
func (p Point) SigmasToMetres(ct CoordinateType, sigmas [3]float64) [3]float64 {
	out := [3]float64{sigmas[0] * 1000, sigmas[1] * 1000, sigmas[2] * 1000}
	if ct != Latitudinal {
		return out
	}
	r := p.LocalRadius()
	cl := math.Max(math.Abs(math.Cos(p.Latitude())), minCosLatitude)
	out[0] = sigmas[0] * r * 1000
	out[1] = sigmas[1] * r * cl * 1000
	return out
}

// ConvertCovariance re-expresses a 3×3 coordinate covariance at p from one
// system to the other.
func ConvertCovariance(cov mat.Symmetric, from, to CoordinateType, p Point) (*mat.SymDense, error) {
	out := mat.NewSymDense(3, nil)
	if from == to {
		out.CopySym(cov)
		return out, nil
	}
	j := p.LatitudinalJacobian()
	if to == Latitudinal {
		var inv mat.Dense
		if err := inv.Inverse(j); err != nil {
			return nil, fmt.Errorf("latitudinal jacobian singular at %v: %w", p.Vector, err)
		}
		j = &inv
	}
	var tmp, full mat.Dense
	tmp.Mul(j, cov)
	full.Mul(&tmp, j.T())
	for r := 0; r < 3; r++ {
		for c := r; c < 3; c++ {
			out.SetSym(r, c, 0.5*(full.At(r, c)+full.At(c, r)))
		}
	}
	return out, nil
}

// Degrees converts radians to degrees.
func Degrees(rad float64) float64 { return rad * 180 / math.Pi }

// Radians converts degrees to radians.
func Radians(deg float64) float64 { return deg * math.Pi / 180 }
