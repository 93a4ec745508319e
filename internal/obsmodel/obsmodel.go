// Package obsmodel defines the per-image geometric model consumed by the
// bundle adjustment: projection of ground points into the focal plane and
// the partial derivatives of that projection.
package obsmodel

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/jigsaw/internal/surface"
)

// ErrProjection marks a ground point that cannot be projected into an image
// (behind the sensor, occluded by the body, or outside the model's domain).
// Callers skip the measure for the current iteration.
var ErrProjection = errors.New("projection failure")

// Model projects ground points for one image and differentiates the
// projection. Focal-plane coordinates are millimetres.
type Model interface {
	// SetImage positions the model at an image coordinate (time-dependent
	// sensors select the exposure time of that line).
	SetImage(sample, line float64) error
	// FocalPlane converts a measured image coordinate to focal-plane mm.
	FocalPlane(sample, line float64) (x, y float64)
	// PixelPitch is the focal-plane size of one pixel in mm.
	PixelPitch() float64
	// ProjectGround returns the predicted focal-plane coordinate of p.
	ProjectGround(p surface.Point) (x, y float64, err error)
	// TargetPartials returns the 2×k partials with respect to the selected
	// target-body parameters, in selection order.
	TargetPartials(p surface.Point, sel []TargetParameter) (*mat.Dense, error)
	// ImagePartials returns the 2×n partials with respect to the solved
	// exterior orientation coefficients (see ImageSelection for ordering).
	ImagePartials(p surface.Point, sel ImageSelection) (*mat.Dense, error)
	// PointPartials returns the 2×3 partials with respect to the point in
	// the given coordinate system.
	PointPartials(p surface.Point, ct surface.CoordinateType) (*mat.Dense, error)
}

// Oriented is a model whose exterior orientation and target state are owned
// by the adjustment and pushed back after each correction.
type Oriented interface {
	ExteriorOrientation() ExteriorOrientation
	SetExteriorOrientation(eo ExteriorOrientation) error
	SetTarget(t TargetState)
	// TimeDependent reports whether exposure time varies across the image.
	TimeDependent() bool
}

// Ranging exposes the instrument state needed by lidar range constraints.
type Ranging interface {
	InstrumentState() (InstrumentState, error)
}

// Sensor is everything the adjustment needs from an image.
type Sensor interface {
	Model
	Oriented
	Ranging
}

// ExteriorOrientation holds the polynomial coefficients of the instrument
// position (J2000, km, per axis X/Y/Z) and pointing (radians, per angle
// RA/DEC/TWIST) in scaled time.
type ExteriorOrientation struct {
	Position [3][]float64
	Pointing [3][]float64
}

// Clone returns a deep copy.
func (eo ExteriorOrientation) Clone() ExteriorOrientation {
	var out ExteriorOrientation
	for i := 0; i < 3; i++ {
		out.Position[i] = append([]float64(nil), eo.Position[i]...)
		out.Pointing[i] = append([]float64(nil), eo.Pointing[i]...)
	}
	return out
}

// ImageSelection chooses the solved exterior orientation coefficients. The
// parameter vector is ordered X coefficients, Y, Z, then RA, DEC and, when
// SolveTwist is set, TWIST, each lowest order first.
type ImageSelection struct {
	PositionCoefficients int
	PointingCoefficients int
	SolveTwist           bool
}

// Count returns the number of solved parameters.
func (s ImageSelection) Count() int {
	angles := 2
	if s.SolveTwist {
		angles = 3
	}
	if s.PointingCoefficients == 0 {
		angles = 0
	}
	return 3*s.PositionCoefficients + angles*s.PointingCoefficients
}

// Names returns a label per solved parameter, e.g. "X1" or "TWIST0".
func (s ImageSelection) Names() []string {
	var names []string
	for _, axis := range []string{"X", "Y", "Z"} {
		for k := 0; k < s.PositionCoefficients; k++ {
			names = append(names, fmt.Sprintf("%s%d", axis, k))
		}
	}
	if s.PointingCoefficients == 0 {
		return names
	}
	angles := []string{"RA", "DEC"}
	if s.SolveTwist {
		angles = append(angles, "TWIST")
	}
	for _, a := range angles {
		for k := 0; k < s.PointingCoefficients; k++ {
			names = append(names, fmt.Sprintf("%s%d", a, k))
		}
	}
	return names
}

// InstrumentState is the spacecraft state at the current image.
type InstrumentState struct {
	// BodyFixedPosition is the spacecraft position in the target frame (km).
	BodyFixedPosition surface.Point
	// J2000ToBody rotates J2000 vectors into the target frame.
	J2000ToBody *mat.Dense
	// ScaledTime is the polynomial time variable τ.
	ScaledTime float64
}

// TargetParameter names a solvable target-body parameter.
type TargetParameter int

const (
	PoleRA TargetParameter = iota
	PoleRAVelocity
	PoleRAAcceleration
	PoleDec
	PoleDecVelocity
	PoleDecAcceleration
	PrimeMeridian
	PrimeMeridianVelocity
	PrimeMeridianAcceleration
	RadiusA
	RadiusB
	RadiusC
	MeanRadius
	numTargetParameters
)

var targetParameterNames = [...]string{
	PoleRA:                    "pole_ra",
	PoleRAVelocity:            "pole_ra_velocity",
	PoleRAAcceleration:        "pole_ra_acceleration",
	PoleDec:                   "pole_dec",
	PoleDecVelocity:           "pole_dec_velocity",
	PoleDecAcceleration:       "pole_dec_acceleration",
	PrimeMeridian:             "pm",
	PrimeMeridianVelocity:     "pm_velocity",
	PrimeMeridianAcceleration: "pm_acceleration",
	RadiusA:                   "radius_a",
	RadiusB:                   "radius_b",
	RadiusC:                   "radius_c",
	MeanRadius:                "mean_radius",
}

func (p TargetParameter) String() string {
	if p >= 0 && p < numTargetParameters {
		return targetParameterNames[p]
	}
	return fmt.Sprintf("TargetParameter(%d)", int(p))
}

// IsAngle reports whether the parameter is an angle (radians) rather than a
// length (km).
func (p TargetParameter) IsAngle() bool { return p < RadiusA }

// ParseTargetParameter resolves a parameter name.
func ParseTargetParameter(s string) (TargetParameter, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range targetParameterNames {
		if n == s {
			return TargetParameter(i), nil
		}
	}
	return 0, fmt.Errorf("unknown target parameter %q", s)
}

// RadiusMode selects how body radii enter the adjustment.
type RadiusMode int

const (
	// RadiusNone keeps the radii fixed.
	RadiusNone RadiusMode = iota
	// RadiusMean ties every point to a single solved mean radius.
	RadiusMean
	// RadiusTriaxial solves the three ellipsoid radii.
	RadiusTriaxial
)

// TargetState is the orientation and shape of the target body. Angles are
// radians and their rates are per day; radii are km.
type TargetState struct {
	PoleRA        [3]float64
	PoleDec       [3]float64
	PrimeMeridian [3]float64
	Radii         [3]float64
	MeanRadius    float64
	RadiusMode    RadiusMode
}

// Value returns the current value of p.
func (t TargetState) Value(p TargetParameter) float64 {
	switch {
	case p <= PoleRAAcceleration:
		return t.PoleRA[p-PoleRA]
	case p <= PoleDecAcceleration:
		return t.PoleDec[p-PoleDec]
	case p <= PrimeMeridianAcceleration:
		return t.PrimeMeridian[p-PrimeMeridian]
	case p <= RadiusC:
		return t.Radii[p-RadiusA]
	default:
		return t.MeanRadius
	}
}

// With returns a copy of t with p set to v.
func (t TargetState) With(p TargetParameter, v float64) TargetState {
	switch {
	case p <= PoleRAAcceleration:
		t.PoleRA[p-PoleRA] = v
	case p <= PoleDecAcceleration:
		t.PoleDec[p-PoleDec] = v
	case p <= PrimeMeridianAcceleration:
		t.PrimeMeridian[p-PrimeMeridian] = v
	case p <= RadiusC:
		t.Radii[p-RadiusA] = v
	default:
		t.MeanRadius = v
	}
	return t
}

// SurfaceRadius returns the radius at which a point at lat/lon sits when the
// body shape is solved: the mean radius, or the triaxial ellipsoid radius.
// ok is false when the radius mode leaves point radii free.
func (t TargetState) SurfaceRadius(lat, lon float64) (r float64, ok bool) {
	switch t.RadiusMode {
	case RadiusMean:
		return t.MeanRadius, true
	case RadiusTriaxial:
		return EllipsoidRadius(t.Radii, lat, lon), true
	default:
		return 0, false
	}
}

// EllipsoidRadius returns the radius of a triaxial ellipsoid with radii
// (a, b, c) along the planetocentric direction (lat, lon).
func EllipsoidRadius(radii [3]float64, lat, lon float64) float64 {
	sl, cl := math.Sincos(lat)
	so, co := math.Sincos(lon)
	x := cl * co / radii[0]
	y := cl * so / radii[1]
	z := sl / radii[2]
	return 1 / math.Sqrt(x*x+y*y+z*z)
}
