// Package camera implements a framing camera whose exterior orientation is a
// polynomial in scaled time and whose target body rotates with IAU-style pole
// and prime-meridian polynomials.
package camera

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/jigsaw/internal/obsmodel"
	"github.com/banshee-data/jigsaw/internal/surface"
)

// secondsPerDay converts exposure time to the target rotation time base.
const secondsPerDay = 86400.0

// Config describes one framing exposure.
type Config struct {
	FocalLength  float64 // mm
	PixelPitch   float64 // mm per pixel
	CenterSample float64
	CenterLine   float64
	// Time is the exposure time in seconds past J2000.
	Time float64
	// BaseTime and TimeScale define τ = (Time-BaseTime)/TimeScale for the
	// orientation polynomials. A zero scale is treated as one.
	BaseTime    float64
	TimeScale   float64
	Orientation obsmodel.ExteriorOrientation
	Target      obsmodel.TargetState
}

// Framing is a pinhole camera with a single exposure time.
type Framing struct {
	focal, pitch   float64
	cSample, cLine float64
	time, tau      float64
	base, scale    float64

	eo     obsmodel.ExteriorOrientation
	target obsmodel.TargetState

	// Derived state, refreshed whenever eo or target change.
	position r3.Vector // J2000 km
	cj       rotation  // J2000 -> camera
	tb       rotation  // J2000 -> body

	fdSettings *fd.JacobianSettings
}

var _ obsmodel.Sensor = (*Framing)(nil)

// NewFraming validates cfg and returns the camera.
func NewFraming(cfg Config) (*Framing, error) {
	if cfg.FocalLength <= 0 {
		return nil, fmt.Errorf("focal length must be positive, got %g", cfg.FocalLength)
	}
	if cfg.PixelPitch <= 0 {
		return nil, fmt.Errorf("pixel pitch must be positive, got %g", cfg.PixelPitch)
	}
	scale := cfg.TimeScale
	if scale == 0 {
		scale = 1
	}
	f := &Framing{
		focal:   cfg.FocalLength,
		pitch:   cfg.PixelPitch,
		cSample: cfg.CenterSample,
		cLine:   cfg.CenterLine,
		time:    cfg.Time,
		tau:     (cfg.Time - cfg.BaseTime) / scale,
		base:    cfg.BaseTime,
		scale:   scale,
		target:  cfg.Target,
		fdSettings: &fd.JacobianSettings{
			Formula: fd.Central,
		},
	}
	if err := f.SetExteriorOrientation(cfg.Orientation); err != nil {
		return nil, err
	}
	return f, nil
}

// ScaledTime returns τ for this exposure.
func (f *Framing) ScaledTime() float64 { return f.tau }

// SetImage is a no-op: a framing exposure has one time for every pixel.
func (f *Framing) SetImage(sample, line float64) error { return nil }

// TimeDependent reports false for framing exposures.
func (f *Framing) TimeDependent() bool { return false }

// PixelPitch returns the focal-plane pixel size in mm.
func (f *Framing) PixelPitch() float64 { return f.pitch }

// FocalPlane converts an image coordinate to focal-plane mm.
func (f *Framing) FocalPlane(sample, line float64) (x, y float64) {
	return (sample - f.cSample) * f.pitch, (line - f.cLine) * f.pitch
}

// ImageCoordinate converts focal-plane mm to an image coordinate.
func (f *Framing) ImageCoordinate(x, y float64) (sample, line float64) {
	return x/f.pitch + f.cSample, y/f.pitch + f.cLine
}

// ExteriorOrientation returns a copy of the current coefficients.
func (f *Framing) ExteriorOrientation() obsmodel.ExteriorOrientation { return f.eo.Clone() }

// SetExteriorOrientation replaces the coefficients. Every axis and angle
// needs at least one coefficient.
func (f *Framing) SetExteriorOrientation(eo obsmodel.ExteriorOrientation) error {
	for i := 0; i < 3; i++ {
		if len(eo.Position[i]) == 0 {
			return fmt.Errorf("position axis %d has no coefficients", i)
		}
		if len(eo.Pointing[i]) == 0 {
			return fmt.Errorf("pointing angle %d has no coefficients", i)
		}
	}
	f.eo = eo.Clone()
	f.refresh()
	return nil
}

// Config returns the configuration that rebuilds the camera in its
// current state.
func (f *Framing) Config() Config {
	return Config{
		FocalLength:  f.focal,
		PixelPitch:   f.pitch,
		CenterSample: f.cSample,
		CenterLine:   f.cLine,
		Time:         f.time,
		BaseTime:     f.base,
		TimeScale:    f.scale,
		Orientation:  f.eo.Clone(),
		Target:       f.target,
	}
}

// Target returns the current target state.
func (f *Framing) Target() obsmodel.TargetState { return f.target }

// SetTarget replaces the target state.
func (f *Framing) SetTarget(t obsmodel.TargetState) {
	f.target = t
	f.refresh()
}

func (f *Framing) refresh() {
	f.position = positionAt(f.eo, f.tau)
	f.cj = pointingAt(f.eo, f.tau)
	f.tb = bodyRotation(f.target, f.time/secondsPerDay)
}

func positionAt(eo obsmodel.ExteriorOrientation, tau float64) r3.Vector {
	return r3.Vector{
		X: polynomial(eo.Position[0], tau),
		Y: polynomial(eo.Position[1], tau),
		Z: polynomial(eo.Position[2], tau),
	}
}

func pointingAt(eo obsmodel.ExteriorOrientation, tau float64) rotation {
	return poleRotation(
		polynomial(eo.Pointing[0], tau),
		polynomial(eo.Pointing[1], tau),
		polynomial(eo.Pointing[2], tau),
	)
}

func bodyRotation(t obsmodel.TargetState, days float64) rotation {
	return poleRotation(
		polynomial(t.PoleRA[:], days),
		polynomial(t.PoleDec[:], days),
		polynomial(t.PrimeMeridian[:], days),
	)
}

// SpacecraftPosition returns the J2000 instrument position in km.
func (f *Framing) SpacecraftPosition() r3.Vector { return f.position }

// BodyToJ2000 rotates a body-fixed vector into J2000.
func (f *Framing) BodyToJ2000(v r3.Vector) r3.Vector { return f.tb.applyT(v) }

// J2000ToBody rotates a J2000 vector into the body frame.
func (f *Framing) J2000ToBody(v r3.Vector) r3.Vector { return f.tb.apply(v) }

// InstrumentState returns the body-fixed spacecraft position and frame.
func (f *Framing) InstrumentState() (obsmodel.InstrumentState, error) {
	return obsmodel.InstrumentState{
		BodyFixedPosition: surface.Point{Vector: f.tb.apply(f.position)},
		J2000ToBody:       f.tb.dense(),
		ScaledTime:        f.tau,
	}, nil
}

// cameraVector returns the point in camera coordinates, or a projection
// error when it is behind the camera or on the far side of the body.
func cameraVector(p r3.Vector, position r3.Vector, cj, tb rotation) (r3.Vector, error) {
	bodyPosition := tb.apply(position)
	if bodyPosition.Sub(p).Dot(p) <= 0 {
		return r3.Vector{}, fmt.Errorf("point %v on the far side of the body: %w", p, obsmodel.ErrProjection)
	}
	c := cj.apply(tb.applyT(p).Sub(position))
	if c.Z <= 0 {
		return r3.Vector{}, fmt.Errorf("point %v behind the camera: %w", p, obsmodel.ErrProjection)
	}
	return c, nil
}

func (f *Framing) focalPlane(c r3.Vector) (float64, float64) {
	return f.focal * c.X / c.Z, f.focal * c.Y / c.Z
}

// ProjectGround returns the predicted focal-plane coordinate of p.
func (f *Framing) ProjectGround(p surface.Point) (x, y float64, err error) {
	c, err := cameraVector(p.Vector, f.position, f.cj, f.tb)
	if err != nil {
		return 0, 0, err
	}
	x, y = f.focalPlane(c)
	return x, y, nil
}

// projectionJacobian returns ∂(x,y)/∂c for camera vector c.
func (f *Framing) projectionJacobian(c r3.Vector) *mat.Dense {
	s := f.focal / c.Z
	return mat.NewDense(2, 3, []float64{
		s, 0, -s * c.X / c.Z,
		0, s, -s * c.Y / c.Z,
	})
}

// PointPartials returns ∂(x,y)/∂point in system ct.
func (f *Framing) PointPartials(p surface.Point, ct surface.CoordinateType) (*mat.Dense, error) {
	c, err := cameraVector(p.Vector, f.position, f.cj, f.tb)
	if err != nil {
		return nil, err
	}
	dcdp := f.cj.mul(f.transposeTB()).dense()
	out := mat.NewDense(2, 3, nil)
	out.Mul(f.projectionJacobian(c), dcdp)
	if ct == surface.Latitudinal {
		var lat mat.Dense
		lat.Mul(out, p.LatitudinalJacobian())
		return &lat, nil
	}
	return out, nil
}

func (f *Framing) transposeTB() rotation {
	var t rotation
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			t[i][j] = f.tb[j][i]
		}
	}
	return t
}

// ImagePartials returns ∂(x,y)/∂coefficients for the selection. Position
// partials are analytic; pointing partials are central differences.
func (f *Framing) ImagePartials(p surface.Point, sel obsmodel.ImageSelection) (*mat.Dense, error) {
	n := sel.Count()
	if n == 0 {
		return nil, errors.New("no image parameters selected")
	}
	c, err := cameraVector(p.Vector, f.position, f.cj, f.tb)
	if err != nil {
		return nil, err
	}
	out := mat.NewDense(2, n, nil)
	col := 0

	if sel.PositionCoefficients > 0 {
		jp := f.projectionJacobian(c)
		for axis := 0; axis < 3; axis++ {
			// ∂c/∂s_axis = -CJ column axis.
			d := f.cj.column(axis).Mul(-1)
			dx := jp.At(0, 0)*d.X + jp.At(0, 1)*d.Y + jp.At(0, 2)*d.Z
			dy := jp.At(1, 0)*d.X + jp.At(1, 1)*d.Y + jp.At(1, 2)*d.Z
			tk := 1.0
			for k := 0; k < sel.PositionCoefficients; k++ {
				out.Set(0, col, dx*tk)
				out.Set(1, col, dy*tk)
				tk *= f.tau
				col++
			}
		}
	}

	if sel.PointingCoefficients > 0 {
		angles := 2
		if sel.SolveTwist {
			angles = 3
		}
		type ref struct{ angle, k int }
		var refs []ref
		var x0 []float64
		for a := 0; a < angles; a++ {
			for k := 0; k < sel.PointingCoefficients; k++ {
				refs = append(refs, ref{a, k})
				x0 = append(x0, coefficient(f.eo.Pointing[a], k))
			}
		}
		eo := f.eo.Clone()
		for a := 0; a < angles; a++ {
			eo.Pointing[a] = padded(eo.Pointing[a], sel.PointingCoefficients)
		}
		failed := false
		jac := mat.NewDense(2, len(refs), nil)
		fd.Jacobian(jac, func(y, x []float64) {
			for i, r := range refs {
				eo.Pointing[r.angle][r.k] = x[i]
			}
			cv, err := cameraVector(p.Vector, f.position, pointingAt(eo, f.tau), f.tb)
			if err != nil {
				failed = true
				y[0], y[1] = math.NaN(), math.NaN()
				return
			}
			y[0], y[1] = f.focalPlane(cv)
		}, x0, f.fdSettings)
		if failed {
			return nil, fmt.Errorf("pointing partials: %w", obsmodel.ErrProjection)
		}
		for i := range refs {
			out.Set(0, col, jac.At(0, i))
			out.Set(1, col, jac.At(1, i))
			col++
		}
	}
	return out, nil
}

// TargetPartials returns ∂(x,y)/∂target parameters by central differences.
// Radius parameters move the point along its radius vector so that it stays
// on the body surface.
func (f *Framing) TargetPartials(p surface.Point, sel []obsmodel.TargetParameter) (*mat.Dense, error) {
	if len(sel) == 0 {
		return nil, errors.New("no target parameters selected")
	}
	if _, err := cameraVector(p.Vector, f.position, f.cj, f.tb); err != nil {
		return nil, err
	}
	x0 := make([]float64, len(sel))
	for i, tp := range sel {
		x0[i] = f.target.Value(tp)
	}
	lat, lon := p.Latitude(), p.Longitude()
	days := f.time / secondsPerDay

	failed := false
	jac := mat.NewDense(2, len(sel), nil)
	fd.Jacobian(jac, func(y, x []float64) {
		t := f.target
		radiusMoved := false
		for i, tp := range sel {
			t = t.With(tp, x[i])
			if !tp.IsAngle() {
				radiusMoved = true
			}
		}
		q := p
		if radiusMoved {
			if r, ok := t.SurfaceRadius(lat, lon); ok {
				q = p.WithRadius(r)
			}
		}
		cv, err := cameraVector(q.Vector, f.position, f.cj, bodyRotation(t, days))
		if err != nil {
			failed = true
			y[0], y[1] = math.NaN(), math.NaN()
			return
		}
		y[0], y[1] = f.focalPlane(cv)
	}, x0, f.fdSettings)
	if failed {
		return nil, fmt.Errorf("target partials: %w", obsmodel.ErrProjection)
	}
	return jac, nil
}

func coefficient(c []float64, k int) float64 {
	if k < len(c) {
		return c[k]
	}
	return 0
}

func padded(c []float64, n int) []float64 {
	for len(c) < n {
		c = append(c, 0)
	}
	return c
}

// PointingTowards returns the (ra, dec) of a J2000 direction.
func PointingTowards(dir r3.Vector) (ra, dec float64) {
	n := dir.Normalize()
	return math.Atan2(n.Y, n.X), math.Asin(n.Z)
}
