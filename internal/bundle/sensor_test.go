package bundle

import (
	"errors"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/jigsaw/internal/obsmodel"
	"github.com/banshee-data/jigsaw/internal/surface"
)

// planeSensor is a pinhole looking straight down the body -Z axis with its
// focal plane axes along body X and Y. The body frame is J2000, so
// position coefficients are body-fixed km. Pointing and target parameters
// are not supported.
type planeSensor struct {
	focal  float64 // mm
	pitch  float64 // mm
	centre float64 // pixels
	tau    float64
	eo     obsmodel.ExteriorOrientation
}

func newPlaneSensor(pos r3.Vector, tau float64) *planeSensor {
	return &planeSensor{
		focal:  100,
		pitch:  0.01,
		centre: 1024,
		tau:    tau,
		eo: obsmodel.ExteriorOrientation{
			Position: [3][]float64{{pos.X}, {pos.Y}, {pos.Z}},
			Pointing: [3][]float64{{0}, {0}, {0}},
		},
	}
}

var _ obsmodel.Sensor = (*planeSensor)(nil)

func (s *planeSensor) position() r3.Vector {
	var v [3]float64
	for axis := range v {
		for k, c := range s.eo.Position[axis] {
			v[axis] += c * math.Pow(s.tau, float64(k))
		}
	}
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}
}

func (s *planeSensor) SetImage(sample, line float64) error { return nil }
func (s *planeSensor) PixelPitch() float64                 { return s.pitch }
func (s *planeSensor) TimeDependent() bool                 { return false }
func (s *planeSensor) SetTarget(obsmodel.TargetState)      {}

func (s *planeSensor) FocalPlane(sample, line float64) (float64, float64) {
	return (sample - s.centre) * s.pitch, (line - s.centre) * s.pitch
}

func (s *planeSensor) imageCoordinate(x, y float64) (float64, float64) {
	return x/s.pitch + s.centre, y/s.pitch + s.centre
}

func (s *planeSensor) ExteriorOrientation() obsmodel.ExteriorOrientation { return s.eo.Clone() }

func (s *planeSensor) SetExteriorOrientation(eo obsmodel.ExteriorOrientation) error {
	s.eo = eo.Clone()
	return nil
}

func (s *planeSensor) ProjectGround(p surface.Point) (float64, float64, error) {
	sc := s.position()
	d := sc.Z - p.Z
	if d <= 0 {
		return 0, 0, obsmodel.ErrProjection
	}
	return s.focal * (p.X - sc.X) / d, s.focal * (p.Y - sc.Y) / d, nil
}

// rectangularPartials returns ∂(x,y)/∂(X,Y,Z) of the point.
func (s *planeSensor) rectangularPartials(p surface.Point) (*mat.Dense, error) {
	sc := s.position()
	d := sc.Z - p.Z
	if d <= 0 {
		return nil, obsmodel.ErrProjection
	}
	f := s.focal
	return mat.NewDense(2, 3, []float64{
		f / d, 0, f * (p.X - sc.X) / (d * d),
		0, f / d, f * (p.Y - sc.Y) / (d * d),
	}), nil
}

func (s *planeSensor) PointPartials(p surface.Point, ct surface.CoordinateType) (*mat.Dense, error) {
	r, err := s.rectangularPartials(p)
	if err != nil {
		return nil, err
	}
	var out mat.Dense
	out.Mul(r, p.CoordinateJacobian(ct))
	return &out, nil
}

func (s *planeSensor) ImagePartials(p surface.Point, sel obsmodel.ImageSelection) (*mat.Dense, error) {
	if sel.PointingCoefficients > 0 {
		return nil, errors.New("plane sensor has no pointing model")
	}
	r, err := s.rectangularPartials(p)
	if err != nil {
		return nil, err
	}
	out := mat.NewDense(2, sel.Count(), nil)
	col := 0
	for axis := 0; axis < 3; axis++ {
		for k := 0; k < sel.PositionCoefficients; k++ {
			t := math.Pow(s.tau, float64(k))
			// Moving the sensor is moving the point the other way.
			out.Set(0, col, -r.At(0, axis)*t)
			out.Set(1, col, -r.At(1, axis)*t)
			col++
		}
	}
	return out, nil
}

func (s *planeSensor) TargetPartials(surface.Point, []obsmodel.TargetParameter) (*mat.Dense, error) {
	return nil, errors.New("plane sensor has no target model")
}

func (s *planeSensor) InstrumentState() (obsmodel.InstrumentState, error) {
	return obsmodel.InstrumentState{
		BodyFixedPosition: surface.Point{Vector: s.position()},
		J2000ToBody:       identity3(),
		ScaledTime:        s.tau,
	}, nil
}

// surfaceState is a stationary instrument at pos with an aligned body frame.
func surfaceState(pos r3.Vector) obsmodel.InstrumentState {
	return obsmodel.InstrumentState{
		BodyFixedPosition: surface.Point{Vector: pos},
		J2000ToBody:       identity3(),
	}
}

func identity3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

// planeNetwork holds a network of plane sensors and the true state its
// measures were generated from.
type planeNetwork struct {
	net     *Network
	sensors []*planeSensor
	truth   []surface.Point
}

// newPlaneNetwork measures every point in every sensor from the true
// positions, then moves each listed sensor by the given offset so the
// a-priori state is wrong.
func newPlaneNetwork(t *testing.T, cams []r3.Vector, points []surface.Point, offsets map[int]r3.Vector) *planeNetwork {
	t.Helper()
	pn := &planeNetwork{net: NewNetwork(), truth: points}
	for i, c := range cams {
		s := newPlaneSensor(c, 0)
		pn.sensors = append(pn.sensors, s)
		_, err := pn.net.AddImage(serialOf(i), "", "PLANE", s)
		require.NoError(t, err)
	}
	for j, p := range points {
		idx, err := pn.net.AddPoint(Point{ID: pointOf(j), Type: Free, Apriori: p})
		require.NoError(t, err)
		for i, s := range pn.sensors {
			x, y, err := s.ProjectGround(p)
			require.NoError(t, err)
			sample, line := s.imageCoordinate(x, y)
			_, err = pn.net.AddMeasure(idx, serialOf(i), sample, line, false)
			require.NoError(t, err)
		}
	}
	for i, d := range offsets {
		s := pn.sensors[i]
		s.eo.Position[0][0] += d.X
		s.eo.Position[1][0] += d.Y
		s.eo.Position[2][0] += d.Z
	}
	return pn
}

func serialOf(i int) string { return string(rune('A'+i)) + "001" }
func pointOf(j int) string  { return "T" + string(rune('0'+j)) }

// planeCameras are three sensors 100 km above the plane z = 0.
func planeCameras() []r3.Vector {
	return []r3.Vector{{X: -5, Y: 0, Z: 100}, {X: 5, Y: 0, Z: 100}, {X: 0, Y: 6, Z: 100}}
}

// planePoints are five points on or near z = 0 in the cameras' view.
func planePoints() []surface.Point {
	return []surface.Point{
		surface.FromRectangular(-2, -2, 0),
		surface.FromRectangular(2, -2, 0.3),
		surface.FromRectangular(2, 2, -0.2),
		surface.FromRectangular(-2, 2, 0.1),
		surface.FromRectangular(0, 0, 0.5),
	}
}

func planeSettings() Settings {
	s := DefaultSettings()
	s.CoordinateType = surface.Rectangular
	s.MeasureSigma = 1
	s.Observations = []ObservationSettings{{
		InstrumentID:   "*",
		Position:       PositionOnly,
		PositionSigmas: []float64{1000},
	}}
	return s
}
