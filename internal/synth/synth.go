// Package synth builds deterministic synthetic bundle networks with known
// ground truth. Measures are generated from the true geometry; the network
// handed to the adjustment starts from perturbed a-priori values.
package synth

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/jigsaw/internal/bundle"
	"github.com/banshee-data/jigsaw/internal/camera"
	"github.com/banshee-data/jigsaw/internal/obsmodel"
	"github.com/banshee-data/jigsaw/internal/surface"
)

// MoonRadius is the mean lunar radius in km.
const MoonRadius = 1737.4

// AlignedTarget returns a spherical body whose frame coincides with J2000.
func AlignedTarget(radius float64) obsmodel.TargetState {
	return obsmodel.TargetState{
		PoleRA:     [3]float64{-math.Pi / 2},
		PoleDec:    [3]float64{math.Pi / 2},
		Radii:      [3]float64{radius, radius, radius},
		MeanRadius: radius,
	}
}

// Moon returns an IAU-like lunar orientation with a spherical shape.
func Moon() obsmodel.TargetState {
	return obsmodel.TargetState{
		PoleRA:        [3]float64{surface.Radians(269.9949)},
		PoleDec:       [3]float64{surface.Radians(66.5392)},
		PrimeMeridian: [3]float64{surface.Radians(38.3213), surface.Radians(13.17635815)},
		Radii:         [3]float64{MoonRadius, MoonRadius, MoonRadius},
		MeanRadius:    MoonRadius,
	}
}

// Camera is one synthetic framing exposure.
type Camera struct {
	Serial      string
	Observation string
	Instrument  string
	// Position is the body-fixed spacecraft position in km at Time.
	Position r3.Vector
	// LookAt is the body-fixed aim point; the zero vector aims at the body
	// centre.
	LookAt r3.Vector
	Twist  float64 // radians
	// Time is seconds past J2000. BaseTime and TimeScale define τ.
	Time      float64
	BaseTime  float64
	TimeScale float64
	// PositionTerms and PointingTerms pad the polynomials with zero
	// higher-order coefficients. Zero means one term.
	PositionTerms int
	PointingTerms int
}

// GroundPoint is one synthetic control point.
type GroundPoint struct {
	ID                  string
	Type                bundle.PointType
	Latitude, Longitude float64 // degrees
	// Radius in km; zero uses the target mean radius.
	Radius        float64
	AprioriSigmas [3]float64 // metres
	// Images restricts the measuring images. Empty measures the point in
	// every image it projects into.
	Images []string
}

// LidarShot is a ground point with an observed spacecraft range.
type LidarShot struct {
	GroundPoint
	Simultaneous []string
	Sigma        float64 // km
	// Range overrides the observed range in km. Zero uses the true range
	// to the first simultaneous image.
	Range float64
	Time  float64
}

// Scene is a noise-free network description.
type Scene struct {
	Target       obsmodel.TargetState
	FocalLength  float64 // mm
	PixelPitch   float64 // mm
	CenterSample float64
	CenterLine   float64
	Cameras      []Camera
	Points       []GroundPoint
	Lidar        []LidarShot
}

// MeasureKey identifies a measure by point id and image serial.
type MeasureKey struct {
	Point  string
	Serial string
}

// Perturbation moves the a-priori state away from the truth and adds
// measurement noise.
type Perturbation struct {
	Seed uint64
	// NoisePixels is the standard deviation of Gaussian sample and line
	// noise.
	NoisePixels float64
	// NoiseRadius displaces every measure by exactly this many pixels in a
	// uniformly random direction, on top of any Gaussian noise.
	NoiseRadius float64
	// PointAngle is the bound of uniform latitude and longitude offsets
	// (radians) applied to Free and Constrained points.
	PointAngle float64
	// PointRadius is the bound of uniform radius offsets in km.
	PointRadius float64
	// Pointing and Position bound uniform offsets of the constant pointing
	// (radians) and position (km) coefficients of each observation.
	Pointing float64
	Position float64
	// PointingNoise is the standard deviation (radians) of Gaussian offsets
	// added to the constant RA and DEC coefficients of each observation.
	PointingNoise float64
	// Target offsets are added to the a-priori target state.
	Target map[obsmodel.TargetParameter]float64
	// Offsets displace individual measures by (sample, line) pixels.
	Offsets map[MeasureKey][2]float64
	// RangeNoise is the standard deviation of lidar range noise in km.
	RangeNoise float64
}

// Truth is the ground truth of a built network.
type Truth struct {
	Target      obsmodel.TargetState
	Points      map[string]surface.Point
	Orientation map[string]obsmodel.ExteriorOrientation // by observation
	// Ranges are true lidar ranges in km by point id.
	Ranges map[string]float64
	// Measures are noise-free image coordinates.
	Measures map[MeasureKey][2]float64
}

// Build generates the network. The same scene and perturbation always
// produce the same network.
func (s Scene) Build(p Perturbation) (*bundle.Network, *Truth, error) {
	rng := rand.New(rand.NewPCG(p.Seed, p.Seed^0x9e3779b97f4a7c15))
	uniform := func(bound float64) float64 {
		if bound == 0 {
			return 0
		}
		return (2*rng.Float64() - 1) * bound
	}
	gauss := func(sd float64) float64 {
		if sd == 0 {
			return 0
		}
		return sd * rng.NormFloat64()
	}

	truth := &Truth{
		Target:      s.Target,
		Points:      map[string]surface.Point{},
		Orientation: map[string]obsmodel.ExteriorOrientation{},
		Ranges:      map[string]float64{},
		Measures:    map[MeasureKey][2]float64{},
	}
	apriori := s.Target
	for param, d := range p.Target {
		apriori = apriori.With(param, apriori.Value(param)+d)
	}

	net := bundle.NewNetwork()
	net.SetTarget(apriori)

	type offset struct{ position, pointing [3]float64 }
	observationOffsets := map[string]offset{}
	truthCams := make([]*camera.Framing, len(s.Cameras))
	for i, c := range s.Cameras {
		eo, err := s.Orientation(c)
		if err != nil {
			return nil, nil, fmt.Errorf("camera %s: %w", c.Serial, err)
		}
		obs := c.Observation
		if obs == "" {
			obs = c.Serial
		}
		truth.Orientation[obs] = eo.Clone()
		truthCams[i], err = camera.NewFraming(s.config(c, eo, s.Target))
		if err != nil {
			return nil, nil, fmt.Errorf("camera %s: %w", c.Serial, err)
		}

		off, ok := observationOffsets[obs]
		if !ok {
			for k := 0; k < 3; k++ {
				off.position[k] = uniform(p.Position)
			}
			off.pointing[0] = uniform(p.Pointing) + gauss(p.PointingNoise)
			off.pointing[1] = uniform(p.Pointing) + gauss(p.PointingNoise)
			observationOffsets[obs] = off
		}
		for k := 0; k < 3; k++ {
			eo.Position[k][0] += off.position[k]
			eo.Pointing[k][0] += off.pointing[k]
		}
		cam, err := camera.NewFraming(s.config(c, eo, apriori))
		if err != nil {
			return nil, nil, fmt.Errorf("camera %s: %w", c.Serial, err)
		}
		if _, err := net.AddImage(c.Serial, c.Observation, c.Instrument, cam); err != nil {
			return nil, nil, err
		}
	}

	addPoint := func(g GroundPoint, lidar *LidarShot) error {
		r := g.Radius
		if r == 0 {
			r = s.Target.MeanRadius
		}
		lat, lon := surface.Radians(g.Latitude), surface.Radians(g.Longitude)
		tp := surface.FromLatitudinal(lat, lon, r)
		truth.Points[g.ID] = tp

		ap := tp
		if g.Type != bundle.Fixed {
			ap = surface.FromLatitudinal(lat+uniform(p.PointAngle), lon+uniform(p.PointAngle), r+uniform(p.PointRadius))
		}
		pt := bundle.Point{ID: g.ID, Type: g.Type, Apriori: ap, AprioriSigmas: g.AprioriSigmas}

		var idx int
		var err error
		if lidar != nil {
			sim, serr := s.cameraIndex(lidar.Simultaneous)
			if serr != nil {
				return fmt.Errorf("lidar point %s: %w", g.ID, serr)
			}
			state, serr := truthCams[sim[0]].InstrumentState()
			if serr != nil {
				return serr
			}
			rho := state.BodyFixedPosition.Sub(tp.Vector).Norm()
			truth.Ranges[g.ID] = rho
			observed := lidar.Range
			if observed == 0 {
				observed = rho + gauss(p.RangeNoise)
			}
			idx, err = net.AddLidarPoint(pt, observed, lidar.Sigma, lidar.Time, lidar.Simultaneous)
		} else {
			idx, err = net.AddPoint(pt)
		}
		if err != nil {
			return err
		}

		cams := make([]int, 0, len(s.Cameras))
		if len(g.Images) > 0 {
			if cams, err = s.cameraIndex(g.Images); err != nil {
				return fmt.Errorf("point %s: %w", g.ID, err)
			}
		} else {
			for i := range s.Cameras {
				cams = append(cams, i)
			}
		}
		for _, ci := range cams {
			cam := truthCams[ci]
			x, y, err := cam.ProjectGround(tp)
			if err != nil {
				if len(g.Images) > 0 {
					return fmt.Errorf("point %s image %s: %w", g.ID, s.Cameras[ci].Serial, err)
				}
				continue
			}
			serial := s.Cameras[ci].Serial
			sample, line := cam.ImageCoordinate(x, y)
			key := MeasureKey{Point: g.ID, Serial: serial}
			truth.Measures[key] = [2]float64{sample, line}
			sample += gauss(p.NoisePixels)
			line += gauss(p.NoisePixels)
			if p.NoiseRadius > 0 {
				ds, dl := math.Sincos(2 * math.Pi * rng.Float64())
				sample += p.NoiseRadius * ds
				line += p.NoiseRadius * dl
			}
			if d, ok := p.Offsets[key]; ok {
				sample += d[0]
				line += d[1]
			}
			if _, err := net.AddMeasure(idx, serial, sample, line, false); err != nil {
				return err
			}
		}
		return nil
	}

	for _, g := range s.Points {
		if err := addPoint(g, nil); err != nil {
			return nil, nil, err
		}
	}
	for i := range s.Lidar {
		if err := addPoint(s.Lidar[i].GroundPoint, &s.Lidar[i]); err != nil {
			return nil, nil, err
		}
	}
	return net, truth, nil
}

// Orientation returns the true exterior orientation of c: a constant
// position and a pointing that aims the boresight at c.LookAt.
func (s Scene) Orientation(c Camera) (obsmodel.ExteriorOrientation, error) {
	var zero obsmodel.ExteriorOrientation
	zero.Position = [3][]float64{{0}, {0}, {0}}
	zero.Pointing = [3][]float64{{0}, {0}, {0}}
	frame, err := camera.NewFraming(s.config(c, zero, s.Target))
	if err != nil {
		return zero, err
	}
	sc := frame.BodyToJ2000(c.Position)
	aim := frame.BodyToJ2000(c.LookAt)
	if aim.Sub(sc).Norm() == 0 {
		return zero, fmt.Errorf("camera %s looks at its own position", c.Serial)
	}
	ra, dec := camera.PointingTowards(aim.Sub(sc))

	var eo obsmodel.ExteriorOrientation
	pos := [3]float64{sc.X, sc.Y, sc.Z}
	ang := [3]float64{ra, dec, c.Twist}
	for k := 0; k < 3; k++ {
		eo.Position[k] = terms(pos[k], c.PositionTerms)
		eo.Pointing[k] = terms(ang[k], c.PointingTerms)
	}
	return eo, nil
}

func terms(c0 float64, n int) []float64 {
	out := make([]float64, max(n, 1))
	out[0] = c0
	return out
}

func (s Scene) config(c Camera, eo obsmodel.ExteriorOrientation, target obsmodel.TargetState) camera.Config {
	return camera.Config{
		FocalLength:  s.FocalLength,
		PixelPitch:   s.PixelPitch,
		CenterSample: s.CenterSample,
		CenterLine:   s.CenterLine,
		Time:         c.Time,
		BaseTime:     c.BaseTime,
		TimeScale:    c.TimeScale,
		Orientation:  eo,
		Target:       target,
	}
}

func (s Scene) cameraIndex(serials []string) ([]int, error) {
	out := make([]int, 0, len(serials))
	for _, serial := range serials {
		found := false
		for i, c := range s.Cameras {
			if c.Serial == serial {
				out = append(out, i)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown image %s", serial)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no images listed")
	}
	return out, nil
}
