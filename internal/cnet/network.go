package cnet

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/jigsaw/internal/bundle"
	"github.com/banshee-data/jigsaw/internal/camera"
	"github.com/banshee-data/jigsaw/internal/obsmodel"
	"github.com/banshee-data/jigsaw/internal/surface"
)

// Orientation converts the camera polynomials to solver units.
func (c CameraModel) Orientation() obsmodel.ExteriorOrientation {
	var eo obsmodel.ExteriorOrientation
	for k := 0; k < 3; k++ {
		eo.Position[k] = append([]float64(nil), c.PositionKm[k]...)
		eo.Pointing[k] = make([]float64, len(c.PointingDeg[k]))
		for i, v := range c.PointingDeg[k] {
			eo.Pointing[k][i] = surface.Radians(v)
		}
		if len(eo.Position[k]) == 0 {
			eo.Position[k] = []float64{0}
		}
		if len(eo.Pointing[k]) == 0 {
			eo.Pointing[k] = []float64{0}
		}
	}
	return eo
}

// Framing builds the camera of an image entry.
func (e ImageEntry) Framing(target obsmodel.TargetState) (*camera.Framing, error) {
	c := e.Camera
	cam, err := camera.NewFraming(camera.Config{
		FocalLength:  c.FocalLength,
		PixelPitch:   c.PixelPitch,
		CenterSample: c.CenterSample,
		CenterLine:   c.CenterLine,
		Time:         c.Time,
		BaseTime:     c.BaseTime,
		TimeScale:    c.TimeScale,
		Orientation:  c.Orientation(),
		Target:       target,
	})
	if err != nil {
		return nil, fmt.Errorf("image %s: %w", e.Serial, err)
	}
	return cam, nil
}

// Point resolves the coordinates. Latitudinal coordinates win when both
// forms are complete.
func (c Coordinates) Point() (surface.Point, error) {
	if c.Latitude != nil && c.Longitude != nil && c.Radius != nil {
		if !(*c.Radius > 0) {
			return surface.Point{}, fmt.Errorf("radius must be positive, got %g", *c.Radius)
		}
		return surface.FromLatitudinal(surface.Radians(*c.Latitude), surface.Radians(*c.Longitude), *c.Radius), nil
	}
	if c.X != nil && c.Y != nil && c.Z != nil {
		return surface.FromRectangular(*c.X, *c.Y, *c.Z), nil
	}
	return surface.Point{}, errNoCoordinates
}

// coordinatesOf fills both forms.
func coordinatesOf(p surface.Point) *Coordinates {
	lat, lon, r := surface.Degrees(p.Latitude()), surface.Degrees(p.Longitude()), p.LocalRadius()
	return &Coordinates{
		Latitude:  &lat,
		Longitude: &lon,
		Radius:    &r,
		X:         &p.X,
		Y:         &p.Y,
		Z:         &p.Z,
	}
}

// aprioriCovariance converts an upper-triangle covariance in m² to solver
// units (km² rectangular; rad², rad² and km² latitudinal).
func aprioriCovariance(upper []float64, ct surface.CoordinateType, p surface.Point) (*mat.SymDense, error) {
	if len(upper) != 6 {
		return nil, fmt.Errorf("apriori_covariance_m2 needs 6 values, got %d", len(upper))
	}
	scale := [3]float64{1e-3, 1e-3, 1e-3}
	if ct == surface.Latitudinal {
		r := p.LocalRadius() * 1000
		cl := math.Cos(p.Latitude())
		if cl < 1e-12 {
			return nil, fmt.Errorf("latitudinal covariance undefined at the pole")
		}
		scale[0] = 1 / r
		scale[1] = 1 / (r * cl)
	}
	cov := mat.NewSymDense(3, nil)
	k := 0
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			cov.SetSym(i, j, upper[k]*scale[i]*scale[j])
			k++
		}
	}
	return cov, nil
}

func upperTriangle(cov mat.Symmetric) []float64 {
	out := make([]float64, 0, 6)
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			out = append(out, cov.At(i, j))
		}
	}
	return out
}

func (r PointRecord) point() (bundle.Point, error) {
	pt := bundle.Point{ID: r.ID}
	typ, err := bundle.ParsePointType(r.Type)
	if err != nil {
		return pt, fmt.Errorf("point %s: %w", r.ID, err)
	}
	pt.Type = typ
	if pt.Apriori, err = r.Apriori.Point(); err != nil {
		return pt, fmt.Errorf("point %s: %w", r.ID, err)
	}
	if r.AprioriSigmas != nil {
		pt.AprioriSigmas = *r.AprioriSigmas
	}
	if len(r.AprioriCovariance) > 0 {
		ct := surface.Rectangular
		if r.CovarianceCoordinateType != "" {
			if ct, err = surface.ParseCoordinateType(r.CovarianceCoordinateType); err != nil {
				return pt, fmt.Errorf("point %s: %w", r.ID, err)
			}
		}
		if pt.AprioriCovariance, err = aprioriCovariance(r.AprioriCovariance, ct, pt.Apriori); err != nil {
			return pt, fmt.Errorf("point %s: %w", r.ID, err)
		}
		pt.CovarianceType = ct
	}
	if pt.Type == bundle.Constrained && pt.AprioriSigmas == [3]float64{} && pt.AprioriCovariance == nil {
		return pt, fmt.Errorf("point %s: constrained point needs apriori_sigmas_m or apriori_covariance_m2", r.ID)
	}
	return pt, nil
}

func addMeasures(net *bundle.Network, idx int, r PointRecord) error {
	for _, m := range r.Measures {
		if _, err := net.AddMeasure(idx, m.Serial, m.Sample, m.Line, m.Ignored); err != nil {
			return err
		}
	}
	return nil
}

// Build assembles the adjustment network. Ignored points are left out;
// lidar may be nil.
func Build(images []ImageEntry, cn *ControlNetwork, lidar *LidarData, target obsmodel.TargetState) (*bundle.Network, error) {
	net := bundle.NewNetwork()
	net.SetTarget(target)
	for _, e := range images {
		cam, err := e.Framing(target)
		if err != nil {
			return nil, err
		}
		if _, err := net.AddImage(e.Serial, e.ObservationID, e.InstrumentID, cam); err != nil {
			return nil, err
		}
	}

	for _, r := range cn.Points {
		if r.Ignored {
			continue
		}
		pt, err := r.point()
		if err != nil {
			return nil, err
		}
		idx, err := net.AddPoint(pt)
		if err != nil {
			return nil, err
		}
		if err := addMeasures(net, idx, r); err != nil {
			return nil, err
		}
	}

	if lidar != nil {
		for _, r := range lidar.Points {
			if r.Ignored {
				continue
			}
			pt, err := r.point()
			if err != nil {
				return nil, err
			}
			idx, err := net.AddLidarPoint(pt, r.RangeM/1000, r.SigmaRangeM/1000, r.Time, r.Simultaneous)
			if err != nil {
				return nil, err
			}
			if err := addMeasures(net, idx, r.PointRecord); err != nil {
				return nil, err
			}
		}
	}
	return net, nil
}

// Adjusted returns a copy of cn carrying the adjusted coordinates,
// sigmas, residuals and rejection flags of net.
func Adjusted(cn *ControlNetwork, net *bundle.Network, ct surface.CoordinateType) *ControlNetwork {
	type key struct{ point, image int }
	measures := make(map[key]*bundle.Measure, len(net.Measures))
	for _, m := range net.Measures {
		measures[key{m.Point, m.Image}] = m
	}

	out := *cn
	out.Points = make([]PointRecord, len(cn.Points))
	for i, r := range cn.Points {
		r.Measures = append([]MeasureRecord(nil), r.Measures...)
		out.Points[i] = r
		pi, ok := net.PointIndex(r.ID)
		if !ok || r.Ignored {
			continue
		}
		p := net.Points[pi]
		rec := &out.Points[i]
		rec.Adjusted = coordinatesOf(p.Adjusted)
		rec.JigsawRejected = p.Rejected
		if p.Covariance != nil {
			sigmas := p.AdjustedSigmas
			rec.AdjustedSigmas = &sigmas
			rec.AdjustedCovariance = upperTriangle(p.Covariance)
			rec.AdjustedCovarianceType = ct.String()
		}
		for j := range rec.Measures {
			mr := &rec.Measures[j]
			ii, ok := net.ImageIndex(mr.Serial)
			if !ok {
				continue
			}
			m, ok := measures[key{pi, ii}]
			if !ok || m.Ignored {
				continue
			}
			mr.JigsawRejected = m.Rejected
			if m.Projected {
				s, l := m.SampleResidual, m.LineResidual
				mr.SampleResidual, mr.LineResidual = &s, &l
			}
		}
	}
	return &out
}
