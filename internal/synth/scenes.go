package synth

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/jigsaw/internal/bundle"
)

// StereoPair returns two images 100 km above (0°, 0°) separated by
// 2·halfBase km along the body Y axis, both aimed at the centre, and four
// Free tie points P1..P4 at ±0.2° around the centre.
func StereoPair(halfBase float64) Scene {
	centre := r3.Vector{X: MoonRadius}
	s := Scene{
		Target:       AlignedTarget(MoonRadius),
		FocalLength:  100,
		PixelPitch:   0.01,
		CenterSample: 1024,
		CenterLine:   1024,
		Cameras: []Camera{
			{Serial: "IMG1", Instrument: "NAC", Position: r3.Vector{X: MoonRadius + 100, Y: -halfBase}, LookAt: centre, Time: 1000},
			{Serial: "IMG2", Instrument: "NAC", Position: r3.Vector{X: MoonRadius + 100, Y: halfBase}, LookAt: centre, Time: 1010},
		},
	}
	corners := [][2]float64{{0.2, 0.2}, {0.2, -0.2}, {-0.2, -0.2}, {-0.2, 0.15}}
	for i, c := range corners {
		s.Points = append(s.Points, GroundPoint{
			ID:        fmt.Sprintf("P%d", i+1),
			Type:      bundle.Free,
			Latitude:  c[0],
			Longitude: c[1],
		})
	}
	return s
}

// Block returns nImages images on a ring of the given radius (km) 100 km
// above (0°, 0°), all aimed at the centre, and a grid×grid block of Free
// points spaced 0.05° apart and measured in every image.
func Block(nImages, grid int, ring float64) Scene {
	centre := r3.Vector{X: MoonRadius}
	s := Scene{
		Target:       AlignedTarget(MoonRadius),
		FocalLength:  100,
		PixelPitch:   0.01,
		CenterSample: 1024,
		CenterLine:   1024,
	}
	for i := 0; i < nImages; i++ {
		theta := 2 * math.Pi * float64(i) / float64(nImages)
		s.Cameras = append(s.Cameras, Camera{
			Serial:     fmt.Sprintf("IMG%02d", i+1),
			Instrument: "NAC",
			Position: r3.Vector{
				X: MoonRadius + 100,
				Y: ring * math.Cos(theta),
				Z: ring * math.Sin(theta),
			},
			LookAt: centre,
			Time:   1000 + 10*float64(i),
		})
	}
	half := float64(grid-1) / 2
	for r := 0; r < grid; r++ {
		for c := 0; c < grid; c++ {
			s.Points = append(s.Points, GroundPoint{
				ID:        fmt.Sprintf("G%02d%02d", r, c),
				Type:      bundle.Free,
				Latitude:  0.05 * (float64(r) - half),
				Longitude: 0.05 * (float64(c) - half),
			})
		}
	}
	return s
}

// WithPointType returns a copy of s in which the listed points have type t.
func (s Scene) WithPointType(t bundle.PointType, sigmas [3]float64, ids ...string) Scene {
	points := make([]GroundPoint, len(s.Points))
	copy(points, s.Points)
	for i := range points {
		for _, id := range ids {
			if points[i].ID == id {
				points[i].Type = t
				points[i].AprioriSigmas = sigmas
			}
		}
	}
	s.Points = points
	return s
}
