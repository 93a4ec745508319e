package synth

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/jigsaw/internal/bundle"
	"github.com/banshee-data/jigsaw/internal/obsmodel"
)

func measures(net *bundle.Network) map[MeasureKey][2]float64 {
	out := map[MeasureKey][2]float64{}
	for _, m := range net.Measures {
		key := MeasureKey{Point: net.Points[m.Point].ID, Serial: net.Images[m.Image].Serial}
		out[key] = [2]float64{m.Sample, m.Line}
	}
	return out
}

func TestBuildIsDeterministic(t *testing.T) {
	p := Perturbation{Seed: 7, NoisePixels: 0.5, PointAngle: 1e-4, Pointing: 1e-5}
	a, _, err := StereoPair(30).Build(p)
	require.NoError(t, err)
	b, _, err := StereoPair(30).Build(p)
	require.NoError(t, err)
	if diff := cmp.Diff(measures(a), measures(b)); diff != "" {
		t.Fatalf("same seed, different measures (-a +b):\n%s", diff)
	}
	c, _, err := StereoPair(30).Build(Perturbation{Seed: 8, NoisePixels: 0.5})
	require.NoError(t, err)
	assert.NotEqual(t, measures(a), measures(c))
}

func TestNoiseFreeMeasuresMatchTruth(t *testing.T) {
	net, truth, err := StereoPair(30).Build(Perturbation{})
	require.NoError(t, err)
	require.Len(t, net.Images, 2)
	require.Len(t, net.Points, 4)
	assert.Len(t, net.Measures, 8)
	if diff := cmp.Diff(truth.Measures, measures(net)); diff != "" {
		t.Fatalf("measures differ from truth (-truth +net):\n%s", diff)
	}
	for key, sl := range truth.Measures {
		assert.InDelta(t, 1024, sl[0], 1000, "%v", key)
		assert.InDelta(t, 1024, sl[1], 1000, "%v", key)
	}
}

func TestNoiseRadiusDisplacesEveryMeasure(t *testing.T) {
	net, truth, err := StereoPair(30).Build(Perturbation{Seed: 3, NoiseRadius: 0.75})
	require.NoError(t, err)
	for key, got := range measures(net) {
		want := truth.Measures[key]
		assert.InDelta(t, 0.75, math.Hypot(got[0]-want[0], got[1]-want[1]), 1e-9, "%v", key)
	}
}

func TestOffsetsAndPerturbations(t *testing.T) {
	key := MeasureKey{Point: "P3", Serial: "IMG2"}
	net, truth, err := StereoPair(30).Build(Perturbation{
		Seed:     9,
		Position: 0.1,
		Offsets:  map[MeasureKey][2]float64{key: {15, -4}},
		Target:   map[obsmodel.TargetParameter]float64{obsmodel.MeanRadius: 0.5},
	})
	require.NoError(t, err)
	got := measures(net)[key]
	want := truth.Measures[key]
	assert.InDelta(t, 15, got[0]-want[0], 1e-9)
	assert.InDelta(t, -4, got[1]-want[1], 1e-9)

	assert.InDelta(t, MoonRadius+0.5, net.Target.Apriori.MeanRadius, 1e-12)
	assert.InDelta(t, MoonRadius, truth.Target.MeanRadius, 1e-12)
	for _, o := range net.Observations {
		eo := net.Images[o.Images[0]].Sensor.ExteriorOrientation()
		tr := truth.Orientation[o.ID]
		for k := 0; k < 3; k++ {
			assert.LessOrEqual(t, math.Abs(eo.Position[k][0]-tr.Position[k][0]), 0.1)
		}
	}
}

func TestOrientationAimsAtLookAt(t *testing.T) {
	s := StereoPair(30)
	for _, c := range s.Cameras {
		eo, err := s.Orientation(c)
		require.NoError(t, err)
		net, _, err := s.Build(Perturbation{})
		require.NoError(t, err)
		idx, ok := net.ImageIndex(c.Serial)
		require.True(t, ok)
		assert.Equal(t, eo, net.Images[idx].Sensor.ExteriorOrientation())
	}

	bad := Camera{Serial: "X", Position: r3.Vector{X: 10}, LookAt: r3.Vector{X: 10}}
	_, err := s.Orientation(bad)
	assert.Error(t, err)
}

func TestLidarShotsCarryTrueRange(t *testing.T) {
	s := StereoPair(30)
	s.Lidar = []LidarShot{{
		GroundPoint:  GroundPoint{ID: "L1", Type: bundle.Free, Latitude: 0.05, Longitude: 0.05},
		Simultaneous: []string{"IMG1"},
		Sigma:        0.01,
	}}
	net, truth, err := s.Build(Perturbation{})
	require.NoError(t, err)
	p := net.Point("L1")
	require.NotNil(t, p)
	require.NotNil(t, p.Lidar)
	assert.InDelta(t, truth.Ranges["L1"], p.Lidar.Range, 1e-12)
	// 100 km up and 31.5 km across the base.
	assert.InDelta(t, 104.9, p.Lidar.Range, 0.5)
	assert.Len(t, p.Measures, 2)

	s.Lidar[0].Simultaneous = []string{"NOPE"}
	_, _, err = s.Build(Perturbation{})
	assert.Error(t, err)
}

func TestBlockScene(t *testing.T) {
	s := Block(4, 3, 20)
	net, _, err := s.Build(Perturbation{})
	require.NoError(t, err)
	assert.Len(t, net.Images, 4)
	assert.Len(t, net.Points, 9)
	assert.Len(t, net.Measures, 36)

	fixed := s.WithPointType(bundle.Fixed, [3]float64{}, "G0000")
	assert.Equal(t, bundle.Fixed, fixed.Points[0].Type)
	assert.Equal(t, bundle.Free, s.Points[0].Type, "WithPointType must not modify the receiver")
}
