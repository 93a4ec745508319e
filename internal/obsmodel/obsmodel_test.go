package obsmodel

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageSelection(t *testing.T) {
	tests := []struct {
		name  string
		sel   ImageSelection
		count int
		names []string
	}{
		{name: "none", sel: ImageSelection{}, count: 0},
		{
			name:  "angles",
			sel:   ImageSelection{PointingCoefficients: 1},
			count: 2,
			names: []string{"RA0", "DEC0"},
		},
		{
			name:  "angles and twist",
			sel:   ImageSelection{PointingCoefficients: 2, SolveTwist: true},
			count: 6,
			names: []string{"RA0", "RA1", "DEC0", "DEC1", "TWIST0", "TWIST1"},
		},
		{
			name:  "positions only",
			sel:   ImageSelection{PositionCoefficients: 1, SolveTwist: true},
			count: 3,
			names: []string{"X0", "Y0", "Z0"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.count, tt.sel.Count())
			if diff := cmp.Diff(tt.names, tt.sel.Names()); diff != "" {
				t.Errorf("Names() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	eo := ExteriorOrientation{
		Position: [3][]float64{{1, 0.1}, {2}, {3}},
		Pointing: [3][]float64{{0.5}, {0.25}, {0}},
	}
	c := eo.Clone()
	c.Position[0][0] = 99
	c.Pointing[1][0] = 99
	assert.Equal(t, 1.0, eo.Position[0][0])
	assert.Equal(t, 0.25, eo.Pointing[1][0])
}

func TestTargetParameterNames(t *testing.T) {
	for p := PoleRA; p < numTargetParameters; p++ {
		got, err := ParseTargetParameter(" " + p.String() + " ")
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := ParseTargetParameter("flattening")
	assert.Error(t, err)
	assert.Equal(t, "TargetParameter(42)", TargetParameter(42).String())

	assert.True(t, PrimeMeridianAcceleration.IsAngle())
	assert.False(t, RadiusA.IsAngle())
	assert.False(t, MeanRadius.IsAngle())
}

func TestTargetStateValueWith(t *testing.T) {
	var s TargetState
	for p := PoleRA; p < numTargetParameters; p++ {
		s = s.With(p, float64(p)+1)
	}
	for p := PoleRA; p < numTargetParameters; p++ {
		assert.Equal(t, float64(p)+1, s.Value(p), p.String())
	}
	assert.Equal(t, [3]float64{1, 2, 3}, s.PoleRA)
	assert.Equal(t, [3]float64{10, 11, 12}, s.Radii)
	assert.Equal(t, 13.0, s.MeanRadius)
}

func TestSurfaceRadius(t *testing.T) {
	s := TargetState{Radii: [3]float64{3396.19, 3396.19, 3376.2}, MeanRadius: 3389.5}

	_, ok := s.SurfaceRadius(0, 0)
	assert.False(t, ok)

	s.RadiusMode = RadiusMean
	r, ok := s.SurfaceRadius(0.3, 1)
	require.True(t, ok)
	assert.Equal(t, 3389.5, r)

	s.RadiusMode = RadiusTriaxial
	r, ok = s.SurfaceRadius(0, 0)
	require.True(t, ok)
	assert.InDelta(t, 3396.19, r, 1e-9)
	r, _ = s.SurfaceRadius(math.Pi/2, 0)
	assert.InDelta(t, 3376.2, r, 1e-9)
}
