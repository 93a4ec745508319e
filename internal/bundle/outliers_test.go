package bundle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/jigsaw/internal/bundle/robust"
	"github.com/banshee-data/jigsaw/internal/surface"
)

// gridPoints returns n×n points on z = 0 spaced 1 km apart.
func gridPoints(n int) []surface.Point {
	var out []surface.Point
	half := float64(n-1) / 2
	for r := 0; r < n; r++ {
		for c := 0; c < n; c++ {
			out = append(out, surface.FromRectangular(float64(c)-half, float64(r)-half, 0))
		}
	}
	return out
}

// rejectionFixture is a 3×3 grid measured in three images with synthetic
// residual magnitudes of 0.50 to 0.58 px, giving a limit of about 0.63 px.
func rejectionFixture(t *testing.T) *Adjuster {
	t.Helper()
	pn := newPlaneNetwork(t, planeCameras(), gridPoints(3), nil)
	s := planeSettings()
	s.OutlierRejection = true
	a, err := NewAdjuster(pn.net, s)
	require.NoError(t, err)
	require.NoError(t, a.initialize())
	for i, m := range pn.net.Measures {
		m.Projected = true
		m.SampleResidual = 0.5 + 0.02*float64(i%5)
		m.LineResidual = 0
	}
	return a
}

func measureOf(t *testing.T, net *Network, point, image int) *Measure {
	t.Helper()
	for _, mi := range net.Points[point].Measures {
		if m := net.Measures[mi]; m.Image == image {
			return m
		}
	}
	t.Fatalf("point %d has no measure in image %d", point, image)
	return nil
}

func TestRejectOutliersRejectsWorstMeasureAndReadmits(t *testing.T) {
	a := rejectionFixture(t)
	net := a.net
	bad := measureOf(t, net, 0, 1)
	bad.SampleResidual, bad.LineResidual = 12, -5

	require.NoError(t, a.rejectOutliers())
	assert.InDelta(t, 0.54, a.rejection.Median, 1e-12)
	assert.InDelta(t, 0.02, a.rejection.MAD, 1e-12)
	assert.InDelta(t, 0.54+3*1.4826*0.02, a.rejection.Threshold, 1e-12)
	assert.True(t, bad.Rejected)
	assert.False(t, net.Points[0].Rejected)
	assert.Equal(t, 1, net.Points[0].RejectedMeasures)
	assert.Equal(t, 1, a.rejectedMeasures())

	bad.SampleResidual, bad.LineResidual = 0.51, 0
	require.NoError(t, a.rejectOutliers())
	assert.False(t, bad.Rejected)
	assert.Zero(t, a.rejectedMeasures())
}

func TestRejectOutliersRejectsOneMeasurePerPoint(t *testing.T) {
	a := rejectionFixture(t)
	net := a.net
	worse := measureOf(t, net, 4, 0)
	worse.SampleResidual = 9
	other := measureOf(t, net, 4, 2)
	other.SampleResidual = 7

	require.NoError(t, a.rejectOutliers())
	assert.True(t, worse.Rejected)
	assert.False(t, other.Rejected)
	assert.False(t, net.Points[4].Rejected)
}

func TestRejectOutliersRejectsAndRestoresPoint(t *testing.T) {
	a := rejectionFixture(t)
	net := a.net
	p := net.Points[2]
	for i, mi := range p.Measures {
		net.Measures[mi].SampleResidual = 6 + float64(i)
	}

	// The first pass drops the worst measure and leaves two active.
	require.NoError(t, a.rejectOutliers())
	assert.False(t, p.Rejected)
	assert.Equal(t, 1, p.RejectedMeasures)

	// With two active measures left, another outlier takes the point.
	require.NoError(t, a.rejectOutliers())
	assert.True(t, p.Rejected)
	assert.Equal(t, 3, a.rejectedMeasures())

	for _, mi := range p.Measures {
		net.Measures[mi].SampleResidual = 0.52
	}
	require.NoError(t, a.rejectOutliers())
	assert.False(t, p.Rejected)
	assert.Zero(t, p.RejectedMeasures)
	assert.Zero(t, a.rejectedMeasures())
}

func TestDegeneratePointStaysRejected(t *testing.T) {
	a := rejectionFixture(t)
	p := a.net.Points[5]
	p.Degenerate = true
	p.Rejected = true

	require.NoError(t, a.rejectOutliers())
	assert.True(t, p.Rejected)
	assert.Equal(t, len(p.Measures), a.rejectedMeasures())
}

func TestRejectOutliersNeedsResiduals(t *testing.T) {
	a := rejectionFixture(t)
	for _, m := range a.net.Measures {
		m.Projected = false
	}
	assert.ErrorIs(t, a.rejectOutliers(), robust.ErrNoResiduals)
}
