package bundle_test

import (
	"context"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/jigsaw/internal/bundle"
	"github.com/banshee-data/jigsaw/internal/obsmodel"
	"github.com/banshee-data/jigsaw/internal/surface"
	"github.com/banshee-data/jigsaw/internal/synth"
)

func stereoSettings(ct surface.CoordinateType) bundle.Settings {
	s := bundle.DefaultSettings()
	s.CoordinateType = ct
	s.Observations = []bundle.ObservationSettings{{
		InstrumentID:   "*",
		Pointing:       bundle.AnglesOnly,
		PointingSigmas: []float64{0.1},
	}}
	return s
}

func solve(t *testing.T, net *bundle.Network, s bundle.Settings, opts ...bundle.Option) *bundle.Results {
	t.Helper()
	a, err := bundle.NewAdjuster(net, s, opts...)
	require.NoError(t, err)
	res, err := a.Solve(context.Background())
	require.NoError(t, err)
	return res
}

func distance(a, b surface.Point) float64 { return a.Sub(b.Vector).Norm() }

var stereoPerturbation = synth.Perturbation{Seed: 1, PointAngle: 0.0005}

func TestStereoPairConvergesToTruth(t *testing.T) {
	for _, ct := range []surface.CoordinateType{surface.Latitudinal, surface.Rectangular} {
		t.Run(ct.String(), func(t *testing.T) {
			net, truth, err := synth.StereoPair(30).Build(stereoPerturbation)
			require.NoError(t, err)
			res := solve(t, net, stereoSettings(ct))

			require.True(t, res.Converged)
			assert.Equal(t, bundle.StatusConverged, res.Status)
			assert.LessOrEqual(t, res.Iterations, 6)
			assert.Less(t, res.Sigma0, 1e-3)
			assert.Zero(t, res.RejectedMeasures)
			for _, p := range net.Points {
				assert.Less(t, distance(p.Adjusted, truth.Points[p.ID]), 1e-6, "point %s", p.ID)
			}
			for _, o := range net.Observations {
				want := truth.Orientation[o.ID]
				for k := 0; k < 2; k++ {
					assert.InDelta(t, want.Pointing[k][0], o.Current.Pointing[k][0], 1e-9, "%s angle %d", o.ID, k)
				}
			}
		})
	}
}

func TestCoordinateSystemsAgree(t *testing.T) {
	adjusted := map[surface.CoordinateType]surface.Point{}
	for _, ct := range []surface.CoordinateType{surface.Latitudinal, surface.Rectangular} {
		net, _, err := synth.StereoPair(30).Build(stereoPerturbation)
		require.NoError(t, err)
		solve(t, net, stereoSettings(ct))
		adjusted[ct] = net.Point("P1").Adjusted
	}
	assert.Less(t, distance(adjusted[surface.Latitudinal], adjusted[surface.Rectangular]), 1e-6)
}

func TestFixedPointDoesNotMove(t *testing.T) {
	scene := synth.StereoPair(30).WithPointType(bundle.Fixed, [3]float64{}, "P1")
	net, _, err := scene.Build(synth.Perturbation{Seed: 2, PointAngle: 0.0005, Pointing: 1e-5, NoisePixels: 0.3})
	require.NoError(t, err)
	before := net.Point("P1").Apriori
	res := solve(t, net, stereoSettings(surface.Latitudinal))
	require.True(t, res.Converged)
	assert.Less(t, distance(net.Point("P1").Adjusted, before), 1e-9)
	assert.Greater(t, distance(net.Point("P2").Adjusted, net.Point("P2").Apriori), 1e-3)
}

func TestConstrainedPointPosteriorTightens(t *testing.T) {
	prior := [3]float64{30.32, 30.32, 1}
	scene := synth.StereoPair(30).WithPointType(bundle.Constrained, prior, "P2")
	net, _, err := scene.Build(synth.Perturbation{Seed: 3, PointAngle: 0.0002, NoisePixels: 0.5})
	require.NoError(t, err)
	s := stereoSettings(surface.Latitudinal)
	s.SolveRadius = true
	s.ErrorPropagation = true
	res := solve(t, net, s)

	require.True(t, res.Converged)
	require.True(t, res.ErrorPropagated)
	require.Less(t, res.Sigma0, 1.0)
	p2 := net.Point("P2")
	for k := range prior {
		assert.Positive(t, p2.AdjustedSigmas[k])
		assert.Less(t, p2.AdjustedSigmas[k], prior[k], "coordinate %d", k)
	}
	for _, p := range net.Points {
		require.NotNil(t, p.Covariance, p.ID)
		assert.Positive(t, mat.Det(p.Covariance), p.ID)
	}
	apriori := surface.Radians(0.1)
	for _, o := range net.Observations {
		require.Len(t, o.AdjustedSigmas, 2)
		for _, sg := range o.AdjustedSigmas {
			assert.Positive(t, sg)
			assert.Less(t, sg, apriori)
		}
	}
	// 16 image coordinates, 4 pointing and 3 point constraints, 16 unknowns.
	assert.Equal(t, 7, res.Iteration[0].DegreesOfFreedom)
}

func TestTargetPoleAndRadiusRecovered(t *testing.T) {
	scene := synth.StereoPair(30).WithPointType(bundle.Fixed, [3]float64{}, "P1", "P2")
	scene.Target = synth.Moon()
	perturb := synth.Perturbation{
		Seed:        4,
		PointAngle:  0.0002,
		NoisePixels: 0.05,
		Target: map[obsmodel.TargetParameter]float64{
			obsmodel.PoleRA:     surface.Radians(0.01),
			obsmodel.MeanRadius: 0.1,
		},
	}
	net, truth, err := scene.Build(perturb)
	require.NoError(t, err)

	s := bundle.DefaultSettings()
	s.MeasureSigma = 0.05
	s.Observations = []bundle.ObservationSettings{{InstrumentID: "*"}}
	s.Target = &bundle.TargetSettings{Parameters: []obsmodel.TargetParameter{obsmodel.PoleRA, obsmodel.MeanRadius}}
	s.ErrorPropagation = true
	res := solve(t, net, s)

	require.True(t, res.Converged)
	got := net.Target.Current
	assert.InDelta(t, truth.Target.PoleRA[0], got.PoleRA[0], surface.Radians(0.001))
	assert.InDelta(t, truth.Target.MeanRadius, got.MeanRadius, 0.01)
	for _, id := range []string{"P3", "P4"} {
		assert.InDelta(t, got.MeanRadius, net.Point(id).Adjusted.LocalRadius(), 1e-9, id)
	}
	assert.InDelta(t, synth.MoonRadius, net.Point("P1").Adjusted.LocalRadius(), 1e-9)

	require.NotNil(t, net.Target.Covariance)
	assert.Equal(t, 2, net.Target.Covariance.SymmetricDim())
	assert.Positive(t, mat.Det(net.Target.Covariance))
	assert.Len(t, net.Target.AdjustedSigmas, 2)
}

var blockOutlier = synth.MeasureKey{Point: "G0101", Serial: "IMG02"}

// blockWithOutlier is a 4x4 block whose blockOutlier measure is displaced
// 20 pixels, with outlier rejection enabled.
func blockWithOutlier(t *testing.T) (*bundle.Network, bundle.Settings) {
	t.Helper()
	net, _, err := synth.Block(4, 4, 30).Build(synth.Perturbation{
		Seed:        5,
		PointAngle:  0.0001,
		NoiseRadius: 0.5,
		Offsets:     map[synth.MeasureKey][2]float64{blockOutlier: {20, 0}},
	})
	require.NoError(t, err)

	s := bundle.DefaultSettings()
	s.MeasureSigma = 0.5
	s.Observations = []bundle.ObservationSettings{{InstrumentID: "*"}}
	s.OutlierRejection = true
	return net, s
}

func assertOnlyOutlierRejected(t *testing.T, net *bundle.Network) {
	t.Helper()
	badPoint, _ := net.PointIndex(blockOutlier.Point)
	badImage, _ := net.ImageIndex(blockOutlier.Serial)
	for _, m := range net.Measures {
		isBad := m.Point == badPoint && m.Image == badImage
		assert.Equal(t, isBad, m.Rejected, "point %s image %s", net.Points[m.Point].ID, net.Images[m.Image].Serial)
	}
}

func TestOutlierIsLocalized(t *testing.T) {
	net, s := blockWithOutlier(t)
	res := solve(t, net, s)

	require.True(t, res.Converged)
	assert.Equal(t, 1, res.RejectedMeasures)
	assert.Zero(t, res.RejectedPoints)
	assertOnlyOutlierRejected(t, net)
	assert.Positive(t, res.Iteration[0].RejectionLimit)
	assert.Less(t, res.Residuals.RejectionMedian, 1.0)
}

func TestOutlierIsLocalizedWithinThreeIterations(t *testing.T) {
	net, s := blockWithOutlier(t)
	s.MaxIterations = 3
	res := solve(t, net, s)

	require.NotEmpty(t, res.Iteration)
	assert.LessOrEqual(t, len(res.Iteration), 3)
	assert.Equal(t, 1, res.Iteration[len(res.Iteration)-1].RejectedMeasures)
	assertOnlyOutlierRejected(t, net)
}

func TestIterationSummariesAreConsistent(t *testing.T) {
	net, _, err := synth.StereoPair(30).Build(synth.Perturbation{Seed: 6, PointAngle: 0.0005, NoisePixels: 0.2})
	require.NoError(t, err)
	res := solve(t, net, stereoSettings(surface.Latitudinal))
	require.True(t, res.Converged)

	want := bundle.IterationSummary{
		Observations:               16,
		ConstrainedPointParameters: 4,
		ConstrainedImageParameters: 4,
		Unknowns:                   16,
		DegreesOfFreedom:           8,
		Tier:                       -1,
	}
	ignore := cmpopts.IgnoreFields(bundle.IterationSummary{},
		"Iteration", "Sigma0", "Vtpv", "MaxCorrection", "Elapsed", "Converged")
	for i, it := range res.Iteration {
		assert.Equal(t, i+1, it.Iteration)
		if diff := cmp.Diff(want, it, ignore); diff != "" {
			t.Errorf("iteration %d summary mismatch (-want +got):\n%s", it.Iteration, diff)
		}
		assert.InDelta(t, math.Sqrt(it.Vtpv/8), it.Sigma0, 1e-12)
	}
	assert.Equal(t, res.Sigma0History()[len(res.Iteration)-1], res.Sigma0)
	require.Len(t, res.Images, 2)
	for _, img := range res.Images {
		assert.Equal(t, 4, img.Measures)
		assert.Positive(t, img.RMS)
	}
	assert.Equal(t, 8, res.Residuals.Count)
}

// TestPosteriorSigmasMatchMonteCarlo solves many noisy realizations of the
// same network and compares the spread of the adjusted points with the
// propagated sigmas.
func TestPosteriorSigmasMatchMonteCarlo(t *testing.T) {
	if testing.Short() {
		t.Skip("monte carlo")
	}
	const (
		trials        = 500
		pointingSigma = 0.01 // degrees
	)
	scene := synth.StereoPair(30)
	scene.Points = scene.Points[:3]
	s := stereoSettings(surface.Rectangular)
	s.MeasureSigma = 1
	s.Observations[0].PointingSigmas = []float64{pointingSigma}
	s.ErrorPropagation = true

	errs := map[string][3][]float64{}
	sigmas := map[string][3][]float64{}
	var variance []float64
	for i := 0; i < trials; i++ {
		net, truth, err := scene.Build(synth.Perturbation{
			Seed:          uint64(100 + i),
			PointAngle:    0.0002,
			NoisePixels:   1,
			PointingNoise: surface.Radians(pointingSigma),
		})
		require.NoError(t, err)
		res := solve(t, net, s)
		require.True(t, res.Converged, "trial %d", i)
		require.True(t, res.ErrorPropagated, "trial %d", i)
		variance = append(variance, res.Sigma0*res.Sigma0)
		for _, p := range net.Points {
			e, sg := errs[p.ID], sigmas[p.ID]
			d := p.Adjusted.Sub(truth.Points[p.ID].Vector)
			for k, v := range [3]float64{d.X, d.Y, d.Z} {
				e[k] = append(e[k], v)
				sg[k] = append(sg[k], math.Sqrt(p.Covariance.At(k, k))/res.Sigma0)
			}
			errs[p.ID], sigmas[p.ID] = e, sg
		}
	}

	assert.InDelta(t, 1, stat.Mean(variance, nil), 0.15)
	for id, e := range errs {
		for k := 0; k < 3; k++ {
			empirical := stat.StdDev(e[k], nil)
			predicted := stat.Mean(sigmas[id][k], nil)
			assert.InEpsilon(t, predicted, empirical, 0.1, "point %s coordinate %d", id, k)
		}
	}
}
