package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/jigsaw/internal/bundle"
	"github.com/banshee-data/jigsaw/internal/db"
	"github.com/banshee-data/jigsaw/internal/synth"
	"github.com/banshee-data/jigsaw/internal/timeutil"
)

var time0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *db.DB, *timeutil.MockClock) {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	clock := timeutil.NewMockClock(time0)
	return NewStore(database.DB, clock), database, clock
}

func TestInsertAndGetRun(t *testing.T) {
	s, _, _ := newTestStore(t)
	want := &Run{
		Version:          "1.0.0",
		NetworkID:        "lunar-block",
		TargetName:       "Moon",
		Settings:         json.RawMessage(`{"max_iterations":5}`),
		Status:           "converged",
		Converged:        true,
		Iterations:       3,
		Sigma0:           0.82,
		DegreesOfFreedom: 120,
		RejectedMeasures: 2,
		RMS:              0.41,
		Elapsed:          1500 * time.Millisecond,
		ErrorPropagation: 250 * time.Millisecond,
	}
	require.NoError(t, s.InsertRun(want))
	_, err := uuid.Parse(want.RunID)
	require.NoError(t, err)
	assert.Equal(t, time0, want.CreatedAt)

	got, err := s.GetRun(want.RunID)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("run mismatch (-want +got):\n%s", diff)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.GetRun("missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestListRunsNewestFirst(t *testing.T) {
	s, _, clock := newTestStore(t)
	var ids []string
	for i := 0; i < 3; i++ {
		r := &Run{Version: "dev", Status: "converged"}
		require.NoError(t, s.InsertRun(r))
		ids = append(ids, r.RunID)
		clock.Advance(time.Minute)
	}

	runs, err := s.ListRuns(0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{runs[0].RunID, runs[1].RunID, runs[2].RunID})
	assert.Equal(t, time0.Add(2*time.Minute), runs[0].CreatedAt)

	limited, err := s.ListRuns(2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestIterationsRoundTrip(t *testing.T) {
	s, _, _ := newTestStore(t)
	r := &Run{Version: "dev", Status: "not_converged"}
	require.NoError(t, s.InsertRun(r))
	want := []Iteration{
		{Iteration: 1, Sigma0: 3.2, Vtpv: 40.96, Observations: 10, Unknowns: 6, DegreesOfFreedom: 4, Tier: -1, MaxCorrection: 1e-3, Elapsed: 20 * time.Millisecond},
		{Iteration: 2, Sigma0: 1.1, Vtpv: 4.84, Observations: 10, Unknowns: 6, DegreesOfFreedom: 4, RejectedMeasures: 1, RejectionLimit: 2.5, Tier: 0, MaxCorrection: 1e-6, Elapsed: 15 * time.Millisecond},
	}
	require.NoError(t, s.InsertIterations(r.RunID, want))
	got, err := s.ListIterations(r.RunID)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("iterations mismatch (-want +got):\n%s", diff)
	}

	err = s.InsertIterations(r.RunID, want[:1])
	assert.Error(t, err, "duplicate iteration")
	got, err = s.ListIterations(r.RunID)
	require.NoError(t, err)
	assert.Len(t, got, 2, "failed batch rolled back")
}

func TestInsertForUnknownRunFails(t *testing.T) {
	s, _, _ := newTestStore(t)
	err := s.InsertPoints("nope", []Point{{PointID: "P1", Type: "free", Radius: 1}})
	assert.Error(t, err)
}

func TestDeletingRunCascades(t *testing.T) {
	s, database, _ := newTestStore(t)
	r := &Run{Version: "dev", Status: "converged"}
	require.NoError(t, s.InsertRun(r))
	require.NoError(t, s.InsertIterations(r.RunID, []Iteration{{Iteration: 1}}))
	_, err := database.Exec(`DELETE FROM runs WHERE run_id = ?`, r.RunID)
	require.NoError(t, err)
	its, err := s.ListIterations(r.RunID)
	require.NoError(t, err)
	assert.Empty(t, its)
}

func TestRecordSolvedNetwork(t *testing.T) {
	s, _, _ := newTestStore(t)
	net, _, err := synth.StereoPair(30).Build(synth.Perturbation{Seed: 2, PointAngle: 0.0005, NoisePixels: 0.2})
	require.NoError(t, err)
	settings := bundle.DefaultSettings()
	settings.ErrorPropagation = true
	settings.Observations = []bundle.ObservationSettings{{
		InstrumentID:   "*",
		Pointing:       bundle.AnglesOnly,
		PointingSigmas: []float64{0.1},
	}}
	a, err := bundle.NewAdjuster(net, settings)
	require.NoError(t, err)
	res, err := a.Solve(context.Background())
	require.NoError(t, err)
	require.True(t, res.Converged)

	id, err := s.Record(Adjustment{NetworkID: "stereo", TargetName: "Moon", Network: net, Results: res})
	require.NoError(t, err)

	run, err := s.GetRun(id)
	require.NoError(t, err)
	assert.Equal(t, "converged", run.Status)
	assert.True(t, run.Converged)
	assert.Equal(t, res.Iterations, run.Iterations)
	assert.Equal(t, res.Sigma0, run.Sigma0)
	assert.Empty(t, run.Error)

	its, err := s.ListIterations(id)
	require.NoError(t, err)
	require.Len(t, its, res.Iterations)
	history := make([]float64, len(its))
	for i, it := range its {
		history[i] = it.Sigma0
	}
	assert.Equal(t, res.Sigma0History(), history)

	points, err := s.ListPoints(id)
	require.NoError(t, err)
	require.Len(t, points, len(net.Points))
	for _, p := range points {
		assert.Equal(t, "free", p.Type)
		require.NotNil(t, p.Sigmas, p.PointID)
		assert.Equal(t, net.Point(p.PointID).AdjustedSigmas, *p.Sigmas)
	}

	params, err := s.ListImageParameters(id)
	require.NoError(t, err)
	require.Len(t, params, 4)
	assert.Equal(t, "IMG1", params[0].ObservationID)
	assert.Equal(t, "RA0", params[0].Parameter)
	assert.Equal(t, "DEC0", params[1].Parameter)
	for _, p := range params {
		require.NotNil(t, p.AprioriSigma)
		assert.InDelta(t, 0.1, *p.AprioriSigma, 1e-12)
		require.NotNil(t, p.AdjustedSigma)
		assert.Less(t, *p.AdjustedSigma, *p.AprioriSigma)
	}
}

func TestRecordFailedSolve(t *testing.T) {
	s, _, _ := newTestStore(t)
	net, _, err := synth.StereoPair(30).Build(synth.Perturbation{})
	require.NoError(t, err)
	solveErr := errors.New("normal matrix is not positive definite")

	id, err := s.Record(Adjustment{NetworkID: "stereo", Network: net, SolveErr: solveErr})
	require.NoError(t, err)
	run, err := s.GetRun(id)
	require.NoError(t, err)
	assert.Equal(t, "failed", run.Status)
	assert.Equal(t, solveErr.Error(), run.Error)
	its, err := s.ListIterations(id)
	require.NoError(t, err)
	assert.Empty(t, its)
}
