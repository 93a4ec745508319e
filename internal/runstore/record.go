package runstore

import (
	"encoding/json"

	"github.com/banshee-data/jigsaw/internal/bundle"
	"github.com/banshee-data/jigsaw/internal/cnet"
	"github.com/banshee-data/jigsaw/internal/monitoring"
	"github.com/banshee-data/jigsaw/internal/surface"
	"github.com/banshee-data/jigsaw/internal/version"
)

// Adjustment is everything recorded for one solve. Results is nil when the
// solve failed before producing any; SolveErr then carries the failure.
type Adjustment struct {
	NetworkID  string
	TargetName string
	Settings   json.RawMessage
	Network    *bundle.Network
	Results    *bundle.Results
	SolveErr   error
}

// NewRun summarizes an adjustment.
func NewRun(a Adjustment) *Run {
	r := &Run{
		Version:    version.Version,
		NetworkID:  a.NetworkID,
		TargetName: a.TargetName,
		Settings:   a.Settings,
		Status:     bundle.StatusFailed.String(),
	}
	if a.SolveErr != nil {
		r.Error = a.SolveErr.Error()
	}
	res := a.Results
	if res == nil {
		return r
	}
	r.Status = res.Status.String()
	r.Converged = res.Converged
	r.Iterations = res.Iterations
	r.Sigma0 = res.Sigma0
	r.DegreesOfFreedom = res.DegreesOfFreedom
	r.RejectedMeasures = res.RejectedMeasures
	r.RejectedPoints = res.RejectedPoints
	r.RMS = res.RMS
	r.Elapsed = res.Elapsed
	r.ErrorPropagation = res.ErrorPropagationElapsed
	if res.Err != nil && r.Error == "" {
		r.Error = res.Err.Error()
	}
	return r
}

// Iterations converts the iteration summaries of a solve.
func Iterations(res *bundle.Results) []Iteration {
	its := make([]Iteration, len(res.Iteration))
	for i, s := range res.Iteration {
		its[i] = Iteration{
			Iteration:        s.Iteration,
			Sigma0:           s.Sigma0,
			Vtpv:             s.Vtpv,
			Observations:     s.Observations,
			Unknowns:         s.Unknowns,
			DegreesOfFreedom: s.DegreesOfFreedom,
			RejectedMeasures: s.RejectedMeasures,
			RejectionLimit:   s.RejectionLimit,
			Tier:             s.Tier,
			MaxCorrection:    s.MaxCorrection,
			Elapsed:          s.Elapsed,
		}
	}
	return its
}

// Points converts the adjusted points of a network.
func Points(net *bundle.Network) []Point {
	points := make([]Point, len(net.Points))
	for i, p := range net.Points {
		points[i] = Point{
			PointID:   p.ID,
			Type:      p.Type.String(),
			Rejected:  p.Rejected,
			Latitude:  surface.Degrees(p.Adjusted.Latitude()),
			Longitude: surface.Degrees(p.Adjusted.Longitude()),
			Radius:    p.Adjusted.LocalRadius(),
		}
		if p.Covariance != nil {
			sigmas := p.AdjustedSigmas
			points[i].Sigmas = &sigmas
		}
	}
	return points
}

// ImageParameters converts the solved exterior orientation of a network.
func ImageParameters(net *bundle.Network) []ImageParameter {
	rows := cnet.ParameterRows(net)
	params := make([]ImageParameter, len(rows))
	for i, r := range rows {
		params[i] = ImageParameter{
			ObservationID: r.ObservationID,
			Parameter:     r.Parameter,
			Apriori:       r.Apriori,
			Adjusted:      r.Adjusted,
		}
		if r.AprioriSigma > 0 {
			v := r.AprioriSigma
			params[i].AprioriSigma = &v
		}
		if r.AdjustedSigma > 0 {
			v := r.AdjustedSigma
			params[i].AdjustedSigma = &v
		}
	}
	return params
}

// Record persists an adjustment and returns the new run id. A failed solve
// is stored without iterations or adjusted values.
func (s *Store) Record(a Adjustment) (string, error) {
	run := NewRun(a)
	if err := s.InsertRun(run); err != nil {
		return "", err
	}
	if a.Results != nil {
		if err := s.InsertIterations(run.RunID, Iterations(a.Results)); err != nil {
			return run.RunID, err
		}
		if err := s.InsertPoints(run.RunID, Points(a.Network)); err != nil {
			return run.RunID, err
		}
		if err := s.InsertImageParameters(run.RunID, ImageParameters(a.Network)); err != nil {
			return run.RunID, err
		}
	}
	monitoring.Logf("recorded run %s (%s, %d iterations)", run.RunID, run.Status, run.Iterations)
	return run.RunID, nil
}
