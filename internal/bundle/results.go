package bundle

import (
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/jigsaw/internal/linalg"
)

// Status is the outcome of a solve.
type Status int

const (
	StatusConverged Status = iota
	StatusNotConverged
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusConverged:
		return "converged"
	case StatusNotConverged:
		return "not_converged"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// IterationSummary records one pass of the iteration controller.
type IterationSummary struct {
	Iteration                   int
	Sigma0                      float64
	Vtpv                        float64
	Observations                int
	LidarRangeConstraints       int
	ConstrainedPointParameters  int
	ConstrainedImageParameters  int
	ConstrainedTargetParameters int
	Unknowns                    int
	DegreesOfFreedom            int
	RejectedMeasures            int
	ProjectionFailures          int
	// RejectionLimit is zero when outlier rejection did not run.
	RejectionLimit   float64
	Tier             int // -1 without maximum likelihood
	TweakingConstant float64
	MaxCorrection    float64
	Elapsed          time.Duration
	Converged        bool
}

// ImageStatistics are residual statistics of one image, in pixels.
type ImageStatistics struct {
	Serial     string
	Measures   int
	Rejected   int
	RMSSample  float64
	RMSLine    float64
	RMS        float64
	Projection int // measures that failed to project
}

// ResidualQuantiles summarizes the active residual magnitudes of the last
// iteration in pixels.
type ResidualQuantiles struct {
	Count           int
	Q25, Q50, Q75   float64
	Q95, Maximum    float64
	Mean            float64
	RejectionMedian float64
	RejectionMAD    float64
}

// Results is the outcome of Solve. The adjusted state itself lives in the
// Network.
type Results struct {
	Status     Status
	Converged  bool
	Cancelled  bool
	Iterations int
	Sigma0     float64
	// DegreesOfFreedom of the last iteration.
	DegreesOfFreedom int
	Iteration        []IterationSummary
	Images           []ImageStatistics
	Residuals        ResidualQuantiles
	RMSSample        float64
	RMSLine          float64
	RMS              float64
	RejectedMeasures int
	RejectedPoints   int

	ErrorPropagated   bool
	InverseMatrixPath string
	// Inverse is N11⁻¹ restricted to the stored block pattern, set by
	// error propagation.
	Inverse *linalg.SparseBlockMatrix

	Elapsed                 time.Duration
	ErrorPropagationElapsed time.Duration
	// Err is a non-fatal failure: cancellation, or error propagation
	// instability after a valid solve.
	Err error
}

// Sigma0History returns Sigma0 per iteration.
func (r *Results) Sigma0History() []float64 {
	out := make([]float64, len(r.Iteration))
	for i, s := range r.Iteration {
		out[i] = s.Sigma0
	}
	return out
}

func (a *Adjuster) results(converged bool, elapsed time.Duration) *Results {
	res := &Results{
		Status:                  StatusNotConverged,
		Converged:               converged,
		Iterations:              len(a.summaries),
		Sigma0:                  a.sigma0,
		DegreesOfFreedom:        a.lastAssembly.degreesOfFreedom(),
		Iteration:               append([]IterationSummary(nil), a.summaries...),
		RejectedMeasures:        a.rejectedMeasures(),
		ErrorPropagated:         a.inverse != nil,
		InverseMatrixPath:       a.inversePath,
		Inverse:                 a.inverse,
		Elapsed:                 elapsed,
		ErrorPropagationElapsed: a.errPropTime,
	}
	if converged {
		res.Status = StatusConverged
	}
	for _, p := range a.net.Points {
		if p.Rejected {
			res.RejectedPoints++
		}
	}

	var sumS, sumL float64
	n := 0
	for _, img := range a.net.Images {
		st := ImageStatistics{Serial: img.Serial}
		var ss, sl float64
		for _, mi := range img.Measures {
			m := a.net.Measures[mi]
			if m.Rejected || a.net.Points[m.Point].Rejected {
				st.Rejected++
				continue
			}
			if !m.Projected {
				st.Projection++
				continue
			}
			st.Measures++
			ss += m.SampleResidual * m.SampleResidual
			sl += m.LineResidual * m.LineResidual
		}
		if st.Measures > 0 {
			k := float64(st.Measures)
			st.RMSSample = math.Sqrt(ss / k)
			st.RMSLine = math.Sqrt(sl / k)
			st.RMS = math.Sqrt((ss + sl) / (2 * k))
		}
		sumS += ss
		sumL += sl
		n += st.Measures
		res.Images = append(res.Images, st)
	}
	if n > 0 {
		res.RMSSample = math.Sqrt(sumS / float64(n))
		res.RMSLine = math.Sqrt(sumL / float64(n))
		res.RMS = math.Sqrt((sumS + sumL) / float64(2*n))
	}

	d := &a.residuals
	if d.Len() > 0 {
		res.Residuals = ResidualQuantiles{
			Count:   d.Len(),
			Q25:     d.Quantile(0.25),
			Q50:     d.Quantile(0.5),
			Q75:     d.Quantile(0.75),
			Q95:     d.Quantile(0.95),
			Maximum: d.Quantile(1),
			Mean:    d.Mean(),
		}
	}
	res.Residuals.RejectionMedian = a.rejection.Median
	res.Residuals.RejectionMAD = a.rejection.MAD
	return res
}
