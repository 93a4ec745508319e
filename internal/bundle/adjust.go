// Package bundle implements photogrammetric bundle adjustment: the joint
// weighted least-squares refinement of image exterior orientation, ground
// point coordinates and, optionally, target-body parameters.
//
// The normal equations are block sparse. Points are reduced out of the
// system one at a time (Schur complement), the reduced image system is
// factored with a sparse Cholesky whose symbolic analysis is reused across
// iterations, and point corrections are recovered by back-substitution.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/jigsaw/internal/bundle/robust"
	"github.com/banshee-data/jigsaw/internal/cholesky"
	"github.com/banshee-data/jigsaw/internal/fsutil"
	"github.com/banshee-data/jigsaw/internal/linalg"
	"github.com/banshee-data/jigsaw/internal/timeutil"
)

// Option configures an Adjuster.
type Option func(*Adjuster)

// WithListener sets the progress listener.
func WithListener(l Listener) Option {
	return func(a *Adjuster) { a.listener = l }
}

// WithClock sets the clock used for elapsed times.
func WithClock(c timeutil.Clock) Option {
	return func(a *Adjuster) { a.clock = c }
}

// WithFileSystem sets the file system the inverse matrix is written to.
func WithFileSystem(fs fsutil.FileSystem) Option {
	return func(a *Adjuster) { a.fs = fs }
}

// blockOwner identifies the parameters of one block of the reduced system.
type blockOwner struct {
	target      bool
	observation int
}

// Adjuster runs a bundle adjustment over a network. It owns the network's
// mutable solve state while Solve runs and is not safe for concurrent use,
// except for Abort.
type Adjuster struct {
	settings Settings
	net      *Network
	listener Listener
	clock    timeutil.Clock
	fs       fsutil.FileSystem

	abort atomic.Bool

	initialized bool
	owners      []blockOwner
	normals     *linalg.SparseBlockMatrix
	rhs         []float64
	solution    []float64

	triplet       *cholesky.Triplet
	sparse        *cholesky.Sparse
	chol          *cholesky.Context
	patternBlocks int

	tier         int
	weightFuncs  []robust.WeightFunction
	zScores      robust.Distribution
	residuals    robust.Distribution
	sigma0       float64
	zScale       float64
	rejection    robust.Limit
	summaries    []IterationSummary
	inverse      *linalg.SparseBlockMatrix
	inversePath  string
	errPropTime  time.Duration
	lastAssembly assembly
}

// NewAdjuster validates settings and prepares an adjustment of net.
func NewAdjuster(net *Network, settings Settings, opts ...Option) (*Adjuster, error) {
	if net == nil {
		return nil, errors.New("nil network")
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	a := &Adjuster{
		settings: settings,
		net:      net,
		listener: NopListener{},
		clock:    timeutil.RealClock{},
		fs:       fsutil.OSFileSystem{},
		tier:     -1,
		zScale:   1,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Network returns the network being adjusted.
func (a *Adjuster) Network() *Network { return a.net }

// Settings returns the adjustment settings.
func (a *Adjuster) Settings() Settings { return a.settings }

// Abort asks a running Solve to stop at its next checkpoint. It is safe to
// call from another goroutine.
func (a *Adjuster) Abort() { a.abort.Store(true) }

func (a *Adjuster) cancelled(ctx context.Context) bool {
	return a.abort.Load() || ctx.Err() != nil
}

// initialize validates the network and derives weights, parameter
// selections and the block layout. It runs once per Adjuster.
func (a *Adjuster) initialize() error {
	net := a.net
	if err := net.validate(); err != nil {
		return err
	}

	if a.settings.SolveTarget() {
		if net.Target == nil {
			return errors.New("target-body solve requested but the network has no target body")
		}
		setTargetWeights(net.Target, a.settings.Target)
		net.Target.Current.RadiusMode = a.settings.Target.RadiusMode()
	}
	if net.Target != nil {
		for _, img := range net.Images {
			img.Sensor.SetTarget(net.Target.Current)
		}
	}

	for _, o := range net.Observations {
		if err := a.initObservation(o); err != nil {
			return err
		}
	}

	for _, p := range net.Points {
		p.Rejected = false
		p.Degenerate = false
		p.RejectedMeasures = 0
		p.reduced = false
		if a.tiedRadius() {
			a.tieRadius(p)
		}
		if err := a.setPointWeights(p); err != nil {
			return err
		}
		if p.Lidar != nil {
			p.Lidar.Constraints = make([]RangeConstraint, len(p.Lidar.Simultaneous))
			for i, img := range p.Lidar.Simultaneous {
				p.Lidar.Constraints[i] = RangeConstraint{Image: img}
			}
		}
	}
	for _, m := range net.Measures {
		m.Rejected = false
		m.mlSqrtWeight = 1
	}

	a.layoutBlocks()
	if len(a.settings.MaximumLikelihood) > 0 {
		a.tier = 0
		a.weightFuncs = make([]robust.WeightFunction, len(a.settings.MaximumLikelihood))
		for i, t := range a.settings.MaximumLikelihood {
			a.weightFuncs[i] = robust.NewWeightFunction(t.Model)
		}
	}
	a.initialized = true
	diagf("initialized: %d images, %d observations, %d points, %d image parameters",
		len(net.Images), len(net.Observations), len(net.Points), a.normals.Dimension())
	return nil
}

func (a *Adjuster) initObservation(o *Observation) error {
	o.Settings = a.settings.ObservationSettingsFor(o.InstrumentID)
	o.Selection = o.Settings.Selection()
	first := a.net.Images[o.Images[0]].Sensor
	if o.Settings.OverHermite && !first.TimeDependent() {
		return fmt.Errorf("observation %s: over-Hermite position solve needs a time-dependent sensor", o.ID)
	}
	eo := first.ExteriorOrientation()
	for i := 0; i < 3; i++ {
		eo.Position[i] = padCoefficients(eo.Position[i], o.Selection.PositionCoefficients)
		eo.Pointing[i] = padCoefficients(eo.Pointing[i], o.Selection.PointingCoefficients)
	}
	o.Apriori = eo.Clone()
	o.Current = eo.Clone()
	for _, ii := range o.Images {
		if err := a.net.Images[ii].Sensor.SetExteriorOrientation(o.Current); err != nil {
			return fmt.Errorf("observation %s image %s: %w", o.ID, a.net.Images[ii].Serial, err)
		}
	}
	setObservationWeights(o)
	return nil
}

func padCoefficients(c []float64, n int) []float64 {
	c = append([]float64(nil), c...)
	for len(c) < n {
		c = append(c, 0)
	}
	return c
}

// layoutBlocks assigns block columns: the target body first when solved,
// then every observation with solved parameters.
func (a *Adjuster) layoutBlocks() {
	var sizes []int
	a.owners = a.owners[:0]
	if a.settings.SolveTarget() {
		sizes = append(sizes, len(a.net.Target.Parameters))
		a.owners = append(a.owners, blockOwner{target: true, observation: -1})
	}
	for oi, o := range a.net.Observations {
		o.block = -1
		if n := o.NumberOfParameters(); n > 0 {
			o.block = len(sizes)
			sizes = append(sizes, n)
			a.owners = append(a.owners, blockOwner{observation: oi})
		}
	}
	a.normals = linalg.NewSparseBlockMatrix(sizes)
	for i := range sizes {
		// Diagonal blocks always exist so the pattern only grows.
		if _, err := a.normals.InsertBlock(i, i); err != nil {
			panic(err)
		}
		a.normals.Column(i).ObservationIndex = a.owners[i].observation
	}
	a.rhs = make([]float64, a.normals.Dimension())
	a.chol = cholesky.NewContext(cholesky.Options{Ordering: a.settings.Ordering, Groups: sizes})
	a.patternBlocks = 0
}

// tieRadius moves p onto the solved body shape. Fixed points stay put.
func (a *Adjuster) tieRadius(p *Point) {
	if p.Type == Fixed {
		return
	}
	t := a.net.Target.Current
	if r, ok := t.SurfaceRadius(p.Adjusted.Latitude(), p.Adjusted.Longitude()); ok {
		p.Adjusted = p.Adjusted.WithRadius(r)
	}
}

// Solve iterates until convergence, the iteration limit, cancellation or a
// fatal error. Fatal errors return a nil Results. Cancellation returns the
// last state with Cancelled set. Solve may be called again; it continues
// from the current state.
func (a *Adjuster) Solve(ctx context.Context) (*Results, error) {
	start := a.clock.Now()
	a.abort.Store(false)
	if !a.initialized {
		if err := a.initialize(); err != nil {
			a.listener.StatusBarUpdate("Failed")
			return nil, err
		}
	}
	defer a.release()

	a.summaries = a.summaries[:0]
	a.inverse = nil
	a.inversePath = ""
	a.errPropTime = 0
	previous := a.sigma0
	converged := false
	s := &a.settings

	for iteration := 1; ; iteration++ {
		iterStart := a.clock.Now()
		a.listener.IterationUpdate(iteration)
		a.listener.StatusUpdate(fmt.Sprintf("starting iteration %d", iteration))
		a.residuals.Reset()

		st, err := a.formNormals()
		if err != nil {
			return nil, a.fail(err)
		}
		a.lastAssembly = st
		if a.cancelled(ctx) {
			return a.cancel(start), nil
		}

		if err := a.solveSystem(); err != nil {
			return nil, a.fail(err)
		}
		if a.cancelled(ctx) {
			return a.cancel(start), nil
		}

		if err := a.applyCorrections(); err != nil {
			return nil, a.fail(err)
		}
		if a.cancelled(ctx) {
			return a.cancel(start), nil
		}

		a.listener.StatusBarUpdate("Computing Residuals")
		vtpv := a.computeResiduals()
		if a.cancelled(ctx) {
			return a.cancel(start), nil
		}

		dof := st.degreesOfFreedom()
		sigma0, err := computeSigma0(vtpv, dof, s.Criterion)
		if err != nil {
			return nil, a.fail(err)
		}
		a.sigma0 = sigma0
		if sigma0 > 0 {
			a.zScale = sigma0
		}

		summary := st.summary(iteration)
		summary.Sigma0 = sigma0
		summary.Vtpv = vtpv
		summary.Tier = a.tier
		if wf, ok := a.weightFunction(); ok {
			summary.TweakingConstant = wf.TweakingConstant
		}
		summary.MaxCorrection = floats.Norm(a.solution, math.Inf(1))

		tierAdvanced := false
		switch s.Criterion {
		case CriterionSigma0:
			if math.Abs(previous-sigma0) <= s.Threshold {
				if a.tier >= 0 && a.tier < len(s.MaximumLikelihood)-1 {
					a.advanceTier()
					tierAdvanced = true
				} else {
					converged = true
				}
			}
		case CriterionParameterCorrections:
			converged = summary.MaxCorrection <= s.Threshold
		}
		summary.Converged = converged

		if !converged && iteration < s.MaxIterations {
			if s.OutlierRejection {
				if err := a.rejectOutliers(); err != nil {
					opsf("outlier rejection skipped: %v", err)
				}
				summary.RejectionLimit = a.rejection.Threshold
			}
			if !tierAdvanced {
				a.updateTweakingConstant()
			}
		}
		summary.RejectedMeasures = a.rejectedMeasures()
		summary.Elapsed = a.clock.Since(iterStart)
		a.summaries = append(a.summaries, summary)
		diagf("iteration %d: sigma0=%.9g dof=%d observations=%d rejected=%d max correction=%.3g",
			iteration, sigma0, dof, st.observations, summary.RejectedMeasures, summary.MaxCorrection)

		if converged {
			a.listener.StatusUpdate("bundle has converged")
			a.listener.StatusBarUpdate("Converged")
			break
		}
		if iteration >= s.MaxIterations {
			a.listener.StatusBarUpdate("Max Iterations Reached")
			break
		}
		if tierAdvanced {
			diagf("advancing to maximum likelihood tier %d (%v)", a.tier, s.MaximumLikelihood[a.tier].Model)
		}
		previous = sigma0
	}

	var propErr error
	if converged && s.ErrorPropagation {
		a.listener.StatusUpdate("starting error propagation")
		propStart := a.clock.Now()
		propErr = a.propagateErrors()
		a.errPropTime = a.clock.Since(propStart)
		if propErr != nil {
			opsf("error propagation failed: %v", propErr)
		} else {
			a.listener.StatusUpdate("error propagation complete")
		}
	}

	res := a.results(converged, a.clock.Since(start))
	res.Err = propErr
	a.listener.StatusUpdate("bundle complete")
	return res, propErr
}

func (a *Adjuster) fail(err error) error {
	opsf("solve failed: %v", err)
	a.listener.StatusBarUpdate("Failed to Converge")
	return err
}

func (a *Adjuster) cancel(start time.Time) *Results {
	a.listener.StatusUpdate("aborting")
	res := a.results(false, a.clock.Since(start))
	res.Cancelled = true
	res.Err = ErrCancelled
	return res
}

// release frees the factorization and sparse buffers. A later Solve
// repeats the symbolic analysis.
func (a *Adjuster) release() {
	if a.chol != nil {
		a.chol.Release()
	}
	a.sparse = nil
	a.triplet = nil
	a.patternBlocks = 0
}

func (a *Adjuster) weightFunction() (robust.WeightFunction, bool) {
	if a.tier < 0 || a.tier >= len(a.weightFuncs) {
		return robust.WeightFunction{}, false
	}
	return a.weightFuncs[a.tier], true
}

// updateTweakingConstant resets the current tier's constant to the
// configured quantile of this iteration's residual z-scores.
func (a *Adjuster) updateTweakingConstant() {
	if _, ok := a.weightFunction(); !ok {
		return
	}
	q := a.settings.MaximumLikelihood[a.tier].Quantile
	if tc := a.zScores.Quantile(q); tc > 0 {
		a.weightFuncs[a.tier].TweakingConstant = tc
		diagf("tier %d tweaking constant %.6g (median z %.6g)", a.tier, tc, a.zScores.Quantile(0.5))
	}
	a.zScores.Reset()
}

// advanceTier moves to the next maximum-likelihood tier, seeding its
// constant from the residuals of the converged tier.
func (a *Adjuster) advanceTier() {
	a.tier++
	q := a.settings.MaximumLikelihood[a.tier].Quantile
	if tc := a.zScores.Quantile(q); tc > 0 {
		a.weightFuncs[a.tier].TweakingConstant = tc
	}
	a.zScores.Reset()
}

// computeSigma0 returns √(vᵀPv/dof).
func computeSigma0(vtpv float64, dof int, criterion ConvergenceCriterion) (float64, error) {
	switch {
	case dof > 0:
		return math.Sqrt(vtpv / float64(dof)), nil
	case dof == 0 && criterion == CriterionParameterCorrections:
		return math.Sqrt(vtpv), nil
	}
	e := newSolveError(ErrInvalidDegreesOfFreedom)
	e.Err = fmt.Errorf("computed degrees of freedom %d", dof)
	return 0, e
}
