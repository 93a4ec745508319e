package bundle

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/banshee-data/jigsaw/internal/bundle/robust"
	"github.com/banshee-data/jigsaw/internal/cholesky"
	"github.com/banshee-data/jigsaw/internal/obsmodel"
	"github.com/banshee-data/jigsaw/internal/surface"
)

// DefaultPseudoFixedWeight is the weight given to coordinates that are held
// fixed numerically rather than removed from the system.
const DefaultPseudoFixedWeight = 1e50

// ConvergenceCriterion selects the test that ends the iteration.
type ConvergenceCriterion int

const (
	// CriterionSigma0 converges when Sigma0 changes by no more than the
	// threshold between iterations.
	CriterionSigma0 ConvergenceCriterion = iota
	// CriterionParameterCorrections converges when every image parameter
	// correction is within the threshold.
	CriterionParameterCorrections
)

func (c ConvergenceCriterion) String() string {
	switch c {
	case CriterionSigma0:
		return "sigma0"
	case CriterionParameterCorrections:
		return "parameter_corrections"
	default:
		return fmt.Sprintf("ConvergenceCriterion(%d)", int(c))
	}
}

// ParseConvergenceCriterion resolves a criterion name.
func ParseConvergenceCriterion(s string) (ConvergenceCriterion, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sigma0":
		return CriterionSigma0, nil
	case "parameter_corrections", "parametercorrections":
		return CriterionParameterCorrections, nil
	}
	return 0, fmt.Errorf("unknown convergence criterion %q", s)
}

// PositionOption selects how many instrument position coefficients are
// solved per axis.
type PositionOption int

const (
	NoPosition PositionOption = iota
	PositionOnly
	PositionVelocity
	PositionAcceleration
	// AllPositionCoefficients solves SPKSolveDegree+1 coefficients.
	AllPositionCoefficients
)

var positionOptionNames = [...]string{"none", "positions", "velocities", "accelerations", "all"}

func (o PositionOption) String() string {
	if o >= 0 && int(o) < len(positionOptionNames) {
		return positionOptionNames[o]
	}
	return fmt.Sprintf("PositionOption(%d)", int(o))
}

// ParsePositionOption resolves a position option name.
func ParsePositionOption(s string) (PositionOption, error) {
	i := slices.Index(positionOptionNames[:], strings.ToLower(strings.TrimSpace(s)))
	if i < 0 {
		return 0, fmt.Errorf("unknown position option %q", s)
	}
	return PositionOption(i), nil
}

// PointingOption selects how many pointing coefficients are solved per
// angle.
type PointingOption int

const (
	NoPointing PointingOption = iota
	AnglesOnly
	AngularVelocity
	AngularAcceleration
	// AllPointingCoefficients solves CKSolveDegree+1 coefficients.
	AllPointingCoefficients
)

var pointingOptionNames = [...]string{"none", "angles", "velocities", "accelerations", "all"}

func (o PointingOption) String() string {
	if o >= 0 && int(o) < len(pointingOptionNames) {
		return pointingOptionNames[o]
	}
	return fmt.Sprintf("PointingOption(%d)", int(o))
}

// ParsePointingOption resolves a pointing option name.
func ParsePointingOption(s string) (PointingOption, error) {
	i := slices.Index(pointingOptionNames[:], strings.ToLower(strings.TrimSpace(s)))
	if i < 0 {
		return 0, fmt.Errorf("unknown pointing option %q", s)
	}
	return PointingOption(i), nil
}

// ObservationSettings are the solve settings of every observation taken by
// one instrument. InstrumentID "*" matches any instrument.
type ObservationSettings struct {
	InstrumentID   string
	Position       PositionOption
	Pointing       PointingOption
	SPKSolveDegree int
	CKSolveDegree  int
	SolveTwist     bool
	// PositionSigmas are a-priori sigmas per coefficient order in metres
	// (m/τ for velocity and so on). Missing or non-positive entries leave
	// that order unconstrained.
	PositionSigmas []float64
	// PointingSigmas are a-priori sigmas per coefficient order in degrees.
	PointingSigmas []float64
	// OverHermite solves the position polynomial as an offset on top of a
	// time-dependent ephemeris.
	OverHermite bool
}

// Selection returns the solved coefficients.
func (o ObservationSettings) Selection() obsmodel.ImageSelection {
	sel := obsmodel.ImageSelection{SolveTwist: o.SolveTwist}
	switch o.Position {
	case AllPositionCoefficients:
		sel.PositionCoefficients = o.SPKSolveDegree + 1
	default:
		sel.PositionCoefficients = int(o.Position)
	}
	switch o.Pointing {
	case AllPointingCoefficients:
		sel.PointingCoefficients = o.CKSolveDegree + 1
	default:
		sel.PointingCoefficients = int(o.Pointing)
	}
	return sel
}

func (o ObservationSettings) validate() error {
	if o.Position < NoPosition || o.Position > AllPositionCoefficients {
		return fmt.Errorf("instrument %q: invalid position option %v", o.InstrumentID, o.Position)
	}
	if o.Pointing < NoPointing || o.Pointing > AllPointingCoefficients {
		return fmt.Errorf("instrument %q: invalid pointing option %v", o.InstrumentID, o.Pointing)
	}
	if o.Position == AllPositionCoefficients && o.SPKSolveDegree < 0 {
		return fmt.Errorf("instrument %q: spk solve degree must be non-negative", o.InstrumentID)
	}
	if o.Pointing == AllPointingCoefficients && o.CKSolveDegree < 0 {
		return fmt.Errorf("instrument %q: ck solve degree must be non-negative", o.InstrumentID)
	}
	if o.SolveTwist && o.Pointing == NoPointing {
		return fmt.Errorf("instrument %q: twist requires a pointing solve", o.InstrumentID)
	}
	for _, s := range append(slices.Clone(o.PositionSigmas), o.PointingSigmas...) {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return fmt.Errorf("instrument %q: a-priori sigmas must be finite", o.InstrumentID)
		}
	}
	return nil
}

// TargetSettings select the solved target-body parameters.
type TargetSettings struct {
	Parameters []obsmodel.TargetParameter
	// AprioriSigmas are per parameter: degrees (per day for rates) for
	// angles, km for radii. Non-positive entries are unconstrained.
	AprioriSigmas []float64
}

// RadiusMode returns how body radii are solved.
func (t *TargetSettings) RadiusMode() obsmodel.RadiusMode {
	if t == nil {
		return obsmodel.RadiusNone
	}
	for _, p := range t.Parameters {
		switch p {
		case obsmodel.MeanRadius:
			return obsmodel.RadiusMean
		case obsmodel.RadiusA, obsmodel.RadiusB, obsmodel.RadiusC:
			return obsmodel.RadiusTriaxial
		}
	}
	return obsmodel.RadiusNone
}

// Settings configure one adjustment.
type Settings struct {
	CoordinateType surface.CoordinateType
	// SolveRadius solves the local radius of points in latitudinal
	// coordinates. Otherwise the radius gets the pseudo-fixed weight.
	SolveRadius       bool
	PseudoFixedWeight float64
	// PointSigmas are global a-priori sigmas in metres applied to Free
	// points. Zero leaves a coordinate unconstrained.
	PointSigmas [3]float64
	// MeasureSigma is the image measurement sigma in pixels.
	MeasureSigma float64

	Observations []ObservationSettings
	Target       *TargetSettings

	Criterion     ConvergenceCriterion
	Threshold     float64
	MaxIterations int

	OutlierRejection    bool
	RejectionMultiplier float64
	MaximumLikelihood   []robust.Tier

	ErrorPropagation    bool
	CreateInverseMatrix bool
	OutputPrefix        string

	Ordering cholesky.Ordering
}

// DefaultSettings returns settings that solve image pointing for every
// instrument with Sigma0 convergence.
func DefaultSettings() Settings {
	return Settings{
		CoordinateType:      surface.Latitudinal,
		PseudoFixedWeight:   DefaultPseudoFixedWeight,
		MeasureSigma:        1.4,
		Observations:        []ObservationSettings{{InstrumentID: "*", Pointing: AnglesOnly}},
		Criterion:           CriterionSigma0,
		Threshold:           1e-10,
		MaxIterations:       50,
		RejectionMultiplier: 3,
		Ordering:            cholesky.OrderingAMD,
	}
}

// Validate checks the settings for internal consistency.
func (s *Settings) Validate() error {
	var errs []error
	if s.CoordinateType != surface.Latitudinal && s.CoordinateType != surface.Rectangular {
		errs = append(errs, fmt.Errorf("invalid coordinate type %v", s.CoordinateType))
	}
	if !(s.PseudoFixedWeight > 0) || math.IsInf(s.PseudoFixedWeight, 0) {
		errs = append(errs, fmt.Errorf("pseudo-fixed weight must be positive and finite, got %g", s.PseudoFixedWeight))
	}
	if !(s.MeasureSigma > 0) {
		errs = append(errs, fmt.Errorf("measure sigma must be positive, got %g", s.MeasureSigma))
	}
	for i, v := range s.PointSigmas {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			errs = append(errs, fmt.Errorf("point sigma %d must be finite and non-negative, got %g", i, v))
		}
	}
	if len(s.Observations) == 0 {
		errs = append(errs, errors.New("at least one observation settings entry is required"))
	}
	seen := map[string]bool{}
	for _, o := range s.Observations {
		if seen[o.InstrumentID] {
			errs = append(errs, fmt.Errorf("duplicate observation settings for instrument %q", o.InstrumentID))
		}
		seen[o.InstrumentID] = true
		if err := o.validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.Target != nil {
		if err := s.validateTarget(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.Criterion != CriterionSigma0 && s.Criterion != CriterionParameterCorrections {
		errs = append(errs, fmt.Errorf("invalid convergence criterion %v", s.Criterion))
	}
	if !(s.Threshold > 0) {
		errs = append(errs, fmt.Errorf("convergence threshold must be positive, got %g", s.Threshold))
	}
	if s.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("max iterations must be at least 1, got %d", s.MaxIterations))
	}
	if s.OutlierRejection && !(s.RejectionMultiplier > 0) {
		errs = append(errs, fmt.Errorf("rejection multiplier must be positive, got %g", s.RejectionMultiplier))
	}
	if err := robust.ValidateTiers(s.MaximumLikelihood); err != nil {
		errs = append(errs, err)
	}
	if s.CreateInverseMatrix && !s.ErrorPropagation {
		errs = append(errs, errors.New("create_inverse_matrix requires error propagation"))
	}
	return errors.Join(errs...)
}

func (s *Settings) validateTarget() error {
	t := s.Target
	if len(t.AprioriSigmas) != 0 && len(t.AprioriSigmas) != len(t.Parameters) {
		return fmt.Errorf("target: %d sigmas for %d parameters", len(t.AprioriSigmas), len(t.Parameters))
	}
	seen := map[obsmodel.TargetParameter]bool{}
	mean, triaxial := false, false
	for _, p := range t.Parameters {
		if p < obsmodel.PoleRA || p > obsmodel.MeanRadius {
			return fmt.Errorf("target: invalid parameter %v", p)
		}
		if seen[p] {
			return fmt.Errorf("target: parameter %v listed twice", p)
		}
		seen[p] = true
		switch p {
		case obsmodel.MeanRadius:
			mean = true
		case obsmodel.RadiusA, obsmodel.RadiusB, obsmodel.RadiusC:
			triaxial = true
		}
	}
	if mean && triaxial {
		return errors.New("target: mean radius and triaxial radii cannot both be solved")
	}
	if (mean || triaxial) && s.CoordinateType == surface.Rectangular {
		return errors.New("target: radius solve requires latitudinal coordinates")
	}
	if triaxial && !(seen[obsmodel.RadiusA] && seen[obsmodel.RadiusB] && seen[obsmodel.RadiusC]) {
		return errors.New("target: triaxial solve needs radius_a, radius_b and radius_c")
	}
	return nil
}

// SolveTarget reports whether any target parameter is solved.
func (s *Settings) SolveTarget() bool {
	return s.Target != nil && len(s.Target.Parameters) > 0
}

// ObservationSettingsFor returns the settings for an instrument: an exact
// match, else the "*" entry, else the first entry.
func (s *Settings) ObservationSettingsFor(instrumentID string) ObservationSettings {
	var wildcard *ObservationSettings
	for i := range s.Observations {
		o := &s.Observations[i]
		if o.InstrumentID == instrumentID {
			return *o
		}
		if o.InstrumentID == "*" && wildcard == nil {
			wildcard = o
		}
	}
	if wildcard != nil {
		return *wildcard
	}
	if len(s.Observations) > 0 {
		return s.Observations[0]
	}
	return ObservationSettings{}
}
