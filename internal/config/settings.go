package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/banshee-data/jigsaw/internal/bundle"
	"github.com/banshee-data/jigsaw/internal/bundle/robust"
	"github.com/banshee-data/jigsaw/internal/cholesky"
	"github.com/banshee-data/jigsaw/internal/obsmodel"
	"github.com/banshee-data/jigsaw/internal/surface"
)

// DefaultConfigPath is the path to the canonical settings defaults file.
const DefaultConfigPath = "config/jigsaw.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// SettingsConfig is the JSON form of an adjustment's settings. Every field
// is optional; the Get* methods supply defaults for omitted fields.
type SettingsConfig struct {
	// Point coordinates
	CoordinateType    *string   `json:"coordinate_type,omitempty"` // "latitudinal" or "rectangular"
	SolveRadius       *bool     `json:"solve_radius,omitempty"`
	PseudoFixedWeight *float64  `json:"pseudo_fixed_weight,omitempty"`
	PointSigmasM      []float64 `json:"point_sigmas_m,omitempty"`
	MeasureSigmaPx    *float64  `json:"measure_sigma_px,omitempty"`

	// Images and target body
	Observations []ObservationConfig `json:"observations,omitempty"`
	Target       *TargetConfig       `json:"target,omitempty"`

	// Iteration
	ConvergenceCriterion *string  `json:"convergence_criterion,omitempty"`
	ConvergenceThreshold *float64 `json:"convergence_threshold,omitempty"`
	MaxIterations        *int     `json:"max_iterations,omitempty"`
	Ordering             *string  `json:"ordering,omitempty"`

	// Outliers
	OutlierRejection    *bool        `json:"outlier_rejection,omitempty"`
	RejectionMultiplier *float64     `json:"rejection_multiplier,omitempty"`
	MaximumLikelihood   []TierConfig `json:"maximum_likelihood,omitempty"`

	// Outputs
	ErrorPropagation    *bool   `json:"error_propagation,omitempty"`
	CreateInverseMatrix *bool   `json:"create_inverse_matrix,omitempty"`
	OutputPrefix        *string `json:"output_prefix,omitempty"`
}

// ObservationConfig holds the solve settings of one instrument.
type ObservationConfig struct {
	InstrumentID      string    `json:"instrument_id,omitempty"` // "*" when empty
	Position          *string   `json:"position,omitempty"`
	Pointing          *string   `json:"pointing,omitempty"`
	SPKSolveDegree    *int      `json:"spk_solve_degree,omitempty"`
	CKSolveDegree     *int      `json:"ck_solve_degree,omitempty"`
	SolveTwist        *bool     `json:"solve_twist,omitempty"`
	PositionSigmasM   []float64 `json:"position_sigmas_m,omitempty"`
	PointingSigmasDeg []float64 `json:"pointing_sigmas_deg,omitempty"`
	OverHermite       *bool     `json:"over_hermite,omitempty"`
}

// TargetConfig selects solved target-body parameters and may override the
// a-priori body orientation and shape.
type TargetConfig struct {
	Solve []string `json:"solve,omitempty"`
	// RadiusSolve adds the radius parameters: "none", "mean" or "triaxial".
	RadiusSolve *string `json:"radius_solve,omitempty"`
	// Sigmas by parameter name: degrees (per day) for angles, km for radii.
	Sigmas map[string]float64 `json:"sigmas,omitempty"`

	// Polynomial coefficients in degrees and degrees per day.
	PoleRADeg    []float64 `json:"pole_ra_deg,omitempty"`
	PoleDecDeg   []float64 `json:"pole_dec_deg,omitempty"`
	PMDeg        []float64 `json:"pm_deg,omitempty"`
	RadiiKm      []float64 `json:"radii_km,omitempty"`
	MeanRadiusKm *float64  `json:"mean_radius_km,omitempty"`
}

// TierConfig is one maximum-likelihood tier.
type TierConfig struct {
	Model    string  `json:"model"`
	Quantile float64 `json:"quantile"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptySettingsConfig returns a SettingsConfig with all fields unset.
func EmptySettingsConfig() *SettingsConfig {
	return &SettingsConfig{}
}

// LoadSettingsFile loads a SettingsConfig from a JSON file. The file must
// have a .json extension and be at most 1MB. Omitted fields keep their
// defaults, so partial files are safe.
func LoadSettingsFile(path string) (*SettingsConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("settings file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat settings file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("settings file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}
	return ParseSettings(data)
}

// ParseSettings decodes and validates a JSON settings document. Unknown
// keys are rejected.
func ParseSettings(data []byte) (*SettingsConfig, error) {
	cfg := EmptySettingsConfig()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse settings JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath,
// searching the current directory and its parents. Panics if the file
// cannot be loaded; intended for test setup.
func MustLoadDefaultConfig() *SettingsConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from internal/bundle/robust/
	}
	for _, path := range candidates {
		if cfg, err := LoadSettingsFile(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configured values parse. Cross-field checks are
// left to bundle.Settings.Validate, which ToBundle runs.
func (c *SettingsConfig) Validate() error {
	_, err := c.ToBundle()
	return err
}

// ToBundle returns the typed settings.
func (c *SettingsConfig) ToBundle() (bundle.Settings, error) {
	s := bundle.DefaultSettings()
	var errs []error
	record := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	ct, err := surface.ParseCoordinateType(c.GetCoordinateType())
	record(err)
	s.CoordinateType = ct
	s.SolveRadius = c.GetSolveRadius()
	s.PseudoFixedWeight = c.GetPseudoFixedWeight()
	s.MeasureSigma = c.GetMeasureSigma()
	if len(c.PointSigmasM) > 3 {
		record(fmt.Errorf("point_sigmas_m has %d entries, want at most 3", len(c.PointSigmasM)))
	} else {
		copy(s.PointSigmas[:], c.PointSigmasM)
	}

	if len(c.Observations) > 0 {
		s.Observations = s.Observations[:0]
		for i, o := range c.Observations {
			obs, err := o.toBundle()
			if err != nil {
				record(fmt.Errorf("observations[%d]: %w", i, err))
				continue
			}
			s.Observations = append(s.Observations, obs)
		}
	}
	if c.Target != nil {
		ts, err := c.Target.toBundle()
		record(err)
		s.Target = ts
	}

	crit, err := bundle.ParseConvergenceCriterion(c.GetConvergenceCriterion())
	record(err)
	s.Criterion = crit
	s.Threshold = c.GetConvergenceThreshold()
	s.MaxIterations = c.GetMaxIterations()
	ord, err := cholesky.ParseOrdering(c.GetOrdering())
	record(err)
	s.Ordering = ord

	s.OutlierRejection = c.GetOutlierRejection()
	s.RejectionMultiplier = c.GetRejectionMultiplier()
	for i, t := range c.MaximumLikelihood {
		m, err := robust.ParseModel(t.Model)
		if err != nil {
			record(fmt.Errorf("maximum_likelihood[%d]: %w", i, err))
			continue
		}
		s.MaximumLikelihood = append(s.MaximumLikelihood, robust.Tier{Model: m, Quantile: t.Quantile})
	}

	s.ErrorPropagation = c.GetErrorPropagation()
	s.CreateInverseMatrix = c.GetCreateInverseMatrix()
	s.OutputPrefix = c.GetOutputPrefix()

	if len(errs) > 0 {
		return s, errors.Join(errs...)
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

func (o ObservationConfig) toBundle() (bundle.ObservationSettings, error) {
	out := bundle.ObservationSettings{
		InstrumentID:   o.InstrumentID,
		Pointing:       bundle.AnglesOnly,
		PositionSigmas: o.PositionSigmasM,
		PointingSigmas: o.PointingSigmasDeg,
	}
	if out.InstrumentID == "" {
		out.InstrumentID = "*"
	}
	var err error
	if o.Position != nil {
		if out.Position, err = bundle.ParsePositionOption(*o.Position); err != nil {
			return out, err
		}
	}
	if o.Pointing != nil {
		if out.Pointing, err = bundle.ParsePointingOption(*o.Pointing); err != nil {
			return out, err
		}
	}
	if o.SPKSolveDegree != nil {
		out.SPKSolveDegree = *o.SPKSolveDegree
	}
	if o.CKSolveDegree != nil {
		out.CKSolveDegree = *o.CKSolveDegree
	}
	if o.SolveTwist != nil {
		out.SolveTwist = *o.SolveTwist
	}
	if o.OverHermite != nil {
		out.OverHermite = *o.OverHermite
	}
	return out, nil
}

func (t *TargetConfig) toBundle() (*bundle.TargetSettings, error) {
	var params []obsmodel.TargetParameter
	seen := map[obsmodel.TargetParameter]bool{}
	add := func(p obsmodel.TargetParameter) {
		if !seen[p] {
			seen[p] = true
			params = append(params, p)
		}
	}
	for _, name := range t.Solve {
		p, err := obsmodel.ParseTargetParameter(name)
		if err != nil {
			return nil, fmt.Errorf("target: %w", err)
		}
		add(p)
	}
	if t.RadiusSolve != nil {
		switch *t.RadiusSolve {
		case "none", "":
		case "mean":
			add(obsmodel.MeanRadius)
		case "triaxial":
			add(obsmodel.RadiusA)
			add(obsmodel.RadiusB)
			add(obsmodel.RadiusC)
		default:
			return nil, fmt.Errorf("target: unknown radius_solve %q", *t.RadiusSolve)
		}
	}

	names := make([]string, 0, len(t.Sigmas))
	for name := range t.Sigmas {
		names = append(names, name)
	}
	sort.Strings(names)
	bySigma := map[obsmodel.TargetParameter]float64{}
	for _, name := range names {
		p, err := obsmodel.ParseTargetParameter(name)
		if err != nil {
			return nil, fmt.Errorf("target sigmas: %w", err)
		}
		if !seen[p] {
			return nil, fmt.Errorf("target sigmas: %s is not solved", p)
		}
		bySigma[p] = t.Sigmas[name]
	}

	out := &bundle.TargetSettings{Parameters: params}
	if len(bySigma) > 0 {
		out.AprioriSigmas = make([]float64, len(params))
		for i, p := range params {
			out.AprioriSigmas[i] = bySigma[p]
		}
	}
	return out, nil
}

// ApplyTarget overrides the parts of state given in the target section.
// Angles are converted from degrees to radians.
func (c *SettingsConfig) ApplyTarget(state obsmodel.TargetState) (obsmodel.TargetState, error) {
	t := c.Target
	if t == nil {
		return state, nil
	}
	angles := []struct {
		name string
		src  []float64
		dst  *[3]float64
	}{
		{"pole_ra_deg", t.PoleRADeg, &state.PoleRA},
		{"pole_dec_deg", t.PoleDecDeg, &state.PoleDec},
		{"pm_deg", t.PMDeg, &state.PrimeMeridian},
	}
	for _, a := range angles {
		if len(a.src) == 0 {
			continue
		}
		if len(a.src) > 3 {
			return state, fmt.Errorf("target: %s has %d coefficients, want at most 3", a.name, len(a.src))
		}
		*a.dst = [3]float64{}
		for i, v := range a.src {
			a.dst[i] = surface.Radians(v)
		}
	}
	if len(t.RadiiKm) > 0 {
		if len(t.RadiiKm) != 3 {
			return state, fmt.Errorf("target: radii_km needs 3 values, got %d", len(t.RadiiKm))
		}
		copy(state.Radii[:], t.RadiiKm)
		if t.MeanRadiusKm == nil {
			state.MeanRadius = (t.RadiiKm[0] + t.RadiiKm[1] + t.RadiiKm[2]) / 3
		}
	}
	if t.MeanRadiusKm != nil {
		if !(*t.MeanRadiusKm > 0) {
			return state, fmt.Errorf("target: mean_radius_km must be positive, got %g", *t.MeanRadiusKm)
		}
		state.MeanRadius = *t.MeanRadiusKm
	}
	return state, nil
}

// GetCoordinateType returns the coordinate_type value or the default.
func (c *SettingsConfig) GetCoordinateType() string {
	if c.CoordinateType == nil {
		return "latitudinal"
	}
	return *c.CoordinateType
}

// GetSolveRadius returns the solve_radius value or the default.
func (c *SettingsConfig) GetSolveRadius() bool {
	if c.SolveRadius == nil {
		return false
	}
	return *c.SolveRadius
}

// GetPseudoFixedWeight returns the pseudo_fixed_weight value or the default.
func (c *SettingsConfig) GetPseudoFixedWeight() float64 {
	if c.PseudoFixedWeight == nil {
		return bundle.DefaultPseudoFixedWeight
	}
	return *c.PseudoFixedWeight
}

// GetMeasureSigma returns the measure_sigma_px value or the default.
func (c *SettingsConfig) GetMeasureSigma() float64 {
	if c.MeasureSigmaPx == nil {
		return 1.4
	}
	return *c.MeasureSigmaPx
}

// GetConvergenceCriterion returns the convergence_criterion value or the default.
func (c *SettingsConfig) GetConvergenceCriterion() string {
	if c.ConvergenceCriterion == nil {
		return "sigma0"
	}
	return *c.ConvergenceCriterion
}

// GetConvergenceThreshold returns the convergence_threshold value or the default.
func (c *SettingsConfig) GetConvergenceThreshold() float64 {
	if c.ConvergenceThreshold == nil {
		return 1e-10
	}
	return *c.ConvergenceThreshold
}

// GetMaxIterations returns the max_iterations value or the default.
func (c *SettingsConfig) GetMaxIterations() int {
	if c.MaxIterations == nil {
		return 50
	}
	return *c.MaxIterations
}

// GetOrdering returns the ordering value or the default.
func (c *SettingsConfig) GetOrdering() string {
	if c.Ordering == nil {
		return "amd"
	}
	return *c.Ordering
}

// GetOutlierRejection returns the outlier_rejection value or the default.
func (c *SettingsConfig) GetOutlierRejection() bool {
	if c.OutlierRejection == nil {
		return false
	}
	return *c.OutlierRejection
}

// GetRejectionMultiplier returns the rejection_multiplier value or the default.
func (c *SettingsConfig) GetRejectionMultiplier() float64 {
	if c.RejectionMultiplier == nil {
		return 3.0
	}
	return *c.RejectionMultiplier
}

// GetErrorPropagation returns the error_propagation value or the default.
func (c *SettingsConfig) GetErrorPropagation() bool {
	if c.ErrorPropagation == nil {
		return false
	}
	return *c.ErrorPropagation
}

// GetCreateInverseMatrix returns the create_inverse_matrix value or the default.
func (c *SettingsConfig) GetCreateInverseMatrix() bool {
	if c.CreateInverseMatrix == nil {
		return false
	}
	return *c.CreateInverseMatrix
}

// GetOutputPrefix returns the output_prefix value or the default.
func (c *SettingsConfig) GetOutputPrefix() string {
	if c.OutputPrefix == nil {
		return ""
	}
	return *c.OutputPrefix
}
