package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/jigsaw/internal/bundle"
	"github.com/banshee-data/jigsaw/internal/bundle/robust"
	"github.com/banshee-data/jigsaw/internal/cholesky"
	"github.com/banshee-data/jigsaw/internal/obsmodel"
	"github.com/banshee-data/jigsaw/internal/surface"
)

func TestDefaultsFileMatchesDefaultSettings(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	got, err := cfg.ToBundle()
	require.NoError(t, err)
	if diff := cmp.Diff(bundle.DefaultSettings(), got); diff != "" {
		t.Errorf("defaults file differs from bundle.DefaultSettings (-want +got):\n%s", diff)
	}
}

func TestEmptyConfigUsesDefaults(t *testing.T) {
	cfg := EmptySettingsConfig()
	got, err := cfg.ToBundle()
	require.NoError(t, err)
	if diff := cmp.Diff(bundle.DefaultSettings(), got); diff != "" {
		t.Errorf("empty config differs from defaults (-want +got):\n%s", diff)
	}
	assert.Equal(t, "latitudinal", cfg.GetCoordinateType())
	assert.Equal(t, 1.4, cfg.GetMeasureSigma())
	assert.Equal(t, 50, cfg.GetMaxIterations())
	assert.Equal(t, 3.0, cfg.GetRejectionMultiplier())
	assert.Equal(t, bundle.DefaultPseudoFixedWeight, cfg.GetPseudoFixedWeight())
}

func TestLoadSettingsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jigsaw.json")
	doc := `{
  "coordinate_type": "rectangular",
  "point_sigmas_m": [100, 100, 500],
  "measure_sigma_px": 0.5,
  "observations": [
    {"instrument_id": "NAC", "position": "velocities", "pointing": "all", "ck_solve_degree": 2,
     "solve_twist": true, "position_sigmas_m": [1000, 10], "pointing_sigmas_deg": [0.1, 0.01, 0.001]},
    {"pointing": "angles"}
  ],
  "convergence_criterion": "parameter_corrections",
  "convergence_threshold": 1e-6,
  "max_iterations": 12,
  "ordering": "natural",
  "outlier_rejection": true,
  "rejection_multiplier": 2.5,
  "maximum_likelihood": [{"model": "huber", "quantile": 0.5}, {"model": "chen", "quantile": 0.95}],
  "error_propagation": true,
  "create_inverse_matrix": true,
  "output_prefix": "run1_"
}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	cfg, err := LoadSettingsFile(path)
	require.NoError(t, err)
	got, err := cfg.ToBundle()
	require.NoError(t, err)

	want := bundle.Settings{
		CoordinateType:    surface.Rectangular,
		PseudoFixedWeight: bundle.DefaultPseudoFixedWeight,
		PointSigmas:       [3]float64{100, 100, 500},
		MeasureSigma:      0.5,
		Observations: []bundle.ObservationSettings{
			{
				InstrumentID:   "NAC",
				Position:       bundle.PositionVelocity,
				Pointing:       bundle.AllPointingCoefficients,
				CKSolveDegree:  2,
				SolveTwist:     true,
				PositionSigmas: []float64{1000, 10},
				PointingSigmas: []float64{0.1, 0.01, 0.001},
			},
			{InstrumentID: "*", Pointing: bundle.AnglesOnly},
		},
		Criterion:           bundle.CriterionParameterCorrections,
		Threshold:           1e-6,
		MaxIterations:       12,
		OutlierRejection:    true,
		RejectionMultiplier: 2.5,
		MaximumLikelihood: []robust.Tier{
			{Model: robust.Huber, Quantile: 0.5},
			{Model: robust.Chen, Quantile: 0.95},
		},
		ErrorPropagation:    true,
		CreateInverseMatrix: true,
		OutputPrefix:        "run1_",
		Ordering:            cholesky.OrderingNatural,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ToBundle mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadSettingsFileErrors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0644))
		return p
	}

	tests := []struct {
		name string
		path string
		want string
	}{
		{"missing", filepath.Join(dir, "nope.json"), "stat"},
		{"wrong extension", write("settings.yaml", "{}"), ".json extension"},
		{"bad json", write("bad.json", `{"max_iterations": "ten"`), "parse"},
		{"unknown key", write("unknown.json", `{"max_iteration": 10}`), "unknown field"},
		{"too large", write("large.json", `{"output_prefix": "`+strings.Repeat("x", maxFileSize)+`"}`), "too large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadSettingsFile(tt.path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *SettingsConfig
		wantErr bool
	}{
		{name: "empty config is valid", cfg: &SettingsConfig{}},
		{name: "bad coordinate type", cfg: &SettingsConfig{CoordinateType: ptrString("polar")}, wantErr: true},
		{name: "zero measure sigma", cfg: &SettingsConfig{MeasureSigmaPx: ptrFloat64(0)}, wantErr: true},
		{name: "too many point sigmas", cfg: &SettingsConfig{PointSigmasM: []float64{1, 2, 3, 4}}, wantErr: true},
		{name: "zero iterations", cfg: &SettingsConfig{MaxIterations: ptrInt(0)}, wantErr: true},
		{name: "bad criterion", cfg: &SettingsConfig{ConvergenceCriterion: ptrString("sigma1")}, wantErr: true},
		{name: "bad ordering", cfg: &SettingsConfig{Ordering: ptrString("metis")}, wantErr: true},
		{
			name:    "inverse matrix without error propagation",
			cfg:     &SettingsConfig{CreateInverseMatrix: ptrBool(true)},
			wantErr: true,
		},
		{
			name:    "inverse matrix with error propagation",
			cfg:     &SettingsConfig{CreateInverseMatrix: ptrBool(true), ErrorPropagation: ptrBool(true)},
			wantErr: false,
		},
		{
			name:    "bad pointing option",
			cfg:     &SettingsConfig{Observations: []ObservationConfig{{Pointing: ptrString("spin")}}},
			wantErr: true,
		},
		{
			name:    "twist without pointing",
			cfg:     &SettingsConfig{Observations: []ObservationConfig{{Pointing: ptrString("none"), SolveTwist: ptrBool(true)}}},
			wantErr: true,
		},
		{
			name:    "four tiers",
			cfg:     &SettingsConfig{MaximumLikelihood: make([]TierConfig, 4)},
			wantErr: true,
		},
		{
			name:    "unknown model",
			cfg:     &SettingsConfig{MaximumLikelihood: []TierConfig{{Model: "cauchy", Quantile: 0.5}}},
			wantErr: true,
		},
		{
			name:    "radius solve in rectangular coordinates",
			cfg:     &SettingsConfig{CoordinateType: ptrString("rectangular"), Target: &TargetConfig{RadiusSolve: ptrString("mean")}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTargetSettings(t *testing.T) {
	cfg := &SettingsConfig{Target: &TargetConfig{
		Solve:       []string{"pole_ra", "pm_velocity"},
		RadiusSolve: ptrString("mean"),
		Sigmas:      map[string]float64{"mean_radius": 0.5, "pole_ra": 0.1},
	}}
	s, err := cfg.ToBundle()
	require.NoError(t, err)
	require.NotNil(t, s.Target)
	assert.Equal(t, []obsmodel.TargetParameter{obsmodel.PoleRA, obsmodel.PrimeMeridianVelocity, obsmodel.MeanRadius}, s.Target.Parameters)
	assert.Equal(t, []float64{0.1, 0, 0.5}, s.Target.AprioriSigmas)
	assert.Equal(t, obsmodel.RadiusMean, s.Target.RadiusMode())

	cfg.Target.Sigmas["radius_a"] = 1
	_, err = cfg.ToBundle()
	assert.ErrorContains(t, err, "not solved")

	cfg.Target = &TargetConfig{RadiusSolve: ptrString("triaxial")}
	s, err = cfg.ToBundle()
	require.NoError(t, err)
	assert.Equal(t, obsmodel.RadiusTriaxial, s.Target.RadiusMode())
	assert.Nil(t, s.Target.AprioriSigmas)
}

func TestApplyTarget(t *testing.T) {
	base := obsmodel.TargetState{Radii: [3]float64{10, 10, 10}, MeanRadius: 10}

	got, err := EmptySettingsConfig().ApplyTarget(base)
	require.NoError(t, err)
	assert.Equal(t, base, got)

	cfg := &SettingsConfig{Target: &TargetConfig{
		PoleRADeg: []float64{90},
		PMDeg:     []float64{180, 360},
		RadiiKm:   []float64{3, 2, 1},
	}}
	got, err = cfg.ApplyTarget(base)
	require.NoError(t, err)
	assert.InDelta(t, surface.Radians(90), got.PoleRA[0], 1e-15)
	assert.Equal(t, [3]float64{surface.Radians(180), surface.Radians(360), 0}, got.PrimeMeridian)
	assert.Equal(t, [3]float64{3, 2, 1}, got.Radii)
	assert.Equal(t, 2.0, got.MeanRadius)
	assert.Equal(t, base.PoleDec, got.PoleDec)

	cfg.Target.MeanRadiusKm = ptrFloat64(2.5)
	got, err = cfg.ApplyTarget(base)
	require.NoError(t, err)
	assert.Equal(t, 2.5, got.MeanRadius)

	cfg.Target.RadiiKm = []float64{1, 2}
	_, err = cfg.ApplyTarget(base)
	assert.Error(t, err)

	cfg.Target.RadiiKm = nil
	cfg.Target.PoleDecDeg = []float64{1, 2, 3, 4}
	_, err = cfg.ApplyTarget(base)
	assert.Error(t, err)
}
