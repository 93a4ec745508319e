// Package robust provides the maximum-likelihood weight functions, residual
// distributions and rejection limits used to down-weight or reject image
// measures during an adjustment.
package robust

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/stat"
)

// MADScale converts a median absolute deviation to a Gaussian sigma.
const MADScale = 1.4826

// Model is a maximum-likelihood influence function family.
type Model int

const (
	Huber Model = iota
	HuberModified
	Welsch
	Chen
)

func (m Model) String() string {
	switch m {
	case Huber:
		return "huber"
	case HuberModified:
		return "huber_modified"
	case Welsch:
		return "welsch"
	case Chen:
		return "chen"
	default:
		return fmt.Sprintf("Model(%d)", int(m))
	}
}

// ParseModel resolves a model name.
func ParseModel(s string) (Model, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "huber":
		return Huber, nil
	case "huber_modified", "modified_huber", "hubermodified":
		return HuberModified, nil
	case "welsch":
		return Welsch, nil
	case "chen":
		return Chen, nil
	}
	return 0, fmt.Errorf("unknown maximum likelihood model %q", s)
}

// DefaultTweakingConstant is the tuning constant used until the first
// quantile update.
func (m Model) DefaultTweakingConstant() float64 {
	switch m {
	case HuberModified:
		return 1.2107
	case Welsch:
		return 2.9846
	case Chen:
		return 4.6851
	default:
		return 1.345
	}
}

// WeightFunction is a model with its current tuning constant.
type WeightFunction struct {
	Model            Model
	TweakingConstant float64
}

// NewWeightFunction returns m with its default constant.
func NewWeightFunction(m Model) WeightFunction {
	return WeightFunction{Model: m, TweakingConstant: m.DefaultTweakingConstant()}
}

// Weight returns the observation weight multiplier for z-score z.
func (w WeightFunction) Weight(z float64) float64 {
	c := w.TweakingConstant
	a := math.Abs(z)
	switch w.Model {
	case Huber:
		if a <= c {
			return 1
		}
		return c / a
	case HuberModified:
		if a == 0 {
			return 1
		}
		if a/c < math.Pi/2 {
			return c * math.Sin(a/c) / a
		}
		return c / a
	case Welsch:
		u := z / c
		return math.Exp(-u * u)
	case Chen:
		if a > c {
			return 0
		}
		u := z / c
		v := 1 - u*u
		return v * v
	}
	return 1
}

// SqrtWeightScaler returns √Weight(z), or zero when the weight is not
// positive.
func (w WeightFunction) SqrtWeightScaler(z float64) float64 {
	v := w.Weight(z)
	if v <= 0 {
		return 0
	}
	return math.Sqrt(v)
}

// Tier is one stage of a maximum-likelihood schedule.
type Tier struct {
	Model    Model
	Quantile float64
}

// MaxTiers bounds the schedule length.
const MaxTiers = 3

// ValidateTiers checks the schedule.
func ValidateTiers(tiers []Tier) error {
	if len(tiers) > MaxTiers {
		return fmt.Errorf("at most %d maximum likelihood tiers allowed, got %d", MaxTiers, len(tiers))
	}
	for i, t := range tiers {
		if t.Model < Huber || t.Model > Chen {
			return fmt.Errorf("tier %d: invalid model %v", i, t.Model)
		}
		if !(t.Quantile > 0 && t.Quantile < 1) {
			return fmt.Errorf("tier %d: quantile must be in (0,1), got %g", i, t.Quantile)
		}
	}
	return nil
}

// Distribution accumulates samples and reports empirical quantiles.
type Distribution struct {
	values []float64
	sorted bool
}

// Add records a sample. Non-finite values are ignored.
func (d *Distribution) Add(v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	d.values = append(d.values, v)
	d.sorted = false
}

// Len returns the number of samples.
func (d *Distribution) Len() int { return len(d.values) }

// Reset drops all samples.
func (d *Distribution) Reset() {
	d.values = d.values[:0]
	d.sorted = true
}

// Quantile returns the empirical p-quantile, or NaN when empty.
func (d *Distribution) Quantile(p float64) float64 {
	if len(d.values) == 0 {
		return math.NaN()
	}
	if !d.sorted {
		slices.Sort(d.values)
		d.sorted = true
	}
	return stat.Quantile(p, stat.Empirical, d.values, nil)
}

// Mean returns the sample mean, or NaN when empty.
func (d *Distribution) Mean() float64 {
	if len(d.values) == 0 {
		return math.NaN()
	}
	return stat.Mean(d.values, nil)
}

// ErrNoResiduals is returned when a rejection limit is requested for an
// empty residual set.
var ErrNoResiduals = errors.New("no residuals")

// Limit is a rejection threshold with the statistics it was derived from.
type Limit struct {
	Median    float64
	MAD       float64
	Threshold float64
}

// RejectionLimit returns median + multiplier·1.4826·MAD of the residual
// magnitudes.
func RejectionLimit(residuals []float64, multiplier float64) (Limit, error) {
	if len(residuals) == 0 {
		return Limit{}, ErrNoResiduals
	}
	median, err := stats.Median(residuals)
	if err != nil {
		return Limit{}, fmt.Errorf("median: %w", err)
	}
	mad, err := stats.MedianAbsoluteDeviation(residuals)
	if err != nil {
		return Limit{}, fmt.Errorf("median absolute deviation: %w", err)
	}
	return Limit{
		Median:    median,
		MAD:       mad,
		Threshold: median + multiplier*MADScale*mad,
	}, nil
}
