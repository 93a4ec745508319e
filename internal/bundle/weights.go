package bundle

import (
	"fmt"
	"math"

	"github.com/banshee-data/jigsaw/internal/obsmodel"
	"github.com/banshee-data/jigsaw/internal/surface"
)

// setPointWeights derives the a-priori weights of p in the bundle
// coordinate system.
func (a *Adjuster) setPointWeights(p *Point) error {
	s := &a.settings
	ct := s.CoordinateType
	var w [3]float64

	switch p.Type {
	case Fixed:
		w = [3]float64{s.PseudoFixedWeight, s.PseudoFixedWeight, s.PseudoFixedWeight}
	case Constrained:
		if p.AprioriCovariance != nil {
			cov, err := surface.ConvertCovariance(p.AprioriCovariance, p.CovarianceType, ct, p.Apriori)
			if err != nil {
				return fmt.Errorf("point %s: %w", p.ID, err)
			}
			for i := range w {
				if v := cov.At(i, i); v > 0 {
					w[i] = 1 / v
				}
			}
		} else {
			w = weightsFromSigmas(p.Apriori.SigmasToCoordinates(ct, p.AprioriSigmas))
		}
	case Free:
		if s.PointSigmas != [3]float64{} {
			w = weightsFromSigmas(p.Apriori.SigmasToCoordinates(ct, s.PointSigmas))
		}
	}

	if ct == surface.Latitudinal && (!s.SolveRadius || a.tiedRadius()) {
		w[2] = s.PseudoFixedWeight
	}
	p.weights = w
	return nil
}

func weightsFromSigmas(sigmas [3]float64) [3]float64 {
	var w [3]float64
	for i, v := range sigmas {
		if v > 0 {
			w[i] = 1 / (v * v)
		}
	}
	return w
}

// tiedRadius reports whether point radii follow the solved body shape.
func (a *Adjuster) tiedRadius() bool {
	return a.settings.Target.RadiusMode() != obsmodel.RadiusNone
}

// setObservationWeights derives the per-parameter a-priori sigmas and
// weights of o. Sigmas are given per coefficient order and apply to every
// axis or angle.
func setObservationWeights(o *Observation) {
	sel := o.Selection
	n := sel.Count()
	o.AprioriSigmas = make([]float64, 0, n)
	for axis := 0; axis < 3; axis++ {
		for k := 0; k < sel.PositionCoefficients; k++ {
			o.AprioriSigmas = append(o.AprioriSigmas, orderSigma(o.Settings.PositionSigmas, k)/1000)
		}
	}
	if sel.PointingCoefficients > 0 {
		angles := 2
		if sel.SolveTwist {
			angles = 3
		}
		for angle := 0; angle < angles; angle++ {
			for k := 0; k < sel.PointingCoefficients; k++ {
				o.AprioriSigmas = append(o.AprioriSigmas, surface.Radians(orderSigma(o.Settings.PointingSigmas, k)))
			}
		}
	}
	o.weights = weightsFor(o.AprioriSigmas)
	o.Corrections = make([]float64, n)
	o.AdjustedSigmas = make([]float64, n)
}

func orderSigma(sigmas []float64, k int) float64 {
	if k < len(sigmas) && sigmas[k] > 0 {
		return sigmas[k]
	}
	return 0
}

func weightsFor(sigmas []float64) []float64 {
	w := make([]float64, len(sigmas))
	for i, s := range sigmas {
		if s > 0 {
			w[i] = 1 / (s * s)
		}
	}
	return w
}

// setTargetWeights converts the configured target sigmas to solver units.
func setTargetWeights(t *TargetBody, ts *TargetSettings) {
	t.Parameters = append([]obsmodel.TargetParameter(nil), ts.Parameters...)
	t.AprioriSigmas = make([]float64, len(t.Parameters))
	for i, p := range t.Parameters {
		if i >= len(ts.AprioriSigmas) || !(ts.AprioriSigmas[i] > 0) {
			continue
		}
		if p.IsAngle() {
			t.AprioriSigmas[i] = surface.Radians(ts.AprioriSigmas[i])
		} else {
			t.AprioriSigmas[i] = ts.AprioriSigmas[i]
		}
	}
	t.weights = weightsFor(t.AprioriSigmas)
	t.Corrections = make([]float64, len(t.Parameters))
	t.AdjustedSigmas = make([]float64, len(t.Parameters))
}

// pointVtpv is the a-priori contribution of p to vᵀPv.
func pointVtpv(p *Point) float64 {
	v := 0.0
	for i, w := range p.weights {
		if w > 0 {
			v += w * p.Corrections[i] * p.Corrections[i]
		}
	}
	return v
}

func parameterVtpv(weights, corrections []float64) float64 {
	v := 0.0
	for i, w := range weights {
		if w > 0 {
			v += w * corrections[i] * corrections[i]
		}
	}
	return v
}

func countPositive(w []float64) int {
	n := 0
	for _, v := range w {
		if v > 0 {
			n++
		}
	}
	return n
}

func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
