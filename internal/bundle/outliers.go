package bundle

import (
	"github.com/banshee-data/jigsaw/internal/bundle/robust"
)

// rejectOutliers recomputes the rejection limit from the active residuals
// and updates the reject flags. A measure over the limit is rejected when
// its point keeps at least two active measures; otherwise the whole point
// is rejected. Flags are cleared again once residuals fall under the limit.
// Degenerate points never come back.
func (a *Adjuster) rejectOutliers() error {
	net := a.net
	var mags []float64
	for _, m := range net.Measures {
		if m.Ignored || m.Rejected || !m.Projected || net.Points[m.Point].Rejected {
			continue
		}
		mags = append(mags, m.ResidualMagnitude())
	}
	limit, err := robust.RejectionLimit(mags, a.settings.RejectionMultiplier)
	if err != nil {
		return err
	}
	a.rejection = limit
	diagf("rejection limit %.6g px (median %.6g, mad %.6g)", limit.Threshold, limit.Median, limit.MAD)

	for _, p := range net.Points {
		if p.Degenerate {
			continue
		}
		worst, worstMag := -1, limit.Threshold
		active := 0
		for _, mi := range p.Measures {
			m := net.Measures[mi]
			mag := m.ResidualMagnitude()
			if m.Rejected && m.Projected && mag <= limit.Threshold {
				m.Rejected = false
				tracef("point %s image %s re-admitted (%.4g px)", p.ID, net.Images[m.Image].Serial, mag)
			}
			if m.Rejected {
				continue
			}
			active++
			if m.Projected && mag > worstMag {
				worst, worstMag = mi, mag
			}
		}

		switch {
		case worst >= 0 && active-1 >= 2:
			net.Measures[worst].Rejected = true
			tracef("point %s image %s rejected (%.4g px)", p.ID, net.Images[net.Measures[worst].Image].Serial, worstMag)
		case worst >= 0:
			if !p.Rejected {
				opsf("point %s rejected: %.4g px residual with %d active measures", p.ID, worstMag, active)
			}
			p.Rejected = true
		case p.Rejected && active >= 2:
			p.Rejected = false
			tracef("point %s re-admitted", p.ID)
		}

		p.RejectedMeasures = 0
		for _, mi := range p.Measures {
			if net.Measures[mi].Rejected {
				p.RejectedMeasures++
			}
		}
	}
	return nil
}

// rejectedMeasures counts measures excluded by rejection, including every
// measure of a rejected point.
func (a *Adjuster) rejectedMeasures() int {
	n := 0
	for _, p := range a.net.Points {
		for _, mi := range p.Measures {
			if p.Rejected || a.net.Measures[mi].Rejected {
				n++
			}
		}
	}
	return n
}
