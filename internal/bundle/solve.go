package bundle

import (
	"errors"
	"fmt"

	"github.com/banshee-data/jigsaw/internal/cholesky"
)

// solveSystem factors the reduced normal matrix and solves for the image
// and target corrections. The symbolic analysis is repeated only when the
// block pattern has grown since the last analysis.
func (a *Adjuster) solveSystem() error {
	a.listener.StatusBarUpdate("Solving")
	n := a.normals.Dimension()
	if n == 0 {
		a.solution = a.solution[:0]
		return nil
	}
	if a.triplet == nil {
		a.triplet = cholesky.NewTriplet(n, a.normals.NumberOfElements())
	} else {
		a.triplet.Reset(n)
	}
	a.normals.ForEachUpper(a.triplet.Append)

	blocks := a.normals.NumberOfBlocks()
	if a.sparse == nil || !a.chol.Analyzed() || blocks != a.patternBlocks {
		sp, err := a.triplet.Compress()
		if err != nil {
			return fmt.Errorf("compress normal matrix: %w", err)
		}
		if err := a.chol.Analyze(sp); err != nil {
			return fmt.Errorf("analyze normal matrix: %w", err)
		}
		a.sparse = sp
		a.patternBlocks = blocks
		diagf("analyzed reduced normal matrix: order %d, %d blocks, %d entries, %d in factor",
			n, blocks, sp.NonZeros(), a.chol.FactorNonZeros())
	} else if err := a.sparse.Refresh(a.triplet); err != nil {
		return fmt.Errorf("refresh normal matrix: %w", err)
	}

	if err := a.chol.Factorize(a.sparse); err != nil {
		var npd *cholesky.NotPositiveDefiniteError
		if errors.As(err, &npd) {
			return a.notPositiveDefinite(npd.Column, err)
		}
		return fmt.Errorf("factorize normal matrix: %w", err)
	}
	x, err := a.chol.Solve(a.rhs)
	if err != nil {
		return fmt.Errorf("solve normal equations: %w", err)
	}
	a.solution = x
	return nil
}

// notPositiveDefinite names the parameter at scalar column col.
func (a *Adjuster) notPositiveDefinite(col int, cause error) error {
	e := newSolveError(ErrNotPositiveDefinite)
	e.Column = col
	e.Err = cause
	for b := 0; b < a.normals.Len(); b++ {
		c := a.normals.Column(b)
		if col < c.StartColumn || col >= c.StartColumn+c.NumberOfColumns() {
			continue
		}
		i := col - c.StartColumn
		owner := a.owners[b]
		if owner.target {
			e.Parameter = a.net.Target.Parameters[i].String()
			break
		}
		o := a.net.Observations[owner.observation]
		e.ObservationID = o.ID
		e.Parameter = o.ParameterNames()[i]
		if len(o.Images) > 0 {
			e.ImageSerial = a.net.Images[o.Images[0]].Serial
		}
		break
	}
	opsf("%v", e)
	return e
}

// applyCorrections adds the solved corrections to the target body, then to
// the observations, then back-substitutes every reduced point.
func (a *Adjuster) applyCorrections() error {
	a.listener.StatusBarUpdate("Applying Corrections")
	x := a.solution
	net := a.net

	if a.settings.SolveTarget() {
		t := net.Target
		start := a.normals.Column(0).StartColumn
		for i, param := range t.Parameters {
			d := x[start+i]
			t.Corrections[i] += d
			t.Current = t.Current.With(param, t.Current.Value(param)+d)
		}
		for _, img := range net.Images {
			img.Sensor.SetTarget(t.Current)
		}
	}

	for _, o := range net.Observations {
		if o.block < 0 {
			continue
		}
		c := a.normals.Column(o.block)
		d := x[c.StartColumn : c.StartColumn+c.NumberOfColumns()]
		applyObservationCorrections(o, d)
		for _, ii := range o.Images {
			img := net.Images[ii]
			if err := img.Sensor.SetExteriorOrientation(o.Current); err != nil {
				return fmt.Errorf("observation %s image %s: %w", o.ID, img.Serial, err)
			}
		}
	}

	ct := a.settings.CoordinateType
	tied := a.tiedRadius()
	for _, p := range net.Points {
		if p.Rejected || !p.reduced {
			continue
		}
		delta := p.nic
		for _, k := range p.q.Keys() {
			c := a.normals.Column(k)
			xk := x[c.StartColumn : c.StartColumn+c.NumberOfColumns()]
			q := p.q.Block(k)
			for r := 0; r < 3; r++ {
				for j, v := range xk {
					delta[r] -= q.At(r, j) * v
				}
			}
		}
		for i := range delta {
			p.Corrections[i] += delta[i]
		}
		p.Adjusted = p.Adjusted.Corrected(ct, delta)
		if tied {
			a.tieRadius(p)
		}
	}
	return nil
}

// applyObservationCorrections adds d to the solved coefficients of o in
// parameter order: position X, Y, Z then RA, DEC, TWIST.
func applyObservationCorrections(o *Observation, d []float64) {
	sel := o.Selection
	i := 0
	for axis := 0; axis < 3; axis++ {
		for k := 0; k < sel.PositionCoefficients; k++ {
			o.Current.Position[axis][k] += d[i]
			o.Corrections[i] += d[i]
			i++
		}
	}
	if sel.PointingCoefficients == 0 {
		return
	}
	angles := 2
	if sel.SolveTwist {
		angles = 3
	}
	for angle := 0; angle < angles; angle++ {
		for k := 0; k < sel.PointingCoefficients; k++ {
			o.Current.Pointing[angle][k] += d[i]
			o.Corrections[i] += d[i]
			i++
		}
	}
}
