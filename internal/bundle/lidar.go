package bundle

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/jigsaw/internal/obsmodel"
	"github.com/banshee-data/jigsaw/internal/surface"
)

// rangeRow is one linearized range observation: the predicted range and
// its partials with respect to the observation parameters and the point.
type rangeRow struct {
	computed float64 // km
	image    []float64
	point    [3]float64
}

// rangeGeometry linearizes the spacecraft-to-point distance. Only the
// position coefficients of sel receive non-zero partials.
func rangeGeometry(state obsmodel.InstrumentState, p surface.Point, sel obsmodel.ImageSelection, ct surface.CoordinateType) (rangeRow, error) {
	delta := state.BodyFixedPosition.Vector.Sub(p.Vector)
	rho := delta.Norm()
	if rho == 0 || !isFinite(rho) {
		return rangeRow{}, fmt.Errorf("degenerate range %g: %w", rho, obsmodel.ErrProjection)
	}
	row := rangeRow{computed: rho, image: make([]float64, sel.Count())}

	if sel.PositionCoefficients > 0 {
		// ∂ρ/∂s_J2000 = (Δᵀ·TB)/ρ.
		var g r3.Vector
		if tb := state.J2000ToBody; tb != nil {
			g = r3.Vector{
				X: delta.X*tb.At(0, 0) + delta.Y*tb.At(1, 0) + delta.Z*tb.At(2, 0),
				Y: delta.X*tb.At(0, 1) + delta.Y*tb.At(1, 1) + delta.Z*tb.At(2, 1),
				Z: delta.X*tb.At(0, 2) + delta.Y*tb.At(1, 2) + delta.Z*tb.At(2, 2),
			}
		} else {
			g = delta
		}
		g = g.Mul(1 / rho)
		axes := [3]float64{g.X, g.Y, g.Z}
		col := 0
		for axis := 0; axis < 3; axis++ {
			for k := 0; k < sel.PositionCoefficients; k++ {
				row.image[col] = axes[axis] * math.Pow(state.ScaledTime, float64(k))
				col++
			}
		}
	}

	j := p.CoordinateJacobian(ct)
	u := [3]float64{-delta.X / rho, -delta.Y / rho, -delta.Z / rho}
	for c := 0; c < 3; c++ {
		row.point[c] = u[0]*j.At(0, c) + u[1]*j.At(1, c) + u[2]*j.At(2, c)
	}
	return row, nil
}

// rangeConstraint evaluates the range from image to point.
func (a *Adjuster) rangeConstraint(img *Image, p *Point) (rangeRow, error) {
	state, err := img.Sensor.InstrumentState()
	if err != nil {
		return rangeRow{}, fmt.Errorf("image %s instrument state: %w", img.Serial, err)
	}
	o := a.net.Observations[img.Observation]
	return rangeGeometry(state, p.Adjusted, o.Selection, a.settings.CoordinateType)
}
