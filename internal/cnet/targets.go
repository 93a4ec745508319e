package cnet

import (
	"fmt"
	"strings"

	"github.com/banshee-data/jigsaw/internal/obsmodel"
	"github.com/banshee-data/jigsaw/internal/surface"
)

type body struct {
	poleRA, poleDec, pm [3]float64 // degrees, degrees per day
	radii               [3]float64 // km
}

// IAU 2015 orientation, spherical or triaxial shapes.
var bodies = map[string]body{
	"moon": {
		poleRA:  [3]float64{269.9949},
		poleDec: [3]float64{66.5392},
		pm:      [3]float64{38.3213, 13.17635815},
		radii:   [3]float64{1737.4, 1737.4, 1737.4},
	},
	"mars": {
		poleRA:  [3]float64{317.68143},
		poleDec: [3]float64{52.88650},
		pm:      [3]float64{176.630, 350.89198226},
		radii:   [3]float64{3396.19, 3396.19, 3376.20},
	},
	"mercury": {
		poleRA:  [3]float64{281.0103},
		poleDec: [3]float64{61.4155},
		pm:      [3]float64{329.5988, 6.1385108},
		radii:   [3]float64{2439.4, 2439.4, 2439.4},
	},
	"europa": {
		poleRA:  [3]float64{268.08},
		poleDec: [3]float64{64.51},
		pm:      [3]float64{36.022, 101.3747235},
		radii:   [3]float64{1562.6, 1560.3, 1559.5},
	},
}

// TargetState returns the built-in a-priori state of a named body.
func TargetState(name string) (obsmodel.TargetState, error) {
	b, ok := bodies[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return obsmodel.TargetState{}, fmt.Errorf("unknown target %q", name)
	}
	var t obsmodel.TargetState
	for k := 0; k < 3; k++ {
		t.PoleRA[k] = surface.Radians(b.poleRA[k])
		t.PoleDec[k] = surface.Radians(b.poleDec[k])
		t.PrimeMeridian[k] = surface.Radians(b.pm[k])
	}
	t.Radii = b.radii
	t.MeanRadius = (b.radii[0] + b.radii[1] + b.radii[2]) / 3
	return t, nil
}
