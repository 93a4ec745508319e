package camera

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// rotation is a 3×3 frame rotation, stored row-major.
type rotation [3][3]float64

// rotX is the frame rotation by theta about the X axis.
func rotX(theta float64) rotation {
	s, c := math.Sincos(theta)
	return rotation{{1, 0, 0}, {0, c, s}, {0, -s, c}}
}

// rotZ is the frame rotation by theta about the Z axis.
func rotZ(theta float64) rotation {
	s, c := math.Sincos(theta)
	return rotation{{c, s, 0}, {-s, c, 0}, {0, 0, 1}}
}

func (a rotation) mul(b rotation) rotation {
	var out rotation
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = a[i][0]*b[0][j] + a[i][1]*b[1][j] + a[i][2]*b[2][j]
		}
	}
	return out
}

// apply returns R·v.
func (a rotation) apply(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: a[0][0]*v.X + a[0][1]*v.Y + a[0][2]*v.Z,
		Y: a[1][0]*v.X + a[1][1]*v.Y + a[1][2]*v.Z,
		Z: a[2][0]*v.X + a[2][1]*v.Y + a[2][2]*v.Z,
	}
}

// applyT returns Rᵀ·v.
func (a rotation) applyT(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: a[0][0]*v.X + a[1][0]*v.Y + a[2][0]*v.Z,
		Y: a[0][1]*v.X + a[1][1]*v.Y + a[2][1]*v.Z,
		Z: a[0][2]*v.X + a[1][2]*v.Y + a[2][2]*v.Z,
	}
}

// column returns column j as a vector.
func (a rotation) column(j int) r3.Vector {
	return r3.Vector{X: a[0][j], Y: a[1][j], Z: a[2][j]}
}

func (a rotation) dense() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		a[0][0], a[0][1], a[0][2],
		a[1][0], a[1][1], a[1][2],
		a[2][0], a[2][1], a[2][2],
	})
}

// poleRotation is the 3-1-3 rotation from J2000 into a frame whose +Z axis
// points at (ra, dec) and is then twisted about that axis.
func poleRotation(ra, dec, twist float64) rotation {
	return rotZ(twist).mul(rotX(math.Pi/2 - dec)).mul(rotZ(math.Pi/2 + ra))
}

// polynomial evaluates c[0] + c[1]·t + c[2]·t² + ...
func polynomial(c []float64, t float64) float64 {
	v := 0.0
	for k := len(c) - 1; k >= 0; k-- {
		v = v*t + c[k]
	}
	return v
}
