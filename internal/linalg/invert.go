// Package linalg provides the small dense and block-sparse matrix types used
// to assemble bundle adjustment normal equations.
package linalg

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// DegenerateDeterminant is the smallest determinant magnitude Invert3x3 accepts.
const DegenerateDeterminant = 1e-100

// Invert3x3 inverts a symmetric 3×3 matrix in closed form. It reports false
// when |det(m)| < DegenerateDeterminant.
func Invert3x3(m mat.Symmetric) (*mat.SymDense, bool) {
	a, b, c := m.At(0, 0), m.At(0, 1), m.At(0, 2)
	d, e := m.At(1, 1), m.At(1, 2)
	f := m.At(2, 2)

	c00 := d*f - e*e
	c01 := c*e - b*f
	c02 := b*e - c*d
	det := a*c00 + b*c01 + c*c02
	if math.Abs(det) < DegenerateDeterminant || math.IsNaN(det) {
		return nil, false
	}

	c11 := a*f - c*c
	c12 := b*c - a*e
	c22 := a*d - b*b

	s := 1 / det
	return mat.NewSymDense(3, []float64{
		c00 * s, c01 * s, c02 * s,
		c01 * s, c11 * s, c12 * s,
		c02 * s, c12 * s, c22 * s,
	}), true
}
