// Package testutil provides shared numeric assertions for solver tests.
package testutil

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// InDeltaSlice reports every element of got that differs from want by more
// than delta.
func InDeltaSlice(t testing.TB, want, got []float64, delta float64) bool {
	t.Helper()
	if len(want) != len(got) {
		t.Errorf("length = %d, want %d", len(got), len(want))
		return false
	}
	ok := true
	for i := range want {
		if d := math.Abs(want[i] - got[i]); !(d <= delta) {
			t.Errorf("[%d] = %g, want %g (|diff| %g > %g)", i, got[i], want[i], d, delta)
			ok = false
		}
	}
	return ok
}

// MatrixInDelta reports every element of got that differs from want by
// more than delta.
func MatrixInDelta(t testing.TB, want, got mat.Matrix, delta float64) bool {
	t.Helper()
	wr, wc := want.Dims()
	gr, gc := got.Dims()
	if wr != gr || wc != gc {
		t.Errorf("dims = %dx%d, want %dx%d", gr, gc, wr, wc)
		return false
	}
	ok := true
	for i := 0; i < wr; i++ {
		for j := 0; j < wc; j++ {
			w, g := want.At(i, j), got.At(i, j)
			if d := math.Abs(w - g); !(d <= delta) {
				t.Errorf("(%d,%d) = %g, want %g (|diff| %g > %g)", i, j, g, w, d, delta)
				ok = false
			}
		}
	}
	return ok
}

// IsIdentity reports whether the square matrix m is the identity within
// delta.
func IsIdentity(t testing.TB, m mat.Matrix, delta float64) bool {
	t.Helper()
	r, c := m.Dims()
	if r != c {
		t.Errorf("matrix is %dx%d, not square", r, c)
		return false
	}
	eye := mat.NewDiagDense(r, nil)
	for i := 0; i < r; i++ {
		eye.SetDiag(i, 1)
	}
	return MatrixInDelta(t, eye, m, delta)
}
