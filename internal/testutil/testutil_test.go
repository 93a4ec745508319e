package testutil

import (
	"fmt"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// recorder collects failures without failing the enclosing test.
type recorder struct {
	testing.TB
	errors []string
}

func (r *recorder) Helper() {}

func (r *recorder) Errorf(format string, args ...interface{}) {
	r.errors = append(r.errors, fmt.Sprintf(format, args...))
}

func TestInDeltaSlice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		want, got  []float64
		wantOK     bool
		wantErrors int
	}{
		{"equal", []float64{1, 2}, []float64{1, 2}, true, 0},
		{"within delta", []float64{1, 2}, []float64{1.05, 1.95}, true, 0},
		{"one outside", []float64{1, 2}, []float64{1, 2.5}, false, 1},
		{"nan", []float64{1}, []float64{math.NaN()}, false, 1},
		{"length", []float64{1, 2}, []float64{1}, false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &recorder{TB: t}
			if ok := InDeltaSlice(r, tt.want, tt.got, 0.1); ok != tt.wantOK {
				t.Errorf("InDeltaSlice() = %v, want %v", ok, tt.wantOK)
			}
			if len(r.errors) != tt.wantErrors {
				t.Errorf("got %d errors %v, want %d", len(r.errors), r.errors, tt.wantErrors)
			}
		})
	}
}

func TestMatrixInDelta(t *testing.T) {
	t.Parallel()

	a := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	b := mat.NewDense(2, 2, []float64{1, 2, 3, 4.5})
	r := &recorder{TB: t}
	if !MatrixInDelta(r, a, a, 0) {
		t.Errorf("identical matrices reported different: %v", r.errors)
	}
	if MatrixInDelta(r, a, b, 0.1) {
		t.Error("expected mismatch at (1,1)")
	}
	if MatrixInDelta(r, a, mat.NewDense(2, 3, nil), 1) {
		t.Error("expected dimension mismatch")
	}
	if len(r.errors) != 2 {
		t.Errorf("got errors %v, want 2", r.errors)
	}
}

func TestIsIdentity(t *testing.T) {
	t.Parallel()

	r := &recorder{TB: t}
	if !IsIdentity(r, mat.NewDense(2, 2, []float64{1, 1e-13, 0, 1}), 1e-12) {
		t.Errorf("near identity rejected: %v", r.errors)
	}
	if IsIdentity(r, mat.NewDense(2, 2, []float64{2, 0, 0, 1}), 1e-12) {
		t.Error("scaled matrix accepted")
	}
	if IsIdentity(r, mat.NewDense(1, 2, nil), 1) {
		t.Error("non-square matrix accepted")
	}
}
