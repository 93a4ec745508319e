package bundle

import (
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/jigsaw/internal/fsutil"
	"github.com/banshee-data/jigsaw/internal/linalg"
)

// InverseMatrixFile is the name, after the output prefix, of the
// serialized N11⁻¹.
const InverseMatrixFile = "inverseMatrix.dat"

// propagateErrors computes the posterior covariance of every solved
// parameter from the last factorization. N11⁻¹ is formed one block column
// at a time, restricted to the stored block pattern, and optionally
// streamed to the inverse-matrix file.
func (a *Adjuster) propagateErrors() error {
	a.listener.StatusBarUpdate("Error Propagation")
	n := a.normals.Dimension()
	variance := a.sigma0 * a.sigma0

	inv := linalg.NewSparseBlockMatrix(a.normals.Sizes())
	if n > 0 {
		e := make([]float64, n)
		for b := 0; b < a.normals.Len(); b++ {
			col := a.normals.Column(b)
			rowsAbove := col.Rows()
			for _, r := range rowsAbove {
				if _, err := inv.InsertBlock(b, r); err != nil {
					return err
				}
			}
			for j := 0; j < col.NumberOfColumns(); j++ {
				clear(e)
				e[col.StartColumn+j] = 1
				x, err := a.chol.Solve(e)
				if err != nil {
					return fmt.Errorf("invert normal matrix column %d: %w", col.StartColumn+j, err)
				}
				for _, r := range rowsAbove {
					blk := inv.Block(b, r)
					start := a.normals.Column(r).StartColumn
					h, _ := blk.Dims()
					for i := 0; i < h; i++ {
						v := x[start+i]
						if !isFinite(v) {
							return a.unstable(fmt.Errorf("inverse entry (%d,%d) is %g", start+i, col.StartColumn+j, v))
						}
						blk.Set(i, j, v)
					}
				}
			}
		}
	}
	a.inverse = inv
	if a.settings.CreateInverseMatrix {
		path := a.settings.OutputPrefix + InverseMatrixFile
		if err := a.writeInverseMatrix(path, inv); err != nil {
			return err
		}
		a.inversePath = path
	}

	if a.settings.SolveTarget() {
		t := a.net.Target
		cov, sigmas, err := blockCovariance(inv, 0, variance)
		if err != nil {
			return a.unstable(fmt.Errorf("target: %w", err))
		}
		t.Covariance, t.AdjustedSigmas = cov, sigmas
	}
	for _, o := range a.net.Observations {
		if o.block < 0 {
			continue
		}
		cov, sigmas, err := blockCovariance(inv, o.block, variance)
		if err != nil {
			e := a.unstable(err)
			e.ObservationID = o.ID
			return e
		}
		o.Covariance, o.AdjustedSigmas = cov, sigmas
	}

	ct := a.settings.CoordinateType
	for pi, p := range a.net.Points {
		if p.Rejected || !p.reduced {
			continue
		}
		cov, err := pointCovariance(p, inv, variance)
		if err != nil {
			e := a.unstable(err)
			e.PointID = p.ID
			return e
		}
		p.Covariance = cov
		var s [3]float64
		for i := range s {
			s[i] = math.Sqrt(math.Max(cov.At(i, i), 0))
		}
		p.AdjustedSigmas = p.Adjusted.SigmasToMetres(ct, s)
		a.listener.PointUpdate(pi)
	}
	return nil
}

// writeInverseMatrix streams inv to path, one record per block column.
func (a *Adjuster) writeInverseMatrix(path string, inv *linalg.SparseBlockMatrix) error {
	err := fsutil.WriteWith(a.fs, path, func(w io.Writer) error {
		for b := 0; b < inv.Len(); b++ {
			if err := linalg.WriteBlockColumn(w, inv.Column(b)); err != nil {
				return fmt.Errorf("block column %d: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("inverse matrix: %w", err)
	}
	diagf("wrote %s (%d block columns)", path, inv.Len())
	return nil
}

func (a *Adjuster) unstable(cause error) *SolveError {
	e := newSolveError(ErrInsufficientStability)
	e.Err = cause
	return e
}

// blockCovariance scales the diagonal block b of N11⁻¹ by the variance of
// unit weight.
func blockCovariance(inv *linalg.SparseBlockMatrix, b int, variance float64) (*mat.SymDense, []float64, error) {
	blk := inv.Block(b, b)
	n, _ := blk.Dims()
	cov := mat.NewSymDense(n, nil)
	sigmas := make([]float64, n)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := variance * blk.At(i, j)
			if !isFinite(v) {
				return nil, nil, fmt.Errorf("covariance entry (%d,%d) is %g", i, j, v)
			}
			cov.SetSym(i, j, v)
		}
		sigmas[i] = math.Sqrt(math.Max(cov.At(i, i), 0))
	}
	return cov, sigmas, nil
}

// pointCovariance returns σ̂₀²·(N22⁻¹ + Σᵢⱼ Qᵢ·(N11⁻¹)ᵢⱼ·Qⱼᵀ).
func pointCovariance(p *Point, inv *linalg.SparseBlockMatrix, variance float64) (*mat.SymDense, error) {
	acc := mat.NewDense(3, 3, nil)
	keys := p.q.Keys()
	var t, term mat.Dense
	for i, ki := range keys {
		qi := p.q.Block(ki)
		for _, kj := range keys[i:] {
			qj := p.q.Block(kj)
			blk := inv.Block(kj, ki)
			if blk == nil {
				continue
			}
			t.Reset()
			term.Reset()
			t.Mul(qi, blk)
			term.Mul(&t, qj.T())
			acc.Add(acc, &term)
			if ki != kj {
				acc.Add(acc, term.T())
			}
		}
	}
	cov := mat.NewSymDense(3, nil)
	for r := 0; r < 3; r++ {
		for c := r; c < 3; c++ {
			v := variance * (0.5*(acc.At(r, c)+acc.At(c, r)) + p.n22inv.At(r, c))
			if !isFinite(v) {
				return nil, fmt.Errorf("point covariance entry (%d,%d) is %g", r, c, v)
			}
			cov.SetSym(r, c, v)
		}
	}
	return cov, nil
}
