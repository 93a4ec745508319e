// Package cholesky factors the symmetric positive-definite reduced normal
// matrix of a bundle adjustment. The sparsity pattern is analysed once and
// reused across iterations; only numeric values are refreshed.
package cholesky

import (
	"fmt"
	"slices"
)

// Triplet is a coordinate-form (row, column, value) listing of the upper
// triangle of a symmetric matrix. Duplicate coordinates are summed.
type Triplet struct {
	N    int
	Rows []int
	Cols []int
	Vals []float64
}

// NewTriplet returns an empty n×n triplet with room for capacity entries.
func NewTriplet(n, capacity int) *Triplet {
	return &Triplet{
		N:    n,
		Rows: make([]int, 0, capacity),
		Cols: make([]int, 0, capacity),
		Vals: make([]float64, 0, capacity),
	}
}

// Append adds an entry.
func (t *Triplet) Append(row, col int, v float64) {
	t.Rows = append(t.Rows, row)
	t.Cols = append(t.Cols, col)
	t.Vals = append(t.Vals, v)
}

// Len returns the number of entries.
func (t *Triplet) Len() int { return len(t.Vals) }

// Reset empties the triplet and resizes it to n, keeping capacity.
func (t *Triplet) Reset(n int) {
	t.N = n
	t.Rows = t.Rows[:0]
	t.Cols = t.Cols[:0]
	t.Vals = t.Vals[:0]
}

// Sparse is the upper triangle of a symmetric matrix in compressed sparse
// column form. Row indices within a column are ascending.
type Sparse struct {
	N      int
	ColPtr []int
	RowInd []int
	Vals   []float64

	// slot maps each source triplet entry to its position in Vals.
	slot []int
}

// Compress converts t to compressed column form, summing duplicates.
// Entries below the diagonal are reflected into the upper triangle.
func (t *Triplet) Compress() (*Sparse, error) {
	n := t.N
	if len(t.Rows) != len(t.Vals) || len(t.Cols) != len(t.Vals) {
		return nil, fmt.Errorf("triplet arrays differ in length: %d rows, %d cols, %d values",
			len(t.Rows), len(t.Cols), len(t.Vals))
	}

	type entry struct{ row, src int }
	byCol := make([][]entry, n)
	for k := range t.Vals {
		i, j := t.Rows[k], t.Cols[k]
		if i < 0 || j < 0 || i >= n || j >= n {
			return nil, fmt.Errorf("triplet entry %d at (%d,%d) outside %dx%d", k, i, j, n, n)
		}
		if i > j {
			i, j = j, i
		}
		byCol[j] = append(byCol[j], entry{row: i, src: k})
	}

	s := &Sparse{N: n, ColPtr: make([]int, n+1), slot: make([]int, len(t.Vals))}
	for j, col := range byCol {
		slices.SortStableFunc(col, func(a, b entry) int { return a.row - b.row })
		last := -1
		for _, e := range col {
			if e.row != last {
				s.RowInd = append(s.RowInd, e.row)
				s.Vals = append(s.Vals, 0)
				last = e.row
			}
			p := len(s.Vals) - 1
			s.Vals[p] += t.Vals[e.src]
			s.slot[e.src] = p
		}
		s.ColPtr[j+1] = len(s.RowInd)
	}
	return s, nil
}

// Refresh reloads the values of s from t, which must list the same
// coordinates in the same order as the triplet s was compressed from.
func (s *Sparse) Refresh(t *Triplet) error {
	if len(t.Vals) != len(s.slot) {
		return fmt.Errorf("triplet has %d entries, pattern expects %d", len(t.Vals), len(s.slot))
	}
	clear(s.Vals)
	for k, v := range t.Vals {
		s.Vals[s.slot[k]] += v
	}
	return nil
}

// NonZeros returns the number of stored entries.
func (s *Sparse) NonZeros() int { return len(s.RowInd) }
