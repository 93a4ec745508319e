package linalg

import (
	"fmt"
	"slices"

	"gonum.org/v1/gonum/mat"
)

// BlockColumn holds the stored blocks of one block column of a symmetric
// block-sparse matrix, keyed by block row. Only block rows at or above the
// diagonal are stored.
type BlockColumn struct {
	// StartColumn is the scalar column at which this block column begins.
	StartColumn int
	// ObservationIndex links the column back to the parameter owner
	// (an observation, or -1 for the target body).
	ObservationIndex int

	width  int
	blocks map[int]*mat.Dense
	keys   []int
}

func newBlockColumn(start, width int) *BlockColumn {
	return &BlockColumn{
		StartColumn:      start,
		ObservationIndex: -1,
		width:            width,
		blocks:           make(map[int]*mat.Dense),
	}
}

// NumberOfColumns returns the scalar width of the column.
func (c *BlockColumn) NumberOfColumns() int { return c.width }

// Block returns the block at row, or nil.
func (c *BlockColumn) Block(row int) *mat.Dense { return c.blocks[row] }

// Rows returns the stored block rows in ascending order. The slice must not
// be modified.
func (c *BlockColumn) Rows() []int { return c.keys }

// Len returns the number of stored blocks.
func (c *BlockColumn) Len() int { return len(c.keys) }

func (c *BlockColumn) insert(row, nRows int) *mat.Dense {
	if b, ok := c.blocks[row]; ok {
		return b
	}
	b := mat.NewDense(nRows, c.width, nil)
	c.blocks[row] = b
	i, _ := slices.BinarySearch(c.keys, row)
	c.keys = slices.Insert(c.keys, i, row)
	return b
}

// Put stores b as the block at row, replacing any existing block.
func (c *BlockColumn) Put(row int, b *mat.Dense) {
	if _, ok := c.blocks[row]; !ok {
		i, _ := slices.BinarySearch(c.keys, row)
		c.keys = slices.Insert(c.keys, i, row)
	}
	c.blocks[row] = b
}

// SparseBlockMatrix is the upper block triangle of a symmetric matrix whose
// rows and columns are partitioned into parameter blocks. Block (col, row)
// with row <= col holds the rows of block row and the columns of block col.
type SparseBlockMatrix struct {
	sizes []int
	cols  []*BlockColumn
	dim   int
}

// NewSparseBlockMatrix creates an empty matrix with one block column per
// entry of sizes.
func NewSparseBlockMatrix(sizes []int) *SparseBlockMatrix {
	m := &SparseBlockMatrix{}
	m.SetNumberOfColumns(sizes)
	return m
}

// SetNumberOfColumns discards all blocks and re-partitions the matrix.
func (m *SparseBlockMatrix) SetNumberOfColumns(sizes []int) {
	m.sizes = slices.Clone(sizes)
	m.cols = make([]*BlockColumn, len(sizes))
	start := 0
	for i, w := range sizes {
		m.cols[i] = newBlockColumn(start, w)
		start += w
	}
	m.dim = start
}

// Len returns the number of block columns.
func (m *SparseBlockMatrix) Len() int { return len(m.cols) }

// Dimension returns the scalar order of the matrix.
func (m *SparseBlockMatrix) Dimension() int { return m.dim }

// Sizes returns the block widths. The slice must not be modified.
func (m *SparseBlockMatrix) Sizes() []int { return m.sizes }

// Column returns block column i.
func (m *SparseBlockMatrix) Column(i int) *BlockColumn { return m.cols[i] }

// InsertBlock returns block (col, row), creating a zero block when absent.
// Requests below the diagonal are rejected.
func (m *SparseBlockMatrix) InsertBlock(col, row int) (*mat.Dense, error) {
	if col < 0 || col >= len(m.cols) || row < 0 || row >= len(m.cols) {
		return nil, fmt.Errorf("block (%d,%d) out of range [0,%d)", col, row, len(m.cols))
	}
	if row > col {
		return nil, fmt.Errorf("block (%d,%d) lies below the diagonal", col, row)
	}
	return m.cols[col].insert(row, m.sizes[row]), nil
}

// Block returns block (col, row) or nil when it is not stored.
func (m *SparseBlockMatrix) Block(col, row int) *mat.Dense {
	if col < 0 || col >= len(m.cols) {
		return nil
	}
	return m.cols[col].blocks[row]
}

// ZeroBlocks sets every stored block to zero, keeping the sparsity pattern.
func (m *SparseBlockMatrix) ZeroBlocks() {
	for _, c := range m.cols {
		for _, b := range c.blocks {
			b.Zero()
		}
	}
}

// NumberOfBlocks returns the number of stored blocks.
func (m *SparseBlockMatrix) NumberOfBlocks() int {
	n := 0
	for _, c := range m.cols {
		n += len(c.keys)
	}
	return n
}

// NumberOfElements returns the number of scalar entries in the upper
// triangle: the upper triangle of each diagonal block plus every entry of
// each off-diagonal block.
func (m *SparseBlockMatrix) NumberOfElements() int {
	n := 0
	for ci, c := range m.cols {
		for _, ri := range c.keys {
			if ri == ci {
				n += c.width * (c.width + 1) / 2
				continue
			}
			n += m.sizes[ri] * c.width
		}
	}
	return n
}

// ForEachUpper visits every upper-triangle entry, block column by block
// column and block row by block row. Diagonal blocks contribute only entries
// with column >= row.
func (m *SparseBlockMatrix) ForEachUpper(fn func(row, col int, v float64)) {
	for ci, c := range m.cols {
		for _, ri := range c.keys {
			b := c.blocks[ri]
			r0 := m.cols[ri].StartColumn
			nr, nc := b.Dims()
			for jj := 0; jj < nc; jj++ {
				for ii := 0; ii < nr; ii++ {
					if ri == ci && ii > jj {
						break
					}
					fn(r0+ii, c.StartColumn+jj, b.At(ii, jj))
				}
			}
		}
	}
}

// Mirror expands the stored upper triangle into a full symmetric matrix.
func (m *SparseBlockMatrix) Mirror() *mat.SymDense {
	if m.dim == 0 {
		return &mat.SymDense{}
	}
	s := mat.NewSymDense(m.dim, nil)
	m.ForEachUpper(func(row, col int, v float64) {
		s.SetSym(row, col, v)
	})
	return s
}

// SparseBlockRow is a single block row of 3×p blocks keyed by block column.
// It carries the per-point coupling Q = N22⁻¹·N12ᵀ.
type SparseBlockRow struct {
	blocks map[int]*mat.Dense
	keys   []int
}

// NewSparseBlockRow returns an empty row.
func NewSparseBlockRow() *SparseBlockRow {
	return &SparseBlockRow{blocks: make(map[int]*mat.Dense)}
}

// InsertBlock returns the block at col, creating a zero nRows×nCols block
// when absent.
func (r *SparseBlockRow) InsertBlock(col, nRows, nCols int) *mat.Dense {
	if b, ok := r.blocks[col]; ok {
		return b
	}
	b := mat.NewDense(nRows, nCols, nil)
	r.blocks[col] = b
	i, _ := slices.BinarySearch(r.keys, col)
	r.keys = slices.Insert(r.keys, i, col)
	return b
}

// Block returns the block at col or nil.
func (r *SparseBlockRow) Block(col int) *mat.Dense { return r.blocks[col] }

// Keys returns the stored block columns in ascending order.
func (r *SparseBlockRow) Keys() []int { return r.keys }

// ZeroBlocks zeroes every stored block.
func (r *SparseBlockRow) ZeroBlocks() {
	for _, b := range r.blocks {
		b.Zero()
	}
}
