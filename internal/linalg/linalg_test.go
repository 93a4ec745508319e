package linalg

import (
	"bytes"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/jigsaw/internal/testutil"
)

func TestInvert3x3(t *testing.T) {
	t.Parallel()

	m := mat.NewSymDense(3, []float64{
		4, 1, 0.5,
		1, 3, 0.2,
		0.5, 0.2, 2,
	})
	inv, ok := Invert3x3(m)
	require.True(t, ok)

	var prod mat.Dense
	prod.Mul(m, inv)
	testutil.IsIdentity(t, &prod, 1e-12)
}

func TestInvert3x3Singular(t *testing.T) {
	t.Parallel()

	m := mat.NewSymDense(3, []float64{
		1, 2, 3,
		2, 4, 6,
		3, 6, 9,
	})
	if _, ok := Invert3x3(m); ok {
		t.Error("expected singular matrix to be rejected")
	}

	tiny := mat.NewSymDense(3, []float64{1e-40, 0, 0, 0, 1e-40, 0, 0, 0, 1e-40})
	if _, ok := Invert3x3(tiny); ok {
		t.Error("expected determinant below threshold to be rejected")
	}
}

func TestSparseBlockMatrixInsertAndCount(t *testing.T) {
	m := NewSparseBlockMatrix([]int{2, 3, 1})
	require.Equal(t, 6, m.Dimension())
	require.Equal(t, 3, m.Column(1).NumberOfColumns())
	require.Equal(t, 2, m.Column(1).StartColumn)
	require.Equal(t, 5, m.Column(2).StartColumn)

	for _, rc := range [][2]int{{0, 0}, {1, 1}, {2, 2}, {1, 0}, {2, 1}} {
		_, err := m.InsertBlock(rc[0], rc[1])
		require.NoError(t, err)
	}
	_, err := m.InsertBlock(0, 1)
	assert.Error(t, err, "below-diagonal insert must fail")
	_, err = m.InsertBlock(3, 0)
	assert.Error(t, err)

	b1, _ := m.InsertBlock(1, 0)
	b2, _ := m.InsertBlock(1, 0)
	assert.Same(t, b1, b2, "insert of an existing block is a no-op")

	assert.Equal(t, 5, m.NumberOfBlocks())
	// diag: 3 + 6 + 1, off-diag: 2*3 + 3*1
	assert.Equal(t, 19, m.NumberOfElements())
	assert.Equal(t, []int{0, 1}, m.Column(1).Rows())

	n := 0
	m.ForEachUpper(func(row, col int, v float64) {
		assert.LessOrEqual(t, row, col)
		n++
	})
	assert.Equal(t, m.NumberOfElements(), n)
}

func TestSparseBlockMatrixMirrorAndZero(t *testing.T) {
	m := NewSparseBlockMatrix([]int{2, 2})
	d0, _ := m.InsertBlock(0, 0)
	d0.Copy(mat.NewDense(2, 2, []float64{4, 1, 1, 5}))
	off, _ := m.InsertBlock(1, 0)
	off.Copy(mat.NewDense(2, 2, []float64{0.5, 0.25, -1, 2}))
	d1, _ := m.InsertBlock(1, 1)
	d1.Copy(mat.NewDense(2, 2, []float64{6, 0, 0, 7}))

	s := m.Mirror()
	want := mat.NewSymDense(4, []float64{
		4, 1, 0.5, 0.25,
		1, 5, -1, 2,
		0.5, -1, 6, 0,
		0.25, 2, 0, 7,
	})
	assert.True(t, mat.Equal(s, want), "mirror:\n%v", mat.Formatted(s))

	m.ZeroBlocks()
	assert.Equal(t, 3, m.NumberOfBlocks(), "zeroing keeps the pattern")
	assert.Zero(t, mat.Norm(m.Block(1, 0), 1))
}

func TestSparseBlockRow(t *testing.T) {
	r := NewSparseBlockRow()
	r.InsertBlock(4, 3, 6)
	r.InsertBlock(1, 3, 2)
	r.InsertBlock(4, 3, 6)
	assert.Equal(t, []int{1, 4}, r.Keys())
	rows, cols := r.Block(4).Dims()
	assert.Equal(t, 3, rows)
	assert.Equal(t, 6, cols)
	assert.Nil(t, r.Block(2))
}

func TestBlockColumnCodec(t *testing.T) {
	m := NewSparseBlockMatrix([]int{2, 3})
	b0, _ := m.InsertBlock(1, 0)
	b0.Copy(mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6}))
	b1, _ := m.InsertBlock(1, 1)
	b1.Copy(mat.NewDense(3, 3, []float64{9, 8, 7, 8, 6, 5, 7, 5, math.Pi}))

	var buf bytes.Buffer
	require.NoError(t, WriteBlockColumn(&buf, m.Column(1)))
	// count + 2*(3 ints) + 15 floats
	assert.Equal(t, 4+2*12+15*8, buf.Len())

	got, err := ReadBlockColumn(&buf)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, got.Rows())
	assert.True(t, mat.Equal(b0, got.Block(0)))
	assert.True(t, mat.Equal(b1, got.Block(1)))

	_, err = ReadBlockColumn(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadBlockColumnTruncated(t *testing.T) {
	var buf bytes.Buffer
	m := NewSparseBlockMatrix([]int{2})
	_, _ = m.InsertBlock(0, 0)
	require.NoError(t, WriteBlockColumn(&buf, m.Column(0)))
	data := buf.Bytes()[:buf.Len()-4]
	_, err := ReadBlockColumn(bytes.NewReader(data))
	assert.Error(t, err)
}
