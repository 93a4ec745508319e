package cholesky

import (
	"errors"
	"fmt"
	"math"
)

// ErrNotFactored is returned by Solve before a successful Factorize.
var ErrNotFactored = errors.New("cholesky: matrix not factored")

// NotPositiveDefiniteError reports the column, in the caller's original
// numbering, at which the factorization met a non-positive pivot.
type NotPositiveDefiniteError struct {
	Column int
}

func (e *NotPositiveDefiniteError) Error() string {
	return fmt.Sprintf("matrix not positive definite: failure at column %d", e.Column)
}

// Options configures a Context.
type Options struct {
	Ordering Ordering
	// Groups partitions the columns into contiguous blocks that the ordering
	// keeps together. Nil orders individual columns.
	Groups []int
}

// Context owns the symbolic analysis and numeric factor of one matrix
// pattern. It is not safe for concurrent use.
type Context struct {
	opts Options
	n    int

	perm []int // new position -> original column
	pinv []int // original column -> new position

	// Permuted upper pattern C = P·A·Pᵀ.
	cp, ci []int
	cx     []float64
	aToC   []int
	nnzA   int

	parent []int

	// L by columns, diagonal first.
	lp, li []int
	lx     []float64

	// Workspace.
	stack, flag, next []int
	x                 []float64

	analyzed, factored bool
}

// NewContext returns an empty context.
func NewContext(opts Options) *Context {
	return &Context{opts: opts}
}

// Analyzed reports whether a symbolic analysis is cached.
func (c *Context) Analyzed() bool { return c.analyzed }

// Dimension returns the order of the analysed matrix.
func (c *Context) Dimension() int { return c.n }

// FactorNonZeros returns the number of entries in L.
func (c *Context) FactorNonZeros() int {
	if !c.analyzed {
		return 0
	}
	return c.lp[c.n]
}

// Permutation returns the elimination order as original column indices.
func (c *Context) Permutation() []int { return c.perm }

// Analyze computes the fill-reducing ordering, elimination tree and the
// column structure of L for the pattern of a.
func (c *Context) Analyze(a *Sparse) error {
	c.Release()
	n := a.N
	groups, starts, err := groupStarts(c.opts.Groups, n)
	if err != nil {
		return fmt.Errorf("cholesky analyze: %w", err)
	}

	switch c.opts.Ordering {
	case OrderingNatural:
		c.perm = make([]int, n)
		for i := range c.perm {
			c.perm[i] = i
		}
	case OrderingAMD:
		c.perm = minimumDegree(a, groups, starts)
	default:
		return fmt.Errorf("cholesky analyze: unsupported ordering %v", c.opts.Ordering)
	}
	c.pinv = make([]int, n)
	for k, i := range c.perm {
		c.pinv[i] = k
	}
	c.n = n
	c.nnzA = a.NonZeros()

	c.permute(a)
	c.etree()

	c.stack = make([]int, n)
	c.flag = make([]int, n)
	c.next = make([]int, n)
	c.x = make([]float64, n)

	counts := make([]int, n)
	for j := range counts {
		counts[j] = 1
	}
	c.resetFlags()
	for k := 0; k < n; k++ {
		top := c.ereach(k)
		for _, i := range c.stack[top:] {
			counts[i]++
		}
	}
	c.lp = make([]int, n+1)
	for j, cnt := range counts {
		c.lp[j+1] = c.lp[j] + cnt
	}
	c.li = make([]int, c.lp[n])
	c.lx = make([]float64, c.lp[n])
	c.analyzed = true
	return nil
}

// permute builds the upper triangle of P·A·Pᵀ and remembers where each entry
// of a lands.
func (c *Context) permute(a *Sparse) {
	n := a.N
	count := make([]int, n)
	for j := 0; j < n; j++ {
		for p := a.ColPtr[j]; p < a.ColPtr[j+1]; p++ {
			i2, j2 := c.pinv[a.RowInd[p]], c.pinv[j]
			count[max(i2, j2)]++
		}
	}
	c.cp = make([]int, n+1)
	for j := 0; j < n; j++ {
		c.cp[j+1] = c.cp[j] + count[j]
	}
	fill := make([]int, n)
	copy(fill, c.cp[:n])
	c.ci = make([]int, c.cp[n])
	c.cx = make([]float64, c.cp[n])
	c.aToC = make([]int, len(a.RowInd))
	for j := 0; j < n; j++ {
		for p := a.ColPtr[j]; p < a.ColPtr[j+1]; p++ {
			i2, j2 := c.pinv[a.RowInd[p]], c.pinv[j]
			col := max(i2, j2)
			q := fill[col]
			fill[col]++
			c.ci[q] = min(i2, j2)
			c.aToC[p] = q
		}
	}
}

// etree computes the elimination tree of the permuted pattern.
func (c *Context) etree() {
	n := c.n
	c.parent = make([]int, n)
	ancestor := make([]int, n)
	for k := 0; k < n; k++ {
		c.parent[k] = -1
		ancestor[k] = -1
		for p := c.cp[k]; p < c.cp[k+1]; p++ {
			for i := c.ci[p]; i != -1 && i < k; {
				inext := ancestor[i]
				ancestor[i] = k
				if inext == -1 {
					c.parent[i] = k
				}
				i = inext
			}
		}
	}
}

func (c *Context) resetFlags() {
	for i := range c.flag {
		c.flag[i] = -1
	}
}

// ereach returns the start of the nonzero pattern of row k of L in
// c.stack[top:], in topological order.
func (c *Context) ereach(k int) int {
	top := c.n
	c.flag[k] = k
	for p := c.cp[k]; p < c.cp[k+1]; p++ {
		i := c.ci[p]
		if i > k {
			continue
		}
		length := 0
		for ; c.flag[i] != k; i = c.parent[i] {
			c.stack[length] = i
			length++
			c.flag[i] = k
		}
		for length > 0 {
			top--
			length--
			c.stack[top] = c.stack[length]
		}
	}
	return top
}

// Factorize computes the numeric factor for the values of a, which must
// have the pattern passed to Analyze.
func (c *Context) Factorize(a *Sparse) error {
	if !c.analyzed {
		return errors.New("cholesky factorize: pattern not analyzed")
	}
	if a.N != c.n || a.NonZeros() != c.nnzA {
		return fmt.Errorf("cholesky factorize: pattern changed (%d/%d entries, order %d/%d)",
			a.NonZeros(), c.nnzA, a.N, c.n)
	}
	c.factored = false

	clear(c.cx)
	for p, v := range a.Vals {
		c.cx[c.aToC[p]] += v
	}

	n := c.n
	copy(c.next, c.lp[:n])
	clear(c.x)
	c.resetFlags()
	for k := 0; k < n; k++ {
		top := c.ereach(k)
		for p := c.cp[k]; p < c.cp[k+1]; p++ {
			c.x[c.ci[p]] = c.cx[p]
		}
		d := c.x[k]
		c.x[k] = 0
		for ; top < n; top++ {
			i := c.stack[top]
			lki := c.x[i] / c.lx[c.lp[i]]
			c.x[i] = 0
			for p := c.lp[i] + 1; p < c.next[i]; p++ {
				c.x[c.li[p]] -= c.lx[p] * lki
			}
			d -= lki * lki
			p := c.next[i]
			c.next[i]++
			c.li[p] = k
			c.lx[p] = lki
		}
		if d <= 0 || math.IsNaN(d) {
			return &NotPositiveDefiniteError{Column: c.perm[k]}
		}
		p := c.next[k]
		c.next[k]++
		c.li[p] = k
		c.lx[p] = math.Sqrt(d)
	}
	c.factored = true
	return nil
}

// Solve returns x with A·x = b using the current factor.
func (c *Context) Solve(b []float64) ([]float64, error) {
	if !c.factored {
		return nil, ErrNotFactored
	}
	if len(b) != c.n {
		return nil, fmt.Errorf("cholesky solve: right-hand side has length %d, want %d", len(b), c.n)
	}
	y := make([]float64, c.n)
	for k, i := range c.perm {
		y[k] = b[i]
	}
	for j := 0; j < c.n; j++ {
		y[j] /= c.lx[c.lp[j]]
		for p := c.lp[j] + 1; p < c.lp[j+1]; p++ {
			y[c.li[p]] -= c.lx[p] * y[j]
		}
	}
	for j := c.n - 1; j >= 0; j-- {
		for p := c.lp[j] + 1; p < c.lp[j+1]; p++ {
			y[j] -= c.lx[p] * y[c.li[p]]
		}
		y[j] /= c.lx[c.lp[j]]
	}
	x := make([]float64, c.n)
	for k, i := range c.perm {
		x[i] = y[k]
	}
	return x, nil
}

// Release drops the symbolic and numeric state.
func (c *Context) Release() {
	*c = Context{opts: c.opts}
}
