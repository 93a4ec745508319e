package bundle

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/jigsaw/internal/linalg"
)

// assembly counts what went into one formation of the normal equations.
type assembly struct {
	observations       int
	rangeConstraints   int
	projectionFailures int
	constrainedPoints  int
	constrainedImages  int
	constrainedTarget  int
	unknowns           int
	points             int
}

func (s assembly) degreesOfFreedom() int {
	return s.observations + s.constrainedPoints + s.constrainedImages + s.constrainedTarget - s.unknowns
}

func (s assembly) summary(iteration int) IterationSummary {
	return IterationSummary{
		Iteration:                   iteration,
		Observations:                s.observations,
		LidarRangeConstraints:       s.rangeConstraints,
		ConstrainedPointParameters:  s.constrainedPoints,
		ConstrainedImageParameters:  s.constrainedImages,
		ConstrainedTargetParameters: s.constrainedTarget,
		Unknowns:                    s.unknowns,
		DegreesOfFreedom:            s.degreesOfFreedom(),
		ProjectionFailures:          s.projectionFailures,
	}
}

// rows is a block of weighted observation equations for one point. Every
// matrix is already multiplied by the square root weight.
type rows struct {
	target *mat.Dense // r×t, nil when the target is not solved
	image  *mat.Dense // r×p, nil when the observation has no solved parameters
	block  int
	point  *mat.Dense // r×3
	rhs    []float64
}

type localBlock struct {
	col, row int
	m        *mat.Dense
}

type localRHS struct {
	block int
	v     []float64
}

// pointSystem collects the contributions of one point before reduction.
// Image contributions are held back so that a degenerate point leaves the
// reduced system untouched.
type pointSystem struct {
	n22 *mat.Dense
	n2  [3]float64
	n12 *linalg.SparseBlockRow // p×3 blocks keyed by image block
	n11 []localBlock
	n1  []localRHS
}

func newPointSystem() *pointSystem {
	return &pointSystem{
		n22: mat.NewDense(3, 3, nil),
		n12: linalg.NewSparseBlockRow(),
	}
}

func (ps *pointSystem) block(col, row, nRows, nCols int) *mat.Dense {
	for _, b := range ps.n11 {
		if b.col == col && b.row == row {
			return b.m
		}
	}
	m := mat.NewDense(nRows, nCols, nil)
	ps.n11 = append(ps.n11, localBlock{col: col, row: row, m: m})
	return m
}

func (ps *pointSystem) rhs(block, n int) []float64 {
	for _, r := range ps.n1 {
		if r.block == block {
			return r.v
		}
	}
	v := make([]float64, n)
	ps.n1 = append(ps.n1, localRHS{block: block, v: v})
	return v
}

// accumulate adds one set of observation equations to the point system.
func (ps *pointSystem) accumulate(r rows) {
	type part struct {
		block int
		m     *mat.Dense
	}
	parts := make([]part, 0, 2)
	if r.target != nil {
		parts = append(parts, part{0, r.target})
	}
	if r.image != nil && r.block >= 0 {
		parts = append(parts, part{r.block, r.image})
	}
	for i, pi := range parts {
		_, wi := pi.m.Dims()
		for _, pj := range parts[i:] {
			_, wj := pj.m.Dims()
			addTMul(1, pi.m, pj.m, ps.block(pj.block, pi.block, wi, wj))
		}
		addTMul(1, pi.m, r.point, ps.n12.InsertBlock(pi.block, wi, 3))
		addTMulVec(1, pi.m, r.rhs, ps.rhs(pi.block, wi))
	}
	addTMul(1, r.point, r.point, ps.n22)
	addTMulVec(1, r.point, r.rhs, ps.n2[:])
}

// formNormals zeroes and re-forms the reduced normal equations from every
// active measure and range constraint, reducing each point as it goes.
func (a *Adjuster) formNormals() (assembly, error) {
	a.listener.StatusBarUpdate("Computing Matrix")
	a.normals.ZeroBlocks()
	clear(a.rhs)
	st := assembly{unknowns: a.normals.Dimension()}

	for pi, p := range a.net.Points {
		p.reduced = false
		if p.Rejected {
			continue
		}
		ps := newPointSystem()
		n, ranges := 0, 0
		for _, mi := range p.Measures {
			m := a.net.Measures[mi]
			if m.Rejected {
				continue
			}
			r, err := a.measureRows(p, m)
			if err != nil {
				st.projectionFailures++
				tracef("point %s image %s: %v", p.ID, a.net.Images[m.Image].Serial, err)
				continue
			}
			ps.accumulate(r)
			n += 2
		}
		if p.Lidar != nil {
			for ci := range p.Lidar.Constraints {
				r, err := a.lidarRows(p, ci)
				if err != nil {
					st.projectionFailures++
					tracef("lidar point %s: %v", p.ID, err)
					continue
				}
				ps.accumulate(r)
				ranges++
				n++
			}
		}
		if n == 0 {
			continue
		}
		if err := a.reducePoint(p, ps); err != nil {
			p.Degenerate = true
			p.Rejected = true
			opsf("point %s rejected: %v", p.ID, err)
			continue
		}
		// Only observations of reduced points enter the system.
		st.observations += n
		st.rangeConstraints += ranges
		st.points++
		st.unknowns += 3
		st.constrainedPoints += countPositive(p.weights[:])
		a.listener.PointUpdate(pi)
	}

	if a.settings.SolveTarget() {
		t := a.net.Target
		a.addApriori(0, t.weights, t.Corrections)
		st.constrainedTarget = countPositive(t.weights)
	}
	for _, o := range a.net.Observations {
		if o.block < 0 {
			continue
		}
		a.addApriori(o.block, o.weights, o.Corrections)
		st.constrainedImages += countPositive(o.weights)
	}
	return st, nil
}

// measureRows linearizes one image measure. Any model failure is returned
// so the caller can count it as a projection failure.
func (a *Adjuster) measureRows(p *Point, m *Measure) (rows, error) {
	img := a.net.Images[m.Image]
	o := a.net.Observations[img.Observation]
	sensor := img.Sensor
	if err := sensor.SetImage(m.Sample, m.Line); err != nil {
		return rows{}, fmt.Errorf("%w: set image: %w", ErrProjectionFailure, err)
	}
	ox, oy := sensor.FocalPlane(m.Sample, m.Line)
	cx, cy, err := sensor.ProjectGround(p.Adjusted)
	if err != nil {
		return rows{}, fmt.Errorf("%w: %w", ErrProjectionFailure, err)
	}
	pp, err := sensor.PointPartials(p.Adjusted, a.settings.CoordinateType)
	if err != nil {
		return rows{}, fmt.Errorf("%w: point partials: %w", ErrProjectionFailure, err)
	}
	var ip, tp *mat.Dense
	if o.block >= 0 {
		if ip, err = sensor.ImagePartials(p.Adjusted, o.Selection); err != nil {
			return rows{}, fmt.Errorf("%w: image partials: %w", ErrProjectionFailure, err)
		}
	}
	if a.settings.SolveTarget() {
		if tp, err = sensor.TargetPartials(p.Adjusted, a.net.Target.Parameters); err != nil {
			return rows{}, fmt.Errorf("%w: target partials: %w", ErrProjectionFailure, err)
		}
		if p.Type == Fixed {
			// Fixed points keep their radius when the body shape moves.
			for i, param := range a.net.Target.Parameters {
				if !param.IsAngle() {
					tp.Set(0, i, 0)
					tp.Set(1, i, 0)
				}
			}
		}
	}

	sigma := a.settings.MeasureSigma * sensor.PixelPitch()
	dx, dy := ox-cx, oy-cy
	scale := 1.0
	if wf, ok := a.weightFunction(); ok {
		// Per-axis residual in units of the current sigma0.
		z := math.Hypot(dx, dy) / (sigma * math.Sqrt2 * a.zScale)
		a.zScores.Add(z)
		scale = wf.SqrtWeightScaler(z)
	}
	m.mlSqrtWeight = scale
	w := scale / sigma

	return rows{
		target: scaled(tp, w),
		image:  scaled(ip, w),
		block:  o.block,
		point:  scaled(pp, w),
		rhs:    []float64{dx * w, dy * w},
	}, nil
}

// lidarRows linearizes the i-th range constraint of p.
func (a *Adjuster) lidarRows(p *Point, i int) (rows, error) {
	c := &p.Lidar.Constraints[i]
	img := a.net.Images[c.Image]
	o := a.net.Observations[img.Observation]
	row, err := a.rangeConstraint(img, p)
	if err != nil {
		return rows{}, err
	}
	w := 1 / p.Lidar.Sigma
	r := rows{
		block: o.block,
		point: mat.NewDense(1, 3, []float64{row.point[0] * w, row.point[1] * w, row.point[2] * w}),
		rhs:   []float64{(p.Lidar.Range - row.computed) * w},
	}
	if o.block >= 0 && o.Selection.PositionCoefficients > 0 {
		r.image = mat.NewDense(1, len(row.image), nil)
		for k, v := range row.image {
			r.image.Set(0, k, v*w)
		}
	}
	return r, nil
}

// reducePoint eliminates p from the system: N11 -= N12·N22⁻¹·N12ᵀ and
// n1 -= N12·N22⁻¹·n2. Q and N22⁻¹·n2 are kept on the point for
// back-substitution and error propagation.
func (a *Adjuster) reducePoint(p *Point, ps *pointSystem) error {
	for i, w := range p.weights {
		if w > 0 {
			ps.n22.Set(i, i, ps.n22.At(i, i)+w)
			ps.n2[i] -= w * p.Corrections[i]
		}
	}
	inv, ok := linalg.Invert3x3(mat.NewSymDense(3, slices.Clone(ps.n22.RawMatrix().Data)))
	if !ok {
		e := newSolveError(ErrDegenerateNormalBlock)
		e.PointID = p.ID
		return e
	}

	for _, b := range ps.n11 {
		dst, err := a.normals.InsertBlock(b.col, b.row)
		if err != nil {
			return err
		}
		dst.Add(dst, b.m)
	}
	for _, r := range ps.n1 {
		start := a.normals.Column(r.block).StartColumn
		floats.Add(a.rhs[start:start+len(r.v)], r.v)
	}

	q := linalg.NewSparseBlockRow()
	keys := ps.n12.Keys()
	for _, k := range keys {
		n12 := ps.n12.Block(k)
		width, _ := n12.Dims()
		q.InsertBlock(k, 3, width).Mul(inv, n12.T())
	}
	var nic mat.VecDense
	nic.MulVec(inv, mat.NewVecDense(3, ps.n2[:]))
	p.nic = [3]float64{nic.AtVec(0), nic.AtVec(1), nic.AtVec(2)}

	for i, ki := range keys {
		n12 := ps.n12.Block(ki)
		for _, kj := range keys[i:] {
			dst, err := a.normals.InsertBlock(kj, ki)
			if err != nil {
				return err
			}
			addMul(-1, n12, q.Block(kj), dst)
		}
		width, _ := n12.Dims()
		start := a.normals.Column(ki).StartColumn
		addMulVec(-1, n12, p.nic[:], a.rhs[start:start+width])
	}
	p.n22inv = inv
	p.q = q
	p.reduced = true
	return nil
}

// addApriori adds parameter weights to a diagonal block and pulls the
// accumulated corrections back towards zero.
func (a *Adjuster) addApriori(block int, weights, corrections []float64) {
	b := a.normals.Block(block, block)
	start := a.normals.Column(block).StartColumn
	for i, w := range weights {
		if w > 0 {
			b.Set(i, i, b.At(i, i)+w)
			a.rhs[start+i] -= w * corrections[i]
		}
	}
}

func scaled(m *mat.Dense, w float64) *mat.Dense {
	if m == nil {
		return nil
	}
	var s mat.Dense
	s.Scale(w, m)
	return &s
}

// addTMul computes c += alpha·aᵀ·b.
func addTMul(alpha float64, a, b, c *mat.Dense) {
	blas64.Gemm(blas.Trans, blas.NoTrans, alpha, a.RawMatrix(), b.RawMatrix(), 1, c.RawMatrix())
}

// addMul computes c += alpha·a·b.
func addMul(alpha float64, a, b, c *mat.Dense) {
	blas64.Gemm(blas.NoTrans, blas.NoTrans, alpha, a.RawMatrix(), b.RawMatrix(), 1, c.RawMatrix())
}

// addTMulVec computes y += alpha·aᵀ·x.
func addTMulVec(alpha float64, a *mat.Dense, x, y []float64) {
	blas64.Gemv(blas.Trans, alpha, a.RawMatrix(), vec(x), 1, vec(y))
}

// addMulVec computes y += alpha·a·x.
func addMulVec(alpha float64, a *mat.Dense, x, y []float64) {
	blas64.Gemv(blas.NoTrans, alpha, a.RawMatrix(), vec(x), 1, vec(y))
}

func vec(v []float64) blas64.Vector {
	return blas64.Vector{N: len(v), Data: v, Inc: 1}
}
