package bundle

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/jigsaw/internal/linalg"
	"github.com/banshee-data/jigsaw/internal/obsmodel"
	"github.com/banshee-data/jigsaw/internal/surface"
)

// PointType is the control point variant.
type PointType int

const (
	// Free points are solved without a-priori constraint unless global
	// point sigmas are configured.
	Free PointType = iota
	// Fixed points are held at their a-priori coordinates.
	Fixed
	// Constrained points are solved with a-priori sigmas.
	Constrained
)

func (t PointType) String() string {
	switch t {
	case Free:
		return "free"
	case Fixed:
		return "fixed"
	case Constrained:
		return "constrained"
	default:
		return fmt.Sprintf("PointType(%d)", int(t))
	}
}

// ParsePointType resolves a point type name.
func ParsePointType(s string) (PointType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "free", "tie":
		return Free, nil
	case "fixed", "ground":
		return Fixed, nil
	case "constrained":
		return Constrained, nil
	}
	return 0, fmt.Errorf("unknown point type %q", s)
}

// Measure is one observation of a point in one image.
type Measure struct {
	Point        int
	Image        int
	Sample, Line float64
	Ignored      bool
	// Rejected is set by outlier rejection. A rejected measure stays in the
	// network so that it can come back in.
	Rejected bool

	// Residuals of the last iteration, observed minus computed.
	SampleResidual, LineResidual float64 // pixels
	XResidual, YResidual         float64 // focal plane mm
	// Projected is false when the last residual computation failed.
	Projected bool

	// mlSqrtWeight is the maximum-likelihood factor applied to the square
	// root weight at the last assembly.
	mlSqrtWeight float64
}

// ResidualMagnitude returns the residual length in pixels.
func (m *Measure) ResidualMagnitude() float64 {
	return math.Hypot(m.SampleResidual, m.LineResidual)
}

// RangeConstraint is a lidar range observation tied to one image.
type RangeConstraint struct {
	Image    int
	Computed float64 // km
	Residual float64 // observed minus computed, km
	Valid    bool
}

// LidarData is the range observation carried by a lidar point.
type LidarData struct {
	Range        float64 // km
	Sigma        float64 // km
	Time         float64
	Simultaneous []int
	Constraints  []RangeConstraint
}

// Point is a control point. Coordinates are body-fixed km; sigmas are
// metres on the surface.
type Point struct {
	ID       string
	Type     PointType
	Apriori  surface.Point
	Adjusted surface.Point
	// AprioriSigmas are per coordinate in metres. Non-positive entries are
	// unconstrained.
	AprioriSigmas [3]float64
	// AprioriCovariance, when set, overrides AprioriSigmas for Constrained
	// points. It is expressed in CovarianceType units (km² or rad²).
	AprioriCovariance *mat.SymDense
	CovarianceType    surface.CoordinateType

	Measures []int
	Lidar    *LidarData

	Rejected         bool
	Degenerate       bool
	RejectedMeasures int

	// Corrections accumulate in the bundle coordinate system.
	Corrections [3]float64
	// Covariance is the adjusted covariance in the bundle coordinate
	// system, set by error propagation.
	Covariance     *mat.SymDense
	AdjustedSigmas [3]float64 // metres

	weights [3]float64
	nic     [3]float64
	n22inv  *mat.SymDense
	q       *linalg.SparseBlockRow
	// reduced is true when the point took part in the last reduction.
	reduced bool
}

// Weights returns the a-priori weights in the bundle coordinate system.
func (p *Point) Weights() [3]float64 { return p.weights }

// Image is one exposure.
type Image struct {
	Serial      string
	Observation int
	Sensor      obsmodel.Sensor
	Measures    []int
}

// Observation is a group of images sharing exterior orientation
// coefficients.
type Observation struct {
	ID           string
	InstrumentID string
	Images       []int

	Settings  ObservationSettings
	Selection obsmodel.ImageSelection
	Apriori   obsmodel.ExteriorOrientation
	Current   obsmodel.ExteriorOrientation

	// Per solved parameter, in solver units (km and radians). Non-positive
	// a-priori sigmas are unconstrained.
	AprioriSigmas  []float64
	Corrections    []float64
	AdjustedSigmas []float64
	Covariance     *mat.SymDense

	weights []float64
	block   int
}

// NumberOfParameters returns the number of solved parameters.
func (o *Observation) NumberOfParameters() int { return o.Selection.Count() }

// ParameterNames labels the solved parameters.
func (o *Observation) ParameterNames() []string { return o.Selection.Names() }

// TargetBody is the solved state of the target body.
type TargetBody struct {
	Apriori    obsmodel.TargetState
	Current    obsmodel.TargetState
	Parameters []obsmodel.TargetParameter
	// Per parameter in radians (per day) or km.
	AprioriSigmas  []float64
	Corrections    []float64
	AdjustedSigmas []float64
	Covariance     *mat.SymDense

	weights []float64
}

// Network holds every image, observation, point and measure of an
// adjustment. Cross references are indices into its slices.
type Network struct {
	Images       []*Image
	Observations []*Observation
	Points       []*Point
	Measures     []*Measure
	Target       *TargetBody

	images       map[string]int
	observations map[string]int
	points       map[string]int
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{
		images:       map[string]int{},
		observations: map[string]int{},
		points:       map[string]int{},
	}
}

// AddImage registers an image. Images with the same observation id share
// exterior orientation parameters; an empty id makes the image its own
// observation.
func (n *Network) AddImage(serial, observationID, instrumentID string, sensor obsmodel.Sensor) (int, error) {
	if serial == "" {
		return -1, errors.New("image serial must not be empty")
	}
	if sensor == nil {
		return -1, fmt.Errorf("image %s has no sensor", serial)
	}
	if _, ok := n.images[serial]; ok {
		return -1, fmt.Errorf("duplicate image %s", serial)
	}
	if observationID == "" {
		observationID = serial
	}
	oi, ok := n.observations[observationID]
	if !ok {
		oi = len(n.Observations)
		n.observations[observationID] = oi
		n.Observations = append(n.Observations, &Observation{
			ID:           observationID,
			InstrumentID: instrumentID,
			block:        -1,
		})
	} else if n.Observations[oi].InstrumentID != instrumentID {
		return -1, fmt.Errorf("image %s: observation %s mixes instruments %q and %q",
			serial, observationID, n.Observations[oi].InstrumentID, instrumentID)
	}
	idx := len(n.Images)
	n.Images = append(n.Images, &Image{Serial: serial, Observation: oi, Sensor: sensor})
	n.Observations[oi].Images = append(n.Observations[oi].Images, idx)
	n.images[serial] = idx
	return idx, nil
}

// AddPoint registers a copy of p. A zero Adjusted position starts at the
// a-priori position.
func (n *Network) AddPoint(p Point) (int, error) {
	if p.ID == "" {
		return -1, errors.New("point id must not be empty")
	}
	if _, ok := n.points[p.ID]; ok {
		return -1, fmt.Errorf("duplicate point %s", p.ID)
	}
	if p.Type < Free || p.Type > Constrained {
		return -1, fmt.Errorf("point %s: invalid type %v", p.ID, p.Type)
	}
	if p.Apriori.Norm() == 0 {
		return -1, fmt.Errorf("point %s: a-priori position at the body centre", p.ID)
	}
	if p.AprioriCovariance != nil && p.AprioriCovariance.SymmetricDim() != 3 {
		return -1, fmt.Errorf("point %s: a-priori covariance must be 3x3", p.ID)
	}
	pt := p
	pt.Measures = nil
	pt.Lidar = nil
	if pt.Adjusted.Norm() == 0 {
		pt.Adjusted = pt.Apriori
	}
	idx := len(n.Points)
	n.Points = append(n.Points, &pt)
	n.points[p.ID] = idx
	return idx, nil
}

// AddMeasure records an observation of point in the image with the given
// serial. Ignored measures are kept for output but never used.
func (n *Network) AddMeasure(point int, serial string, sample, line float64, ignored bool) (int, error) {
	if point < 0 || point >= len(n.Points) {
		return -1, fmt.Errorf("measure on unknown point %d", point)
	}
	img, ok := n.images[serial]
	if !ok {
		return -1, fmt.Errorf("point %s: measure on unknown image %s", n.Points[point].ID, serial)
	}
	for _, mi := range n.Points[point].Measures {
		if n.Measures[mi].Image == img {
			return -1, fmt.Errorf("point %s: second measure in image %s", n.Points[point].ID, serial)
		}
	}
	idx := len(n.Measures)
	n.Measures = append(n.Measures, &Measure{
		Point:        point,
		Image:        img,
		Sample:       sample,
		Line:         line,
		Ignored:      ignored,
		mlSqrtWeight: 1,
	})
	if !ignored {
		n.Points[point].Measures = append(n.Points[point].Measures, idx)
		n.Images[img].Measures = append(n.Images[img].Measures, idx)
	}
	return idx, nil
}

// AddLidarPoint registers a point with an observed spacecraft range (km)
// taken simultaneously with the listed images.
func (n *Network) AddLidarPoint(p Point, rangeKm, sigmaKm, time float64, simultaneous []string) (int, error) {
	if !(rangeKm > 0) {
		return -1, fmt.Errorf("lidar point %s: range must be positive, got %g", p.ID, rangeKm)
	}
	if !(sigmaKm > 0) {
		return -1, fmt.Errorf("lidar point %s: range sigma must be positive, got %g", p.ID, sigmaKm)
	}
	images := make([]int, 0, len(simultaneous))
	for _, s := range simultaneous {
		img, ok := n.images[s]
		if !ok {
			return -1, fmt.Errorf("lidar point %s: unknown simultaneous image %s", p.ID, s)
		}
		images = append(images, img)
	}
	idx, err := n.AddPoint(p)
	if err != nil {
		return -1, err
	}
	n.Points[idx].Lidar = &LidarData{
		Range:        rangeKm,
		Sigma:        sigmaKm,
		Time:         time,
		Simultaneous: images,
	}
	return idx, nil
}

// SetTarget sets the a-priori target-body state.
func (n *Network) SetTarget(state obsmodel.TargetState) {
	n.Target = &TargetBody{Apriori: state, Current: state}
}

// ImageIndex looks up an image by serial.
func (n *Network) ImageIndex(serial string) (int, bool) {
	i, ok := n.images[serial]
	return i, ok
}

// PointIndex looks up a point by id.
func (n *Network) PointIndex(id string) (int, bool) {
	i, ok := n.points[id]
	return i, ok
}

// ObservationIndex looks up an observation by id.
func (n *Network) ObservationIndex(id string) (int, bool) {
	i, ok := n.observations[id]
	return i, ok
}

// Point returns the point with the given id, or nil.
func (n *Network) Point(id string) *Point {
	if i, ok := n.points[id]; ok {
		return n.Points[i]
	}
	return nil
}

// LidarPoints returns the indices of points carrying a range observation.
func (n *Network) LidarPoints() []int {
	var out []int
	for i, p := range n.Points {
		if p.Lidar != nil {
			out = append(out, i)
		}
	}
	return out
}

// validate checks that every image has at least two usable measures.
func (n *Network) validate() error {
	if len(n.Images) == 0 {
		return errors.New("network has no images")
	}
	for _, img := range n.Images {
		if len(img.Measures) < 2 {
			e := newSolveError(ErrInsufficientCoverage)
			e.ImageSerial = img.Serial
			e.Err = fmt.Errorf("%d usable measures", len(img.Measures))
			return e
		}
	}
	return nil
}
