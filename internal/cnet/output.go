package cnet

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/banshee-data/jigsaw/internal/bundle"
	"github.com/banshee-data/jigsaw/internal/fsutil"
	"github.com/banshee-data/jigsaw/internal/obsmodel"
	"github.com/banshee-data/jigsaw/internal/surface"
	"github.com/banshee-data/jigsaw/internal/version"
)

// Output file names, each prefixed with the output prefix.
const (
	SummaryFile   = "bundleout.txt"
	PointsFile    = "bundleout_points.csv"
	ImagesFile    = "bundleout_images.csv"
	LidarFile     = "bundleout_lidar.csv"
	ResidualsFile = "residuals.csv"
	NetworkFile   = "cnet_out.json"
)

// Writer writes the products of one adjustment.
type Writer struct {
	FS       fsutil.FileSystem
	Prefix   string
	Settings bundle.Settings
	Network  *bundle.Network
	Results  *bundle.Results
	// Control is the input network; nil skips cnet_out.json.
	Control *ControlNetwork
	// Err is the fatal solve error reported when Results is nil.
	Err error
}

// WriteAll writes every product and returns the paths written.
func (w *Writer) WriteAll() ([]string, error) {
	type product struct {
		name  string
		write func(io.Writer) error
		skip  bool
	}
	products := []product{
		{name: SummaryFile, write: w.WriteSummary},
		{name: PointsFile, write: w.WritePoints},
		{name: ImagesFile, write: w.WriteImages},
		{name: ResidualsFile, write: w.WriteResiduals},
		{name: LidarFile, write: w.WriteLidar, skip: len(w.Network.LidarPoints()) == 0},
		{name: NetworkFile, write: w.WriteNetwork, skip: w.Control == nil},
	}
	var paths []string
	for _, p := range products {
		if p.skip {
			continue
		}
		path := w.Prefix + p.name
		if err := w.create(path, p.write); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// WriteFailure writes only the summary, for a solve that produced no
// results.
func (w *Writer) WriteFailure() (string, error) {
	path := w.Prefix + SummaryFile
	return path, w.create(path, w.WriteSummary)
}

func (w *Writer) create(path string, write func(io.Writer) error) error {
	return fsutil.WriteWith(w.FS, path, write)
}

func ff(v float64) string { return strconv.FormatFloat(v, 'f', 8, 64) }

func pointStatus(t bundle.PointType) string { return strings.ToUpper(t.String()) }

// WriteSummary writes the human-readable report.
func (w *Writer) WriteSummary(out io.Writer) error {
	s, net, res := w.Settings, w.Network, w.Results
	b := &strings.Builder{}
	fmt.Fprintf(b, "JIGSAW: BUNDLE ADJUSTMENT\n=========================\n\n")
	fmt.Fprintf(b, "Version: %s (%s)\n\n", version.Version, version.GitSHA)

	fmt.Fprintf(b, "SETTINGS\n--------\n")
	fmt.Fprintf(b, "  Coordinate type:          %s\n", s.CoordinateType)
	fmt.Fprintf(b, "  Solve radius:             %t\n", s.SolveRadius)
	fmt.Fprintf(b, "  Measure sigma (px):       %g\n", s.MeasureSigma)
	fmt.Fprintf(b, "  Convergence criterion:    %s\n", s.Criterion)
	fmt.Fprintf(b, "  Convergence threshold:    %g\n", s.Threshold)
	fmt.Fprintf(b, "  Maximum iterations:       %d\n", s.MaxIterations)
	fmt.Fprintf(b, "  Outlier rejection:        %t", s.OutlierRejection)
	if s.OutlierRejection {
		fmt.Fprintf(b, " (multiplier %g)", s.RejectionMultiplier)
	}
	fmt.Fprintln(b)
	for i, t := range s.MaximumLikelihood {
		fmt.Fprintf(b, "  Maximum likelihood tier %d: %s at quantile %g\n", i, t.Model, t.Quantile)
	}
	fmt.Fprintf(b, "  Error propagation:        %t\n", s.ErrorPropagation)
	for _, o := range s.Observations {
		fmt.Fprintf(b, "  Instrument %-14q position %s, pointing %s, twist %t\n", o.InstrumentID, o.Position, o.Pointing, o.SolveTwist)
	}
	if s.SolveTarget() {
		names := make([]string, len(s.Target.Parameters))
		for i, p := range s.Target.Parameters {
			names[i] = p.String()
		}
		fmt.Fprintf(b, "  Target parameters:        %s\n", strings.Join(names, ", "))
	}

	fmt.Fprintf(b, "\nNETWORK\n-------\n")
	fmt.Fprintf(b, "  Images:        %d\n", len(net.Images))
	fmt.Fprintf(b, "  Observations:  %d\n", len(net.Observations))
	fmt.Fprintf(b, "  Points:        %d\n", len(net.Points))
	fmt.Fprintf(b, "  Lidar points:  %d\n", len(net.LidarPoints()))
	fmt.Fprintf(b, "  Measures:      %d\n", len(net.Measures))

	if res == nil {
		fmt.Fprintf(b, "\nSTATUS: failed\n")
		if w.Err != nil {
			fmt.Fprintf(b, "  Error: %v\n", w.Err)
		}
		_, err := io.WriteString(out, b.String())
		return err
	}

	fmt.Fprintf(b, "\nITERATIONS\n----------\n")
	tw := tabwriter.NewWriter(b, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "iter\tsigma0\tobs\tunknowns\tdof\trejected\tlimit\ttier\telapsed\t")
	for _, it := range res.Iteration {
		fmt.Fprintf(tw, "%d\t%.8g\t%d\t%d\t%d\t%d\t%.4g\t%d\t%s\t\n",
			it.Iteration, it.Sigma0, it.Observations, it.Unknowns, it.DegreesOfFreedom,
			it.RejectedMeasures, it.RejectionLimit, it.Tier, it.Elapsed)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(b, "\nRESULTS\n-------\n")
	fmt.Fprintf(b, "  Status:             %s\n", res.Status)
	fmt.Fprintf(b, "  Converged:          %t\n", res.Converged)
	fmt.Fprintf(b, "  Iterations:         %d\n", res.Iterations)
	fmt.Fprintf(b, "  Sigma0:             %.10g\n", res.Sigma0)
	fmt.Fprintf(b, "  Degrees of freedom: %d\n", res.DegreesOfFreedom)
	fmt.Fprintf(b, "  Rejected measures:  %d\n", res.RejectedMeasures)
	fmt.Fprintf(b, "  Rejected points:    %d\n", res.RejectedPoints)
	fmt.Fprintf(b, "  RMS sample/line/total (px): %.6f %.6f %.6f\n", res.RMSSample, res.RMSLine, res.RMS)
	q := res.Residuals
	fmt.Fprintf(b, "  Residual quantiles (px): 25%% %.4f, 50%% %.4f, 75%% %.4f, 95%% %.4f, max %.4f\n",
		q.Q25, q.Q50, q.Q75, q.Q95, q.Maximum)
	fmt.Fprintf(b, "  Elapsed:            %s\n", res.Elapsed)
	if res.ErrorPropagated {
		fmt.Fprintf(b, "  Error propagation:  %s\n", res.ErrorPropagationElapsed)
	}
	if res.InverseMatrixPath != "" {
		fmt.Fprintf(b, "  Inverse matrix:     %s\n", res.InverseMatrixPath)
	}
	if res.Err != nil {
		fmt.Fprintf(b, "  Warning:            %v\n", res.Err)
	}

	fmt.Fprintf(b, "\nIMAGES\n------\n")
	tw = tabwriter.NewWriter(b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "serial\tmeasures\trejected\trms_sample\trms_line\trms\t")
	for _, st := range res.Images {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.4f\t%.4f\t%.4f\t\n", st.Serial, st.Measures, st.Rejected, st.RMSSample, st.RMSLine, st.RMS)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if t := net.Target; t != nil && len(t.Parameters) > 0 {
		fmt.Fprintf(b, "\nTARGET BODY\n-----------\n")
		for i, p := range t.Parameters {
			ap, cur := t.Apriori.Value(p), t.Current.Value(p)
			unit := "km"
			if p.IsAngle() {
				ap, cur, unit = surface.Degrees(ap), surface.Degrees(cur), "deg"
			}
			fmt.Fprintf(b, "  %-26s %16.8f %16.8f %s", p, ap, cur, unit)
			if i < len(t.AdjustedSigmas) && t.AdjustedSigmas[i] > 0 {
				sg := t.AdjustedSigmas[i]
				if p.IsAngle() {
					sg = surface.Degrees(sg)
				}
				fmt.Fprintf(b, " ± %.8f", sg)
			}
			fmt.Fprintln(b)
		}
	}

	_, err := io.WriteString(out, b.String())
	return err
}

// WritePoints writes one row per point.
func (w *Writer) WritePoints(out io.Writer) error {
	ct := w.Settings.CoordinateType
	labels := [3]string{"x", "y", "z"}
	if ct == surface.Latitudinal {
		labels = [3]string{"lat", "lon", "radius"}
	}
	cw := csv.NewWriter(out)
	header := []string{"point_id", "status", "rejected", "accepted_measures", "rejected_measures", "residual_rms_px",
		"latitude_deg", "longitude_deg", "radius_km", "x_km", "y_km", "z_km"}
	for _, l := range labels {
		header = append(header, "sigma_"+l+"_m")
	}
	for _, l := range labels {
		header = append(header, "correction_"+l+"_m")
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, p := range w.Network.Points {
		var ss float64
		accepted, rejected := 0, 0
		for _, mi := range p.Measures {
			m := w.Network.Measures[mi]
			if m.Rejected || p.Rejected {
				rejected++
				continue
			}
			accepted++
			ss += m.SampleResidual*m.SampleResidual + m.LineResidual*m.LineResidual
		}
		rms := 0.0
		if accepted > 0 {
			rms = math.Sqrt(ss / float64(2*accepted))
		}
		a := p.Adjusted
		row := []string{
			p.ID, pointStatus(p.Type), strconv.FormatBool(p.Rejected),
			strconv.Itoa(accepted), strconv.Itoa(rejected), ff(rms),
			ff(surface.Degrees(a.Latitude())), ff(surface.Degrees(a.Longitude())), ff(a.LocalRadius()),
			ff(a.X), ff(a.Y), ff(a.Z),
		}
		for i := 0; i < 3; i++ {
			if p.Covariance != nil {
				row = append(row, ff(p.AdjustedSigmas[i]))
			} else {
				row = append(row, "")
			}
		}
		for _, c := range a.SigmasToMetres(ct, p.Corrections) {
			row = append(row, ff(c))
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// parameterValue returns coefficient i of the selection from eo and whether
// it is an angle.
func parameterValue(eo obsmodel.ExteriorOrientation, sel obsmodel.ImageSelection, i int) (float64, bool) {
	coef := func(c []float64, k int) float64 {
		if k < len(c) {
			return c[k]
		}
		return 0
	}
	np := 3 * sel.PositionCoefficients
	if i < np {
		return coef(eo.Position[i/sel.PositionCoefficients], i%sel.PositionCoefficients), false
	}
	i -= np
	return coef(eo.Pointing[i/sel.PointingCoefficients], i%sel.PointingCoefficients), true
}

// ParameterRow is one solved exterior orientation parameter in output
// units. Positions are km with metre corrections and sigmas; angles are
// degrees throughout. Sigmas are zero when unconstrained or not propagated.
type ParameterRow struct {
	ObservationID string
	InstrumentID  string
	Serials       []string
	Parameter     string
	Angle         bool

	Apriori, Correction, Adjusted float64
	AprioriSigma, AdjustedSigma   float64
}

// ParameterRows lists the solved parameters of every observation.
func ParameterRows(net *bundle.Network) []ParameterRow {
	var rows []ParameterRow
	for _, o := range net.Observations {
		serials := make([]string, len(o.Images))
		for i, ii := range o.Images {
			serials[i] = net.Images[ii].Serial
		}
		for i, name := range o.ParameterNames() {
			ap, angle := parameterValue(o.Apriori, o.Selection, i)
			cur, _ := parameterValue(o.Current, o.Selection, i)
			r := ParameterRow{
				ObservationID: o.ID,
				InstrumentID:  o.InstrumentID,
				Serials:       serials,
				Parameter:     name,
				Angle:         angle,
				Apriori:       ap,
				Adjusted:      cur,
			}
			if i < len(o.AprioriSigmas) && o.AprioriSigmas[i] > 0 {
				r.AprioriSigma = o.AprioriSigmas[i]
			}
			if i < len(o.AdjustedSigmas) && o.AdjustedSigmas[i] > 0 {
				r.AdjustedSigma = o.AdjustedSigmas[i]
			}
			if angle {
				r.Apriori, r.Adjusted = surface.Degrees(ap), surface.Degrees(cur)
				r.Correction = surface.Degrees(cur - ap)
				r.AprioriSigma, r.AdjustedSigma = surface.Degrees(r.AprioriSigma), surface.Degrees(r.AdjustedSigma)
			} else {
				r.Correction = (cur - ap) * 1000
				r.AprioriSigma *= 1000
				r.AdjustedSigma *= 1000
			}
			rows = append(rows, r)
		}
	}
	return rows
}

// WriteImages writes one row per solved exterior orientation parameter.
func (w *Writer) WriteImages(out io.Writer) error {
	cw := csv.NewWriter(out)
	header := []string{"observation_id", "instrument_id", "images", "parameter", "apriori", "correction",
		"adjusted", "apriori_sigma", "adjusted_sigma", "units"}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range ParameterRows(w.Network) {
		units := "km/m"
		if r.Angle {
			units = "deg"
		}
		row := []string{r.ObservationID, r.InstrumentID, strings.Join(r.Serials, " "), r.Parameter,
			ff(r.Apriori), ff(r.Correction), ff(r.Adjusted), sigmaField(r.AprioriSigma), sigmaField(r.AdjustedSigma), units}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// sigmaField leaves unconstrained or unpropagated sigmas blank.
func sigmaField(v float64) string {
	if v > 0 {
		return ff(v)
	}
	return ""
}

// WriteResiduals writes one row per measure that took part in the
// adjustment.
func (w *Writer) WriteResiduals(out io.Writer) error {
	cw := csv.NewWriter(out)
	header := []string{"point_id", "serial", "sample", "line", "x_residual_mm", "y_residual_mm",
		"sample_residual_px", "line_residual_px", "magnitude_px", "rejected"}
	if err := cw.Write(header); err != nil {
		return err
	}
	net := w.Network
	for _, p := range net.Points {
		for _, mi := range p.Measures {
			m := net.Measures[mi]
			row := []string{p.ID, net.Images[m.Image].Serial, ff(m.Sample), ff(m.Line)}
			if m.Projected {
				row = append(row, ff(m.XResidual), ff(m.YResidual), ff(m.SampleResidual), ff(m.LineResidual), ff(m.ResidualMagnitude()))
			} else {
				row = append(row, "", "", "", "", "")
			}
			rejected := ""
			if m.Rejected || p.Rejected {
				rejected = "*"
			}
			row = append(row, rejected)
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteLidar writes one row per range constraint.
func (w *Writer) WriteLidar(out io.Writer) error {
	cw := csv.NewWriter(out)
	header := []string{"point_id", "serial", "observed_range_km", "computed_range_km", "residual_m", "sigma_m", "valid", "point_rejected"}
	if err := cw.Write(header); err != nil {
		return err
	}
	net := w.Network
	for _, pi := range net.LidarPoints() {
		p := net.Points[pi]
		l := p.Lidar
		for _, c := range l.Constraints {
			row := []string{p.ID, net.Images[c.Image].Serial, ff(l.Range), ff(c.Computed),
				ff(c.Residual * 1000), ff(l.Sigma * 1000), strconv.FormatBool(c.Valid), strconv.FormatBool(p.Rejected)}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteNetwork writes the adjusted control network.
func (w *Writer) WriteNetwork(out io.Writer) error {
	cn := Adjusted(w.Control, w.Network, w.Settings.CoordinateType)
	cn.Version = version.Version
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(cn)
}
