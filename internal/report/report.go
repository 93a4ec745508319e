// Package report renders convergence and residual plots of an adjustment:
// static PNGs through gonum/plot and an interactive HTML page through
// go-echarts.
package report

import (
	"errors"
	"io"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/jigsaw/internal/bundle"
	"github.com/banshee-data/jigsaw/internal/fsutil"
)

// Report file names, each prefixed with the output prefix.
const (
	ConvergenceFile = "convergence.png"
	HistogramFile   = "residual_histogram.png"
	HTMLFile        = "report.html"
)

// HistogramBins is the number of residual histogram bins.
const HistogramBins = 20

var errNoResiduals = errors.New("no active residuals to plot")

// activeResiduals returns the sorted residual magnitudes in pixels of
// measures that took part in the last iteration.
func activeResiduals(net *bundle.Network) []float64 {
	var out []float64
	for _, m := range net.Measures {
		if m.Ignored || m.Rejected || !m.Projected || net.Points[m.Point].Rejected {
			continue
		}
		out = append(out, m.ResidualMagnitude())
	}
	sort.Float64s(out)
	return out
}

// histogram bins sorted values into n equal bins spanning [0, max].
func histogram(sorted []float64, n int) (dividers, counts []float64) {
	hi := sorted[len(sorted)-1]
	if hi <= 0 {
		hi = 1
	}
	dividers = make([]float64, n+1)
	floats.Span(dividers, 0, hi)
	// stat.Histogram excludes the upper bound.
	dividers[n] = hi * (1 + 1e-9)
	counts = stat.Histogram(nil, dividers, sorted, nil)
	return dividers, counts
}

// WriteAll writes every report through fsys and returns the paths written.
func WriteAll(fsys fsutil.FileSystem, prefix string, net *bundle.Network, res *bundle.Results) ([]string, error) {
	products := []struct {
		name  string
		write func(io.Writer) error
	}{
		{ConvergenceFile, func(w io.Writer) error { return WriteConvergencePlot(w, res) }},
		{HistogramFile, func(w io.Writer) error { return WriteResidualHistogram(w, net) }},
		{HTMLFile, func(w io.Writer) error { return WriteHTML(w, net, res) }},
	}
	var paths []string
	for _, p := range products {
		path := prefix + p.name
		if err := fsutil.WriteWith(fsys, path, p.write); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}
