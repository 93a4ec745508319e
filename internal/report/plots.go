package report

import (
	"fmt"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/jigsaw/internal/bundle"
)

const (
	plotWidth  = 8 * vg.Inch
	plotHeight = 4 * vg.Inch
)

func savePNG(p *plot.Plot, w io.Writer) error {
	wt, err := p.WriterTo(plotWidth, plotHeight, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

// WriteConvergencePlot draws Sigma0 against iteration as a PNG.
func WriteConvergencePlot(w io.Writer, res *bundle.Results) error {
	if res == nil || len(res.Iteration) == 0 {
		return fmt.Errorf("no iterations to plot")
	}
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Sigma0 convergence (%s)", res.Status)
	p.X.Label.Text = "Iteration"
	p.Y.Label.Text = "Sigma0"
	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, len(res.Iteration))
	for i, it := range res.Iteration {
		pts[i] = plotter.XY{X: float64(it.Iteration), Y: it.Sigma0}
	}
	line, points, err := plotter.NewLinePoints(pts)
	if err != nil {
		return fmt.Errorf("sigma0 line: %w", err)
	}
	line.Width = vg.Points(1)
	p.Add(line, points)
	p.X.Tick.Marker = plot.TickerFunc(func(lo, hi float64) []plot.Tick {
		var ticks []plot.Tick
		for i := int(lo); i <= int(hi); i++ {
			if float64(i) >= lo {
				ticks = append(ticks, plot.Tick{Value: float64(i), Label: fmt.Sprint(i)})
			}
		}
		return ticks
	})
	return savePNG(p, w)
}

// WriteResidualHistogram draws the distribution of active residual
// magnitudes in pixels as a PNG.
func WriteResidualHistogram(w io.Writer, net *bundle.Network) error {
	residuals := activeResiduals(net)
	if len(residuals) == 0 {
		return errNoResiduals
	}
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Residual magnitudes (%d measures)", len(residuals))
	p.X.Label.Text = "Residual (pixels)"
	p.Y.Label.Text = "Measures"

	h, err := plotter.NewHist(plotter.Values(residuals), HistogramBins)
	if err != nil {
		return fmt.Errorf("residual histogram: %w", err)
	}
	p.Add(h)
	return savePNG(p, w)
}
