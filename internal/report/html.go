package report

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/jigsaw/internal/bundle"
)

func convergenceChart(res *bundle.Results) *charts.Line {
	x := make([]int, len(res.Iteration))
	sigma0 := make([]opts.LineData, len(res.Iteration))
	rejected := make([]opts.LineData, len(res.Iteration))
	for i, it := range res.Iteration {
		x[i] = it.Iteration
		sigma0[i] = opts.LineData{Value: it.Sigma0}
		rejected[i] = opts.LineData{Value: it.RejectedMeasures}
	}
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Bundle adjustment", Width: "900px", Height: "400px"}),
		charts.WithTitleOpts(opts.Title{Title: "Convergence", Subtitle: fmt.Sprintf("status=%s iterations=%d sigma0=%.6g", res.Status, res.Iterations, res.Sigma0)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Iteration", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Sigma0"}),
	)
	line.SetXAxis(x).
		AddSeries("sigma0", sigma0).
		AddSeries("rejected measures", rejected)
	return line
}

func residualChart(net *bundle.Network) *charts.Bar {
	bar := charts.NewBar()
	residuals := activeResiduals(net)
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "400px"}),
		charts.WithTitleOpts(opts.Title{Title: "Residual magnitudes", Subtitle: fmt.Sprintf("measures=%d", len(residuals))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "pixels", NameLocation: "middle", NameGap: 25}),
	)
	if len(residuals) == 0 {
		return bar
	}
	dividers, counts := histogram(residuals, HistogramBins)
	x := make([]string, len(counts))
	y := make([]opts.BarData, len(counts))
	for i, c := range counts {
		x[i] = fmt.Sprintf("%.3g", (dividers[i]+dividers[i+1])/2)
		y[i] = opts.BarData{Value: c}
	}
	bar.SetXAxis(x).AddSeries("measures", y)
	return bar
}

func imageChart(res *bundle.Results) *charts.Bar {
	x := make([]string, len(res.Images))
	sample := make([]opts.BarData, len(res.Images))
	lineRMS := make([]opts.BarData, len(res.Images))
	for i, img := range res.Images {
		x[i] = img.Serial
		sample[i] = opts.BarData{Value: img.RMSSample}
		lineRMS[i] = opts.BarData{Value: img.RMSLine}
	}
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "400px"}),
		charts.WithTitleOpts(opts.Title{Title: "Image residual RMS"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "pixels"}),
	)
	bar.SetXAxis(x).
		AddSeries("sample", sample).
		AddSeries("line", lineRMS)
	return bar
}

// WriteHTML renders an interactive page with the convergence history, the
// residual distribution and per-image residual RMS.
func WriteHTML(w io.Writer, net *bundle.Network, res *bundle.Results) error {
	if res == nil {
		return fmt.Errorf("no results to report")
	}
	page := components.NewPage()
	page.SetPageTitle("Bundle adjustment report")
	page.AddCharts(convergenceChart(res), residualChart(net), imageChart(res))
	return page.Render(w)
}
