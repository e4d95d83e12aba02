package web

import (
	"bytes"

	"github.com/jnb666/deepdetect/stats"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/vgsvg"
)

// LossPlot renders the classification, regression and smoothed total loss against step number as SVG.
func LossPlot(steps []stats.Step, width, height int) ([]byte, error) {
	plt := newPlot()
	series := []struct {
		name string
		get  func(s stats.Step) float64
	}{
		{"cls ", func(s stats.Step) float64 { return s.Cls }},
		{"reg ", func(s stats.Step) float64 { return s.Reg }},
		{"loss (ema) ", func(s stats.Step) float64 { return s.Smooth }},
	}
	for i, ser := range series {
		if len(steps) == 0 {
			continue
		}
		line, err := newLinePlot(steps, i, ser.get)
		if err != nil {
			return nil, err
		}
		plt.Add(line)
		plt.Legend.Add(ser.name, line)
	}
	return writePlot(plt, width, height)
}

func newPlot() *plot.Plot {
	p := plot.New()
	p.X.Padding, p.Y.Padding = 0, 0
	p.X.Label.Text = "step"
	p.X.Tick.Label.Font.Size = vg.Points(10)
	p.Y.Tick.Label.Font.Size = vg.Points(10)
	p.Legend.Top = true
	p.Legend.TextStyle.Font.Size = vg.Points(12)
	p.Add(plotter.NewGrid())
	return p
}

func writePlot(p *plot.Plot, w, h int) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := p.WriterTo(vg.Inch*vg.Length(w)/vgsvg.DPI, vg.Inch*vg.Length(h)/vgsvg.DPI, "svg")
	if err != nil {
		return nil, errors.Wrap(err, "error writing plot")
	}
	if _, err := writer.WriteTo(&buf); err != nil {
		return nil, errors.Wrap(err, "error writing plot")
	}
	return buf.Bytes(), nil
}

func newLinePlot(steps []stats.Step, ix int, get func(stats.Step) float64) (linePlot, error) {
	pts := make(plotter.XYs, len(steps))
	xmax, ymax := 1.0, 0.0
	for i, s := range steps {
		pts[i].X, pts[i].Y = float64(s.Step), get(s)
		xmax = max(xmax, pts[i].X)
		ymax = max(ymax, pts[i].Y)
	}
	l, err := plotter.NewLine(pts)
	if err != nil {
		return linePlot{}, errors.Wrap(err, "loss plot")
	}
	l.Width = 2
	l.Color = plotutil.Color(ix)
	return linePlot{Line: l, xmin: 1, xmax: xmax, ymin: 0, ymax: ymax}, nil
}

// modified plotter.Line with a fixed scale
type linePlot struct {
	*plotter.Line
	xmin, xmax, ymin, ymax float64
}

func (l linePlot) DataRange() (xmin, xmax, ymin, ymax float64) {
	return l.xmin, l.xmax, l.ymin, l.ymax
}
