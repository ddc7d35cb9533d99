package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/attitude.report/internal/ahrs"
	"github.com/banshee-data/attitude.report/internal/api"
)

const degPerRad = 180 / 3.141592653589793

// writeHTMLReport renders the interactive echarts page: the same
// attitude and bias charts the live API serves, plus a state-error
// trace specific to replay analysis.
func writeHTMLReport(path string, res *runResult, maxPoints int) error {
	page := components.NewPage()
	page.AddCharts(api.AttitudeChart("replay", res.estimates, maxPoints))
	if len(res.calibrations) > 0 {
		page.AddCharts(api.BiasChart("replay", res.calibrations, maxPoints))
	}
	page.AddCharts(stateErrorChart(res, maxPoints))

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return page.Render(f)
}

// stateErrorChart plots the per-axis 1-sigma error bound for the three
// attitude axes over the replay.
func stateErrorChart(res *runResult, maxPoints int) *charts.Line {
	stride := 1
	if len(res.estimates) > maxPoints {
		stride = (len(res.estimates) + maxPoints - 1) / maxPoints
	}

	var (
		xs         []string
		ex, ey, ez []opts.LineData
	)
	for i := 0; i < len(res.estimates); i += stride {
		e := res.estimates[i]
		if len(e.StateError) < 3 {
			continue
		}
		xs = append(xs, fmt.Sprintf("%.2f", e.T))
		ex = append(ex, opts.LineData{Value: e.StateError[0]})
		ey = append(ey, opts.LineData{Value: e.StateError[1]})
		ez = append(ez, opts.LineData{Value: e.StateError[2]})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Theme: "dark", Width: "1200px", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Attitude error bound", Subtitle: fmt.Sprintf("samples=%d stride=%d", len(xs), stride)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "1-sigma"}),
	)
	line.SetXAxis(xs).
		AddSeries("x", ex).
		AddSeries("y", ey).
		AddSeries("z", ez)
	return line
}

// writePNGPlots renders static plots for embedding in writeups:
// attitude.png with euler angles and bias.png with the accelerometer
// and gyroscope bias traces.
func writePNGPlots(dir string, res *runResult) error {
	if err := attitudePNG(filepath.Join(dir, "attitude.png"), res); err != nil {
		return fmt.Errorf("attitude plot: %w", err)
	}
	if err := biasPNG(filepath.Join(dir, "bias.png"), res); err != nil {
		return fmt.Errorf("bias plot: %w", err)
	}
	return nil
}

func attitudePNG(path string, res *runResult) error {
	p := plot.New()
	p.Title.Text = "Attitude"
	p.X.Label.Text = "t (s)"
	p.Y.Label.Text = "deg"
	p.Add(plotter.NewGrid())

	roll := make(plotter.XYs, 0, len(res.estimates))
	pitch := make(plotter.XYs, 0, len(res.estimates))
	yaw := make(plotter.XYs, 0, len(res.estimates))
	for _, e := range res.estimates {
		r0, p0, y0 := ahrs.EulerAngles(e.Attitude[0], e.Attitude[1], e.Attitude[2], e.Attitude[3])
		roll = append(roll, plotter.XY{X: e.T, Y: r0 * degPerRad})
		pitch = append(pitch, plotter.XY{X: e.T, Y: p0 * degPerRad})
		yaw = append(yaw, plotter.XY{X: e.T, Y: y0 * degPerRad})
	}

	for _, s := range []struct {
		name string
		pts  plotter.XYs
	}{{"roll", roll}, {"pitch", pitch}, {"yaw", yaw}} {
		line, err := plotter.NewLine(s.pts)
		if err != nil {
			return err
		}
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(s.name, line)
	}

	return p.Save(8*vg.Inch, 4*vg.Inch, path)
}

func biasPNG(path string, res *runResult) error {
	p := plot.New()
	p.Title.Text = "Sensor biases"
	p.X.Label.Text = "t (s)"
	p.Y.Label.Text = "bias"
	p.Add(plotter.NewGrid())

	axes := []string{"x", "y", "z"}
	for axis := 0; axis < 3; axis++ {
		accel := make(plotter.XYs, 0, len(res.calibrations))
		gyro := make(plotter.XYs, 0, len(res.calibrations))
		for _, c := range res.calibrations {
			accel = append(accel, plotter.XY{X: c.T, Y: c.Calibration.AccelerometerBias[axis]})
			gyro = append(gyro, plotter.XY{X: c.T, Y: c.Calibration.GyroscopeBias[axis]})
		}
		for _, s := range []struct {
			name string
			pts  plotter.XYs
		}{
			{"accel bias " + axes[axis], accel},
			{"gyro bias " + axes[axis], gyro},
		} {
			line, err := plotter.NewLine(s.pts)
			if err != nil {
				return err
			}
			line.Width = vg.Points(1)
			p.Add(line)
			p.Legend.Add(s.name, line)
		}
	}

	return p.Save(8*vg.Inch, 4*vg.Inch, path)
}
