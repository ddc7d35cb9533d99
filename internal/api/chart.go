package api

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/attitude.report/internal/ahrs"
	"github.com/banshee-data/attitude.report/internal/httputil"
	"github.com/banshee-data/attitude.report/internal/store"
)

// handleChart renders a session's recorded attitude and bias traces as an
// echarts page.
// Query params:
//   - session (optional; defaults to the live session)
//   - max_points (optional; default 2000) to reduce payload size
func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "session store not configured")
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = s.sessionID
	}
	if sessionID == "" {
		httputil.BadRequest(w, "no session to chart")
		return
	}

	maxPoints := 2000
	if mp := r.URL.Query().Get("max_points"); mp != "" {
		if v, err := strconv.Atoi(mp); err == nil && v > 10 && v <= 50000 {
			maxPoints = v
		}
	}

	// Queued estimates belong on the chart too.
	if _, err := s.store.Flush(); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to flush estimates: %v", err))
		return
	}

	estimates, err := s.store.EstimatesForSession(sessionID, 0)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load estimates: %v", err))
		return
	}
	if len(estimates) == 0 {
		httputil.NotFound(w, "no estimates recorded for session")
		return
	}

	calibrations, err := s.store.CalibrationsForSession(sessionID, 0)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load calibrations: %v", err))
		return
	}

	page := components.NewPage()
	page.AddCharts(AttitudeChart(sessionID, estimates, maxPoints))
	if len(calibrations) > 0 {
		page.AddCharts(BiasChart(sessionID, calibrations, maxPoints))
	}

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func chartStride(n, maxPoints int) int {
	if n <= maxPoints {
		return 1
	}
	return int(math.Ceil(float64(n) / float64(maxPoints)))
}

// AttitudeChart plots roll, pitch and yaw in degrees over the session.
func AttitudeChart(sessionID string, estimates []store.Estimate, maxPoints int) *charts.Line {
	stride := chartStride(len(estimates), maxPoints)

	var (
		xs    []string
		roll  []opts.LineData
		pitch []opts.LineData
		yaw   []opts.LineData
	)
	for i := 0; i < len(estimates); i += stride {
		e := estimates[i]
		r0, p0, y0 := ahrs.EulerAngles(e.Attitude[0], e.Attitude[1], e.Attitude[2], e.Attitude[3])
		xs = append(xs, fmt.Sprintf("%.2f", e.T))
		roll = append(roll, opts.LineData{Value: r0 * degPerRad})
		pitch = append(pitch, opts.LineData{Value: p0 * degPerRad})
		yaw = append(yaw, opts.LineData{Value: y0 * degPerRad})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "AHRS Session", Theme: "dark", Width: "1200px", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Attitude", Subtitle: fmt.Sprintf("session=%s samples=%d stride=%d", sessionID, len(xs), stride)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "deg"}),
	)
	line.SetXAxis(xs).
		AddSeries("roll", roll).
		AddSeries("pitch", pitch).
		AddSeries("yaw", yaw)
	return line
}

// BiasChart plots the calibration filter's bias estimates over the
// session: accelerometer in m/s^2, gyroscope in rad/s, magnetometer in uT.
func BiasChart(sessionID string, cals []store.CalibrationSnapshot, maxPoints int) *charts.Line {
	stride := chartStride(len(cals), maxPoints)

	var xs []string
	series := make(map[string][]opts.LineData, 9)
	names := []string{
		"accel bias x", "accel bias y", "accel bias z",
		"gyro bias x", "gyro bias y", "gyro bias z",
		"mag bias x", "mag bias y", "mag bias z",
	}
	for i := 0; i < len(cals); i += stride {
		c := cals[i]
		xs = append(xs, fmt.Sprintf("%.2f", c.T))
		for axis := 0; axis < 3; axis++ {
			series[names[axis]] = append(series[names[axis]], opts.LineData{Value: c.Calibration.AccelerometerBias[axis]})
			series[names[3+axis]] = append(series[names[3+axis]], opts.LineData{Value: c.Calibration.GyroscopeBias[axis]})
			series[names[6+axis]] = append(series[names[6+axis]], opts.LineData{Value: c.Calibration.MagnetometerBias[axis]})
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Theme: "dark", Width: "1200px", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Sensor biases", Subtitle: fmt.Sprintf("session=%s samples=%d stride=%d", sessionID, len(xs), stride)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "bias"}),
	)
	line.SetXAxis(xs)
	for _, name := range names {
		line.AddSeries(name, series[name])
	}
	return line
}
