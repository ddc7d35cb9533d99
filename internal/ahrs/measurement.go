package ahrs

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/attitude.report/internal/ukf"
)

// Sensor identifies one measurement channel.
type Sensor int

const (
	SensorAccelerometer Sensor = iota
	SensorGyroscope
	SensorMagnetometer
)

const sensorCount = 3

// MaxMeasurementDim is the assembled measurement size with all three
// channels present.
const MaxMeasurementDim = 3 * sensorCount

func (s Sensor) String() string {
	switch s {
	case SensorAccelerometer:
		return "accelerometer"
	case SensorGyroscope:
		return "gyroscope"
	case SensorMagnetometer:
		return "magnetometer"
	default:
		return fmt.Sprintf("sensor(%d)", int(s))
	}
}

// SensorParams holds the per-channel measurement noise diagonals.
type SensorParams struct {
	AccelCovariance [3]float64 `json:"accel_covariance"`
	GyroCovariance  [3]float64 `json:"gyro_covariance"`
	MagCovariance   [3]float64 `json:"mag_covariance"`
}

// DefaultSensorParams returns the stock measurement covariances.
func DefaultSensorParams() SensorParams {
	return SensorParams{
		AccelCovariance: [3]float64{0.12, 0.12, 0.12},
		GyroCovariance:  [3]float64{0.003, 0.003, 0.003},
		MagCovariance:   [3]float64{0.3, 0.3, 0.3},
	}
}

func (p SensorParams) validate() error {
	check := func(name string, v [3]float64) error {
		for _, x := range v {
			if math.IsNaN(x) || math.IsInf(x, 0) || x < 0 {
				return fmt.Errorf("%w: %s covariance %v", ErrNotFinite, name, v)
			}
		}
		return nil
	}
	if err := check("accelerometer", p.AccelCovariance); err != nil {
		return err
	}
	if err := check("gyroscope", p.GyroCovariance); err != nil {
		return err
	}
	return check("magnetometer", p.MagCovariance)
}

func (p SensorParams) diagonal(s Sensor) [3]float64 {
	switch s {
	case SensorAccelerometer:
		return p.AccelCovariance
	case SensorGyroscope:
		return p.GyroCovariance
	default:
		return p.MagCovariance
	}
}

// SensorBuffer collects the readings for one fused cycle. Each channel is
// independently present or absent; the assembled measurement vector keeps
// the fixed accelerometer, gyroscope, magnetometer order over whichever
// channels are present.
type SensorBuffer struct {
	values  [sensorCount][3]float64
	present [sensorCount]bool
}

// Set stores a reading for one channel.
func (b *SensorBuffer) Set(s Sensor, x, y, z float64) {
	b.values[s] = [3]float64{x, y, z}
	b.present[s] = true
}

// Clear empties every channel.
func (b *SensorBuffer) Clear() {
	*b = SensorBuffer{}
}

// Has reports whether a channel holds a reading.
func (b *SensorBuffer) Has(s Sensor) bool {
	return b.present[s]
}

// Size is the assembled measurement vector length.
func (b *SensorBuffer) Size() int {
	n := 0
	for _, ok := range b.present {
		if ok {
			n += 3
		}
	}
	return n
}

// Vector assembles the present channels into one measurement vector.
func (b *SensorBuffer) Vector() []float64 {
	z := make([]float64, 0, b.Size())
	for s := Sensor(0); s < sensorCount; s++ {
		if b.present[s] {
			z = append(z, b.values[s][0], b.values[s][1], b.values[s][2])
		}
	}
	return z
}

// NoiseDiagonal assembles the measurement noise diagonal matching Vector.
func (b *SensorBuffer) NoiseDiagonal(p SensorParams) []float64 {
	r := make([]float64, 0, b.Size())
	for s := Sensor(0); s < sensorCount; s++ {
		if b.present[s] {
			d := p.diagonal(s)
			r = append(r, d[0], d[1], d[2])
		}
	}
	return r
}

// predictor binds a measurement table to the buffer's present channels,
// yielding the per-sigma-point measurement function for this cycle.
func (b *SensorBuffer) predictor(tbl measurementTable) ukf.MeasurementFunc {
	sensors := make([]Sensor, 0, sensorCount)
	for s := Sensor(0); s < sensorCount; s++ {
		if b.present[s] {
			sensors = append(sensors, s)
		}
	}
	return func(dst, state, aux []float64) {
		off := 0
		for _, s := range sensors {
			tbl[s](dst[off:off+3], state, aux)
			off += 3
		}
	}
}

// measurementTable maps sensors to predicted-measurement functions for
// one primary filter.
type measurementTable [sensorCount]ukf.MeasurementFunc

// measurementTables carries both auxiliary variants for one primary
// filter: conditioned entries read the other filter's state from aux,
// plain entries take the sensors as ideal and ignore aux.
type measurementTables struct {
	conditioned measurementTable
	plain       measurementTable
}

// The measurement model proper, written over an (attitude, calibration)
// state pair. cal == nil selects the ideal-sensor variant.

func accelMeasurement(dst, att, cal []float64) {
	g := rotate(quatAt(att), r3.Vec{Z: -GravityAccel})
	v := [3]float64{att[attAX] + g.X, att[attAY] + g.Y, att[attAZ] + g.Z}
	for i := 0; i < 3; i++ {
		if cal != nil {
			dst[i] = cal[calAccelBias+i] + cal[calAccelScale+i]*v[i]
		} else {
			dst[i] = v[i]
		}
	}
}

func gyroMeasurement(dst, att, cal []float64) {
	for i := 0; i < 3; i++ {
		if cal != nil {
			dst[i] = cal[calGyroBias+i] + cal[calGyroScale+i]*att[attWX+i]
		} else {
			dst[i] = att[attWX+i]
		}
	}
}

func magMeasurement(dst, att, cal []float64) {
	f := rotate(quatAt(att), r3.Vec{X: 1})
	v := [3]float64{f.X, f.Y, f.Z}
	if cal == nil {
		dst[0], dst[1], dst[2] = v[0], v[1], v[2]
		return
	}
	scaled := magScaleApply(cal, v)
	for i := 0; i < 3; i++ {
		dst[i] = cal[calMagBias+i] + scaled[i]
	}
}

// attitudeTables builds the measurement tables for the attitude filter,
// whose sigma points carry attitude states and whose aux input is the
// calibration state.
func attitudeTables() measurementTables {
	return measurementTables{
		conditioned: measurementTable{
			SensorAccelerometer: func(dst, state, aux []float64) { accelMeasurement(dst, state, aux) },
			SensorGyroscope:     func(dst, state, aux []float64) { gyroMeasurement(dst, state, aux) },
			SensorMagnetometer:  func(dst, state, aux []float64) { magMeasurement(dst, state, aux) },
		},
		plain: measurementTable{
			SensorAccelerometer: func(dst, state, aux []float64) { accelMeasurement(dst, state, nil) },
			SensorGyroscope:     func(dst, state, aux []float64) { gyroMeasurement(dst, state, nil) },
			SensorMagnetometer:  func(dst, state, aux []float64) { magMeasurement(dst, state, nil) },
		},
	}
}

// calibrationTable builds the measurement table for the calibration
// filter, whose sigma points carry calibration states and whose aux input
// is the attitude filter's a-priori state. There is no unconditioned
// variant; without an attitude the model predicts nothing.
func calibrationTable() measurementTable {
	return measurementTable{
		SensorAccelerometer: func(dst, state, aux []float64) { accelMeasurement(dst, aux, state) },
		SensorGyroscope:     func(dst, state, aux []float64) { gyroMeasurement(dst, aux, state) },
		SensorMagnetometer:  func(dst, state, aux []float64) { magMeasurement(dst, aux, state) },
	}
}
