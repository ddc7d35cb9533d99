package ahrs

import (
	"github.com/banshee-data/attitude.report/internal/ukf"
)

// Calibration filter state layout. All 24 components are Euclidean, so
// the covariance dimension equals the state dimension.
const (
	calAccelBias  = 0
	calAccelScale = 3
	calGyroBias   = 6
	calGyroScale  = 9
	calMagBias    = 12
	calMagScale   = 15

	// CalibrationStateDim is the calibration filter's state and
	// error-space dimension.
	CalibrationStateDim = 24
)

// DefaultCalibrationProcessNoise returns the calibration filter's base
// process noise diagonal. Scale factors carry zero process noise; they
// move only through correction.
func DefaultCalibrationProcessNoise() [CalibrationStateDim]float64 {
	return [CalibrationStateDim]float64{
		5.2e-5, 5.2e-5, 5.2e-5,
		0, 0, 0,
		3.0e-3, 3.0e-3, 3.0e-3,
		0, 0, 0,
		1.5e-2, 1.5e-2, 1.5e-2,
		0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
}

// DefaultCalibrationInitialCovariance returns the calibration filter's
// initial covariance diagonal.
func DefaultCalibrationInitialCovariance() [CalibrationStateDim]float64 {
	d := [CalibrationStateDim]float64{
		0.49, 0.49, 0.784,
		3.0e-2, 3.0e-2, 3.0e-2,
		0.35, 0.35, 0.35,
		3.0e-2, 3.0e-2, 3.0e-2,
		1.0e1, 1.0e1, 1.0e1,
	}
	for i := calMagScale; i < CalibrationStateDim; i++ {
		d[i] = 5.0e-2 * EarthMagField
	}
	return d
}

// initialCalibrationState is zero biases, unit scale factors and a
// magnetometer scale matrix of EarthMagField times identity.
func initialCalibrationState() []float64 {
	s := make([]float64, CalibrationStateDim)
	for i := 0; i < 3; i++ {
		s[calAccelScale+i] = 1
		s[calGyroScale+i] = 1
	}
	s[calMagScale+0] = EarthMagField
	s[calMagScale+4] = EarthMagField
	s[calMagScale+8] = EarthMagField
	return s
}

// magScaleApply multiplies the magnetometer scale matrix held in the
// calibration state by v. The nine scale entries store the 3x3 matrix
// row-major starting at calMagScale; this is the only place the layout
// is interpreted.
func magScaleApply(c []float64, v [3]float64) [3]float64 {
	var out [3]float64
	for i := 0; i < 3; i++ {
		row := c[calMagScale+3*i : calMagScale+3*i+3]
		out[i] = row[0]*v[0] + row[1]*v[1] + row[2]*v[2]
	}
	return out
}

// CalibrationModel is the calibration filter's process model: sensor
// biases and scale factors hold steady between cycles and drift only
// through process noise.
type CalibrationModel struct {
	ukf.VectorModel
	noise [CalibrationStateDim]float64
}

// NewCalibrationModel returns a model with the given base process noise.
func NewCalibrationModel(noise [CalibrationStateDim]float64) *CalibrationModel {
	return &CalibrationModel{
		VectorModel: ukf.VectorModel{Dim: CalibrationStateDim},
		noise:       noise,
	}
}

func (m *CalibrationModel) Derivative(dst, x []float64) {
	for i := range dst {
		dst[i] = 0
	}
}

func (m *CalibrationModel) ProcessNoise(dt float64) []float64 {
	q := make([]float64, CalibrationStateDim)
	for i, v := range m.noise {
		q[i] = v * dt
	}
	return q
}
