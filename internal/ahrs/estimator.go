package ahrs

import (
	"errors"
	"fmt"
	"log"
	"math"
	"slices"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/attitude.report/internal/ukf"
)

var (
	// ErrInvalidStep reports a negative or non-finite iteration interval.
	ErrInvalidStep = errors.New("ahrs: time step must be finite and non-negative")

	// ErrNotFinite reports NaN or Inf in a host-supplied value.
	ErrNotFinite = errors.New("ahrs: value must be finite")
)

// State is the host view of the attitude filter state. The quaternion is
// exposed in x, y, z, w order; internally the filter stores w first.
type State struct {
	Attitude        [4]float64 `json:"attitude"`
	AngularVelocity [3]float64 `json:"angular_velocity"`
	Acceleration    [3]float64 `json:"acceleration"`
}

// Calibration is the host view of the calibration filter state. The
// magnetometer scale matrix is row-major.
type Calibration struct {
	AccelerometerBias  [3]float64 `json:"accel_bias"`
	AccelerometerScale [3]float64 `json:"accel_scale"`
	GyroscopeBias      [3]float64 `json:"gyro_bias"`
	GyroscopeScale     [3]float64 `json:"gyro_scale"`
	MagnetometerBias   [3]float64 `json:"mag_bias"`
	MagnetometerScale  [9]float64 `json:"mag_scale"`
}

// FaultCount tracks numerical faults by cycle stage. A faulted stage
// keeps its pre-correction estimate and the cycle carries on where it
// safely can.
type FaultCount struct {
	AttitudePredict    uint64 `json:"attitude_predict"`
	AttitudeCorrect    uint64 `json:"attitude_correct"`
	CalibrationPredict uint64 `json:"calibration_predict"`
	CalibrationCorrect uint64 `json:"calibration_correct"`
}

// Total sums all fault counters.
func (f FaultCount) Total() uint64 {
	return f.AttitudePredict + f.AttitudeCorrect + f.CalibrationPredict + f.CalibrationCorrect
}

// Precision identifies the scalar width of the estimator arithmetic.
type Precision int

const (
	PrecisionFloat Precision = iota
	PrecisionDouble
)

func (p Precision) String() string {
	switch p {
	case PrecisionFloat:
		return "float"
	case PrecisionDouble:
		return "double"
	default:
		return fmt.Sprintf("precision(%d)", int(p))
	}
}

// Estimator owns the coupled attitude and calibration filters, the
// per-cycle sensor buffer and the measurement parameters. All methods are
// safe for concurrent use.
type Estimator struct {
	mu  sync.RWMutex
	cfg Config

	attitudeModel    *AttitudeModel
	calibrationModel *CalibrationModel
	attitude         *ukf.Filter
	calibration      *ukf.Filter

	attTables measurementTables
	calTable  measurementTable

	buffer  SensorBuffer
	sensors SensorParams
	faults  FaultCount
}

// New builds an estimator from cfg. The attitude filter starts at the
// identity quaternion with zero rates and acceleration; the calibration
// filter starts at zero biases and unit scale factors.
func New(cfg Config) (*Estimator, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("ahrs: config: %w", err)
	}
	e := &Estimator{cfg: cfg}
	if err := e.init(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Estimator) init() error {
	e.attitudeModel = NewAttitudeModel()
	e.attitudeModel.SetProcessNoise(e.cfg.AttitudeProcessNoise)
	e.calibrationModel = NewCalibrationModel(e.cfg.CalibrationProcessNoise)

	att, err := ukf.NewFilter(e.attitudeModel, ukf.RK4{}, e.cfg.Sigma,
		initialAttitudeState(), e.cfg.AttitudeInitialCovariance[:])
	if err != nil {
		return fmt.Errorf("ahrs: attitude filter: %w", err)
	}
	cal, err := ukf.NewFilter(e.calibrationModel, ukf.Euler{}, e.cfg.Sigma,
		initialCalibrationState(), e.cfg.CalibrationInitialCovariance[:])
	if err != nil {
		return fmt.Errorf("ahrs: calibration filter: %w", err)
	}
	e.attitude = att
	e.calibration = cal
	e.attTables = attitudeTables()
	e.calTable = calibrationTable()
	e.sensors = e.cfg.Sensors
	e.buffer.Clear()
	e.faults = FaultCount{}
	return nil
}

// Reset returns both filters to their initial state and clears the
// sensor buffer and fault counters.
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.init(); err != nil {
		// cfg was validated in New, so init cannot fail here.
		log.Printf("ahrs: reset failed: %v", err)
	}
}

// Config returns the configuration the estimator was built with.
func (e *Estimator) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Iterate runs one fused cycle over the buffered sensor readings:
//
//  1. attitude predict
//  2. attitude innovation, conditioned on the calibration estimate
//  3. attitude commit
//  4. calibration predict
//  5. calibration innovation, conditioned on the attitude a-priori
//     state snapshotted after step 1
//  6. calibration innovation covariance inflated by the attitude
//     filter's innovation covariance from step 2
//  7. calibration commit
//
// With an empty buffer only the predict steps run. A numerical fault in
// one stage keeps that filter's pre-correction estimate, increments the
// matching fault counter and surfaces as a wrapped error; a fault in the
// attitude correction also skips the calibration correction, which would
// otherwise miss the step-6 inflation.
func (e *Estimator) Iterate(dt float64) error {
	if math.IsNaN(dt) || math.IsInf(dt, 0) || dt < 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidStep, dt)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.attitude.Predict(dt); err != nil {
		e.faults.AttitudePredict++
		return fmt.Errorf("ahrs: attitude predict: %w", err)
	}
	apriori := slices.Clone(e.attitude.State)

	var firstErr error
	var z, rdiag []float64
	attCorrected := false
	if e.buffer.Size() > 0 {
		z = e.buffer.Vector()
		rdiag = e.buffer.NoiseDiagonal(e.sensors)
		h := e.buffer.predictor(e.attTables.conditioned)
		if err := e.attitude.Innovate(z, rdiag, h, e.calibration.State); err != nil {
			e.faults.AttitudeCorrect++
			firstErr = fmt.Errorf("ahrs: attitude correct: %w", err)
		} else if err := e.attitude.Commit(); err != nil {
			e.faults.AttitudeCorrect++
			firstErr = fmt.Errorf("ahrs: attitude correct: %w", err)
		} else {
			attCorrected = true
		}
	}

	if err := e.calibration.Predict(dt); err != nil {
		e.faults.CalibrationPredict++
		if firstErr == nil {
			firstErr = fmt.Errorf("ahrs: calibration predict: %w", err)
		}
		return firstErr
	}

	if attCorrected {
		h := e.buffer.predictor(e.calTable)
		if err := e.calibration.Innovate(z, rdiag, h, apriori); err != nil {
			e.faults.CalibrationCorrect++
			if firstErr == nil {
				firstErr = fmt.Errorf("ahrs: calibration correct: %w", err)
			}
		} else {
			e.calibration.InnovationCov.AddSym(e.calibration.InnovationCov, e.attitude.InnovationCov)
			if err := e.calibration.Commit(); err != nil {
				e.faults.CalibrationCorrect++
				if firstErr == nil {
					firstErr = fmt.Errorf("ahrs: calibration correct: %w", err)
				}
			}
		}
	}
	return firstErr
}

// SetAcceleration overwrites the acceleration components of the attitude
// state.
func (e *Estimator) SetAcceleration(x, y, z float64) error {
	if err := finite("acceleration", x, y, z); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attitude.State[attAX] = x
	e.attitude.State[attAY] = y
	e.attitude.State[attAZ] = z
	return nil
}

// SetAngularVelocity overwrites the angular velocity components of the
// attitude state.
func (e *Estimator) SetAngularVelocity(x, y, z float64) error {
	if err := finite("angular velocity", x, y, z); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attitude.State[attWX] = x
	e.attitude.State[attWY] = y
	e.attitude.State[attWZ] = z
	return nil
}

// SetAttitude overwrites the attitude quaternion. The caller supplies a
// unit quaternion; components are stored as given.
func (e *Estimator) SetAttitude(w, x, y, z float64) error {
	if err := finite("attitude", w, x, y, z); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attitude.State[attQW] = w
	e.attitude.State[attQX] = x
	e.attitude.State[attQY] = y
	e.attitude.State[attQZ] = z
	return nil
}

// State returns the attitude filter state.
func (e *Estimator) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	x := e.attitude.State
	return State{
		Attitude:        [4]float64{x[attQX], x[attQY], x[attQZ], x[attQW]},
		AngularVelocity: [3]float64{x[attWX], x[attWY], x[attWZ]},
		Acceleration:    [3]float64{x[attAX], x[attAY], x[attAZ]},
	}
}

// SetState overwrites the full attitude filter state.
func (e *Estimator) SetState(s State) error {
	vals := append(append(append([]float64{}, s.Attitude[:]...), s.AngularVelocity[:]...), s.Acceleration[:]...)
	if err := finite("state", vals...); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	x := e.attitude.State
	x[attQX], x[attQY], x[attQZ], x[attQW] = s.Attitude[0], s.Attitude[1], s.Attitude[2], s.Attitude[3]
	x[attWX], x[attWY], x[attWZ] = s.AngularVelocity[0], s.AngularVelocity[1], s.AngularVelocity[2]
	x[attAX], x[attAY], x[attAZ] = s.Acceleration[0], s.Acceleration[1], s.Acceleration[2]
	return nil
}

// StateCovariance returns a row-major copy of the 9x9 attitude
// covariance.
func (e *Estimator) StateCovariance() []float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]float64, AttitudeCovarianceDim*AttitudeCovarianceDim)
	for i := 0; i < AttitudeCovarianceDim; i++ {
		for j := 0; j < AttitudeCovarianceDim; j++ {
			out[i*AttitudeCovarianceDim+j] = e.attitude.Covariance.At(i, j)
		}
	}
	return out
}

// StateCovarianceDiagonal returns the attitude covariance diagonal.
func (e *Estimator) StateCovarianceDiagonal() []float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return covarianceDiagonal(e.attitude.Covariance)
}

// StateError returns the attitude filter's coarse per-axis error: the
// square root of each covariance row's sum of absolute entries.
func (e *Estimator) StateError() []float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return covarianceRowError(e.attitude.Covariance)
}

// Calibration returns the calibration filter state.
func (e *Estimator) Calibration() Calibration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	x := e.calibration.State
	var c Calibration
	copy(c.AccelerometerBias[:], x[calAccelBias:calAccelBias+3])
	copy(c.AccelerometerScale[:], x[calAccelScale:calAccelScale+3])
	copy(c.GyroscopeBias[:], x[calGyroBias:calGyroBias+3])
	copy(c.GyroscopeScale[:], x[calGyroScale:calGyroScale+3])
	copy(c.MagnetometerBias[:], x[calMagBias:calMagBias+3])
	copy(c.MagnetometerScale[:], x[calMagScale:calMagScale+9])
	return c
}

// CalibrationCovarianceDiagonal returns the calibration covariance
// diagonal.
func (e *Estimator) CalibrationCovarianceDiagonal() []float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return covarianceDiagonal(e.calibration.Covariance)
}

// CalibrationError returns the calibration filter's coarse per-axis
// error, same formula as StateError.
func (e *Estimator) CalibrationError() []float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return covarianceRowError(e.calibration.Covariance)
}

// SensorClear empties the measurement buffer.
func (e *Estimator) SensorClear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buffer.Clear()
}

// SensorSetAccelerometer buffers an accelerometer reading for the next
// cycle.
func (e *Estimator) SensorSetAccelerometer(x, y, z float64) error {
	return e.sensorSet(SensorAccelerometer, x, y, z)
}

// SensorSetGyroscope buffers a gyroscope reading for the next cycle.
func (e *Estimator) SensorSetGyroscope(x, y, z float64) error {
	return e.sensorSet(SensorGyroscope, x, y, z)
}

// SensorSetMagnetometer buffers a magnetometer reading for the next
// cycle.
func (e *Estimator) SensorSetMagnetometer(x, y, z float64) error {
	return e.sensorSet(SensorMagnetometer, x, y, z)
}

func (e *Estimator) sensorSet(s Sensor, x, y, z float64) error {
	if err := finite(s.String(), x, y, z); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buffer.Set(s, x, y, z)
	return nil
}

// SensorParams returns the measurement noise parameters in effect.
func (e *Estimator) SensorParams() SensorParams {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sensors
}

// SetSensorParams replaces the measurement noise parameters.
func (e *Estimator) SetSensorParams(p SensorParams) error {
	if err := p.validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sensors = p
	return nil
}

// ProcessNoise returns the attitude filter's base process noise diagonal.
func (e *Estimator) ProcessNoise() [AttitudeCovarianceDim]float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.attitudeModel.ProcessNoiseDiagonal()
}

// SetProcessNoise replaces the attitude filter's base process noise
// diagonal. The calibration filter's process noise is fixed.
func (e *Estimator) SetProcessNoise(diag [AttitudeCovarianceDim]float64) error {
	if err := diagonalOK("process noise", diag[:]); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attitudeModel.SetProcessNoise(diag)
	return nil
}

// Faults returns the fault counters.
func (e *Estimator) Faults() FaultCount {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.faults
}

// StateDim returns the attitude filter's error-space dimension.
func (e *Estimator) StateDim() int { return AttitudeCovarianceDim }

// MeasurementDim returns the maximum assembled measurement size.
func (e *Estimator) MeasurementDim() int { return MaxMeasurementDim }

// Precision reports the estimator's scalar width.
func (e *Estimator) Precision() Precision { return PrecisionDouble }

func finite(name string, vals ...float64) error {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s %v", ErrNotFinite, name, v)
		}
	}
	return nil
}

func covarianceDiagonal(p *mat.SymDense) []float64 {
	n := p.SymmetricDim()
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = p.At(i, i)
	}
	return out
}

func covarianceRowError(p *mat.SymDense) []float64 {
	n := p.SymmetricDim()
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		sum := 0.0
		for j := 0; j < n; j++ {
			sum += math.Abs(p.At(i, j))
		}
		out[i] = math.Sqrt(sum)
	}
	return out
}
