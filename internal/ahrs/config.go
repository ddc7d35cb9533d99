package ahrs

import (
	"fmt"
	"math"

	"github.com/banshee-data/attitude.report/internal/ukf"
)

// Config carries the tunable parameters for a new Estimator. The zero
// value is not usable; start from DefaultConfig.
type Config struct {
	Sigma ukf.SigmaParams `json:"sigma"`

	AttitudeProcessNoise      [AttitudeCovarianceDim]float64 `json:"attitude_process_noise"`
	AttitudeInitialCovariance [AttitudeCovarianceDim]float64 `json:"attitude_initial_covariance"`

	CalibrationProcessNoise      [CalibrationStateDim]float64 `json:"calibration_process_noise"`
	CalibrationInitialCovariance [CalibrationStateDim]float64 `json:"calibration_initial_covariance"`

	Sensors SensorParams `json:"sensors"`
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		Sigma:                        ukf.DefaultSigmaParams(),
		AttitudeProcessNoise:         DefaultAttitudeProcessNoise(),
		AttitudeInitialCovariance:    DefaultAttitudeInitialCovariance(),
		CalibrationProcessNoise:      DefaultCalibrationProcessNoise(),
		CalibrationInitialCovariance: DefaultCalibrationInitialCovariance(),
		Sensors:                      DefaultSensorParams(),
	}
}

func (c Config) validate() error {
	if err := c.Sigma.Validate(AttitudeCovarianceDim); err != nil {
		return err
	}
	if err := c.Sigma.Validate(CalibrationStateDim); err != nil {
		return err
	}
	if err := diagonalOK("attitude process noise", c.AttitudeProcessNoise[:]); err != nil {
		return err
	}
	if err := diagonalOK("attitude initial covariance", c.AttitudeInitialCovariance[:]); err != nil {
		return err
	}
	if err := diagonalOK("calibration process noise", c.CalibrationProcessNoise[:]); err != nil {
		return err
	}
	if err := diagonalOK("calibration initial covariance", c.CalibrationInitialCovariance[:]); err != nil {
		return err
	}
	return c.Sensors.validate()
}

func diagonalOK(name string, diag []float64) error {
	for i, v := range diag {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("%w: %s[%d] = %v", ErrNotFinite, name, i, v)
		}
	}
	return nil
}
