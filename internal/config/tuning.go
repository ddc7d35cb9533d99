// Package config loads the estimator tuning file and the daemon
// settings that ride along with it.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/attitude.report/internal/ahrs"
	"github.com/banshee-data/attitude.report/internal/ukf"
)

// Tuning is the root configuration for estimator parameters. The schema
// matches the /api/params and /api/process-noise endpoints so the same
// JSON can be used for startup configuration and runtime updates.
//
// Every field is optional. Absent fields keep the stock values, so
// partial configs are safe.
type Tuning struct {
	// Sigma point params
	SigmaAlpha *float64 `json:"sigma_alpha,omitempty"`
	SigmaBeta  *float64 `json:"sigma_beta,omitempty"`
	SigmaKappa *float64 `json:"sigma_kappa,omitempty"`

	// Filter diagonals in state order. Attitude vectors carry 9 values,
	// calibration vectors 24.
	AttitudeProcessNoise         []float64 `json:"attitude_process_noise,omitempty"`
	AttitudeInitialCovariance    []float64 `json:"attitude_initial_covariance,omitempty"`
	CalibrationProcessNoise      []float64 `json:"calibration_process_noise,omitempty"`
	CalibrationInitialCovariance []float64 `json:"calibration_initial_covariance,omitempty"`

	// Measurement covariances, one value per axis.
	AccelCovariance []float64 `json:"accel_covariance,omitempty"`
	GyroCovariance  []float64 `json:"gyro_covariance,omitempty"`
	MagCovariance   []float64 `json:"mag_covariance,omitempty"`

	// Daemon params
	Listen          *string `json:"listen,omitempty"`
	SerialPort      *string `json:"serial_port,omitempty"`
	SerialBaud      *int    `json:"serial_baud,omitempty"`
	SampleRate      *int    `json:"sample_rate,omitempty"` // IMU frame rate in Hz
	DBPath          *string `json:"db_path,omitempty"`
	MQTTBroker      *string `json:"mqtt_broker,omitempty"`
	MQTTTopic       *string `json:"mqtt_topic,omitempty"`
	PublishInterval *string `json:"publish_interval,omitempty"` // duration string like "1s"
	FlushInterval   *string `json:"flush_interval,omitempty"`   // duration string like "5s"
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// LoadTuning loads a Tuning from a JSON file. The file must have a
// .json extension and stay under the max file size. Fields omitted from
// the JSON keep their defaults.
func LoadTuning(path string) (*Tuning, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Tuning{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are well formed. Value
// ranges for the filter diagonals are checked again by ahrs.New.
func (c *Tuning) Validate() error {
	diags := []struct {
		name string
		got  []float64
		want int
	}{
		{"attitude_process_noise", c.AttitudeProcessNoise, ahrs.AttitudeCovarianceDim},
		{"attitude_initial_covariance", c.AttitudeInitialCovariance, ahrs.AttitudeCovarianceDim},
		{"calibration_process_noise", c.CalibrationProcessNoise, ahrs.CalibrationStateDim},
		{"calibration_initial_covariance", c.CalibrationInitialCovariance, ahrs.CalibrationStateDim},
		{"accel_covariance", c.AccelCovariance, 3},
		{"gyro_covariance", c.GyroCovariance, 3},
		{"mag_covariance", c.MagCovariance, 3},
	}
	for _, d := range diags {
		if d.got != nil && len(d.got) != d.want {
			return fmt.Errorf("%s must have %d values, got %d", d.name, d.want, len(d.got))
		}
	}

	if c.SerialBaud != nil && *c.SerialBaud <= 0 {
		return fmt.Errorf("serial_baud must be positive, got %d", *c.SerialBaud)
	}

	if c.SampleRate != nil && *c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", *c.SampleRate)
	}

	if c.PublishInterval != nil && *c.PublishInterval != "" {
		if _, err := time.ParseDuration(*c.PublishInterval); err != nil {
			return fmt.Errorf("invalid publish_interval '%s': %w", *c.PublishInterval, err)
		}
	}

	if c.FlushInterval != nil && *c.FlushInterval != "" {
		if _, err := time.ParseDuration(*c.FlushInterval); err != nil {
			return fmt.Errorf("invalid flush_interval '%s': %w", *c.FlushInterval, err)
		}
	}

	return nil
}

// EstimatorConfig assembles an ahrs.Config from the tuning values,
// falling back to the stock defaults for absent fields.
func (c *Tuning) EstimatorConfig() ahrs.Config {
	cfg := ahrs.DefaultConfig()
	cfg.Sigma = c.GetSigma()
	cfg.AttitudeProcessNoise = c.GetAttitudeProcessNoise()
	cfg.AttitudeInitialCovariance = c.GetAttitudeInitialCovariance()
	cfg.CalibrationProcessNoise = c.GetCalibrationProcessNoise()
	cfg.CalibrationInitialCovariance = c.GetCalibrationInitialCovariance()
	cfg.Sensors = c.GetSensorParams()
	return cfg
}

// GetSigma returns the sigma point parameters with stock values for
// absent fields.
func (c *Tuning) GetSigma() ukf.SigmaParams {
	p := ukf.DefaultSigmaParams()
	if c.SigmaAlpha != nil {
		p.Alpha = *c.SigmaAlpha
	}
	if c.SigmaBeta != nil {
		p.Beta = *c.SigmaBeta
	}
	if c.SigmaKappa != nil {
		p.Kappa = *c.SigmaKappa
	}
	return p
}

// GetAttitudeProcessNoise returns the attitude process noise diagonal
// or the default.
func (c *Tuning) GetAttitudeProcessNoise() [ahrs.AttitudeCovarianceDim]float64 {
	out := ahrs.DefaultAttitudeProcessNoise()
	applyDiagonal(out[:], c.AttitudeProcessNoise)
	return out
}

// GetAttitudeInitialCovariance returns the attitude initial covariance
// diagonal or the default.
func (c *Tuning) GetAttitudeInitialCovariance() [ahrs.AttitudeCovarianceDim]float64 {
	out := ahrs.DefaultAttitudeInitialCovariance()
	applyDiagonal(out[:], c.AttitudeInitialCovariance)
	return out
}

// GetCalibrationProcessNoise returns the calibration process noise
// diagonal or the default.
func (c *Tuning) GetCalibrationProcessNoise() [ahrs.CalibrationStateDim]float64 {
	out := ahrs.DefaultCalibrationProcessNoise()
	applyDiagonal(out[:], c.CalibrationProcessNoise)
	return out
}

// GetCalibrationInitialCovariance returns the calibration initial
// covariance diagonal or the default.
func (c *Tuning) GetCalibrationInitialCovariance() [ahrs.CalibrationStateDim]float64 {
	out := ahrs.DefaultCalibrationInitialCovariance()
	applyDiagonal(out[:], c.CalibrationInitialCovariance)
	return out
}

// GetSensorParams returns the measurement covariances with stock values
// for absent fields.
func (c *Tuning) GetSensorParams() ahrs.SensorParams {
	p := ahrs.DefaultSensorParams()
	applyDiagonal(p.AccelCovariance[:], c.AccelCovariance)
	applyDiagonal(p.GyroCovariance[:], c.GyroCovariance)
	applyDiagonal(p.MagCovariance[:], c.MagCovariance)
	return p
}

// applyDiagonal copies src over dst when the lengths match. A mismatch
// leaves dst alone; Validate reports it at load time.
func applyDiagonal(dst, src []float64) {
	if len(src) == len(dst) {
		copy(dst, src)
	}
}

// GetListen returns the HTTP listen address or the default.
func (c *Tuning) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return ":8080"
	}
	return *c.Listen
}

// GetSerialPort returns the serial device path or the default.
func (c *Tuning) GetSerialPort() string {
	if c.SerialPort == nil || *c.SerialPort == "" {
		return "/dev/ttyUSB0"
	}
	return *c.SerialPort
}

// GetSerialBaud returns the serial baud rate or the default.
func (c *Tuning) GetSerialBaud() int {
	if c.SerialBaud == nil || *c.SerialBaud <= 0 {
		return 115200
	}
	return *c.SerialBaud
}

// GetSampleRate returns the IMU frame rate in Hz or the default.
func (c *Tuning) GetSampleRate() int {
	if c.SampleRate == nil || *c.SampleRate <= 0 {
		return 100
	}
	return *c.SampleRate
}

// GetDBPath returns the SQLite database path or the default.
func (c *Tuning) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return "ahrs_data.db"
	}
	return *c.DBPath
}

// GetMQTTBroker returns the MQTT broker URL. Empty means telemetry is
// disabled.
func (c *Tuning) GetMQTTBroker() string {
	if c.MQTTBroker == nil {
		return ""
	}
	return *c.MQTTBroker
}

// GetMQTTTopic returns the MQTT topic prefix or the default.
func (c *Tuning) GetMQTTTopic() string {
	if c.MQTTTopic == nil || *c.MQTTTopic == "" {
		return "ahrs"
	}
	return *c.MQTTTopic
}

// GetPublishInterval parses and returns the PublishInterval as a
// time.Duration.
func (c *Tuning) GetPublishInterval() time.Duration {
	if c.PublishInterval == nil || *c.PublishInterval == "" {
		return time.Second // default
	}
	d, err := time.ParseDuration(*c.PublishInterval)
	if err != nil {
		return time.Second // default on parse error
	}
	return d
}

// GetFlushInterval parses and returns the FlushInterval as a
// time.Duration.
func (c *Tuning) GetFlushInterval() time.Duration {
	if c.FlushInterval == nil || *c.FlushInterval == "" {
		return 5 * time.Second // default
	}
	d, err := time.ParseDuration(*c.FlushInterval)
	if err != nil {
		return 5 * time.Second // default on parse error
	}
	return d
}
