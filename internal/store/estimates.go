package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/banshee-data/attitude.report/internal/ahrs"
)

// Estimate is one recorded filter output.
type Estimate struct {
	SessionID       string     `json:"session_id"`
	T               float64    `json:"t"`
	Attitude        [4]float64 `json:"attitude"` // x, y, z, w
	AngularVelocity [3]float64 `json:"angular_velocity"`
	Acceleration    [3]float64 `json:"acceleration"`
	Covariance      []float64  `json:"covariance,omitempty"`  // 9-value diagonal
	StateError      []float64  `json:"state_error,omitempty"` // 9 values
}

// RecordEstimate queues an estimate for the next Flush. The queue is
// bounded; when full, the oldest rows are dropped.
func (s *Store) RecordEstimate(e Estimate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, e)
	if over := len(s.pending) - maxPending; over > 0 {
		s.pending = s.pending[over:]
	}
}

// Pending returns the number of estimates queued for the next Flush.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Flush writes all queued estimates in a single transaction and
// returns the number of rows written. On failure the batch is
// re-queued for the next attempt.
func (s *Store) Flush() (int, error) {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}

	requeue := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.pending = append(batch, s.pending...)
		if over := len(s.pending) - maxPending; over > 0 {
			s.pending = s.pending[over:]
		}
	}

	tx, err := s.Begin()
	if err != nil {
		requeue()
		return 0, fmt.Errorf("begin flush tx: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO estimates (
			session_id, t,
			qx, qy, qz, qw,
			rate_x, rate_y, rate_z,
			accel_x, accel_y, accel_z,
			covariance, state_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		requeue()
		return 0, fmt.Errorf("prepare estimate insert: %w", err)
	}

	for _, e := range batch {
		cov, err := marshalDiagonal(e.Covariance)
		if err != nil {
			stmt.Close()
			tx.Rollback()
			requeue()
			return 0, err
		}
		stateErr, err := marshalDiagonal(e.StateError)
		if err != nil {
			stmt.Close()
			tx.Rollback()
			requeue()
			return 0, err
		}

		_, err = stmt.Exec(
			e.SessionID, e.T,
			e.Attitude[0], e.Attitude[1], e.Attitude[2], e.Attitude[3],
			e.AngularVelocity[0], e.AngularVelocity[1], e.AngularVelocity[2],
			e.Acceleration[0], e.Acceleration[1], e.Acceleration[2],
			cov, stateErr,
		)
		if err != nil {
			stmt.Close()
			tx.Rollback()
			requeue()
			return 0, fmt.Errorf("insert estimate: %w", err)
		}
	}

	stmt.Close()
	if err := tx.Commit(); err != nil {
		requeue()
		return 0, fmt.Errorf("commit flush tx: %w", err)
	}

	return len(batch), nil
}

// EstimatesForSession returns a session's estimates in time order.
func (s *Store) EstimatesForSession(sessionID string, limit int) ([]Estimate, error) {
	if limit <= 0 {
		limit = 10000
	}

	rows, err := s.Query(`
		SELECT session_id, t,
			qx, qy, qz, qw,
			rate_x, rate_y, rate_z,
			accel_x, accel_y, accel_z,
			covariance, state_error
		FROM estimates
		WHERE session_id = ?
		ORDER BY t ASC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query estimates: %w", err)
	}
	defer rows.Close()

	var estimates []Estimate
	for rows.Next() {
		var e Estimate
		var cov, stateErr sql.NullString
		err := rows.Scan(
			&e.SessionID, &e.T,
			&e.Attitude[0], &e.Attitude[1], &e.Attitude[2], &e.Attitude[3],
			&e.AngularVelocity[0], &e.AngularVelocity[1], &e.AngularVelocity[2],
			&e.Acceleration[0], &e.Acceleration[1], &e.Acceleration[2],
			&cov, &stateErr,
		)
		if err != nil {
			return nil, fmt.Errorf("scan estimate: %w", err)
		}
		if e.Covariance, err = unmarshalDiagonal(cov); err != nil {
			return nil, err
		}
		if e.StateError, err = unmarshalDiagonal(stateErr); err != nil {
			return nil, err
		}
		estimates = append(estimates, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate estimates: %w", err)
	}

	return estimates, nil
}

func marshalDiagonal(diag []float64) (any, error) {
	if diag == nil {
		return nil, nil
	}
	data, err := json.Marshal(diag)
	if err != nil {
		return nil, fmt.Errorf("marshal diagonal: %w", err)
	}
	return string(data), nil
}

func unmarshalDiagonal(col sql.NullString) ([]float64, error) {
	if !col.Valid || col.String == "" {
		return nil, nil
	}
	var diag []float64
	if err := json.Unmarshal([]byte(col.String), &diag); err != nil {
		return nil, fmt.Errorf("unmarshal diagonal: %w", err)
	}
	return diag, nil
}

// CalibrationSnapshot is a periodic record of the calibration filter's
// estimate.
type CalibrationSnapshot struct {
	SessionID   string           `json:"session_id"`
	T           float64          `json:"t"`
	Calibration ahrs.Calibration `json:"calibration"`
}

// RecordCalibration stores a calibration snapshot immediately.
func (s *Store) RecordCalibration(sessionID string, t float64, cal ahrs.Calibration) error {
	data, err := json.Marshal(cal)
	if err != nil {
		return fmt.Errorf("marshal calibration: %w", err)
	}

	_, err = s.Exec(
		`INSERT INTO calibrations (session_id, t, calibration) VALUES (?, ?, ?)`,
		sessionID, t, string(data),
	)
	if err != nil {
		return fmt.Errorf("insert calibration: %w", err)
	}
	return nil
}

// CalibrationsForSession returns a session's calibration snapshots in
// time order.
func (s *Store) CalibrationsForSession(sessionID string, limit int) ([]CalibrationSnapshot, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.Query(`
		SELECT session_id, t, calibration
		FROM calibrations
		WHERE session_id = ?
		ORDER BY t ASC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query calibrations: %w", err)
	}
	defer rows.Close()

	var snapshots []CalibrationSnapshot
	for rows.Next() {
		var snap CalibrationSnapshot
		var data string
		if err := rows.Scan(&snap.SessionID, &snap.T, &data); err != nil {
			return nil, fmt.Errorf("scan calibration: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &snap.Calibration); err != nil {
			return nil, fmt.Errorf("unmarshal calibration: %w", err)
		}
		snapshots = append(snapshots, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate calibrations: %w", err)
	}

	return snapshots, nil
}

// Fault is one recorded filter fault event.
type Fault struct {
	SessionID string          `json:"session_id"`
	T         float64         `json:"t"`
	Counts    ahrs.FaultCount `json:"counts"`
	Detail    string          `json:"detail,omitempty"`
}

// RecordFault stores a fault event immediately.
func (s *Store) RecordFault(f Fault) error {
	_, err := s.Exec(`
		INSERT INTO faults (
			session_id, t,
			attitude_predict, attitude_correct,
			calibration_predict, calibration_correct,
			detail
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		f.SessionID, f.T,
		f.Counts.AttitudePredict, f.Counts.AttitudeCorrect,
		f.Counts.CalibrationPredict, f.Counts.CalibrationCorrect,
		nullString(f.Detail),
	)
	if err != nil {
		return fmt.Errorf("insert fault: %w", err)
	}
	return nil
}

// FaultsForSession returns a session's fault events in time order.
func (s *Store) FaultsForSession(sessionID string, limit int) ([]Fault, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.Query(`
		SELECT session_id, t,
			attitude_predict, attitude_correct,
			calibration_predict, calibration_correct,
			detail
		FROM faults
		WHERE session_id = ?
		ORDER BY t ASC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query faults: %w", err)
	}
	defer rows.Close()

	var faults []Fault
	for rows.Next() {
		var f Fault
		var detail sql.NullString
		err := rows.Scan(
			&f.SessionID, &f.T,
			&f.Counts.AttitudePredict, &f.Counts.AttitudeCorrect,
			&f.Counts.CalibrationPredict, &f.Counts.CalibrationCorrect,
			&detail,
		)
		if err != nil {
			return nil, fmt.Errorf("scan fault: %w", err)
		}
		if detail.Valid {
			f.Detail = detail.String
		}
		faults = append(faults, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate faults: %w", err)
	}

	return faults, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
