package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/banshee-data/attitude.report/internal/ahrs"
	"github.com/banshee-data/attitude.report/internal/httputil"
	"github.com/banshee-data/attitude.report/internal/imu"
	"github.com/banshee-data/attitude.report/internal/serialmux"
	"github.com/banshee-data/attitude.report/internal/store"
)

const degPerRad = 180 / math.Pi

// EulerDeg is an attitude in Tait-Bryan angles, degrees.
type EulerDeg struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

func eulerFromState(st ahrs.State) EulerDeg {
	roll, pitch, yaw := ahrs.EulerAngles(st.Attitude[0], st.Attitude[1], st.Attitude[2], st.Attitude[3])
	return EulerDeg{Roll: roll * degPerRad, Pitch: pitch * degPerRad, Yaw: yaw * degPerRad}
}

// StateUpdate is the payload served by /state and streamed over the
// websocket after every estimator cycle. T is the device timestamp of
// the most recent cycle.
type StateUpdate struct {
	SessionID string          `json:"session_id,omitempty"`
	T         float64         `json:"t"`
	State     ahrs.State      `json:"state"`
	Euler     EulerDeg        `json:"euler_deg"`
	Faults    ahrs.FaultCount `json:"faults"`
}

func (s *Server) stateUpdate(t float64) StateUpdate {
	st := s.est.State()
	return StateUpdate{
		SessionID: s.sessionID,
		T:         t,
		State:     st,
		Euler:     eulerFromState(st),
		Faults:    s.est.Faults(),
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.stateUpdate(s.lastCycleT()))
}

type covarianceResponse struct {
	AttitudeDiag    []float64 `json:"attitude_diag"`
	CalibrationDiag []float64 `json:"calibration_diag"`
	Attitude        []float64 `json:"attitude,omitempty"`
}

// handleCovariance serves both filters' covariance diagonals. The full
// row-major attitude matrix is included when the full query parameter is
// set.
func (s *Server) handleCovariance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	resp := covarianceResponse{
		AttitudeDiag:    s.est.StateCovarianceDiagonal(),
		CalibrationDiag: s.est.CalibrationCovarianceDiagonal(),
	}
	if r.URL.Query().Get("full") != "" {
		resp.Attitude = s.est.StateCovariance()
	}
	httputil.WriteJSONOK(w, resp)
}

type calibrationResponse struct {
	Calibration ahrs.Calibration `json:"calibration"`
	Error       []float64        `json:"error"`
}

func (s *Server) handleCalibration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, calibrationResponse{
		Calibration: s.est.Calibration(),
		Error:       s.est.CalibrationError(),
	})
}

type faultsResponse struct {
	Counts ahrs.FaultCount `json:"counts"`
	Total  uint64          `json:"total"`
}

func (s *Server) handleFaults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	counts := s.est.Faults()
	httputil.WriteJSONOK(w, faultsResponse{Counts: counts, Total: counts.Total()})
}

// handleParams reads and replaces the measurement noise the correction
// steps assume for each sensor.
func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, s.est.SensorParams())
	case http.MethodPost:
		var p ahrs.SensorParams
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			httputil.BadRequest(w, "invalid request body")
			return
		}
		if err := s.est.SetSensorParams(p); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, s.est.SensorParams())
	default:
		httputil.MethodNotAllowed(w)
	}
}

type processNoiseBody struct {
	Diagonal []float64 `json:"diagonal"`
}

// handleProcessNoise reads and replaces the attitude filter's base
// process noise diagonal.
func (s *Server) handleProcessNoise(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		diag := s.est.ProcessNoise()
		httputil.WriteJSONOK(w, processNoiseBody{Diagonal: diag[:]})
	case http.MethodPost:
		var body processNoiseBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httputil.BadRequest(w, "invalid request body")
			return
		}
		if len(body.Diagonal) != ahrs.AttitudeCovarianceDim {
			httputil.BadRequest(w, fmt.Sprintf("diagonal must have %d entries, got %d",
				ahrs.AttitudeCovarianceDim, len(body.Diagonal)))
			return
		}
		var diag [ahrs.AttitudeCovarianceDim]float64
		copy(diag[:], body.Diagonal)
		if err := s.est.SetProcessNoise(diag); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		updated := s.est.ProcessNoise()
		httputil.WriteJSONOK(w, processNoiseBody{Diagonal: updated[:]})
	default:
		httputil.MethodNotAllowed(w)
	}
}

type configResponse struct {
	SessionID string      `json:"session_id,omitempty"`
	Precision string      `json:"precision"`
	Config    ahrs.Config `json:"config"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, configResponse{
		SessionID: s.sessionID,
		Precision: s.est.Precision().String(),
		Config:    s.est.Config(),
	})
}

// handleDevice serves the most recent settings the IMU reported in
// response to S? queries.
func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	status := serialmux.DeviceStatus()
	if status == nil {
		status = map[string]any{}
	}
	httputil.WriteJSONOK(w, status)
}

type statsResponse struct {
	Pump             *imu.Stats `json:"pump,omitempty"`
	WebsocketClients int        `json:"websocket_clients"`
	WebsocketDropped uint64     `json:"websocket_dropped"`
	PendingEstimates int        `json:"pending_estimates"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	resp := statsResponse{
		WebsocketClients: s.hub.ClientCount(),
		WebsocketDropped: s.hub.Dropped(),
	}
	if s.pump != nil {
		st := s.pump.Stats()
		resp.Pump = &st
	}
	if s.store != nil {
		resp.PendingEstimates = s.store.Pending()
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.m == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "no serial device attached")
		return
	}
	command := r.FormValue("command")
	if command == "" {
		httputil.BadRequest(w, "missing command")
		return
	}
	if err := s.m.SendCommand(command); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to send command: %v", err))
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"sent": command})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "session store not configured")
		return
	}
	sessions, err := s.store.Sessions(queryLimit(r, 20))
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list sessions: %v", err))
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	httputil.WriteJSONOK(w, sessions)
}

// handleSessionResource serves /sessions/{id} and the per-session
// estimates, calibrations and faults collections beneath it.
func (s *Server) handleSessionResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "session store not configured")
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/sessions/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		httputil.BadRequest(w, "missing session ID")
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		sess, err := s.store.Session(id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				httputil.NotFound(w, "session not found")
				return
			}
			httputil.InternalServerError(w, fmt.Sprintf("failed to fetch session: %v", err))
			return
		}
		httputil.WriteJSONOK(w, sess)
		return
	}

	limit := queryLimit(r, 0)
	switch parts[1] {
	case "estimates":
		rows, err := s.store.EstimatesForSession(id, limit)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to load estimates: %v", err))
			return
		}
		if rows == nil {
			rows = []store.Estimate{}
		}
		httputil.WriteJSONOK(w, rows)
	case "calibrations":
		rows, err := s.store.CalibrationsForSession(id, limit)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to load calibrations: %v", err))
			return
		}
		if rows == nil {
			rows = []store.CalibrationSnapshot{}
		}
		httputil.WriteJSONOK(w, rows)
	case "faults":
		rows, err := s.store.FaultsForSession(id, limit)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to load faults: %v", err))
			return
		}
		if rows == nil {
			rows = []store.Fault{}
		}
		httputil.WriteJSONOK(w, rows)
	default:
		httputil.NotFound(w, fmt.Sprintf("unknown session resource %q", parts[1]))
	}
}

// queryLimit parses the limit query parameter, falling back to def when
// it is absent or not a positive integer.
func queryLimit(r *http.Request, def int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			return parsed
		}
	}
	return def
}
