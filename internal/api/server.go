// Package api serves the estimator over HTTP: JSON endpoints for state,
// calibration and tuning, an echarts chart of recorded sessions, and a
// websocket stream of per-cycle state updates.
package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/banshee-data/attitude.report/internal/ahrs"
	"github.com/banshee-data/attitude.report/internal/imu"
	"github.com/banshee-data/attitude.report/internal/serialmux"
	"github.com/banshee-data/attitude.report/internal/store"
)

// ANSI escape codes for the request log.
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Server exposes an estimator, its session store and the serial mux over
// HTTP. ServeMux returns the JSON API for mounting under /api; Hub
// returns the websocket handler for mounting at /ws.
type Server struct {
	est       *ahrs.Estimator
	store     *store.Store
	m         serialmux.SerialMuxInterface
	pump      *imu.Pump
	hub       *Hub
	sessionID string

	lastT atomic.Uint64
}

// NewServer wires the API around est. The store, mux and pump may be nil
// when the daemon runs without them; the endpoints backed by a missing
// component report that instead of serving.
func NewServer(est *ahrs.Estimator, st *store.Store, m serialmux.SerialMuxInterface, pump *imu.Pump, sessionID string) *Server {
	return &Server{
		est:       est,
		store:     st,
		m:         m,
		pump:      pump,
		hub:       NewHub(),
		sessionID: sessionID,
	}
}

// Hub returns the websocket hub. The caller mounts it and runs its loop.
func (s *Server) Hub() *Hub { return s.hub }

// BroadcastState records the cycle timestamp and pushes the current
// estimator state to websocket clients. It returns without marshalling
// when nobody is connected, so it is cheap to call from the sample loop.
func (s *Server) BroadcastState(t float64) {
	s.lastT.Store(math.Float64bits(t))
	if s.hub.ClientCount() == 0 {
		return
	}
	b, err := json.Marshal(s.stateUpdate(t))
	if err != nil {
		log.Printf("failed to marshal state update: %v", err)
		return
	}
	s.hub.Broadcast(b)
}

func (s *Server) lastCycleT() float64 {
	return math.Float64frombits(s.lastT.Load())
}

// ServeMux returns the JSON API routes, unprefixed. Mount with
// http.StripPrefix under /api.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/state", s.handleState)
	mux.HandleFunc("/covariance", s.handleCovariance)
	mux.HandleFunc("/calibration", s.handleCalibration)
	mux.HandleFunc("/faults", s.handleFaults)
	mux.HandleFunc("/params", s.handleParams)
	mux.HandleFunc("/process-noise", s.handleProcessNoise)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/device", s.handleDevice)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/command", s.handleCommand)
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/sessions/", s.handleSessionResource)
	mux.HandleFunc("/chart", s.handleChart)
	return mux
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack passes through to the wrapped writer. Websocket upgrades need
// the raw connection.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}
