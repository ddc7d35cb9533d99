// Command ahrsd runs the attitude estimator daemon: it reads IMU frames
// from a serial device (or a synthesized IMU in dev mode), drives one
// fused estimation cycle per frame, records results to SQLite, and
// serves the HTTP/websocket API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"net/http"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/attitude.report/internal/ahrs"
	"github.com/banshee-data/attitude.report/internal/api"
	"github.com/banshee-data/attitude.report/internal/config"
	"github.com/banshee-data/attitude.report/internal/imu"
	"github.com/banshee-data/attitude.report/internal/serialmux"
	"github.com/banshee-data/attitude.report/internal/store"
	"github.com/banshee-data/attitude.report/internal/telemetry"
	"github.com/banshee-data/attitude.report/internal/version"
)

var (
	devMode    = flag.Bool("dev", false, "Run with a synthesized IMU instead of a serial device")
	noSerial   = flag.Bool("no-serial", false, "Run API-only, without a serial device")
	listen     = flag.String("listen", "", "Listen address (default :8080)")
	portPath   = flag.String("port", "", "Serial port path (default /dev/ttyUSB0)")
	baud       = flag.Int("baud", 0, "Serial baud rate (default 115200)")
	rate       = flag.Int("rate", 0, "IMU sample rate in Hz (default 100)")
	dbPath     = flag.String("db", "", "SQLite database path (default ahrs_data.db)")
	migrations = flag.String("migrations", "db/migrations", "Schema migrations directory")
	configPath = flag.String("config", "", "Tuning config JSON file")
	broker     = flag.String("mqtt", "", "MQTT broker URL (empty disables telemetry)")
)

// snapshotInterval paces calibration snapshots and fault rows; the
// calibration state moves far slower than the attitude state.
const snapshotInterval = 10 * time.Second

// pick returns the flag value when set, otherwise the tuning default.
func pick(flagVal, tuningVal string) string {
	if flagVal != "" {
		return flagVal
	}
	return tuningVal
}

func pickInt(flagVal, tuningVal int) int {
	if flagVal > 0 {
		return flagVal
	}
	return tuningVal
}

func openMux(tuning *config.Tuning) (serialmux.SerialMuxInterface, error) {
	hz := pickInt(*rate, tuning.GetSampleRate())
	if *noSerial {
		return serialmux.NewDisabledSerialMux(), nil
	}
	if *devMode {
		return serialmux.NewMockSerialMux(hz), nil
	}
	path := pick(*portPath, tuning.GetSerialPort())
	opts := serialmux.PortOptions{BaudRate: pickInt(*baud, tuning.GetSerialBaud())}
	m, err := serialmux.NewRealSerialMux(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	m.SetSampleRate(hz)
	return m, nil
}

func main() {
	flag.Parse()
	log.Printf("ahrsd %s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime)

	tuning := &config.Tuning{}
	if *configPath != "" {
		var err error
		tuning, err = config.LoadTuning(*configPath)
		if err != nil {
			log.Fatalf("failed to load tuning config: %v", err)
		}
		log.Printf("loaded tuning config from %s", *configPath)
	}

	est, err := ahrs.New(tuning.EstimatorConfig())
	if err != nil {
		log.Fatalf("failed to build estimator: %v", err)
	}

	m, err := openMux(tuning)
	if err != nil {
		log.Fatal(err)
	}
	defer m.Close()

	if err := m.Initialize(); err != nil {
		log.Fatalf("failed to initialize device: %v", err)
	}
	log.Print("initialized device")

	st, err := store.Open(pick(*dbPath, tuning.GetDBPath()), *migrations)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	session, err := st.CreateSession(tuning)
	if err != nil {
		log.Fatalf("failed to create session: %v", err)
	}
	log.Printf("recording session %s", session.ID)

	pump := imu.NewPump(est)
	server := api.NewServer(est, st, m, pump, session.ID)

	// lastT tracks the device timestamp of the most recent cycle so the
	// snapshot routine can stamp calibration rows consistently with the
	// estimate rows.
	var lastT atomic.Uint64
	pump.OnCycle = func(s imu.Sample) {
		lastT.Store(math.Float64bits(s.Time))
		state := est.State()
		st.RecordEstimate(store.Estimate{
			SessionID:       session.ID,
			T:               s.Time,
			Attitude:        state.Attitude,
			AngularVelocity: state.AngularVelocity,
			Acceleration:    state.Acceleration,
			Covariance:      est.StateCovarianceDiagonal(),
			StateError:      est.StateError(),
		})
		server.BroadcastState(s.Time)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run the monitor/reconnect routine to manage IO on the serial port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := m.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("serial monitor stopped: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	// subscribe to the serial port payloads and route them: frames into
	// the pump, status lines into the device tracker
	wg.Add(1)
	go func() {
		defer wg.Done()
		id, c := m.Subscribe()
		defer m.Unsubscribe(id)
		for {
			select {
			case payload, ok := <-c:
				if !ok {
					log.Printf("subscription closed")
					return
				}
				if err := serialmux.HandleEvent(pump, payload); err != nil {
					log.Printf("error handling event: %v", err)
				}
			case <-ctx.Done():
				log.Printf("subscribe routine terminated")
				return
			}
		}
	}()

	// batch estimate rows into the store on the flush interval
	flusher := store.NewFlusher(st, tuning.GetFlushInterval(), nil)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := flusher.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("flusher stopped: %v", err)
		}
	}()

	// periodic calibration snapshots and fault rows
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(snapshotInterval)
		defer ticker.Stop()
		var lastFaults uint64
		for {
			select {
			case <-ticker.C:
				t := math.Float64frombits(lastT.Load())
				if err := st.RecordCalibration(session.ID, t, est.Calibration()); err != nil {
					log.Printf("failed to record calibration: %v", err)
				}
				if f := est.Faults(); f.Total() > lastFaults {
					lastFaults = f.Total()
					if err := st.RecordFault(store.Fault{SessionID: session.ID, T: t, Counts: f}); err != nil {
						log.Printf("failed to record fault: %v", err)
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// websocket hub
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Hub().Run(ctx); err != nil && err != context.Canceled {
			log.Printf("websocket hub stopped: %v", err)
		}
	}()

	// MQTT telemetry, when a broker is configured
	if b := pick(*broker, tuning.GetMQTTBroker()); b != "" {
		pub, err := telemetry.Connect(b, tuning.GetMQTTTopic(), "ahrsd-"+session.ID)
		if err != nil {
			log.Fatalf("failed to connect telemetry: %v", err)
		}
		defer pub.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pub.Run(ctx, est, tuning.GetPublishInterval()); err != nil && err != context.Canceled {
				log.Printf("telemetry stopped: %v", err)
			}
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()

		// mount the admin debugging routes (accessible only in dev mode or over Tailscale)
		st.AttachAdminRoutes(mux)
		m.AttachAdminRoutes(mux)

		mux.Handle("/api/", http.StripPrefix("/api", server.ServeMux()))
		mux.Handle("/ws", server.Hub())

		srv := &http.Server{
			Addr:    pick(*listen, tuning.GetListen()),
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()

	// final flush so a short run still lands on disk
	if n, err := st.Flush(); err != nil {
		log.Printf("final flush failed: %v", err)
	} else if n > 0 {
		log.Printf("flushed %d rows at shutdown", n)
	}
	log.Printf("Graceful shutdown complete")
}
