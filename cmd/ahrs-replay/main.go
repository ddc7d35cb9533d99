// Command ahrs-replay runs the estimator over a recorded IMU log and
// renders the run: an interactive HTML report, optional static PNG
// plots, and a text summary. Results can also be written to a session
// store for later inspection over the API.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/attitude.report/internal/ahrs"
	"github.com/banshee-data/attitude.report/internal/config"
	"github.com/banshee-data/attitude.report/internal/imu"
	"github.com/banshee-data/attitude.report/internal/store"
)

var (
	logPath    = flag.String("log", "", "IMU CSV log to replay")
	pcapPath   = flag.String("pcap-file", "", "pcap capture to replay (requires the pcap build)")
	udpPort    = flag.Int("udp-port", 9000, "UDP port the capture recorded frames on")
	configPath = flag.String("config", "", "Tuning config JSON file")
	dbPath     = flag.String("db", "", "Optional SQLite database to record the session into")
	migrations = flag.String("migrations", "db/migrations", "Schema migrations directory")
	outDir     = flag.String("out", "report", "Output directory for the report")
	pngPlots   = flag.Bool("png", false, "Also render static PNG plots")
	maxPoints  = flag.Int("max-points", 2000, "Maximum points per chart series")

	// calEvery paces calibration snapshots through the replay; bias
	// estimates move slowly so one row per hundred cycles is plenty.
	calEvery = flag.Int("cal-every", 100, "Cycles between calibration snapshots")
)

// runResult is everything the report stage needs from the replay.
type runResult struct {
	estimates    []store.Estimate
	calibrations []store.CalibrationSnapshot
	stats        imu.Stats
	final        ahrs.State
	calibration  ahrs.Calibration
	faults       ahrs.FaultCount
}

func loadSamples() ([]imu.Sample, error) {
	switch {
	case *logPath != "" && *pcapPath != "":
		return nil, fmt.Errorf("-log and -pcap-file are mutually exclusive")
	case *logPath != "":
		f, err := os.Open(*logPath)
		if err != nil {
			return nil, fmt.Errorf("open log: %w", err)
		}
		defer f.Close()
		return imu.ReadAll(f)
	case *pcapPath != "":
		return readPCAPSamples(*pcapPath, *udpPort)
	default:
		return nil, fmt.Errorf("one of -log or -pcap-file is required")
	}
}

func replay(samples []imu.Sample, tuning *config.Tuning) (*runResult, error) {
	est, err := ahrs.New(tuning.EstimatorConfig())
	if err != nil {
		return nil, fmt.Errorf("build estimator: %w", err)
	}

	res := &runResult{}
	pump := imu.NewPump(est)
	cycles := 0
	pump.OnCycle = func(s imu.Sample) {
		state := est.State()
		res.estimates = append(res.estimates, store.Estimate{
			T:               s.Time,
			Attitude:        state.Attitude,
			AngularVelocity: state.AngularVelocity,
			Acceleration:    state.Acceleration,
			Covariance:      est.StateCovarianceDiagonal(),
			StateError:      est.StateError(),
		})
		if cycles%*calEvery == 0 {
			res.calibrations = append(res.calibrations, store.CalibrationSnapshot{
				T:           s.Time,
				Calibration: est.Calibration(),
			})
		}
		cycles++
	}

	for _, s := range samples {
		pump.Step(s)
	}

	res.stats = pump.Stats()
	res.final = est.State()
	res.calibration = est.Calibration()
	res.faults = est.Faults()
	return res, nil
}

// record writes the replay into a session store so the run can be
// browsed through the API and tailsql afterwards.
func record(res *runResult, tuning *config.Tuning) (string, error) {
	st, err := store.Open(*dbPath, *migrations)
	if err != nil {
		return "", err
	}
	defer st.Close()

	session, err := st.CreateSession(tuning)
	if err != nil {
		return "", err
	}
	for _, e := range res.estimates {
		e.SessionID = session.ID
		st.RecordEstimate(e)
	}
	if _, err := st.Flush(); err != nil {
		return "", fmt.Errorf("flush estimates: %w", err)
	}
	for _, c := range res.calibrations {
		if err := st.RecordCalibration(session.ID, c.T, c.Calibration); err != nil {
			return "", fmt.Errorf("record calibration: %w", err)
		}
	}
	if res.faults.Total() > 0 {
		last := res.estimates[len(res.estimates)-1]
		if err := st.RecordFault(store.Fault{SessionID: session.ID, T: last.T, Counts: res.faults}); err != nil {
			return "", fmt.Errorf("record faults: %w", err)
		}
	}
	return session.ID, nil
}

func summarize(res *runResult) {
	q := res.final.Attitude
	roll, pitch, yaw := ahrs.EulerAngles(q[0], q[1], q[2], q[3])
	const degPerRad = 180 / 3.141592653589793

	fmt.Printf("cycles=%d frames=%d parse_errors=%d cycle_errors=%d faults=%d\n",
		res.stats.Cycles, res.stats.Frames, res.stats.ParseErrors, res.stats.CycleErrors, res.faults.Total())
	fmt.Printf("attitude quaternion (x,y,z,w): %.6f %.6f %.6f %.6f\n", q[0], q[1], q[2], q[3])
	fmt.Printf("euler (deg): roll=%.2f pitch=%.2f yaw=%.2f\n",
		roll*degPerRad, pitch*degPerRad, yaw*degPerRad)
	fmt.Printf("angular velocity (rad/s): %.5f %.5f %.5f\n",
		res.final.AngularVelocity[0], res.final.AngularVelocity[1], res.final.AngularVelocity[2])
	fmt.Printf("acceleration (m/s^2): %.4f %.4f %.4f\n",
		res.final.Acceleration[0], res.final.Acceleration[1], res.final.Acceleration[2])
	fmt.Printf("accel bias: %.5f %.5f %.5f  gyro bias: %.6f %.6f %.6f\n",
		res.calibration.AccelerometerBias[0], res.calibration.AccelerometerBias[1], res.calibration.AccelerometerBias[2],
		res.calibration.GyroscopeBias[0], res.calibration.GyroscopeBias[1], res.calibration.GyroscopeBias[2])
}

func main() {
	flag.Parse()

	tuning := &config.Tuning{}
	if *configPath != "" {
		var err error
		tuning, err = config.LoadTuning(*configPath)
		if err != nil {
			log.Fatalf("failed to load tuning config: %v", err)
		}
	}

	samples, err := loadSamples()
	if err != nil {
		log.Fatal(err)
	}
	if len(samples) == 0 {
		log.Fatal("no samples in input")
	}
	log.Printf("replaying %d samples", len(samples))

	res, err := replay(samples, tuning)
	if err != nil {
		log.Fatal(err)
	}
	if len(res.estimates) == 0 {
		log.Fatal("no cycles completed; was every frame malformed?")
	}

	if *dbPath != "" {
		sessionID, err := record(res, tuning)
		if err != nil {
			log.Fatalf("failed to record session: %v", err)
		}
		log.Printf("recorded session %s in %s", sessionID, *dbPath)
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatalf("failed to create output dir: %v", err)
	}

	htmlPath := filepath.Join(*outDir, "report.html")
	if err := writeHTMLReport(htmlPath, res, *maxPoints); err != nil {
		log.Fatalf("failed to write HTML report: %v", err)
	}
	log.Printf("wrote %s", htmlPath)

	if *pngPlots {
		if err := writePNGPlots(*outDir, res); err != nil {
			log.Fatalf("failed to write PNG plots: %v", err)
		}
		log.Printf("wrote PNG plots to %s", *outDir)
	}

	summarize(res)
}
