package imu

import (
	"context"
	"log"
	"sync"

	"github.com/banshee-data/attitude.report/internal/ahrs"
)

// Source is the subscriber side of a serial mux: anything that fans
// payload lines out over channels.
type Source interface {
	Subscribe() (string, chan string)
	Unsubscribe(string)
}

// Stats counts pipeline activity since construction.
type Stats struct {
	Frames      uint64 `json:"frames"`
	Skipped     uint64 `json:"skipped"`
	ParseErrors uint64 `json:"parse_errors"`
	Cycles      uint64 `json:"cycles"`
	CycleErrors uint64 `json:"cycle_errors"`
}

// Pump drives estimator cycles from a frame stream: one fused cycle per
// frame, dt taken from consecutive device timestamps.
type Pump struct {
	est *ahrs.Estimator

	// MaxStep caps the cycle interval. A gap larger than this (device
	// reboot, long stall) restarts timing with a zero-length step instead
	// of integrating across the hole.
	MaxStep float64

	// OnCycle, when set, runs after every successful cycle.
	OnCycle func(Sample)

	mu       sync.Mutex
	stats    Stats
	lastTime float64
	primed   bool
}

// NewPump returns a pump driving e with a one second step cap.
func NewPump(e *ahrs.Estimator) *Pump {
	return &Pump{est: e, MaxStep: 1.0}
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pump) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// HandleLine consumes one payload line from the port. Non-frame traffic
// is skipped; malformed frames are counted and logged.
func (p *Pump) HandleLine(line string) {
	if !IsFrame(line) {
		p.mu.Lock()
		p.stats.Skipped++
		p.mu.Unlock()
		return
	}
	s, err := ParseFrame(line)
	if err != nil {
		p.mu.Lock()
		p.stats.ParseErrors++
		n := p.stats.ParseErrors
		p.mu.Unlock()
		if n <= 5 || n%100 == 0 {
			log.Printf("imu: dropping frame (%d so far): %v", n, err)
		}
		return
	}
	p.mu.Lock()
	p.stats.Frames++
	p.mu.Unlock()
	p.Step(s)
}

// Step runs one fused cycle for the sample.
func (p *Pump) Step(s Sample) {
	p.mu.Lock()
	dt := 0.0
	if p.primed {
		dt = s.Time - p.lastTime
		if dt < 0 || dt > p.MaxStep {
			dt = 0
		}
	}
	p.lastTime = s.Time
	p.primed = true
	p.mu.Unlock()

	p.est.SensorClear()
	if err := s.ApplyTo(p.est); err != nil {
		p.countCycleErr(err)
		return
	}
	if err := p.est.Iterate(dt); err != nil {
		p.countCycleErr(err)
		return
	}
	p.mu.Lock()
	p.stats.Cycles++
	p.mu.Unlock()
	if p.OnCycle != nil {
		p.OnCycle(s)
	}
}

func (p *Pump) countCycleErr(err error) {
	p.mu.Lock()
	p.stats.CycleErrors++
	n := p.stats.CycleErrors
	p.mu.Unlock()
	if n <= 5 || n%100 == 0 {
		log.Printf("imu: cycle failed (%d so far): %v", n, err)
	}
}

// Run subscribes to the source and pumps frames until the context is
// cancelled or the source closes the subscription.
func (p *Pump) Run(ctx context.Context, src Source) error {
	id, c := src.Subscribe()
	defer src.Unsubscribe(id)
	for {
		select {
		case line, ok := <-c:
			if !ok {
				return nil
			}
			p.HandleLine(line)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
