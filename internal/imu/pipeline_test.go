package imu

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/banshee-data/attitude.report/internal/ahrs"
)

type fakeSource struct {
	ch chan string
}

func (f *fakeSource) Subscribe() (string, chan string) { return "test", f.ch }
func (f *fakeSource) Unsubscribe(string)               {}

func newPump(t *testing.T) *Pump {
	t.Helper()
	est, err := ahrs.New(ahrs.DefaultConfig())
	if err != nil {
		t.Fatalf("estimator: %v", err)
	}
	return NewPump(est)
}

func TestPumpHandleLine(t *testing.T) {
	p := newPump(t)
	cycles := 0
	p.OnCycle = func(Sample) { cycles++ }

	p.HandleLine(`{"status":"ok"}`)
	p.HandleLine("$AHRS,garbage")
	p.HandleLine("$AHRS,0.00,0,0,-9.80665,0,0,0,45,0,0")
	p.HandleLine("$AHRS,0.01,0,0,-9.80665,0,0,0,45,0,0")

	got := p.Stats()
	want := Stats{Frames: 2, Skipped: 1, ParseErrors: 1, Cycles: 2}
	if got != want {
		t.Errorf("stats = %+v, want %+v", got, want)
	}
	if cycles != 2 {
		t.Errorf("OnCycle ran %d times, want 2", cycles)
	}
}

func TestPumpStepTiming(t *testing.T) {
	p := newPump(t)

	// First frame primes the clock; a backwards jump and an oversized gap
	// both degrade to a zero-length step rather than a bogus interval.
	p.Step(Sample{Time: 10.0})
	p.Step(Sample{Time: 9.0})
	p.Step(Sample{Time: 9.01})
	p.Step(Sample{Time: 100.0})

	got := p.Stats()
	if got.Cycles != 4 {
		t.Errorf("cycles = %d, want 4", got.Cycles)
	}
	if got.CycleErrors != 0 {
		t.Errorf("cycle errors = %d, want 0", got.CycleErrors)
	}
}

func TestPumpRunDrainsSource(t *testing.T) {
	p := newPump(t)
	src := &fakeSource{ch: make(chan string, 4)}
	for i := 0; i < 3; i++ {
		src.ch <- fmt.Sprintf("$AHRS,%d.0,0,0,-9.80665,0,0,0,,,", i)
	}
	close(src.ch)

	if err := p.Run(context.Background(), src); err != nil {
		t.Fatalf("Run returned %v, want nil on closed source", err)
	}
	if got := p.Stats(); got.Cycles != 3 {
		t.Errorf("cycles = %d, want 3", got.Cycles)
	}
}

func TestPumpRunHonorsContext(t *testing.T) {
	p := newPump(t)
	src := &fakeSource{ch: make(chan string)}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, src) }()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

func TestApplyToBuffersChannels(t *testing.T) {
	est, err := ahrs.New(ahrs.DefaultConfig())
	if err != nil {
		t.Fatalf("estimator: %v", err)
	}
	s := Sample{
		Time:     0,
		Gyro:     [3]float64{0.1, 0.2, 0.3},
		HasGyro:  true,
		Accel:    [3]float64{0, 0, -9.80665},
		HasAccel: true,
	}
	if err := s.ApplyTo(est); err != nil {
		t.Fatalf("ApplyTo failed: %v", err)
	}
	// A cycle over the buffered channels must consume them without fault.
	if err := est.Iterate(0.01); err != nil {
		t.Fatalf("Iterate failed: %v", err)
	}
	if est.Faults().Total() != 0 {
		t.Errorf("unexpected faults: %+v", est.Faults())
	}
}
