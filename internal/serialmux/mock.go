package serialmux

import (
	"bytes"
	"errors"
	"io"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/attitude.report/internal/ahrs"
	"github.com/banshee-data/attitude.report/internal/imu"
)

// MockSerialPort implements SerialPorter over an in-memory pipe. Reads pull
// from the synthetic frame generator; writes are captured for inspection.
type MockSerialPort struct {
	io.Reader

	mu      sync.Mutex
	written bytes.Buffer
	closer  io.Closer
}

func (m *MockSerialPort) Write(p []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written.Write(p)
}

// Commands returns everything written to the mock port so far.
func (m *MockSerialPort) Commands() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written.String()
}

func (m *MockSerialPort) Close() error {
	return m.closer.Close()
}

// NewMockSerialMux creates a SerialMux fed by a synthetic device: a level
// IMU yawing at a constant rate, streaming frames at sampleHz. Zero or
// negative picks the same 100 Hz default real hardware is initialized
// with. It stands in for real hardware in dev mode.
func NewMockSerialMux(sampleHz int) *SerialMux[*MockSerialPort] {
	r, w := io.Pipe()
	mockPort := &MockSerialPort{
		Reader: r,
		closer: r,
	}

	if sampleHz <= 0 {
		sampleHz = defaultSampleRateHz
	}

	// generate frames periodically to simulate serial port input; the
	// goroutine exits when the mux closes the read side of the pipe
	go func() {
		defer w.Close()
		const yawRate = 0.2 // rad/s
		ticker := time.NewTicker(time.Second / time.Duration(sampleHz))
		defer ticker.Stop()
		start := time.Now()
		for range ticker.C {
			t := time.Since(start).Seconds()
			yaw := yawRate * t
			s := imu.Sample{
				Time:     t,
				Accel:    [3]float64{0, 0, -ahrs.GravityAccel},
				HasAccel: true,
				Gyro:     [3]float64{0, 0, yawRate},
				HasGyro:  true,
				Mag: [3]float64{
					ahrs.EarthMagField * math.Cos(yaw),
					ahrs.EarthMagField * math.Sin(yaw),
					0,
				},
				HasMag: true,
			}
			if _, err := io.WriteString(w, s.String()+"\n"); err != nil {
				return
			}
		}
	}()

	m := NewSerialMux(mockPort)
	m.SetSampleRate(sampleHz)
	return m
}

// TestableSerialPort implements SerialPorter with scripted behaviour:
// queued read data, captured writes, injectable errors, and optional
// blocking reads.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// BlockReads causes Read to block until data is added or Close is called
	BlockReads bool

	// readCond is used to signal blocked readers
	readCond *sync.Cond
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

// Read reads from the read buffer, optionally blocking until data arrives.
func (t *TestableSerialPort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return 0, errors.New("serial port closed")
	}

	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}

	// If blocking reads are enabled and buffer is empty, wait for data
	if t.BlockReads && t.ReadBuffer.Len() == 0 {
		for !t.Closed && t.ReadBuffer.Len() == 0 {
			t.readCond.Wait()
		}
		if t.Closed {
			return 0, errors.New("serial port closed")
		}
	}

	return t.ReadBuffer.Read(p)
}

// Write writes to the write buffer, optionally returning an injected error.
func (t *TestableSerialPort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return 0, errors.New("serial port closed")
	}

	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}

	return t.WriteBuffer.Write(p)
}

// Close marks the port as closed.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast() // Wake up any blocked readers

	return t.CloseError
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
	t.readCond.Signal() // Wake up a blocked reader
}

// GetWrittenData returns all data written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.WriteBuffer.Bytes()
}
