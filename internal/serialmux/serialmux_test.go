package serialmux

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// TestNewSerialMux tests creation of a new SerialMux
func TestNewSerialMux(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	if mux == nil {
		t.Fatal("NewSerialMux returned nil")
	}
	if mux.port != port {
		t.Error("SerialMux port not set correctly")
	}
	if mux.subscribers == nil {
		t.Error("SerialMux subscribers map not initialized")
	}
}

// TestSerialMux_Subscribe tests subscribing to the serial mux
func TestSerialMux_Subscribe(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())

	id1, ch1 := mux.Subscribe()
	id2, ch2 := mux.Subscribe()

	if id1 == "" || id2 == "" {
		t.Error("subscription returned empty ID")
	}
	if id1 == id2 {
		t.Error("Subscription IDs should be unique")
	}
	if ch1 == nil || ch2 == nil {
		t.Error("subscription returned nil channel")
	}

	mux.subscriberMu.Lock()
	if len(mux.subscribers) != 2 {
		t.Errorf("Expected 2 subscribers, got %d", len(mux.subscribers))
	}
	mux.subscriberMu.Unlock()
}

// TestSerialMux_Unsubscribe tests unsubscribing from the serial mux
func TestSerialMux_Unsubscribe(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())

	id, ch := mux.Subscribe()
	mux.Unsubscribe(id)

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("Expected channel to be closed")
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Timeout waiting for channel closure")
	}

	mux.subscriberMu.Lock()
	if len(mux.subscribers) != 0 {
		t.Errorf("Expected 0 subscribers, got %d", len(mux.subscribers))
	}
	mux.subscriberMu.Unlock()

	// Unsubscribing an unknown ID should not panic.
	mux.Unsubscribe("non-existent-id")
}

// TestSerialMux_SendCommand tests newline handling when sending commands
func TestSerialMux_SendCommand(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    string
	}{
		{"command without newline", "S?", "S?\n"},
		{"command with newline", "EA\n", "EA\n"},
		{"query command", "R=50", "R=50\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := NewTestableSerialPort()
			mux := NewSerialMux(port)

			if err := mux.SendCommand(tt.command); err != nil {
				t.Fatalf("SendCommand returned error: %v", err)
			}
			if got := string(port.GetWrittenData()); got != tt.want {
				t.Errorf("port received %q; want %q", got, tt.want)
			}
		})
	}
}

// TestSerialMux_SendCommand_WriteError tests error handling in SendCommand
func TestSerialMux_SendCommand_WriteError(t *testing.T) {
	port := NewTestableSerialPort()
	port.WriteError = errors.New("write failed")
	mux := NewSerialMux(port)

	if err := mux.SendCommand("S?"); err == nil {
		t.Error("Expected error when write fails")
	}
}

// TestSerialMux_SendCommand_PartialWrite tests handling of partial writes
func TestSerialMux_SendCommand_PartialWrite(t *testing.T) {
	port := &PartialWritePort{maxWrite: 1}
	mux := NewSerialMux(port)

	err := mux.SendCommand("S?")
	if !errors.Is(err, ErrWriteFailed) {
		t.Errorf("Expected ErrWriteFailed for partial write, got %v", err)
	}
}

// TestSerialMux_Initialize tests the device setup command sequence
func TestSerialMux_Initialize(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	if err := mux.Initialize(); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}

	written := string(port.GetWrittenData())
	expectedCommands := []string{"Z\n", "R=100\n", "OF=AHRS\n", "EA\n", "EG\n", "EM\n", "U=SI\n", "S?\n"}
	for _, cmd := range expectedCommands {
		if !strings.Contains(written, cmd) {
			t.Errorf("Expected command %q to be written during initialization", cmd)
		}
	}
}

// TestSerialMux_Initialize_ConfiguredSampleRate tests the rate set through
// SetSampleRate reaches the device, with zero falling back to the default
func TestSerialMux_Initialize_ConfiguredSampleRate(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	mux.SetSampleRate(250)

	if err := mux.Initialize(); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}
	if written := string(port.GetWrittenData()); !strings.Contains(written, "R=250\n") {
		t.Errorf("Expected R=250 to be written, got %q", written)
	}

	mux.SetSampleRate(0)
	if got := mux.SampleRate(); got != defaultSampleRateHz {
		t.Errorf("SampleRate() = %d; want default %d", got, defaultSampleRateHz)
	}
}

// TestSerialMux_Initialize_WriteError tests Initialize with write failure
func TestSerialMux_Initialize_WriteError(t *testing.T) {
	port := NewTestableSerialPort()
	port.WriteError = errors.New("write failed")
	mux := NewSerialMux(port)

	err := mux.Initialize()
	if err == nil {
		t.Fatal("Expected error when write fails during initialization")
	}
	if !strings.Contains(err.Error(), "stream clock") {
		t.Errorf("Expected first failing command in error, got: %v", err)
	}
}

// TestSerialMux_Close tests closing the serial mux
func TestSerialMux_Close(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	id1, ch1 := mux.Subscribe()
	_, ch2 := mux.Subscribe()

	if err := mux.Close(); err != nil {
		t.Errorf("Close returned error: %v", err)
	}

	for i, ch := range []chan string{ch1, ch2} {
		select {
		case _, ok := <-ch:
			if ok {
				t.Errorf("Expected channel %d to be closed", i+1)
			}
		case <-time.After(1 * time.Second):
			t.Fatalf("Timeout waiting for channel %d closure", i+1)
		}
	}

	mux.subscriberMu.Lock()
	if len(mux.subscribers) != 0 {
		t.Errorf("Expected 0 subscribers after close, got %d", len(mux.subscribers))
	}
	mux.subscriberMu.Unlock()

	if !mux.isClosing() {
		t.Error("Expected closing flag to be true after Close")
	}
	if !port.Closed {
		t.Error("Expected port to be closed")
	}

	// Unsubscribing after close should be safe
	mux.Unsubscribe(id1)
}

// TestSerialMux_Close_PortError tests that port close errors are propagated
func TestSerialMux_Close_PortError(t *testing.T) {
	port := NewTestableSerialPort()
	port.CloseError = errors.New("close failed")
	mux := NewSerialMux(port)

	if err := mux.Close(); err == nil {
		t.Error("Expected Close to return the port error")
	}
}

// bufferedSubscribe registers a buffered subscriber channel so tests can
// assert delivery without racing the non-blocking fan-out.
func bufferedSubscribe(m *SerialMux[*TestableSerialPort]) chan string {
	ch := make(chan string, 16)
	m.subscriberMu.Lock()
	m.subscribers[randomID()] = ch
	m.subscriberMu.Unlock()
	return ch
}

// TestSerialMux_Monitor_FansOutLines feeds lines through the port one at a
// time and verifies active subscribers receive them while a never-read
// subscriber does not block the loop.
func TestSerialMux_Monitor_FansOutLines(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true
	mux := NewSerialMux(port)

	ch := bufferedSubscribe(mux)
	// A second subscriber that is never read from must not stall delivery.
	mux.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- mux.Monitor(ctx)
	}()

	lines := []string{
		"$AHRS,0.01,0.1,0.2,-9.8,0.01,0.02,0.03,44,2,1",
		`{"rate":100}`,
		"boot banner",
	}
	for _, want := range lines {
		port.AddReadData([]byte(want + "\n"))
		select {
		case got := <-ch:
			if got != want {
				t.Errorf("received %q; want %q", got, want)
			}
		case <-time.After(1 * time.Second):
			t.Fatalf("timeout waiting for line %q", want)
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Monitor returned %v; want context.Canceled", err)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Monitor did not exit after context cancellation")
	}

	// Unblock the scan goroutine still parked in Read.
	mux.Close()
}

// TestSerialMux_Monitor_ScanError tests that read errors are propagated
func TestSerialMux_Monitor_ScanError(t *testing.T) {
	port := NewTestableSerialPort()
	port.ReadError = errors.New("simulated read error")
	mux := NewSerialMux(port)

	err := mux.Monitor(context.Background())
	if err == nil || !strings.Contains(err.Error(), "simulated read error") {
		t.Errorf("Monitor returned %v; want the simulated read error", err)
	}
}

// TestSerialMux_Monitor_EOF tests that Monitor exits cleanly when the port
// drains.
func TestSerialMux_Monitor_EOF(t *testing.T) {
	port := NewTestableSerialPort()
	port.AddReadData([]byte("only line\n"))
	mux := NewSerialMux(port)

	done := make(chan error, 1)
	go func() {
		done <- mux.Monitor(context.Background())
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Monitor returned %v; want nil on EOF", err)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Monitor did not exit on EOF")
	}
}

// TestSerialMux_Monitor_CloseDuringRead tests closing while Monitor is reading
func TestSerialMux_Monitor_CloseDuringRead(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true
	mux := NewSerialMux(port)

	ch := bufferedSubscribe(mux)

	done := make(chan error, 1)
	go func() {
		done <- mux.Monitor(context.Background())
	}()

	port.AddReadData([]byte("line1\n"))
	select {
	case <-ch:
	case <-time.After(1 * time.Second):
		t.Fatal("Timeout waiting for first line")
	}

	if err := mux.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Logf("Monitor returned: %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Error("Monitor did not exit after Close")
	}
}

// TestSerialMux_Run_ReconnectsAfterPortFailure verifies that Run reopens the
// port when it drains, reinitializes the device, and keeps subscribers
// attached across the swap.
func TestSerialMux_Run_ReconnectsAfterPortFailure(t *testing.T) {
	port1 := NewTestableSerialPort()
	port1.AddReadData([]byte("first line\n"))

	port2 := NewTestableSerialPort()
	port2.BlockReads = true
	port2.AddReadData([]byte("second line\n"))

	mux := NewSerialMux(port1)
	mux.reconnectWait = 5 * time.Millisecond
	mux.reopen = func() (*TestableSerialPort, error) {
		return port2, nil
	}

	ch := bufferedSubscribe(mux)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- mux.Run(ctx)
	}()

	for _, want := range []string{"first line", "second line"} {
		select {
		case got := <-ch:
			if got != want {
				t.Errorf("received %q; want %q", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for %q", want)
		}
	}

	if !port1.Closed {
		t.Error("Expected the failed port to be closed after reconnect")
	}
	if written := string(port2.GetWrittenData()); !strings.Contains(written, "OF=AHRS") {
		t.Errorf("Expected the device to be reinitialized on the new port, wrote %q", written)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v; want context.Canceled", err)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}

	// Unblock the scan goroutine still parked in the second port's Read.
	mux.Close()
}

// TestSerialMux_Run_RetriesFailedReopen verifies that Run keeps retrying
// when the port cannot be reopened.
func TestSerialMux_Run_RetriesFailedReopen(t *testing.T) {
	port1 := NewTestableSerialPort() // empty: drains immediately

	port2 := NewTestableSerialPort()
	port2.BlockReads = true
	port2.AddReadData([]byte("back online\n"))

	var attempts atomic.Int32
	mux := NewSerialMux(port1)
	mux.reconnectWait = time.Millisecond
	mux.reopen = func() (*TestableSerialPort, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("device not present")
		}
		return port2, nil
	}

	ch := bufferedSubscribe(mux)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- mux.Run(ctx)
	}()

	select {
	case got := <-ch:
		if got != "back online" {
			t.Errorf("received %q; want %q", got, "back online")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for line after reopen retries")
	}

	if n := attempts.Load(); n < 3 {
		t.Errorf("expected at least 3 reopen attempts, got %d", n)
	}

	cancel()
	<-done
	mux.Close()
}

// TestSerialMux_Run_NoReopener verifies that a mux without a reopener
// surfaces the Monitor result directly.
func TestSerialMux_Run_NoReopener(t *testing.T) {
	port := NewTestableSerialPort()
	port.ReadError = errors.New("simulated read error")
	mux := NewSerialMux(port)

	err := mux.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "simulated read error") {
		t.Errorf("Run returned %v; want the simulated read error", err)
	}
}

// TestSerialMux_Run_StopsAfterClose verifies that Run does not reconnect
// once the mux is closed.
func TestSerialMux_Run_StopsAfterClose(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true
	mux := NewSerialMux(port)
	mux.reconnectWait = time.Millisecond
	mux.reopen = func() (*TestableSerialPort, error) {
		t.Error("reopen should not be called after Close")
		return NewTestableSerialPort(), nil
	}

	done := make(chan error, 1)
	go func() {
		done <- mux.Run(context.Background())
	}()

	// Let Run park in Monitor before closing.
	time.Sleep(10 * time.Millisecond)
	mux.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v; want nil after Close", err)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Run did not exit after Close")
	}
}

// TestRandomID tests the randomID helper function
func TestRandomID(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := randomID()
		if len(id) != 16 { // 8 bytes hex encoded = 16 chars
			t.Errorf("Expected ID length 16, got %d", len(id))
		}
		if ids[id] {
			t.Errorf("Duplicate ID generated: %s", id)
		}
		ids[id] = true
	}
}

// PartialWritePort is a test port that only writes a limited number of bytes
type PartialWritePort struct {
	maxWrite int
	written  []byte
	closed   bool
}

func (p *PartialWritePort) Read(buf []byte) (int, error) {
	return 0, io.EOF
}

func (p *PartialWritePort) Write(data []byte) (int, error) {
	if p.maxWrite > 0 && len(data) > p.maxWrite {
		p.written = append(p.written, data[:p.maxWrite]...)
		return p.maxWrite, nil
	}
	p.written = append(p.written, data...)
	return len(data), nil
}

func (p *PartialWritePort) Close() error {
	p.closed = true
	return nil
}
