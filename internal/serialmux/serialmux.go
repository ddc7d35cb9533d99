// Package serialmux provides a line-oriented multiplexer over a serial
// port: one reader goroutine fans payload lines out to any number of
// subscribers, and writers share a single command channel to the device.
package serialmux

import (
	"bufio"
	"bytes"
	"context"
	crand "crypto/rand"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"tailscale.com/tsweb"
)

var ErrWriteFailed = fmt.Errorf("failed to write to serial port")

// defaultSampleRateHz is the frame rate requested from the device when no
// rate has been configured through SetSampleRate.
const defaultSampleRateHz = 100

//go:embed templates/*
var adminTemplateFS embed.FS

var sendCommandTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/send-command.html.tmpl"))

// SerialMux is a generic serial port multiplexer that allows multiple clients
// to subscribe to payload lines from a single serial port.
type SerialMux[T SerialPorter] struct {
	port         T
	subscribers  map[string]chan string
	subscriberMu sync.Mutex

	// commandMu serializes port writes and port swaps during reconnects.
	commandMu sync.Mutex

	closing   bool
	closingMu sync.Mutex

	// reopen, when set, lets Run replace the port after a read failure.
	reopen func() (T, error)

	// reconnectWait is the pause before reopening a failed port.
	reconnectWait time.Duration

	// sampleRate is the frame rate in Hz requested during Initialize.
	// Zero or negative falls back to defaultSampleRateHz.
	sampleRate int
}

// SerialMuxInterface defines the interface for the SerialMux type.
type SerialMuxInterface interface {
	// Subscribe creates a new channel for receiving payload lines from the
	// serial port. The channel ID is used to identify the unique channel
	// when unsubscribing.
	Subscribe() (string, chan string)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// SendCommand writes the provided command to the serial port.
	SendCommand(string) error
	// Monitor reads lines from the serial port and sends them to the
	// subscribed channels until the port fails or the context ends.
	Monitor(context.Context) error
	// Run monitors the serial port until the context ends, reopening the
	// port after read failures when the mux supports it.
	Run(context.Context) error
	// Close closes all subscribed channels and closes the serial port.
	Close() error

	Initialize() error

	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/. These routes are accessible only over
	// localhost/via Tailscale and are not publicly accessible.
	AttachAdminRoutes(*http.ServeMux)
}

// NewSerialMux creates a SerialMux instance backed by the given open port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:          port,
		subscribers:   make(map[string]chan string),
		reconnectWait: time.Second,
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Initialize restarts the device output stream and sets the frame format the
// parser expects. The device keeps settings across power cycles, so every
// session starts from a known state.
func (s *SerialMux[T]) Initialize() error {
	// zero the stream clock so frame timestamps restart near zero
	if err := s.SendCommand("Z"); err != nil {
		return fmt.Errorf("failed to zero stream clock: %w", err)
	}

	// request the sample rate before enabling channels so the first frames
	// already arrive at the configured interval
	command := fmt.Sprintf("R=%d", s.SampleRate())
	if err := s.SendCommand(command); err != nil {
		return fmt.Errorf("failed to set sample rate: %w", err)
	}

	for _, command := range []string{
		"OF=AHRS", // stream ASCII sensor frames
		"EA",      // enable accelerometer channel
		"EG",      // enable gyroscope channel
		"EM",      // enable magnetometer channel
		"U=SI",    // SI units: m/s^2, rad/s, microtesla
		"S?",      // report settings as a JSON status line
	} {
		if err := s.SendCommand(command); err != nil {
			return fmt.Errorf("failed to send start command %q: %w", command, err)
		}
	}

	return nil
}

// SetSampleRate sets the frame rate in Hz that Initialize requests from
// the device. Zero or negative keeps the 100 Hz default. Call it before
// Run so reconnects reinitialize at the same rate.
func (s *SerialMux[T]) SetSampleRate(hz int) {
	s.sampleRate = hz
}

// SampleRate returns the frame rate Initialize requests from the device.
func (s *SerialMux[T]) SampleRate() int {
	if s.sampleRate <= 0 {
		return defaultSampleRateHz
	}
	return s.sampleRate
}

// SendCommand sends a command to the serial port.
func (s *SerialMux[T]) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !bytes.HasSuffix([]byte(command), []byte("\n")) {
		command += "\n" // ensure command ends with a newline
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor monitors the serial port for payload lines and sends them to
// subscribers. It returns when the port fails, the port drains, or the
// context ends.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// start a goroutine to read from the serial port & send any lines that are scanned to linesChan.
	// and any errors to the scanErrChan
	//
	// the blocking scan.Scan will not interfere with our outer loop awaiting
	// lines & context cancellation.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		// check if the context is done
		// and exit the loop if so
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case line, ok := <-lineChan:
			// if the channel is closed, we're done reading from the serial port
			if !ok {
				if err := scan.Err(); err != nil {
					return err
				}
				return nil
			}
			if s.isClosing() {
				return nil
			}

			// otherwise take a read lock on the subscriber map
			s.subscriberMu.Lock()
			for _, ch := range s.subscribers {
				select {
				case ch <- line:
				default:
					// if the channel is full/blocking skip so as not to block the outer loop
				}
			}
			s.subscriberMu.Unlock()
		}
	}
}

// Run monitors the serial port until the context is cancelled or Close is
// called. Muxes opened with NewRealSerialMux reopen the port and
// reinitialize the device after read failures; subscribers stay attached
// across reconnects. Muxes without a reopener return the first Monitor
// result.
func (s *SerialMux[T]) Run(ctx context.Context) error {
	wait := s.reconnectWait
	if wait <= 0 {
		wait = time.Second
	}
	for {
		err := s.Monitor(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.isClosing() {
			return nil
		}
		if s.reopen == nil {
			return err
		}
		log.Printf("serial monitor stopped (%v); reopening port in %s", err, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		port, openErr := s.reopen()
		if openErr != nil {
			log.Printf("failed to reopen serial port: %v", openErr)
			continue
		}

		s.commandMu.Lock()
		s.port.Close()
		s.port = port
		s.commandMu.Unlock()

		if err := s.Initialize(); err != nil {
			log.Printf("failed to reinitialize device after reconnect: %v", err)
		}
	}
}

func (s *SerialMux[T]) isClosing() bool {
	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	return s.closing
}

func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()

	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	return s.port.Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	// Basic command / live tail monitor interface using the below two API endpoints.
	debug.HandleFunc("send-command", "send a command to the IMU", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		if err := sendCommandTemplate.Execute(buf, nil); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	// API endpoint to write command to the serial port
	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to serial port", command))
	})

	// API endpoint to issue Server-Side Events (SSE) in response to lines coming from the serial port.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		// Send initial ping to establish connection
		w.Write([]byte(": ping\n\n"))
		w.(http.Flusher).Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					// Channel closed, exit gracefully
					return
				}
				_, err := w.Write([]byte(fmt.Sprintf("data: %s\n\n", payload)))
				if err != nil {
					return
				}
				w.(http.Flusher).Flush()
			case <-r.Context().Done():
				return
			}
		}
	})

	debug.HandleSilentFunc("tail.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		// serve tail.js from adminTemplateFS
		f, err := adminTemplateFS.Open("templates/tail.js")
		if err != nil {
			http.Error(w, "Failed to open tail.js", http.StatusInternalServerError)
			return
		}
		defer f.Close()
		io.Copy(w, f)
	})

	// Latest settings the device reported over its JSON status lines.
	debug.HandleFunc("device-status", "latest reported device settings", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(DeviceStatus()); err != nil {
			log.Printf("failed to encode device status: %v", err)
		}
	})
}
