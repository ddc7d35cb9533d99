package serialmux

import (
	"go.bug.st/serial"
)

// NewRealSerialMux opens the serial port at the given path and returns a mux
// over it. When driven by Run, the mux reopens the port and reinitializes
// the device after read failures.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[serial.Port], error) {
	open := func() (serial.Port, error) {
		mode, err := opts.SerialMode()
		if err != nil {
			return nil, err
		}
		return serial.Open(path, mode)
	}

	port, err := open()
	if err != nil {
		return nil, err
	}

	m := NewSerialMux(port)
	m.reopen = open
	return m, nil
}
