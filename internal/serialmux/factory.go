package serialmux

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// NewRealSerialMux opens the UART at path with the provided options and a
// per-read timeout, and wraps it in a SerialMux.
func NewRealSerialMux(path string, opts PortOptions, readTimeout time.Duration) (*SerialMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	if readTimeout > 0 {
		if err := port.SetReadTimeout(readTimeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("set read timeout on %s: %w", path, err)
		}
	}

	return NewSerialMux[serial.Port](port), nil
}
