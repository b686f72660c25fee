package serialport

import (
	"fmt"
	"io"
	"strings"
	"time"

	"go.bug.st/serial"
)

// Port is the minimal surface the Modbus worker needs from an open serial
// device: a timed reader/writer that can be closed once.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(d time.Duration) error
}

// Open acquires id with the given parameters and requests exclusive access
// where the OS supports it (see exclusiveOpen, platform-specific). Virtual
// identifiers are rejected immediately with ErrVirtual so the caller routes
// them through the IPC-backed path instead.
func Open(id string, params Params) (Port, error) {
	if IsVirtual(id) {
		return nil, ErrVirtual
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: params.Baud,
		DataBits: params.DataBits,
	}
	switch params.StopBits {
	case 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	}
	switch params.Parity {
	case ParityEven:
		mode.Parity = serial.EvenParity
	case ParityOdd:
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}

	raw, err := serial.Open(id, mode)
	if err != nil {
		return nil, classifyOpenError(id, err)
	}
	if err := exclusiveOpen(raw); err != nil {
		raw.Close()
		return nil, fmt.Errorf("%w: %v", ErrInUse, err)
	}
	if err := raw.SetReadTimeout(params.ReadTimeout); err != nil {
		raw.Close()
		return nil, err
	}
	return &wrappedPort{Port: raw}, nil
}

// classifyOpenError maps the underlying driver's error into the sentinel
// kinds spec.md §4.2 requires callers to branch on.
func classifyOpenError(id string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such file"), strings.Contains(msg, "cannot find"), strings.Contains(msg, "not found"):
		return fmt.Errorf("%w: %s: %v", ErrNotFound, id, err)
	case strings.Contains(msg, "busy"), strings.Contains(msg, "access is denied"), strings.Contains(msg, "permission denied"):
		return fmt.Errorf("%w: %s: %v", ErrInUse, id, err)
	default:
		return fmt.Errorf("serialport: open %s: %w", id, err)
	}
}

// wrappedPort adapts go.bug.st/serial.Port to our narrower Port interface.
type wrappedPort struct {
	serial.Port
}

// Probe attempts an exclusive open-and-close of id purely to test occupancy,
// without disturbing an already-owned port. Used by the port scanner (run in
// a short-lived subprocess, per spec.md §4.7) and by --check-port.
func Probe(id string, params Params) error {
	p, err := Open(id, params)
	if err != nil {
		return err
	}
	return p.Close()
}
