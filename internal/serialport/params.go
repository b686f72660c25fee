// Package serialport opens serial devices with exclusive access where the
// OS supports it, and classifies virtual port identifiers so callers route
// them through the IPC-backed virtual path instead of a native open.
package serialport

import (
	"errors"
	"strings"
	"time"
)

// Parity enumerates the line parity setting.
type Parity int

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
)

// Params is the serial line configuration used to open a device.
type Params struct {
	Baud        int
	DataBits    int // 5, 6, 7, 8
	StopBits    int // 1, 2
	Parity      Parity
	ReadTimeout time.Duration
}

// Validate checks Params against the values the underlying driver accepts.
func (p Params) Validate() error {
	switch p.DataBits {
	case 5, 6, 7, 8:
	default:
		return &ConfigError{Field: "data_bits", Value: p.DataBits}
	}
	switch p.StopBits {
	case 1, 2:
	default:
		return &ConfigError{Field: "stop_bits", Value: p.StopBits}
	}
	if p.Baud <= 0 {
		return &ConfigError{Field: "baud", Value: p.Baud}
	}
	return nil
}

// ConfigError reports an invalid serial parameter.
type ConfigError struct {
	Field string
	Value int
}

func (e *ConfigError) Error() string {
	return "serialport: invalid " + e.Field
}

// Sentinel error kinds per spec.md §4.2. Use errors.Is to test for these.
var (
	ErrNotFound = errors.New("serialport: device not found")
	ErrInUse    = errors.New("serialport: device in use")
	ErrVirtual  = errors.New("serialport: identifier is virtual, use the IPC-backed path")
)

// virtualPrefixes are the deterministic prefixes that mark an identifier as
// handled entirely in user space rather than as a kernel serial device.
var virtualPrefixes = []string{"virtual:", "loop:", "pty:"}

// IsVirtual reports whether id is a virtual port identifier per the
// deterministic prefix rule.
func IsVirtual(id string) bool {
	for _, p := range virtualPrefixes {
		if strings.HasPrefix(id, p) {
			return true
		}
	}
	return false
}
