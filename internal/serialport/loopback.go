package serialport

import (
	"io"
	"time"
)

// LoopbackPort is an in-memory stand-in for a serial device used to test the
// worker and frame codec without real hardware, following the HAL mock
// pattern: a fake implementation of the same Port surface the real driver
// satisfies.
type LoopbackPort struct {
	r           io.Reader
	w           io.Writer
	readTimeout time.Duration
	closed      chan struct{}
}

// NewLoopbackPair returns two LoopbackPorts wired so writes on one are reads
// on the other, modeling a null-modem cable between two stations.
func NewLoopbackPair() (a, b *LoopbackPort) {
	arRead, bwWrite := io.Pipe()
	brRead, awWrite := io.Pipe()
	a = &LoopbackPort{r: arRead, w: awWrite, closed: make(chan struct{})}
	b = &LoopbackPort{r: brRead, w: bwWrite, closed: make(chan struct{})}
	return a, b
}

func (l *LoopbackPort) Read(p []byte) (int, error)  { return l.r.Read(p) }
func (l *LoopbackPort) Write(p []byte) (int, error) { return l.w.Write(p) }

func (l *LoopbackPort) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	if c, ok := l.r.(io.Closer); ok {
		c.Close()
	}
	if c, ok := l.w.(io.Closer); ok {
		c.Close()
	}
	return nil
}

// SetReadTimeout is accepted for interface compatibility; io.Pipe has no
// deadline support, so callers relying on timeout-driven polling in tests
// should race Read against time.After themselves.
func (l *LoopbackPort) SetReadTimeout(d time.Duration) error {
	l.readTimeout = d
	return nil
}
