package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
)

const maxFrameSize = 16 * 1024 * 1024

// Conn is the length-prefixed framing layer over one net.Conn: a u32
// little-endian length followed by the encoded message body (spec.md §4.4,
// §6). It survives partial writes/reads — ReadFrame loops until it has a
// full frame or the connection errors — but never spans a reconnect: once
// the underlying conn errors, the channel is done.
type Conn struct {
	raw net.Conn
	mu  sync.Mutex // serializes writes from multiple goroutines
}

// NewConn wraps an established connection (e.g. one Accept()ed from a
// per-worker Unix domain socket listener).
func NewConn(raw net.Conn) *Conn {
	return &Conn{raw: raw}
}

// WriteFrame writes one length-prefixed frame. Safe for concurrent callers.
func (c *Conn) WriteFrame(payload []byte) error {
	if len(payload) > maxFrameSize {
		return fmt.Errorf("ipc: frame too large: %d bytes", len(payload))
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := c.raw.Write(hdr[:]); err != nil {
		return fmt.Errorf("ipc: write length prefix: %w", err)
	}
	if _, err := c.raw.Write(payload); err != nil {
		return fmt.Errorf("ipc: write payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame, blocking until it has the
// whole thing or the connection errors (closed, reset, etc).
func (c *Conn) ReadFrame() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.raw, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("ipc: announced frame size %d exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(c.raw, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.raw.Close() }

// SendMessage encodes and writes a typed Message in one call.
func (c *Conn) SendMessage(msg Message) error {
	return c.WriteFrame(Encode(msg))
}

// ReceiveMessage reads one frame and decodes it.
func (c *Conn) ReceiveMessage() (Message, error) {
	data, err := c.ReadFrame()
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

const outboundQueueCapacity = 256

// OutboundQueue is the worker-side bounded send queue from spec.md §4.4:
// Log and ModbusExchange messages are dropped when the queue is full, but
// ConfigAck is never dropped (it blocks the producer instead, since a
// config acknowledgement the controller never sees would desync the
// UpdateStations protocol).
type OutboundQueue struct {
	conn    *Conn
	ch      chan Message
	done    chan struct{}
	dropped uint64
	mu      sync.Mutex
}

// NewOutboundQueue starts the background drain goroutine writing to conn.
func NewOutboundQueue(conn *Conn) *OutboundQueue {
	q := &OutboundQueue{conn: conn, ch: make(chan Message, outboundQueueCapacity), done: make(chan struct{})}
	go q.drain()
	return q
}

func (q *OutboundQueue) drain() {
	for {
		select {
		case msg := <-q.ch:
			// Best-effort: a write error means the channel is dead; the
			// controller will notice via IPC-disconnect and reap it.
			_ = q.conn.SendMessage(msg)
		case <-q.done:
			return
		}
	}
}

// Send enqueues msg. ConfigAck blocks until there is room; everything else
// is dropped (and counted) if the queue is full.
func (q *OutboundQueue) Send(msg Message) {
	if msg.Type() == TypeConfigAck {
		q.ch <- msg
		return
	}
	select {
	case q.ch <- msg:
	default:
		q.mu.Lock()
		q.dropped++
		q.mu.Unlock()
	}
}

// Dropped reports how many non-ConfigAck messages were dropped for
// backpressure.
func (q *OutboundQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Stop terminates the drain goroutine.
func (q *OutboundQueue) Stop() { close(q.done) }
