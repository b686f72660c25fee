package ipc

import (
	"net"
	"testing"
	"time"

	"github.com/aoba-ctl/aoba-ctl/internal/modbus"
)

func pipeConns(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	return NewConn(a), NewConn(b)
}

func TestConnRoundTrip(t *testing.T) {
	a, b := pipeConns(t)
	defer a.Close()
	defer b.Close()

	msg := UpdateStations{Stations: []StationSpec{
		{StationID: 3, RegisterMode: modbus.Holding, StartAddress: 10, Length: 4},
	}}

	done := make(chan error, 1)
	go func() { done <- a.SendMessage(msg) }()

	got, err := b.ReceiveMessage()
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	us, ok := got.(UpdateStations)
	if !ok {
		t.Fatalf("got %T, want UpdateStations", got)
	}
	if len(us.Stations) != 1 || us.Stations[0].StationID != 3 || us.Stations[0].Length != 4 {
		t.Fatalf("unexpected payload: %+v", us)
	}
}

func TestConnReadErrorsOnClose(t *testing.T) {
	a, b := pipeConns(t)
	a.Close()
	if _, err := b.ReceiveMessage(); err == nil {
		t.Fatal("expected error reading from a closed peer")
	}
}

func TestOutboundQueueNeverDropsConfigAck(t *testing.T) {
	a, b := pipeConns(t)
	defer a.Close()
	defer b.Close()

	q := NewOutboundQueue(a)
	defer q.Stop()

	// Saturate the queue with logs that drain slowly, then ensure a
	// ConfigAck sent afterward is still delivered rather than dropped.
	recv := make(chan Message, outboundQueueCapacity+2)
	go func() {
		for i := 0; i < outboundQueueCapacity+1; i++ {
			msg, err := b.ReceiveMessage()
			if err != nil {
				return
			}
			recv <- msg
		}
	}()

	for i := 0; i < outboundQueueCapacity; i++ {
		q.Send(Log{Level: LogInfo, Message: "tick"})
	}
	q.Send(ConfigAck{OK: true})

	var sawAck bool
	timeout := time.After(2 * time.Second)
	for i := 0; i < outboundQueueCapacity+1; i++ {
		select {
		case msg := <-recv:
			if _, ok := msg.(ConfigAck); ok {
				sawAck = true
			}
		case <-timeout:
			t.Fatal("timed out waiting for drained messages")
		}
	}
	if !sawAck {
		t.Fatal("ConfigAck should never be dropped by the outbound queue")
	}
}

func TestOutboundQueueDropsLogsWhenFull(t *testing.T) {
	// No reader draining b: the queue channel itself (buffered) fills up
	// and further non-ConfigAck sends must be counted as dropped rather
	// than blocking the caller.
	a, b := pipeConns(t)
	defer a.Close()
	defer b.Close()

	q := NewOutboundQueue(a)
	defer q.Stop()

	for i := 0; i < outboundQueueCapacity*2; i++ {
		q.Send(Log{Level: LogDebug, Message: "spam"})
	}
	if q.Dropped() == 0 {
		t.Fatal("expected some messages to be dropped under sustained backpressure")
	}
}
