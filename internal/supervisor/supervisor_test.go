package supervisor

import (
	"net"
	"os/exec"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/aoba-ctl/aoba-ctl/internal/ipc"
	"github.com/aoba-ctl/aoba-ctl/internal/modbus"
)

func ipcPipe() (*ipc.Conn, *ipc.Conn) {
	a, b := net.Pipe()
	return ipc.NewConn(a), ipc.NewConn(b)
}

func TestSpawnConfigArgsRoundTripsEveryFlag(t *testing.T) {
	cfg := SpawnConfig{
		Port: "/dev/ttyUSB0", Mode: "master_provide", StationID: 7,
		RegisterAddress: 100, RegisterLength: 10, RegisterMode: modbus.Input,
		BaudRate: 19200, DataBits: 8, StopBits: 1, Parity: "even",
		IntervalMS: 250, TimeoutMS: 500, DataSourceURI: "manual",
	}
	args := cfg.args("/tmp/aoba-ipc-test.sock")

	want := map[string]string{
		"--mode": "master_provide", "--port": "/dev/ttyUSB0",
		"--station-id": "7", "--register-address": "100", "--register-length": "10",
		"--register-mode": "input", "--baud-rate": "19200", "--data-bits": "8",
		"--stop-bits": "1", "--parity": "even", "--request-interval-ms": "250",
		"--timeout-ms": "500", "--data-source": "manual", "--ipc-channel": "/tmp/aoba-ipc-test.sock",
	}
	got := map[string]string{}
	for i := 0; i+1 < len(args); i += 2 {
		got[args[i]] = args[i+1]
	}
	for flag, val := range want {
		if got[flag] != val {
			t.Errorf("flag %s = %q, want %q", flag, got[flag], val)
		}
	}
}

func TestExitDetailNilError(t *testing.T) {
	code, signal := exitDetail(nil)
	if code != 0 || signal != "" {
		t.Fatalf("exitDetail(nil) = (%d, %q), want (0, \"\")", code, signal)
	}
}

func TestExitDetailNonZeroExitCode(t *testing.T) {
	err := exec.Command("sh", "-c", "exit 3").Run()
	if err == nil {
		t.Fatal("expected a non-nil error from a process exiting 3")
	}
	code, signal := exitDetail(err)
	if code != 3 || signal != "" {
		t.Fatalf("exitDetail() = (%d, %q), want (3, \"\")", code, signal)
	}
}

func TestExitDetailKilledBySignal(t *testing.T) {
	cmd := exec.Command("sh", "-c", "kill -TERM $$; sleep 5")
	err := cmd.Run()
	if err == nil {
		t.Fatal("expected a non-nil error from a signal-terminated process")
	}
	code, signal := exitDetail(err)
	if code != -1 || signal == "" {
		t.Fatalf("exitDetail() = (%d, %q), want (-1, non-empty signal name)", code, signal)
	}
}

// newTestHandle wires a handle to one end of an in-memory ipc.Conn pair, for
// exercising PollEvents/ReapDead/Send without spawning a real subprocess.
func newTestHandle(t *testing.T, port string) (*handle, *ipc.Conn) {
	t.Helper()
	a, b := ipcPipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { lis.Close() })

	h := &handle{
		port:     port,
		conn:     a,
		listener: lis,
		startAt:  time.Now(),
		events:   make(chan ipc.Message, 256),
		exited:   make(chan ExitResult, 1),
	}
	return h, b
}

func TestSupervisorPollEventsDrainsPerPort(t *testing.T) {
	s := &Supervisor{workers: make(map[string]*handle), log: zap.NewNop()}

	hA, farA := newTestHandle(t, "/dev/ttyUSB0")
	hB, farB := newTestHandle(t, "/dev/ttyUSB1")
	s.workers["/dev/ttyUSB0"] = hA
	s.workers["/dev/ttyUSB1"] = hB

	go s.readEvents(hA)
	go s.readEvents(hB)

	if err := farA.SendMessage(ipc.Log{Level: ipc.LogInfo, Message: "hello from A"}); err != nil {
		t.Fatal(err)
	}
	if err := farB.SendMessage(ipc.Log{Level: ipc.LogInfo, Message: "hello from B"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var events []PortEvent
	for time.Now().Before(deadline) && len(events) < 2 {
		events = append(events, s.PollEvents()...)
		if len(events) < 2 {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	seen := map[string]bool{}
	for _, ev := range events {
		seen[ev.Port] = true
	}
	if !seen["/dev/ttyUSB0"] || !seen["/dev/ttyUSB1"] {
		t.Fatalf("events not attributed to the right ports: %+v", events)
	}
}

func TestSupervisorReapDeadRemovesWorkerAndAttachesStderrTail(t *testing.T) {
	s := &Supervisor{workers: make(map[string]*handle), log: zap.NewNop()}
	h, _ := newTestHandle(t, "/dev/ttyUSB0")
	s.workers["/dev/ttyUSB0"] = h

	h.exited <- ExitResult{Port: "/dev/ttyUSB0", ExitCode: 1}

	results := s.ReapDead(func(port string) []string {
		return []string{"panic: nil pointer"}
	})
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].ExitCode != 1 || len(results[0].StderrTail) != 1 {
		t.Fatalf("unexpected result: %+v", results[0])
	}
	if s.Running("/dev/ttyUSB0") {
		t.Fatal("reaped worker should no longer be tracked as running")
	}
}

func TestSupervisorSendDeliversToNamedPort(t *testing.T) {
	s := &Supervisor{workers: make(map[string]*handle), log: zap.NewNop()}
	h, far := newTestHandle(t, "/dev/ttyUSB0")
	s.workers["/dev/ttyUSB0"] = h

	done := make(chan ipc.Message, 1)
	go func() {
		msg, err := far.ReceiveMessage()
		if err != nil {
			return
		}
		done <- msg
	}()

	if err := s.Send("/dev/ttyUSB0", ipc.Stop{}); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-done:
		if msg.Type() != ipc.TypeStop {
			t.Fatalf("got message type %v, want Stop", msg.Type())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivered message")
	}

	if err := s.Send("/dev/ttyUSB1", ipc.Stop{}); err == nil {
		t.Fatal("expected an error sending to a port with no running worker")
	}
}
