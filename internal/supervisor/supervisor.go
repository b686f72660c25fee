// Package supervisor owns the collection of live per-port worker
// subprocesses: spawning, stopping, restarting, draining their IPC
// events, and reaping ones that exited on their own. The controller
// binary spawns itself with worker flags (internal/worker), the same
// single-binary-dispatches-itself pattern devicecode-go's cmd entry
// points use over its device services. Restart is a plain stop-then-start:
// there is no retry count or backoff, and a worker that exits on its own is
// reaped, not restarted.
package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/aoba-ctl/aoba-ctl/internal/ipc"
	"github.com/aoba-ctl/aoba-ctl/internal/modbus"
)

// ErrAlreadyRunning is returned by Start when the port already has a live
// worker owned by this controller.
var ErrAlreadyRunning = errors.New("supervisor: port already running")

// SpawnConfig is translated directly into the worker's CLI arguments
// (spec.md §6).
type SpawnConfig struct {
	Port            string
	Mode            string // slave_listen | master_provide | slave_poll
	StationID       byte
	RegisterAddress uint16
	RegisterLength  uint16
	RegisterMode    modbus.RegisterMode
	BaudRate        int
	DataBits        int
	StopBits        int
	Parity          string // none | even | odd
	IntervalMS      int
	TimeoutMS       int
	DataSourceURI   string
}

func (c SpawnConfig) args(ipcPath string) []string {
	regMode := "holding"
	switch c.RegisterMode {
	case modbus.Coils:
		regMode = "coils"
	case modbus.DiscreteInputs:
		regMode = "discrete_inputs"
	case modbus.Input:
		regMode = "input"
	}
	return []string{
		"--mode", c.Mode,
		"--port", c.Port,
		"--station-id", fmt.Sprint(c.StationID),
		"--register-address", fmt.Sprint(c.RegisterAddress),
		"--register-length", fmt.Sprint(c.RegisterLength),
		"--register-mode", regMode,
		"--baud-rate", fmt.Sprint(c.BaudRate),
		"--data-bits", fmt.Sprint(c.DataBits),
		"--stop-bits", fmt.Sprint(c.StopBits),
		"--parity", c.Parity,
		"--request-interval-ms", fmt.Sprint(c.IntervalMS),
		"--timeout-ms", fmt.Sprint(c.TimeoutMS),
		"--data-source", c.DataSourceURI,
		"--ipc-channel", ipcPath,
	}
}

// ExitResult is what ReapDead reports for a worker that terminated on its
// own, with cause attribution per spec.md §7 (Subprocess-crash).
type ExitResult struct {
	Port       string
	ExitCode   int
	Signal     string
	StderrTail []string
}

// handle tracks one live worker.
type handle struct {
	port     string
	cmd      *exec.Cmd
	conn     *ipc.Conn
	listener net.Listener
	socket   string
	pid      int
	startAt  time.Time

	events chan ipc.Message
	exited chan ExitResult
}

// Supervisor owns every live worker, keyed by port identifier.
type Supervisor struct {
	mu        sync.Mutex
	workers   map[string]*handle
	exePath   string
	socketDir string
	log       *zap.Logger
	onStderr  func(port, line string)
}

// New resolves the running binary's own path (for self-invocation) and
// prepares a Supervisor. socketDir holds the per-worker Unix socket files;
// onStderr is called once per captured stderr line.
func New(socketDir string, log *zap.Logger, onStderr func(port, line string)) (*Supervisor, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("supervisor: resolve self: %w", err)
	}
	if err := os.MkdirAll(socketDir, 0o755); err != nil {
		return nil, fmt.Errorf("supervisor: prepare socket dir: %w", err)
	}
	return &Supervisor{
		workers:   make(map[string]*handle),
		exePath:   exe,
		socketDir: socketDir,
		log:       log,
		onStderr:  onStderr,
	}, nil
}

// Start spawns a worker subprocess for cfg.Port per spec.md §4.6. On
// success the returned pid/start time belong in the status tree's
// SubprocessHandle.
func (s *Supervisor) Start(cfg SpawnConfig) (pid int, startedAt time.Time, err error) {
	s.mu.Lock()
	if _, exists := s.workers[cfg.Port]; exists {
		s.mu.Unlock()
		return 0, time.Time{}, ErrAlreadyRunning
	}
	s.mu.Unlock()

	socketPath := ipc.SocketPath(s.socketDir, cfg.Port)
	listener, err := ipc.Listen(socketPath)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("supervisor: listen: %w", err)
	}

	cmd := exec.Command(s.exePath, cfg.args(socketPath)...)
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		listener.Close()
		return 0, time.Time{}, fmt.Errorf("supervisor: stderr pipe: %w", err)
	}
	cmd.Stdout = nil

	if err := cmd.Start(); err != nil {
		listener.Close()
		os.Remove(socketPath)
		return 0, time.Time{}, fmt.Errorf("supervisor: spawn: %w", err)
	}

	h := &handle{
		port: cfg.Port, cmd: cmd, listener: listener, socket: socketPath,
		pid: cmd.Process.Pid, startAt: time.Now(),
		events: make(chan ipc.Message, 256),
		exited: make(chan ExitResult, 1),
	}

	go s.captureStderr(h, stderrPipe)

	accepted := make(chan error, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			accepted <- err
			return
		}
		h.conn = ipc.NewConn(conn)
		accepted <- nil
	}()

	select {
	case err := <-accepted:
		if err != nil {
			s.killAndCleanup(h)
			return 0, time.Time{}, fmt.Errorf("supervisor: accept ipc connection: %w", err)
		}
	case <-time.After(5 * time.Second):
		s.killAndCleanup(h)
		return 0, time.Time{}, fmt.Errorf("supervisor: worker did not connect to ipc channel in time")
	}

	go s.readEvents(h)
	go s.waitForExit(h)

	s.mu.Lock()
	s.workers[cfg.Port] = h
	s.mu.Unlock()

	return h.pid, h.startAt, nil
}

func (s *Supervisor) killAndCleanup(h *handle) {
	if h.cmd.Process != nil {
		h.cmd.Process.Kill()
	}
	h.cmd.Wait()
	h.listener.Close()
	os.Remove(h.socket)
}

func (s *Supervisor) captureStderr(h *handle, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if s.onStderr != nil {
			s.onStderr(h.port, scanner.Text())
		}
	}
}

func (s *Supervisor) readEvents(h *handle) {
	for {
		msg, err := h.conn.ReceiveMessage()
		if err != nil {
			return
		}
		select {
		case h.events <- msg:
		default:
			// Controller isn't draining fast enough; drop rather than
			// block the reader and wedge the whole worker's IPC stream.
		}
	}
}

func (s *Supervisor) waitForExit(h *handle) {
	err := h.cmd.Wait()
	code, signal := exitDetail(err)
	h.exited <- ExitResult{Port: h.port, ExitCode: code, Signal: signal}
}

// Stop requests a clean shutdown: Stop over IPC, then a 2s grace period
// before a kill signal (spec.md §4.6, §5).
func (s *Supervisor) Stop(port string) error {
	s.mu.Lock()
	h, ok := s.workers[port]
	if ok {
		delete(s.workers, port)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.stopHandle(h)
}

func (s *Supervisor) stopHandle(h *handle) error {
	if h.conn != nil {
		_ = h.conn.SendMessage(ipc.Stop{})
	}
	select {
	case <-h.exited:
	case <-time.After(2 * time.Second):
		if h.cmd.Process != nil {
			h.cmd.Process.Kill()
		}
		<-h.exited
	}
	if h.conn != nil {
		h.conn.Close()
	}
	h.listener.Close()
	os.Remove(h.socket)
	return nil
}

// Restart stops then starts a worker with the latest config. The caller is
// responsible for reflecting the Restarting status indicator during the gap.
func (s *Supervisor) Restart(cfg SpawnConfig) (pid int, startedAt time.Time, err error) {
	_ = s.Stop(cfg.Port)
	return s.Start(cfg)
}

// Send delivers an arbitrary controller->worker message (UpdateStations or
// PushRegisters) to a live worker.
func (s *Supervisor) Send(port string, msg ipc.Message) error {
	s.mu.Lock()
	h, ok := s.workers[port]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("supervisor: no running worker for %q", port)
	}
	return h.conn.SendMessage(msg)
}

// PollEvents drains every pending IPC message from every live worker,
// non-blocking (spec.md §4.10).
func (s *Supervisor) PollEvents() []PortEvent {
	s.mu.Lock()
	handles := make([]*handle, 0, len(s.workers))
	for _, h := range s.workers {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	var out []PortEvent
	for _, h := range handles {
		for {
			select {
			case msg := <-h.events:
				out = append(out, PortEvent{Port: h.port, Message: msg})
			default:
				goto nextHandle
			}
		}
	nextHandle:
	}
	return out
}

// PortEvent pairs one drained IPC message with the port it came from.
type PortEvent struct {
	Port    string
	Message ipc.Message
}

// ReapDead checks every worker for an exit that wasn't requested by Stop,
// removing it from the collection and reporting the terminal status along
// with its stderr tail (spec.md §4.6, §7 Subprocess-crash). tailFn supplies
// the last lines already captured by the status tree's stderr ring.
func (s *Supervisor) ReapDead(tailFn func(port string) []string) []ExitResult {
	s.mu.Lock()
	handles := make([]*handle, 0, len(s.workers))
	for _, h := range s.workers {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	var out []ExitResult
	for _, h := range handles {
		select {
		case res := <-h.exited:
			if tailFn != nil {
				res.StderrTail = tailFn(h.port)
			}
			s.mu.Lock()
			delete(s.workers, h.port)
			s.mu.Unlock()
			if h.conn != nil {
				h.conn.Close()
			}
			h.listener.Close()
			os.Remove(h.socket)
			out = append(out, res)
		default:
		}
	}
	return out
}

// StopAll requests every live worker to stop in parallel, used by the
// controller's Quit intent handling (spec.md §5).
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	handles := make([]*handle, 0, len(s.workers))
	for port, h := range s.workers {
		handles = append(handles, h)
		delete(s.workers, port)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *handle) {
			defer wg.Done()
			s.stopHandle(h)
		}(h)
	}
	wg.Wait()
}

// Running reports whether port currently has a live worker owned by this
// supervisor.
func (s *Supervisor) Running(port string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.workers[port]
	return ok
}

func exitDetail(err error) (code int, signal string) {
	if err == nil {
		return 0, ""
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return -1, ws.Signal().String()
		}
		return exitErr.ExitCode(), ""
	}
	return -1, err.Error()
}
