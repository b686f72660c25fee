// Package scanner enumerates serial port candidates on a coarse interval and
// on explicit request, reconciling what it finds against the status tree
// (spec.md §4.7). Occupancy probing runs in a short-lived subprocess (the
// controller binary invoked with --check-port) to avoid disturbing kernel
// buffers in the controller's own address space, the same self-invocation
// pattern the subprocess supervisor uses for workers.
package scanner

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/aoba-ctl/aoba-ctl/internal/statustree"
)

// Interval is the coarse re-scan period from spec.md §4.7.
const Interval = 30 * time.Second

// ProbeFunc checks whether id is currently free by attempting an exclusive
// open in a subprocess, returning nil if free. The default, Probe, spawns
// the controller's own binary with --check-port; tests substitute a fake.
type ProbeFunc func(id string) error

// ListFunc enumerates physical device candidates. The default,
// go.bug.st/serial.GetPortsList, is swapped out in tests for a fixed list.
type ListFunc func() ([]string, error)

// Scanner runs reconciliation passes against a Tree. Request is safe to call
// from multiple goroutines: concurrent requests coalesce onto whichever pass
// is already in flight or about to start.
type Scanner struct {
	tree *statustree.Tree
	log  *zap.Logger

	list  ListFunc
	probe ProbeFunc

	mu      sync.Mutex
	running bool
	pending bool
}

// New builds a Scanner backed by the real OS enumeration and subprocess
// occupancy probe.
func New(tree *statustree.Tree, selfExe string, log *zap.Logger) *Scanner {
	return &Scanner{
		tree:  tree,
		log:   log,
		list:  serial.GetPortsList,
		probe: func(id string) error { return Probe(selfExe, id) },
	}
}

// NewWithFuncs builds a Scanner with injected enumeration/probe functions,
// for tests that can't rely on real OS device discovery.
func NewWithFuncs(tree *statustree.Tree, log *zap.Logger, list ListFunc, probe ProbeFunc) *Scanner {
	return &Scanner{tree: tree, log: log, list: list, probe: probe}
}

// Request runs one reconciliation pass, coalescing with any pass already in
// flight (spec.md §4.7: "only one scan runs at a time; concurrent scan
// requests are coalesced").
func (s *Scanner) Request(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.pending = true
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.runLoop(ctx)
}

func (s *Scanner) runLoop(ctx context.Context) {
	for {
		s.runOnce(ctx)

		s.mu.Lock()
		if !s.pending {
			s.running = false
			s.mu.Unlock()
			return
		}
		s.pending = false
		s.mu.Unlock()
	}
}

func (s *Scanner) runOnce(ctx context.Context) {
	candidates, err := s.list()
	if err != nil {
		s.log.Warn("scan: enumerate ports failed", zap.Error(err))
		candidates = nil
	}
	present := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		present[c] = true
	}

	g := s.tree.AcquireWrite()
	known := g.Names()

	for _, name := range candidates {
		s.reconcileCandidate(g, name)
	}
	for _, name := range known {
		if present[name] {
			continue
		}
		s.reconcileAbsent(g, name)
	}
	g.SetLastScanTime(time.Now())
	g.Release()
}

// reconcileCandidate applies spec.md §4.7 cases 1 and 2 to one port that is
// currently present in OS enumeration.
func (s *Scanner) reconcileCandidate(g *statustree.WriteGuard, name string) {
	p, ok := g.Port(name)
	if ok && p.Occupancy == statustree.OccupiedByThis {
		// Case 1: owned by our own worker — never probed.
		return
	}
	if !ok {
		g.UpsertPort(name, statustree.Physical)
	}

	// Case 2: probe for occupancy in a subprocess.
	if err := s.probe(name); err != nil {
		g.SetOccupancyObserved(name, statustree.OccupiedByOther)
	} else {
		g.SetOccupancyObserved(name, statustree.Free)
	}
}

// reconcileAbsent applies spec.md §4.7 case 3 to a port the tree knows about
// that no longer appears in OS enumeration.
func (s *Scanner) reconcileAbsent(g *statustree.WriteGuard, name string) {
	p, ok := g.Port(name)
	if !ok || p.Occupancy == statustree.OccupiedByThis {
		// Owned by this controller: the device node disappearing mid-session
		// is a device-unavailable condition for the worker to surface, not
		// something the scanner evicts.
		return
	}
	if p.HasNonDefaultConfig() {
		g.SetOccupancyObserved(name, statustree.Free)
		return
	}
	g.RemovePort(name)
}

// Probe spawns exe with --check-port id and interprets its exit code per
// spec.md §6 (0 = free, non-zero = occupied or otherwise unavailable).
func Probe(exe, id string) error {
	return exec.Command(exe, "--check-port", id).Run()
}
