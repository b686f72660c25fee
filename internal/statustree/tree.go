package statustree

import (
	"sort"
	"sync"
	"time"
)

// Transient holds UI-visible state that is cleared independently of port
// configuration: spinner frame, input edit buffer, last error, last
// dismissed error, last scan time (spec.md §4.8).
type Transient struct {
	SpinnerFrame  int
	InputBuffer   string
	LastError     *TimestampedMessage
	LastDismissed *TimestampedMessage
	LastScanTime  time.Time
}

// TimestampedMessage is a transient error/notice slot entry.
type TimestampedMessage struct {
	Message string
	At      time.Time
}

// Tree is the single shared status model. The zero value is not usable;
// construct with New.
type Tree struct {
	mu        sync.RWMutex
	ports     map[string]*PortData
	order     []string
	transient Transient
}

// New returns an empty Tree.
func New() *Tree {
	return &Tree{ports: make(map[string]*PortData)}
}

// ReadGuard grants read-only access to a tree snapshot. Release it as soon
// as you're done; never perform I/O or send to another goroutine's channel
// while holding it.
type ReadGuard struct {
	t *Tree
}

// AcquireRead takes the tree's read lock and returns a guard over it.
func (t *Tree) AcquireRead() *ReadGuard {
	t.mu.RLock()
	return &ReadGuard{t: t}
}

// Release releases the read lock.
func (g *ReadGuard) Release() { g.t.mu.RUnlock() }

// Names returns port identifiers in stable insertion order.
func (g *ReadGuard) Names() []string {
	out := make([]string, len(g.t.order))
	copy(out, g.t.order)
	return out
}

// Port returns a deep-copied snapshot of one port's data.
func (g *ReadGuard) Port(name string) (PortData, bool) {
	p, ok := g.t.ports[name]
	if !ok {
		return PortData{}, false
	}
	return *p.clone(), true
}

// Ports returns deep-copied snapshots of every port, in tree order.
func (g *ReadGuard) Ports() []PortData {
	out := make([]PortData, 0, len(g.t.order))
	for _, name := range g.t.order {
		out = append(out, *g.t.ports[name].clone())
	}
	return out
}

// Transient returns a copy of the transient substructure.
func (g *ReadGuard) Transient() Transient {
	tr := g.t.transient
	if tr.LastError != nil {
		m := *tr.LastError
		tr.LastError = &m
	}
	if tr.LastDismissed != nil {
		m := *tr.LastDismissed
		tr.LastDismissed = &m
	}
	return tr
}

// WriteGuard grants exclusive mutation access. Release it before any I/O,
// IPC send, child-process spawn, or event-bus broadcast — holding it across
// one of those risks deadlocking a reader blocked on the same call chain
// (spec.md §4.8, §9).
type WriteGuard struct {
	t *Tree
}

// AcquireWrite takes the tree's write lock and returns a guard over it.
func (t *Tree) AcquireWrite() *WriteGuard {
	t.mu.Lock()
	return &WriteGuard{t: t}
}

// Release releases the write lock.
func (g *WriteGuard) Release() { g.t.mu.Unlock() }

// Names returns port identifiers in stable insertion order, for callers
// (e.g. the scanner) that need to enumerate known ports while already
// holding the write guard.
func (g *WriteGuard) Names() []string {
	out := make([]string, len(g.t.order))
	copy(out, g.t.order)
	return out
}

// UpsertPort inserts name if absent (appending to the ordered set) or
// returns the existing entry. It never overwrites an existing port's data.
func (g *WriteGuard) UpsertPort(name string, class Classification) *PortData {
	if p, ok := g.t.ports[name]; ok {
		return p
	}
	p := newPortData(name, class)
	g.t.ports[name] = p
	g.t.order = append(g.t.order, name)
	return p
}

// RemovePort deletes name unconditionally. Callers implementing spec.md
// §4.7 case 3 ("preserve if non-empty config or logs") must check
// HasNonDefaultConfig themselves before calling this.
func (g *WriteGuard) RemovePort(name string) {
	if _, ok := g.t.ports[name]; !ok {
		return
	}
	delete(g.t.ports, name)
	for i, n := range g.t.order {
		if n == name {
			g.t.order = append(g.t.order[:i], g.t.order[i+1:]...)
			break
		}
	}
}

// Port returns the live (non-cloned) PortData for in-place mutation. Only
// valid while the write guard is held; never retain the pointer past
// Release.
func (g *WriteGuard) Port(name string) (*PortData, bool) {
	p, ok := g.t.ports[name]
	return p, ok
}

// SetStations replaces a port's station list after validating it as a
// whole. Each station's cached values are taken as given; nothing is
// carried over from the previous list (ResizeStationCache is the
// prefix-preserving resize helper).
func (g *WriteGuard) SetStations(name string, stations []Station) error {
	p, ok := g.t.ports[name]
	if !ok {
		return &InvariantError{"unknown port: " + name}
	}
	cfg := p.Config
	cfg.Stations = stations
	if err := cfg.Validate(); err != nil {
		return err
	}
	p.Config = cfg
	return nil
}

// ResizeStationCache resizes a station's cached-value slice to newLength,
// preserving the existing prefix and zero-filling any growth, per spec.md
// §3's "cached_values.len() == length at all times; resizing preserves the
// prefix" invariant.
func ResizeStationCache(cached []uint16, newLength int) []uint16 {
	if len(cached) == newLength {
		return cached
	}
	out := make([]uint16, newLength)
	copy(out, cached)
	return out
}

// SetSerialParams overrides a port's line parameters, applied the next time
// its worker is (re)started.
func (g *WriteGuard) SetSerialParams(name string, params SerialParams) {
	if p, ok := g.t.ports[name]; ok {
		p.SerialParams = params
	}
}

// AppendLog pushes an entry to name's bounded log ring.
func (g *WriteGuard) AppendLog(name string, entry LogEntry) {
	if p, ok := g.t.ports[name]; ok {
		p.Logs.Push(entry)
	}
}

// AppendStderr pushes a line to name's bounded stderr ring.
func (g *WriteGuard) AppendStderr(name string, line string) {
	if p, ok := g.t.ports[name]; ok {
		p.Stderr.Push(line)
	}
}

// SetOccupancy and SetSubprocess must change together: invariant #3 requires
// OccupiedByThis <=> non-nil subprocess handle. Callers use
// AttachSubprocess/DetachSubprocess below rather than setting each field
// independently, to keep that pairing atomic under one write guard.

// AttachSubprocess marks name as OccupiedByThis and stores the handle.
func (g *WriteGuard) AttachSubprocess(name string, h SubprocessHandle) {
	if p, ok := g.t.ports[name]; ok {
		p.Occupancy = OccupiedByThis
		p.Subprocess = &h
	}
}

// DetachSubprocess clears the subprocess handle and marks name Free.
func (g *WriteGuard) DetachSubprocess(name string) {
	if p, ok := g.t.ports[name]; ok {
		p.Occupancy = Free
		p.Subprocess = nil
	}
}

// SetOccupancyObserved records a scanner's occupancy finding for a port this
// controller does not own; it never sets OccupiedByThis (only
// AttachSubprocess does) and never touches the subprocess handle.
func (g *WriteGuard) SetOccupancyObserved(name string, occ OccupancyState) {
	if occ == OccupiedByThis {
		return
	}
	if p, ok := g.t.ports[name]; ok {
		p.Occupancy = occ
	}
}

// SetStatus sets a port's transient/stable status indicator.
func (g *WriteGuard) SetStatus(name string, ind Indicator) {
	if p, ok := g.t.ports[name]; ok {
		p.Status = ind
	}
}

// AdvanceTransientIndicators advances AppliedSuccess/StartupFailed to their
// stable terminus once their hold interval has elapsed (spec.md §3, §8
// invariant 7). now is injected so tests don't need real sleeps.
func (g *WriteGuard) AdvanceTransientIndicators(now time.Time) {
	for _, name := range g.t.order {
		p := g.t.ports[name]
		switch p.Status.Kind {
		case AppliedSuccess:
			if now.Sub(p.Status.At) >= AppliedSuccessHold {
				if p.Occupancy == OccupiedByThis {
					p.Status = Indicator{Kind: Running}
				} else {
					p.Status = Indicator{Kind: NotStarted}
				}
			}
		case StartupFailed:
			if now.Sub(p.Status.At) >= StartupFailedHold {
				p.Status = Indicator{Kind: NotStarted}
			}
		}
	}
}

// SetLastError sets the transient last-error slot.
func (g *WriteGuard) SetLastError(msg string, at time.Time) {
	g.t.transient.LastError = &TimestampedMessage{Message: msg, At: at}
}

// DismissLastError moves the last-error slot into last-dismissed so the
// renderer suppresses re-display of the same message (spec.md §7).
func (g *WriteGuard) DismissLastError() {
	g.t.transient.LastDismissed = g.t.transient.LastError
	g.t.transient.LastError = nil
}

// SetLastScanTime records when the most recent scan completed.
func (g *WriteGuard) SetLastScanTime(t time.Time) {
	g.t.transient.LastScanTime = t
}

// SortedNamesSnapshot is a convenience for callers that want a stable,
// alphabetically sorted view regardless of insertion order (e.g. for
// deterministic test assertions).
func SortedNamesSnapshot(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	return out
}
