// Package statustree holds the single coherent in-memory model of every
// port the controller knows about: its configuration, occupancy, transient
// status, log ring, and stderr ring. It is the only shared mutable state in
// the core; access is gated through explicit read and write guards so a
// write never overlaps a read and is never held across an I/O boundary.
package statustree

import (
	"time"

	"github.com/aoba-ctl/aoba-ctl/internal/modbus"
)

// Classification distinguishes a kernel-visible serial device from an
// identifier handled entirely in user space.
type Classification int

const (
	Physical Classification = iota
	Virtual
)

// OccupancyState is the three-valued occupancy enumeration from spec.md §3.
type OccupancyState int

const (
	Free OccupancyState = iota
	OccupiedByThis
	OccupiedByOther
)

func (s OccupancyState) String() string {
	switch s {
	case OccupiedByThis:
		return "occupied_by_this"
	case OccupiedByOther:
		return "occupied_by_other"
	default:
		return "free"
	}
}

// IndicatorKind names the transient/stable states a port's status indicator
// can be in.
type IndicatorKind int

const (
	NotStarted IndicatorKind = iota
	Running
	Restarting
	AppliedSuccess
	StartupFailed
)

// Indicator carries a kind plus the extra data the transient variants need:
// AppliedSuccess and StartupFailed remember when they were entered so the
// controller can auto-advance them to a stable terminus.
type Indicator struct {
	Kind    IndicatorKind
	Message string    // populated for StartupFailed
	At      time.Time // populated for AppliedSuccess / StartupFailed
}

// Auto-advance intervals per spec.md §3.
const (
	AppliedSuccessHold = 3 * time.Second
	StartupFailedHold  = 10 * time.Second
)

// ConnectionMode is the port's Modbus role.
type ConnectionMode int

const (
	Master ConnectionMode = iota
	Slave
)

// Station mirrors spec.md §3's Station record.
type Station struct {
	StationID    byte
	RegisterMode modbus.RegisterMode
	StartAddress uint16
	Length       uint16
	Cached       []uint16

	SuccessCount    uint64
	TotalCount      uint64
	NextPollTime    time.Time
	LastRequestTime time.Time
	LastResponseTime time.Time

	// PendingRequests resets to zero whenever the owning worker (re)spawns;
	// see SPEC_FULL.md §3 for why persistence never restores it.
	PendingRequests int
}

// Key identifies a station uniquely within one port's station list.
type Key struct {
	StationID    byte
	RegisterMode modbus.RegisterMode
	StartAddress uint16
}

func (s Station) Key() Key {
	return Key{StationID: s.StationID, RegisterMode: s.RegisterMode, StartAddress: s.StartAddress}
}

// Validate enforces the station invariants from spec.md §3.
func (s Station) Validate() error {
	if s.Length < 1 {
		return &InvariantError{"station length must be >= 1"}
	}
	if int(s.StartAddress)+int(s.Length) > 0x10000 {
		return &InvariantError{"station range exceeds address space"}
	}
	if s.StationID < 1 || s.StationID > 247 {
		return &InvariantError{"station_id must be in [1, 247]"}
	}
	if len(s.Cached) != int(s.Length) {
		return &InvariantError{"cached_values length must equal station length"}
	}
	return nil
}

// InvariantError reports a violation of a data-model invariant. These are
// config-invalid errors (spec.md §7): surfaced synchronously, never turned
// into worker state.
type InvariantError struct {
	Reason string
}

func (e *InvariantError) Error() string { return "statustree: " + e.Reason }

// DataSourceKind enumerates the master data-source variants from spec.md §4.5.
type DataSourceKind int

const (
	DSManual DataSourceKind = iota
	DSFile
	DSPipe
	DSTransparentForward
	DSMQTT
	DSHTTP
	DSIPCPipe
)

// DataSourceDescriptor names a data source and its URI-like value, as
// persisted in aoba_tui_config.json's "master_source" field.
type DataSourceDescriptor struct {
	Kind  DataSourceKind
	Value string
}

// PortConfig is the sole Modbus-relevant configuration variant (spec.md §3).
type PortConfig struct {
	Mode         ConnectionMode
	MasterSource *DataSourceDescriptor
	Stations     []Station
}

// Validate enforces the whole-port invariants: no two stations share a
// (station_id, register_mode, start_address) triple, and each station is
// independently valid.
func (c PortConfig) Validate() error {
	seen := make(map[Key]bool, len(c.Stations))
	for _, st := range c.Stations {
		if err := st.Validate(); err != nil {
			return err
		}
		k := st.Key()
		if seen[k] {
			return &InvariantError{"duplicate (station_id, register_mode, start_address) triple"}
		}
		seen[k] = true
	}
	return nil
}

// ParsedRequest is a UI-friendly summary of a captured exchange, grounded on
// original_source's protocol::status::ParsedRequest.
type ParsedRequest struct {
	Origin   string // e.g. "master" or "slave"
	RW       string // "R" or "W"
	Command  string
	StationID byte
	Address  uint16
	Length   uint16
}

// LogEntry is one entry in a port's bounded log ring.
type LogEntry struct {
	When   time.Time
	Raw    string
	Parsed *ParsedRequest
}

// SubprocessHandle is the tree's view of a live worker: enough to render and
// to tell OccupiedByThis apart from Free (invariant #3), without the tree
// importing the supervisor package that owns the real *os.Process and IPC
// channel.
type SubprocessHandle struct {
	PID       int
	StartedAt time.Time
}

// SerialParams configures the physical line parameters a worker opens the
// port with. It deliberately lives outside PortConfig: spec.md §4.9's
// persisted schema has no slot for line parameters, only the Modbus-relevant
// subset, so these are never round-tripped through Save/Load and always
// start from DefaultSerialParams for a newly-seen port. Parity mirrors
// internal/serialport.Parity's int values (0=none, 1=even, 2=odd) without
// this package importing that one.
type SerialParams struct {
	BaudRate int
	DataBits int
	StopBits int
	Parity   int
}

// DefaultSerialParams returns the line parameters applied to a port that has
// never had them explicitly set: 9600 8N1, a safe default for unconfigured
// Modbus RTU devices.
func DefaultSerialParams() SerialParams {
	return SerialParams{BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: 0}
}

// PortData is everything the tree knows about one port.
type PortData struct {
	Name           string
	Classification Classification
	Occupancy      OccupancyState
	Status         Indicator
	Config         PortConfig
	SerialParams   SerialParams
	Logs           *Ring[LogEntry]
	Stderr         *Ring[string]
	Subprocess     *SubprocessHandle
}

const ringCapacity = 1000

func newPortData(name string, class Classification) *PortData {
	return &PortData{
		Name:           name,
		Classification: class,
		Occupancy:      Free,
		Status:         Indicator{Kind: NotStarted},
		SerialParams:   DefaultSerialParams(),
		Logs:           NewRing[LogEntry](ringCapacity),
		Stderr:         NewRing[string](ringCapacity),
	}
}

// clone deep-copies a PortData so snapshots handed to readers never alias
// tree-internal slices.
func (p *PortData) clone() *PortData {
	cp := *p
	cp.Config.Stations = append([]Station(nil), p.Config.Stations...)
	for i := range cp.Config.Stations {
		cp.Config.Stations[i].Cached = append([]uint16(nil), p.Config.Stations[i].Cached...)
	}
	if p.Config.MasterSource != nil {
		ms := *p.Config.MasterSource
		cp.Config.MasterSource = &ms
	}
	cp.Logs = p.Logs.Clone()
	cp.Stderr = p.Stderr.Clone()
	if p.Subprocess != nil {
		sh := *p.Subprocess
		cp.Subprocess = &sh
	}
	return &cp
}

// HasNonDefaultConfig reports whether the port has user-meaningful
// configuration or history worth preserving across a disappearance from
// enumeration (spec.md §3 Lifecycle, §4.7 case 3).
func (p *PortData) HasNonDefaultConfig() bool {
	return len(p.Config.Stations) > 0 || p.Logs.Len() > 0
}
