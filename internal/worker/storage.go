// Package worker is the per-port Modbus runtime: it runs inside the
// subprocess the controller spawns for one serial port, either polling as a
// master or answering requests as a slave, and reports every exchange back
// to the controller over the IPC channel (spec.md §4.2, §4.3).
package worker

import (
	"sync"

	"github.com/aoba-ctl/aoba-ctl/internal/modbus"
)

// rangeBank is one contiguous addressable range within a single register
// mode, sized to its declared [start, start+length) span.
type rangeBank struct {
	mu     sync.Mutex
	start  uint16
	length uint16
	words  []uint16 // backs Holding/Input
	bits   []bool   // backs Coils/DiscreteInputs
}

func newRangeBank(start, length uint16, mode modbus.RegisterMode, seed []uint16) *rangeBank {
	b := &rangeBank{start: start, length: length}
	switch mode {
	case modbus.Coils, modbus.DiscreteInputs:
		b.bits = make([]bool, length)
		for i, v := range seed {
			if i >= len(b.bits) {
				break
			}
			b.bits[i] = v != 0
		}
	default:
		b.words = make([]uint16, length)
		copy(b.words, seed)
	}
	return b
}

func (b *rangeBank) inRange(address, quantity uint16) bool {
	if address < b.start {
		return false
	}
	end := uint32(address-b.start) + uint32(quantity)
	return end <= uint32(b.length)
}

func (b *rangeBank) readBits(address, quantity uint16) ([]bool, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.inRange(address, quantity) {
		return nil, false
	}
	off := address - b.start
	out := make([]bool, quantity)
	copy(out, b.bits[off:off+quantity])
	return out, true
}

func (b *rangeBank) readWords(address, quantity uint16) ([]uint16, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.inRange(address, quantity) {
		return nil, false
	}
	off := address - b.start
	out := make([]uint16, quantity)
	copy(out, b.words[off:off+quantity])
	return out, true
}

func (b *rangeBank) writeBits(address uint16, values []bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.inRange(address, uint16(len(values))) {
		return false
	}
	off := address - b.start
	copy(b.bits[off:], values)
	return true
}

func (b *rangeBank) writeWords(address uint16, values []uint16) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.inRange(address, uint16(len(values))) {
		return false
	}
	off := address - b.start
	copy(b.words[off:], values)
	return true
}

// snapshot returns the bank's current values in []uint16 shape regardless
// of whether the underlying storage is word- or bit-backed, matching the
// status tree's Station.Cached representation.
func (b *rangeBank) snapshot() []uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bits != nil {
		out := make([]uint16, len(b.bits))
		for i, v := range b.bits {
			if v {
				out[i] = 1
			}
		}
		return out
	}
	out := make([]uint16, len(b.words))
	copy(out, b.words)
	return out
}

// stationStorage implements modbus.Storage for one station across all four
// register-mode spaces, each potentially split into several disjoint
// declared ranges.
type stationStorage struct {
	mu     sync.RWMutex
	ranges map[modbus.RegisterMode][]*rangeBank
}

func newStationStorage() *stationStorage {
	return &stationStorage{ranges: make(map[modbus.RegisterMode][]*rangeBank)}
}

func (s *stationStorage) addRange(mode modbus.RegisterMode, b *rangeBank) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ranges[mode] = append(s.ranges[mode], b)
}

func (s *stationStorage) findBank(mode modbus.RegisterMode, address, quantity uint16) (*rangeBank, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.ranges[mode] {
		if b.inRange(address, quantity) {
			return b, true
		}
	}
	return nil, false
}

func (s *stationStorage) ReadBits(mode modbus.RegisterMode, address, quantity uint16) ([]bool, bool) {
	b, ok := s.findBank(mode, address, quantity)
	if !ok {
		return nil, false
	}
	return b.readBits(address, quantity)
}

func (s *stationStorage) ReadWords(mode modbus.RegisterMode, address, quantity uint16) ([]uint16, bool) {
	b, ok := s.findBank(mode, address, quantity)
	if !ok {
		return nil, false
	}
	return b.readWords(address, quantity)
}

func (s *stationStorage) WriteBits(mode modbus.RegisterMode, address uint16, values []bool) bool {
	b, ok := s.findBank(mode, address, uint16(len(values)))
	if !ok {
		return false
	}
	return b.writeBits(address, values)
}

func (s *stationStorage) WriteWords(mode modbus.RegisterMode, address uint16, values []uint16) bool {
	b, ok := s.findBank(mode, address, uint16(len(values)))
	if !ok {
		return false
	}
	return b.writeWords(address, values)
}

// stationSet indexes every station this worker currently serves by station
// ID, and (separately) exposes the flat (stationID, mode, start) key list a
// master needs for its round-robin poll order.
type stationSet struct {
	mu       sync.RWMutex
	stations map[byte]*stationStorage
	keys     []bankKey
	banks    map[bankKey]*rangeBank
}

// bankKey identifies one declared (station, mode, start) range — the same
// triple the status tree rejects duplicates on.
type bankKey struct {
	stationID byte
	mode      modbus.RegisterMode
	start     uint16
}

// StationSeed is the worker-internal shape for (re)configuring a station,
// translated from ipc.UpdateStations.
type StationSeed struct {
	StationID    byte
	RegisterMode modbus.RegisterMode
	StartAddress uint16
	Length       uint16
	Seed         []uint16
}

func newStationSet() *stationSet {
	return &stationSet{stations: make(map[byte]*stationStorage), banks: make(map[bankKey]*rangeBank)}
}

// replace installs a brand-new station configuration, discarding any prior
// storage contents (an UpdateStations message redefines the worker's active
// set wholesale, per spec.md §4.4).
func (s *stationSet) replace(specs []StationSeed) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stations = make(map[byte]*stationStorage)
	s.banks = make(map[bankKey]*rangeBank, len(specs))
	s.keys = s.keys[:0]

	for _, spec := range specs {
		st, ok := s.stations[spec.StationID]
		if !ok {
			st = newStationStorage()
			s.stations[spec.StationID] = st
		}
		bank := newRangeBank(spec.StartAddress, spec.Length, spec.RegisterMode, spec.Seed)
		st.addRange(spec.RegisterMode, bank)

		k := bankKey{stationID: spec.StationID, mode: spec.RegisterMode, start: spec.StartAddress}
		s.banks[k] = bank
		s.keys = append(s.keys, k)
	}
}

// forStation returns the per-station storage used by the slave role to
// answer a request already matched by station ID.
func (s *stationSet) forStation(stationID byte) (*stationStorage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stations[stationID]
	return st, ok
}

// all returns every (stationID, mode, start) key currently served, in the
// order stations were installed, for the master role's round-robin poll.
func (s *stationSet) all() []bankKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]bankKey, len(s.keys))
	copy(out, s.keys)
	return out
}

// bank returns the range bank for one poll key, used by the master to read
// its cached length and snapshot values.
func (s *stationSet) bank(k bankKey) (*rangeBank, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.banks[k]
	return b, ok
}

// pushToStation applies a controller-pushed write to whichever range
// within a station's space for mode covers it (spec.md §4.6 PushRegisters).
func (s *stationSet) pushToStation(stationID byte, mode modbus.RegisterMode, address uint16, values []uint16) bool {
	st, ok := s.forStation(stationID)
	if !ok {
		return false
	}
	return st.WriteWords(mode, address, values)
}
