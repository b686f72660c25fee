// Package persistence snapshots and restores the per-port configuration
// subset of the status tree as pretty-printed JSON, per spec.md §4.9. It
// touches nothing else in the tree: occupancy, subprocess handles, and log
// rings are never persisted.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aoba-ctl/aoba-ctl/internal/modbus"
	"github.com/aoba-ctl/aoba-ctl/internal/statustree"
)

// DefaultFilename is the file written in the controller's working directory.
const DefaultFilename = "aoba_tui_config.json"

// encPrefix marks a master_source.value as sealed by the active encryptor,
// so Load can tell an encrypted value from a plaintext one written before an
// encryptor was configured (or by an older version of this binary).
const encPrefix = "enc:"

// encryptor is the narrow slice of internal/security.EncryptionService this
// package needs; declared locally so persistence never imports security's
// concrete type and the two packages can evolve independently.
type encryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

var (
	encMu  sync.RWMutex
	encSvc encryptor
)

// SetEncryptor installs enc as the at-rest encryptor for future Save/Load
// calls; nil disables encryption and reverts to plaintext master-source
// values. Mirrors internal/applog.SetRingSink's late-bound-dependency shape.
func SetEncryptor(enc encryptor) {
	encMu.Lock()
	defer encMu.Unlock()
	encSvc = enc
}

func currentEncryptor() encryptor {
	encMu.RLock()
	defer encMu.RUnlock()
	return encSvc
}

// document is the on-disk schema (spec.md §4.9), kept intentionally close to
// the wire shape rather than to Go naming conventions.
type document []portEntry

type portEntry struct {
	Name   string     `json:"name"`
	Config configWrap `json:"config"`
}

type configWrap struct {
	Modbus modbusConfig `json:"Modbus"`
}

type modbusConfig struct {
	Mode         string           `json:"mode"`
	MasterSource *sourceWire      `json:"master_source"`
	Stations     []stationWire    `json:"stations"`
}

type sourceWire struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

type stationWire struct {
	StationID       byte     `json:"station_id"`
	RegisterMode    string   `json:"register_mode"`
	RegisterAddress uint16   `json:"register_address"`
	RegisterLength  uint16   `json:"register_length"`
	LastValues      []uint16 `json:"last_values"`
}

func registerModeToWire(m modbus.RegisterMode) string {
	switch m {
	case modbus.Coils:
		return "Coils"
	case modbus.DiscreteInputs:
		return "DiscreteInputs"
	case modbus.Holding:
		return "Holding"
	case modbus.Input:
		return "Input"
	default:
		return "Holding"
	}
}

func registerModeFromWire(s string) modbus.RegisterMode {
	switch s {
	case "Coils":
		return modbus.Coils
	case "DiscreteInputs":
		return modbus.DiscreteInputs
	case "Input":
		return modbus.Input
	default:
		return modbus.Holding
	}
}

func sourceKindToWire(k statustree.DataSourceKind) string {
	switch k {
	case statustree.DSManual:
		return "manual"
	case statustree.DSFile:
		return "file"
	case statustree.DSPipe:
		return "pipe"
	case statustree.DSTransparentForward:
		return "transparent"
	case statustree.DSMQTT:
		return "mqtt"
	case statustree.DSHTTP:
		return "http"
	case statustree.DSIPCPipe:
		return "ipc"
	default:
		return "manual"
	}
}

func sourceKindFromWire(s string) statustree.DataSourceKind {
	switch s {
	case "file":
		return statustree.DSFile
	case "pipe":
		return statustree.DSPipe
	case "transparent":
		return statustree.DSTransparentForward
	case "mqtt":
		return statustree.DSMQTT
	case "http":
		return statustree.DSHTTP
	case "ipc":
		return statustree.DSIPCPipe
	default:
		return statustree.DSManual
	}
}

// sealValue encrypts value for storage when an encryptor is installed; a
// value already carrying encPrefix (round-tripped through a prior Save with
// no encryptor available at this Save) is left alone rather than double-
// sealed. Encryption failures fall back to plaintext rather than losing the
// value — a station's master source is worth more than its secrecy.
func sealValue(value string) string {
	if value == "" || strings.HasPrefix(value, encPrefix) {
		return value
	}
	enc := currentEncryptor()
	if enc == nil {
		return value
	}
	sealed, err := enc.Encrypt(value)
	if err != nil {
		return value
	}
	return encPrefix + sealed
}

// openValue reverses sealValue. A value without encPrefix is plaintext and
// returned as-is; one with it requires a configured encryptor to open.
func openValue(value string) (string, error) {
	if !strings.HasPrefix(value, encPrefix) {
		return value, nil
	}
	enc := currentEncryptor()
	if enc == nil {
		return "", fmt.Errorf("encrypted master source but no encryptor configured")
	}
	return enc.Decrypt(strings.TrimPrefix(value, encPrefix))
}

// Save writes the configuration subset of every port in ports to path as
// pretty-printed JSON. The write is atomic: it writes to a temp file in the
// same directory and renames over the target, so a concurrent reader never
// observes a truncated file.
func Save(path string, ports []statustree.PortData) error {
	doc := make(document, 0, len(ports))
	for _, p := range ports {
		mc := modbusConfig{Stations: make([]stationWire, 0, len(p.Config.Stations))}
		if p.Config.Mode == statustree.Master {
			mc.Mode = "Master"
		} else {
			mc.Mode = "Slave"
		}
		if p.Config.MasterSource != nil {
			mc.MasterSource = &sourceWire{
				Kind:  sourceKindToWire(p.Config.MasterSource.Kind),
				Value: sealValue(p.Config.MasterSource.Value),
			}
		}
		for _, st := range p.Config.Stations {
			lastValues := st.Cached
			if p.Config.Mode == statustree.Slave {
				// Slaves seed from the wire; persisting their cache would
				// just replay stale values at next boot.
				lastValues = []uint16{}
			}
			mc.Stations = append(mc.Stations, stationWire{
				StationID:       st.StationID,
				RegisterMode:    registerModeToWire(st.RegisterMode),
				RegisterAddress: st.StartAddress,
				RegisterLength:  st.Length,
				LastValues:      append([]uint16(nil), lastValues...),
			})
		}
		doc = append(doc, portEntry{Name: p.Name, Config: configWrap{Modbus: mc}})
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("persistence: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".aoba_tui_config-*.tmp")
	if err != nil {
		return fmt.Errorf("persistence: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("persistence: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("persistence: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("persistence: rename into place: %w", err)
	}
	return nil
}

// RestoredPort is one entry reconstructed from disk, ready for the
// controller to insert into the tree with NotStarted status.
type RestoredPort struct {
	Name   string
	Config statustree.PortConfig
}

// Load reads path and reconstructs the port-configuration list. A missing
// file is not an error: it returns an empty slice, matching first-boot
// behavior.
func Load(path string) ([]RestoredPort, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("persistence: read %s: %w", path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("persistence: malformed config %s: %w", path, err)
	}

	out := make([]RestoredPort, 0, len(doc))
	for _, entry := range doc {
		cfg := statustree.PortConfig{}
		if entry.Config.Modbus.Mode == "Slave" {
			cfg.Mode = statustree.Slave
		} else {
			cfg.Mode = statustree.Master
		}
		if entry.Config.Modbus.MasterSource != nil {
			value, err := openValue(entry.Config.Modbus.MasterSource.Value)
			if err != nil {
				return nil, fmt.Errorf("persistence: %s: %w", entry.Name, err)
			}
			cfg.MasterSource = &statustree.DataSourceDescriptor{
				Kind:  sourceKindFromWire(entry.Config.Modbus.MasterSource.Kind),
				Value: value,
			}
		}
		for _, sw := range entry.Config.Modbus.Stations {
			cached := make([]uint16, sw.RegisterLength)
			copy(cached, sw.LastValues)
			cfg.Stations = append(cfg.Stations, statustree.Station{
				StationID:    sw.StationID,
				RegisterMode: registerModeFromWire(sw.RegisterMode),
				StartAddress: sw.RegisterAddress,
				Length:       sw.RegisterLength,
				Cached:       cached,
			})
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("persistence: %s: %w", entry.Name, err)
		}
		out = append(out, RestoredPort{Name: entry.Name, Config: cfg})
	}
	return out, nil
}
