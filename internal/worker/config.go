package worker

import (
	"flag"
	"fmt"
	"time"

	"github.com/aoba-ctl/aoba-ctl/internal/modbus"
	"github.com/aoba-ctl/aoba-ctl/internal/serialport"
)

// Mode selects the worker's loop variant, matching spec.md §6's --mode
// values exactly (the naming is semantic: slave_poll is reserved for a
// future slave-initiates variant and is currently treated as slave_listen).
type Mode string

const (
	ModeMasterProvide Mode = "master_provide"
	ModeSlaveListen   Mode = "slave_listen"
	ModeSlavePoll     Mode = "slave_poll"
)

// Config is the fully parsed set of --mode/--port/... CLI arguments a
// spawned worker subprocess receives (spec.md §6).
type Config struct {
	Mode Mode

	Port     string
	BaudRate int
	DataBits int
	StopBits int
	Parity   serialport.Parity

	StationID       byte
	RegisterAddress uint16
	RegisterLength  uint16
	RegisterMode    modbus.RegisterMode

	RequestIntervalMS int
	TimeoutMS         int

	DataSourceURI string
	IPCChannel    string
}

func (c Config) ReadTimeout() time.Duration { return time.Duration(c.TimeoutMS) * time.Millisecond }
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.RequestIntervalMS) * time.Millisecond
}

// ParseArgs parses the worker's own argv (excluding argv[0]) into a Config.
func ParseArgs(args []string) (Config, error) {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)

	mode := fs.String("mode", "", "slave_listen | master_provide | slave_poll")
	port := fs.String("port", "", "device identifier")
	stationID := fs.Uint("station-id", 1, "default station id")
	regAddr := fs.Uint("register-address", 0, "default start address")
	regLen := fs.Uint("register-length", 1, "default quantity")
	regMode := fs.String("register-mode", "holding", "coils|discrete_inputs|holding|input")
	baud := fs.Int("baud-rate", 9600, "line speed")
	intervalMS := fs.Int("request-interval-ms", 1000, "between polls")
	timeoutMS := fs.Int("timeout-ms", 3000, "per-request timeout")
	dataSource := fs.String("data-source", "manual", "master value source")
	ipcChannel := fs.String("ipc-channel", "", "ipc endpoint path")
	dataBits := fs.Int("data-bits", 8, "serial data bits")
	stopBits := fs.Int("stop-bits", 1, "serial stop bits")
	parity := fs.String("parity", "none", "none|even|odd")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	rm, err := parseRegisterMode(*regMode)
	if err != nil {
		return Config{}, err
	}
	par, err := parseParity(*parity)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Mode:              Mode(*mode),
		Port:              *port,
		BaudRate:          *baud,
		DataBits:          *dataBits,
		StopBits:          *stopBits,
		Parity:            par,
		StationID:         byte(*stationID),
		RegisterAddress:   uint16(*regAddr),
		RegisterLength:    uint16(*regLen),
		RegisterMode:      rm,
		RequestIntervalMS: *intervalMS,
		TimeoutMS:         *timeoutMS,
		DataSourceURI:     *dataSource,
		IPCChannel:        *ipcChannel,
	}
	switch cfg.Mode {
	case ModeMasterProvide, ModeSlaveListen, ModeSlavePoll:
	default:
		return Config{}, fmt.Errorf("worker: invalid --mode %q", *mode)
	}
	if cfg.Port == "" {
		return Config{}, fmt.Errorf("worker: --port is required")
	}
	return cfg, nil
}

func parseRegisterMode(s string) (modbus.RegisterMode, error) {
	switch s {
	case "coils":
		return modbus.Coils, nil
	case "discrete_inputs":
		return modbus.DiscreteInputs, nil
	case "holding":
		return modbus.Holding, nil
	case "input":
		return modbus.Input, nil
	default:
		return 0, fmt.Errorf("worker: invalid --register-mode %q", s)
	}
}

func parseParity(s string) (serialport.Parity, error) {
	switch s {
	case "none":
		return serialport.ParityNone, nil
	case "even":
		return serialport.ParityEven, nil
	case "odd":
		return serialport.ParityOdd, nil
	default:
		return 0, fmt.Errorf("worker: invalid --parity %q", s)
	}
}
