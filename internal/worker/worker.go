package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/aoba-ctl/aoba-ctl/internal/applog"
	"github.com/aoba-ctl/aoba-ctl/internal/datasource"
	"github.com/aoba-ctl/aoba-ctl/internal/ipc"
	"github.com/aoba-ctl/aoba-ctl/internal/modbus"
	"github.com/aoba-ctl/aoba-ctl/internal/serialport"
)

// Run is the worker subprocess entry point: it opens the port, attaches the
// IPC channel, and dispatches into the master or slave loop per cfg.Mode.
// It returns when the loop exits (Stop message, IPC disconnect, or fatal
// port error); the caller (cmd/aobactl) turns the error into an exit code.
func Run(ctx context.Context, cfg Config) error {
	log := applog.WithPort(cfg.Port)

	params := serialport.Params{
		Baud: cfg.BaudRate, DataBits: cfg.DataBits, StopBits: cfg.StopBits,
		Parity: cfg.Parity, ReadTimeout: cfg.ReadTimeout(),
	}
	port, err := serialport.Open(cfg.Port, params)
	if err != nil {
		return fmt.Errorf("worker: open port: %w", err)
	}
	defer port.Close()

	conn, err := ipc.Dial(cfg.IPCChannel, 5*time.Second)
	if err != nil {
		return fmt.Errorf("worker: dial ipc channel: %w", err)
	}
	defer conn.Close()

	out := ipc.NewOutboundQueue(conn)
	defer out.Stop()

	stations := newStationSet()
	stations.replace([]StationSeed{{
		StationID: cfg.StationID, RegisterMode: cfg.RegisterMode,
		StartAddress: cfg.RegisterAddress, Length: cfg.RegisterLength,
	}})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var pushTarget *datasource.PushSource

	var src datasource.Source
	if cfg.Mode == ModeMasterProvide {
		src, err = datasource.Parse(cfg.DataSourceURI)
		if err != nil {
			return fmt.Errorf("worker: data source: %w", err)
		}
		defer src.Close()
		if ps, ok := src.(*datasource.PushSource); ok {
			pushTarget = ps
		}
	}

	inboundDone := make(chan error, 1)
	go func() { inboundDone <- handleInbound(runCtx, conn, stations, pushTarget, cancel) }()

	switch cfg.Mode {
	case ModeMasterProvide:
		RunMaster(runCtx, port, stations, src, out, cfg.PollInterval(), cfg.ReadTimeout(), log)
	case ModeSlaveListen, ModeSlavePoll:
		RunSlave(runCtx, port, stations, out, cfg.ReadTimeout(), log)
	}

	cancel()
	return <-inboundDone
}

// registerModeCandidates is the fallback search order applyPushAnyMode
// tries when a PushRegisters message doesn't carry its own register mode
// (spec.md's wire shape for PushRegisters is (station_id, start, values)
// only): Holding is by far the common case for a pushed write, so it goes
// first.
var registerModeCandidates = []modbus.RegisterMode{
	modbus.Holding, modbus.Input, modbus.Coils, modbus.DiscreteInputs,
}

// handleInbound drains controller->worker messages (UpdateStations, Stop,
// PushRegisters) until the connection drops or the context is canceled.
func handleInbound(ctx context.Context, conn *ipc.Conn, stations *stationSet, pushTarget *datasource.PushSource, cancel context.CancelFunc) error {
	for {
		msg, err := conn.ReceiveMessage()
		if err != nil {
			cancel()
			return err
		}
		switch m := msg.(type) {
		case ipc.Stop:
			cancel()
			return nil
		case ipc.UpdateStations:
			seeds := make([]StationSeed, len(m.Stations))
			for i, s := range m.Stations {
				seeds[i] = StationSeed{StationID: s.StationID, RegisterMode: s.RegisterMode, StartAddress: s.StartAddress, Length: s.Length}
			}
			stations.replace(seeds)
		case ipc.PushRegisters:
			if pushTarget != nil {
				pushTarget.Push(m.Values)
			} else {
				applyPushAnyMode(stations, m)
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func applyPushAnyMode(stations *stationSet, m ipc.PushRegisters) {
	for _, mode := range registerModeCandidates {
		if stations.pushToStation(m.StationID, mode, m.StartAddress, m.Values) {
			return
		}
	}
}
