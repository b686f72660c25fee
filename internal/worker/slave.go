package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aoba-ctl/aoba-ctl/internal/ipc"
	"github.com/aoba-ctl/aoba-ctl/internal/modbus"
	"github.com/aoba-ctl/aoba-ctl/internal/serialport"
)

// RunSlave drives the slave_listen loop (spec.md §4.3): blocks reading
// frames with a short per-read timeout, parses whatever arrived, dispatches
// by function code against the station storage, and writes back the
// encoded response. A frame that fails to parse is dropped silently,
// matching a hardware slave's behavior on bus collisions.
func RunSlave(ctx context.Context, port serialport.Port, stations *stationSet, out *ipc.OutboundQueue, readTimeout time.Duration, log *zap.Logger) {
	port.SetReadTimeout(readTimeout)
	buf := make([]byte, 256)

	for {
		if ctx.Err() != nil {
			return
		}
		n, err := port.Read(buf)
		if err != nil {
			// A read timeout is expected idle behavior, not a fatal error;
			// any other error means the port is gone and the worker exits.
			if isTimeout(err) {
				continue
			}
			log.Error("slave read failed", zap.Error(err))
			return
		}
		if n == 0 {
			continue
		}

		req, perr := modbus.ParseRequest(buf[:n])
		if perr != nil {
			continue // malformed frame, dropped silently per spec
		}

		storage, ok := stations.forStation(req.Station)
		if !ok {
			continue
		}

		resp, ok := modbus.BuildResponse(req, storage)
		if !ok {
			continue
		}
		if _, err := port.Write(resp); err != nil {
			log.Error("slave write failed", zap.Error(err))
			return
		}

		mode := registerModeFromRequest(req)
		values := readValuesForReport(storage, mode, req.Address, req.Quantity)
		out.Send(ipc.ModbusExchange{
			Write:        req.IsWrite,
			StationID:    req.Station,
			RegisterMode: mode,
			StartAddress: req.Address,
			Quantity:     req.Quantity,
			Raw:          resp,
			Values:       values,
			Success:      true,
		})
	}
}

// readValuesForReport fetches the post-exchange values for a ModbusExchange
// report in whichever shape the register mode actually stores them,
// normalizing bits to 0/1 words the same way rangeBank.snapshot does.
func readValuesForReport(storage *stationStorage, mode modbus.RegisterMode, address, quantity uint16) []uint16 {
	switch mode {
	case modbus.Coils, modbus.DiscreteInputs:
		bits, ok := storage.ReadBits(mode, address, quantity)
		if !ok {
			return nil
		}
		out := make([]uint16, len(bits))
		for i, b := range bits {
			if b {
				out[i] = 1
			}
		}
		return out
	default:
		words, _ := storage.ReadWords(mode, address, quantity)
		return words
	}
}

func registerModeFromRequest(req modbus.RequestFrame) modbus.RegisterMode {
	switch req.Function {
	case modbus.FuncReadCoils, modbus.FuncWriteSingleCoil, modbus.FuncWriteMultiCoils:
		return modbus.Coils
	case modbus.FuncReadDiscreteInputs:
		return modbus.DiscreteInputs
	case modbus.FuncReadInputRegs:
		return modbus.Input
	default:
		return modbus.Holding
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}

// ApplyPush mutates the matching station bank when the controller sends a
// PushRegisters message (spec.md §4.6): the new values take effect at the
// next poll boundary, which for a slave simply means "as soon as the next
// request touches that range."
func ApplyPush(stations *stationSet, msg ipc.PushRegisters, mode modbus.RegisterMode) {
	stations.pushToStation(msg.StationID, mode, msg.StartAddress, msg.Values)
}
