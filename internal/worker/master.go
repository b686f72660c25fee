package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aoba-ctl/aoba-ctl/internal/datasource"
	"github.com/aoba-ctl/aoba-ctl/internal/ipc"
	"github.com/aoba-ctl/aoba-ctl/internal/modbus"
	"github.com/aoba-ctl/aoba-ctl/internal/serialport"
)

// RunMaster drives the master_provide loop (spec.md §4.3): round-robin
// polls every configured station, optionally writing a value obtained from
// the data source between reads, until ctx is canceled or a Stop message
// arrives.
func RunMaster(ctx context.Context, port serialport.Port, stations *stationSet, src datasource.Source, out *ipc.OutboundQueue, pollInterval, perRequestTimeout time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, k := range stations.all() {
				if ctx.Err() != nil {
					return
				}
				pollOneStation(port, k, stations, src, out, perRequestTimeout, log)
			}
		}
	}
}

func pollOneStation(port serialport.Port, k bankKey, stations *stationSet, src datasource.Source, out *ipc.OutboundQueue, timeout time.Duration, log *zap.Logger) {
	bank, ok := stations.bank(k)
	if !ok {
		return
	}

	// Offer a write first, if the data source has something new.
	if values, has, err := src.Next(context.Background()); err != nil {
		log.Warn("data-source-error", zap.Error(err))
	} else if has {
		exchangeWrite(port, k, bank, values, out, timeout, log)
	}

	exchangeRead(port, k, bank, out, timeout, log)
}

func exchangeRead(port serialport.Port, k bankKey, bank *rangeBank, out *ipc.OutboundQueue, timeout time.Duration, log *zap.Logger) {
	req, err := modbus.BuildReadRequest(k.stationID, k.mode, k.start, bank.length)
	if err != nil {
		log.Error("build read request", zap.Error(err))
		return
	}
	port.SetReadTimeout(timeout)
	if _, err := port.Write(req); err != nil {
		reportExchange(out, false, k, bank.length, nil, nil, false, err.Error())
		return
	}
	raw, err := readFrame(port)
	if err != nil {
		reportExchange(out, false, k, bank.length, nil, nil, false, err.Error())
		return
	}
	values, perr := modbus.ParseResponse(raw, bank.length, k.mode)
	if perr != nil {
		log.Warn("protocol-error", zap.Error(perr))
		reportExchange(out, false, k, bank.length, raw, nil, false, perr.Error())
		return
	}
	bank.writeWords(k.start, values)
	if k.mode == modbus.Coils || k.mode == modbus.DiscreteInputs {
		bits := make([]bool, len(values))
		for i, v := range values {
			bits[i] = v != 0
		}
		bank.writeBits(k.start, bits)
	}
	reportExchange(out, false, k, bank.length, raw, values, true, "")
}

func exchangeWrite(port serialport.Port, k bankKey, bank *rangeBank, values []uint16, out *ipc.OutboundQueue, timeout time.Duration, log *zap.Logger) {
	req, err := modbus.BuildWriteRequest(k.stationID, k.mode, k.start, values)
	if err != nil {
		log.Error("build write request", zap.Error(err))
		return
	}
	port.SetReadTimeout(timeout)
	if _, err := port.Write(req); err != nil {
		reportExchange(out, true, k, uint16(len(values)), nil, nil, false, err.Error())
		return
	}
	raw, err := readFrame(port)
	if err != nil {
		reportExchange(out, true, k, uint16(len(values)), nil, nil, false, err.Error())
		return
	}
	if _, perr := modbus.ParseResponse(raw, uint16(len(values)), k.mode); perr != nil {
		log.Warn("protocol-error", zap.Error(perr))
		reportExchange(out, true, k, uint16(len(values)), raw, nil, false, perr.Error())
		return
	}
	bank.writeWords(k.start, values)
	reportExchange(out, true, k, uint16(len(values)), raw, values, true, "")
}

func reportExchange(out *ipc.OutboundQueue, write bool, k bankKey, quantity uint16, raw []byte, values []uint16, success bool, errMsg string) {
	out.Send(ipc.ModbusExchange{
		Write: write, StationID: k.stationID, RegisterMode: k.mode,
		StartAddress: k.start, Quantity: quantity, Raw: raw, Values: values, Success: success, Error: errMsg,
	})
}

// readFrame reads one Modbus RTU response. It relies on the port's
// configured read timeout to mark frame boundaries, per the 3.5-character
// inter-frame silence rule applied implicitly (spec.md §6): a single Read
// call blocks for at most the timeout and returns whatever arrived.
func readFrame(port serialport.Port) ([]byte, error) {
	buf := make([]byte, 256)
	n, err := port.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}
