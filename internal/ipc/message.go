// Package ipc implements the bidirectional, length-prefixed binary message
// stream between the controller and one worker subprocess (spec.md §4.4).
// The wire schema is a tagged union over fixed-width integers: compact and
// self-describing, with no reflection or external codec dependency.
package ipc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/aoba-ctl/aoba-ctl/internal/modbus"
)

// Type tags each message on the wire.
type Type byte

const (
	TypeUpdateStations Type = iota + 1
	TypeStop
	TypePushRegisters
	TypeModbusExchange
	TypeConfigAck
	TypeLog
	TypeExited
)

// Message is implemented by every concrete payload type below.
type Message interface {
	Type() Type
	encode(w *bytes.Buffer)
}

// StationSpec is the wire shape of one station inside UpdateStations.
type StationSpec struct {
	StationID    byte
	RegisterMode modbus.RegisterMode
	StartAddress uint16
	Length       uint16
}

// UpdateStations (controller -> worker): replace the worker's active
// station set at its next safe boundary.
type UpdateStations struct {
	Stations []StationSpec
}

func (UpdateStations) Type() Type { return TypeUpdateStations }
func (m UpdateStations) encode(w *bytes.Buffer) {
	writeUint16(w, uint16(len(m.Stations)))
	for _, s := range m.Stations {
		w.WriteByte(s.StationID)
		w.WriteByte(byte(s.RegisterMode))
		writeUint16(w, s.StartAddress)
		writeUint16(w, s.Length)
	}
}

// Stop (controller -> worker): request clean shutdown.
type Stop struct{}

func (Stop) Type() Type          { return TypeStop }
func (Stop) encode(w *bytes.Buffer) {}

// PushRegisters (controller -> worker): push new slave storage values.
type PushRegisters struct {
	StationID    byte
	StartAddress uint16
	Values       []uint16
}

func (PushRegisters) Type() Type { return TypePushRegisters }
func (m PushRegisters) encode(w *bytes.Buffer) {
	w.WriteByte(m.StationID)
	writeUint16(w, m.StartAddress)
	writeUint16(w, uint16(len(m.Values)))
	for _, v := range m.Values {
		writeUint16(w, v)
	}
}

// ModbusExchange (worker -> controller): log one completed exchange. Values
// carries the decoded register values on success (the read result, or the
// values just written) so the controller can mirror them into the status
// tree's cached_values without re-parsing the raw PDU.
type ModbusExchange struct {
	Write        bool
	StationID    byte
	RegisterMode modbus.RegisterMode
	StartAddress uint16
	Quantity     uint16
	Raw          []byte
	Values       []uint16
	Success      bool
	Error        string
}

func (ModbusExchange) Type() Type { return TypeModbusExchange }
func (m ModbusExchange) encode(w *bytes.Buffer) {
	writeBool(w, m.Write)
	w.WriteByte(m.StationID)
	w.WriteByte(byte(m.RegisterMode))
	writeUint16(w, m.StartAddress)
	writeUint16(w, m.Quantity)
	writeBytes(w, m.Raw)
	writeUint16(w, uint16(len(m.Values)))
	for _, v := range m.Values {
		writeUint16(w, v)
	}
	writeBool(w, m.Success)
	writeString(w, m.Error)
}

// ConfigAck (worker -> controller): acknowledge a config update.
type ConfigAck struct {
	OK    bool
	Error string
}

func (ConfigAck) Type() Type { return TypeConfigAck }
func (m ConfigAck) encode(w *bytes.Buffer) {
	writeBool(w, m.OK)
	writeString(w, m.Error)
}

// LogLevel enumerates the worker-emitted Log message's severity.
type LogLevel byte

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

// Log (worker -> controller): informational logging.
type Log struct {
	Level   LogLevel
	Message string
}

func (Log) Type() Type { return TypeLog }
func (m Log) encode(w *bytes.Buffer) {
	w.WriteByte(byte(m.Level))
	writeString(w, m.Message)
}

// Exited is emitted by the supervisor on process reap, never by the worker
// itself; it is not sent over the wire but shares the Message interface so
// the controller's event-handling switch can treat it uniformly.
type Exited struct {
	ExitCode int
	Signal   string
}

func (Exited) Type() Type          { return TypeExited }
func (Exited) encode(w *bytes.Buffer) {}

// Encode serializes msg's type tag and payload, without the length prefix
// (Conn.WriteFrame adds that).
func Encode(msg Message) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(msg.Type()))
	msg.encode(&buf)
	return buf.Bytes()
}

// Decode parses a type tag + payload (as produced by Encode) back into a
// concrete Message.
func Decode(data []byte) (Message, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("ipc: empty message")
	}
	r := bytes.NewReader(data[1:])
	switch Type(data[0]) {
	case TypeUpdateStations:
		return decodeUpdateStations(r)
	case TypeStop:
		return Stop{}, nil
	case TypePushRegisters:
		return decodePushRegisters(r)
	case TypeModbusExchange:
		return decodeModbusExchange(r)
	case TypeConfigAck:
		return decodeConfigAck(r)
	case TypeLog:
		return decodeLog(r)
	default:
		return nil, fmt.Errorf("ipc: unknown message type %d", data[0])
	}
}

func decodeUpdateStations(r *bytes.Reader) (Message, error) {
	n, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	stations := make([]StationSpec, n)
	for i := range stations {
		id, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		mode, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		addr, err := readUint16(r)
		if err != nil {
			return nil, err
		}
		length, err := readUint16(r)
		if err != nil {
			return nil, err
		}
		stations[i] = StationSpec{StationID: id, RegisterMode: modbus.RegisterMode(mode), StartAddress: addr, Length: length}
	}
	return UpdateStations{Stations: stations}, nil
}

func decodePushRegisters(r *bytes.Reader) (Message, error) {
	id, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	addr, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	n, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	values := make([]uint16, n)
	for i := range values {
		v, err := readUint16(r)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return PushRegisters{StationID: id, StartAddress: addr, Values: values}, nil
}

func decodeModbusExchange(r *bytes.Reader) (Message, error) {
	write, err := readBool(r)
	if err != nil {
		return nil, err
	}
	id, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	mode, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	addr, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	qty, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	raw, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	n, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	values := make([]uint16, n)
	for i := range values {
		v, err := readUint16(r)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	success, err := readBool(r)
	if err != nil {
		return nil, err
	}
	errStr, err := readString(r)
	if err != nil {
		return nil, err
	}
	return ModbusExchange{
		Write: write, StationID: id, RegisterMode: modbus.RegisterMode(mode),
		StartAddress: addr, Quantity: qty, Raw: raw, Values: values, Success: success, Error: errStr,
	}, nil
}

func decodeConfigAck(r *bytes.Reader) (Message, error) {
	ok, err := readBool(r)
	if err != nil {
		return nil, err
	}
	errStr, err := readString(r)
	if err != nil {
		return nil, err
	}
	return ConfigAck{OK: ok, Error: errStr}, nil
}

func decodeLog(r *bytes.Reader) (Message, error) {
	level, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	msg, err := readString(r)
	if err != nil {
		return nil, err
	}
	return Log{Level: LogLevel(level), Message: msg}, nil
}

// --- small fixed-width helpers ---

func writeUint16(w *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.Write(b[:])
}

func readUint16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func writeBool(w *bytes.Buffer, v bool) {
	if v {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	return b != 0, err
}

func writeString(w *bytes.Buffer, s string) {
	writeBytes(w, []byte(s))
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	return string(b), err
}

func writeBytes(w *bytes.Buffer, b []byte) {
	var lb [4]byte
	binary.LittleEndian.PutUint32(lb[:], uint32(len(b)))
	w.Write(lb[:])
	w.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var lb [4]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lb[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
