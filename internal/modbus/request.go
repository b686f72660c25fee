package modbus

import "encoding/binary"

// BuildReadRequest encodes a read request (function codes 0x01-0x04) for the
// given station, register mode, start address and quantity.
func BuildReadRequest(station byte, mode RegisterMode, startAddress, quantity uint16) ([]byte, error) {
	fn, err := readFuncFor(mode)
	if err != nil {
		return nil, err
	}
	req := make([]byte, 6)
	req[0] = station
	req[1] = fn
	binary.BigEndian.PutUint16(req[2:4], startAddress)
	binary.BigEndian.PutUint16(req[4:6], quantity)
	return appendCRC(req), nil
}

// BuildWriteRequest encodes a write request for the given station and
// register mode. Coils use 0x05 for a single value and 0x0F for more than
// one; holding registers use 0x06 / 0x10 the same way. Only Coils and
// Holding are valid write targets.
func BuildWriteRequest(station byte, mode RegisterMode, startAddress uint16, values []uint16) ([]byte, error) {
	switch mode {
	case Coils:
		if len(values) == 1 {
			return buildWriteSingleCoil(station, startAddress, values[0] != 0), nil
		}
		return buildWriteMultiCoils(station, startAddress, values), nil
	case Holding:
		if len(values) == 1 {
			return buildWriteSingleRegister(station, startAddress, values[0]), nil
		}
		return buildWriteMultiRegisters(station, startAddress, values), nil
	default:
		return nil, &ProtocolError{Kind: "exception", Code: 0x02}
	}
}

func buildWriteSingleCoil(station byte, address uint16, on bool) []byte {
	var value uint16
	if on {
		value = 0xFF00
	}
	req := make([]byte, 6)
	req[0] = station
	req[1] = FuncWriteSingleCoil
	binary.BigEndian.PutUint16(req[2:4], address)
	binary.BigEndian.PutUint16(req[4:6], value)
	return appendCRC(req)
}

func buildWriteSingleRegister(station byte, address, value uint16) []byte {
	req := make([]byte, 6)
	req[0] = station
	req[1] = FuncWriteSingleReg
	binary.BigEndian.PutUint16(req[2:4], address)
	binary.BigEndian.PutUint16(req[4:6], value)
	return appendCRC(req)
}

func buildWriteMultiCoils(station byte, address uint16, values []uint16) []byte {
	byteCount := (len(values) + 7) / 8
	data := make([]byte, byteCount)
	for i, v := range values {
		if v != 0 {
			data[i/8] |= 1 << uint(i%8)
		}
	}
	return buildWriteMultiFrame(station, FuncWriteMultiCoils, address, uint16(len(values)), data)
}

func buildWriteMultiRegisters(station byte, address uint16, values []uint16) []byte {
	data := make([]byte, len(values)*2)
	for i, v := range values {
		binary.BigEndian.PutUint16(data[i*2:i*2+2], v)
	}
	return buildWriteMultiFrame(station, FuncWriteMultiRegs, address, uint16(len(values)), data)
}

func buildWriteMultiFrame(station, fn byte, address, quantity uint16, data []byte) []byte {
	req := make([]byte, 7+len(data))
	req[0] = station
	req[1] = fn
	binary.BigEndian.PutUint16(req[2:4], address)
	binary.BigEndian.PutUint16(req[4:6], quantity)
	req[6] = byte(len(data))
	copy(req[7:], data)
	return appendCRC(req)
}

// ParseRequest decodes a request frame as seen by a server (slave role).
// The CRC is validated and stripped; malformed frames return a ProtocolError
// and should be silently dropped by the caller, not responded to.
func ParseRequest(frame []byte) (RequestFrame, error) {
	if len(frame) < 5 {
		return RequestFrame{}, &ProtocolError{Kind: "short_frame"}
	}
	if !verifyCRC(frame) {
		return RequestFrame{}, &ProtocolError{Kind: "crc"}
	}
	body := frame[:len(frame)-2]
	rf := RequestFrame{Station: body[0], Function: body[1]}

	switch rf.Function {
	case FuncReadCoils, FuncReadDiscreteInputs, FuncReadHoldingRegs, FuncReadInputRegs:
		if len(body) < 6 {
			return RequestFrame{}, &ProtocolError{Kind: "short_frame"}
		}
		rf.Address = binary.BigEndian.Uint16(body[2:4])
		rf.Quantity = binary.BigEndian.Uint16(body[4:6])
	case FuncWriteSingleCoil:
		if len(body) < 6 {
			return RequestFrame{}, &ProtocolError{Kind: "short_frame"}
		}
		rf.Address = binary.BigEndian.Uint16(body[2:4])
		raw := binary.BigEndian.Uint16(body[4:6])
		rf.IsWrite = true
		rf.Quantity = 1
		rf.Coils = []bool{raw == 0xFF00}
	case FuncWriteSingleReg:
		if len(body) < 6 {
			return RequestFrame{}, &ProtocolError{Kind: "short_frame"}
		}
		rf.Address = binary.BigEndian.Uint16(body[2:4])
		rf.IsWrite = true
		rf.Quantity = 1
		rf.Values = []uint16{binary.BigEndian.Uint16(body[4:6])}
	case FuncWriteMultiCoils:
		if len(body) < 7 {
			return RequestFrame{}, &ProtocolError{Kind: "short_frame"}
		}
		rf.Address = binary.BigEndian.Uint16(body[2:4])
		rf.Quantity = binary.BigEndian.Uint16(body[4:6])
		byteCount := int(body[6])
		if len(body) < 7+byteCount {
			return RequestFrame{}, &ProtocolError{Kind: "short_frame"}
		}
		rf.IsWrite, rf.IsMulti = true, true
		rf.Coils = decodeBits(body[7:7+byteCount], rf.Quantity)
	case FuncWriteMultiRegs:
		if len(body) < 7 {
			return RequestFrame{}, &ProtocolError{Kind: "short_frame"}
		}
		rf.Address = binary.BigEndian.Uint16(body[2:4])
		rf.Quantity = binary.BigEndian.Uint16(body[4:6])
		byteCount := int(body[6])
		if len(body) < 7+byteCount || byteCount != int(rf.Quantity)*2 {
			return RequestFrame{}, &ProtocolError{Kind: "short_frame"}
		}
		rf.IsWrite, rf.IsMulti = true, true
		rf.Values = make([]uint16, rf.Quantity)
		for i := range rf.Values {
			rf.Values[i] = binary.BigEndian.Uint16(body[7+i*2 : 9+i*2])
		}
	default:
		return RequestFrame{}, &ProtocolError{Kind: "exception", Code: 0x01}
	}
	return rf, nil
}

// decodeBits unpacks quantity LSB-first bits from data, discarding the zero
// padding in the upper bits of the last byte.
func decodeBits(data []byte, quantity uint16) []bool {
	out := make([]bool, quantity)
	for i := uint16(0); i < quantity; i++ {
		byteIdx, bitIdx := i/8, i%8
		out[i] = data[byteIdx]&(1<<bitIdx) != 0
	}
	return out
}
