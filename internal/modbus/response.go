package modbus

import "encoding/binary"

// Storage is the minimal read/write surface a slave's register storage must
// expose so BuildResponse can serve a parsed request against it.
type Storage interface {
	ReadBits(mode RegisterMode, address, quantity uint16) ([]bool, bool)
	ReadWords(mode RegisterMode, address, quantity uint16) ([]uint16, bool)
	WriteBits(mode RegisterMode, address uint16, values []bool) bool
	WriteWords(mode RegisterMode, address uint16, values []uint16) bool
}

// modeForFunction maps a request function code to the register mode it
// addresses, used by BuildResponse to dispatch against Storage.
func modeForFunction(fn byte) (RegisterMode, bool) {
	switch fn {
	case FuncReadCoils, FuncWriteSingleCoil, FuncWriteMultiCoils:
		return Coils, true
	case FuncReadDiscreteInputs:
		return DiscreteInputs, true
	case FuncReadHoldingRegs, FuncWriteSingleReg, FuncWriteMultiRegs:
		return Holding, true
	case FuncReadInputRegs:
		return Input, true
	default:
		return 0, false
	}
}

// BuildResponse serves req against storage and returns the encoded reply
// frame. An unknown function code yields an exception 0x01 frame and a range
// storage doesn't have yields an exception 0x02 frame, both with ok == true;
// ok is false only when no frame was built, which the caller treats as "no
// response".
func BuildResponse(req RequestFrame, storage Storage) (frame []byte, ok bool) {
	mode, known := modeForFunction(req.Function)
	if !known {
		return BuildExceptionResponse(req.Station, req.Function, 0x01), true
	}

	switch req.Function {
	case FuncReadCoils, FuncReadDiscreteInputs:
		bits, found := storage.ReadBits(mode, req.Address, req.Quantity)
		if !found {
			return BuildExceptionResponse(req.Station, req.Function, 0x02), true
		}
		return buildBitReadResponse(req.Station, req.Function, bits), true

	case FuncReadHoldingRegs, FuncReadInputRegs:
		words, found := storage.ReadWords(mode, req.Address, req.Quantity)
		if !found {
			return BuildExceptionResponse(req.Station, req.Function, 0x02), true
		}
		return buildWordReadResponse(req.Station, req.Function, words), true

	case FuncWriteSingleCoil:
		if !storage.WriteBits(mode, req.Address, req.Coils) {
			return BuildExceptionResponse(req.Station, req.Function, 0x02), true
		}
		return echoWriteSingle(req.Station, req.Function, req.Address, boolToWord(req.Coils[0])), true

	case FuncWriteSingleReg:
		if !storage.WriteWords(mode, req.Address, req.Values) {
			return BuildExceptionResponse(req.Station, req.Function, 0x02), true
		}
		return echoWriteSingle(req.Station, req.Function, req.Address, req.Values[0]), true

	case FuncWriteMultiCoils:
		if !storage.WriteBits(mode, req.Address, req.Coils) {
			return BuildExceptionResponse(req.Station, req.Function, 0x02), true
		}
		return echoWriteMulti(req.Station, req.Function, req.Address, req.Quantity), true

	case FuncWriteMultiRegs:
		if !storage.WriteWords(mode, req.Address, req.Values) {
			return BuildExceptionResponse(req.Station, req.Function, 0x02), true
		}
		return echoWriteMulti(req.Station, req.Function, req.Address, req.Quantity), true
	}
	return nil, false
}

func boolToWord(b bool) uint16 {
	if b {
		return 0xFF00
	}
	return 0
}

func buildBitReadResponse(station, fn byte, bits []bool) []byte {
	byteCount := (len(bits) + 7) / 8
	resp := make([]byte, 3+byteCount)
	resp[0], resp[1], resp[2] = station, fn, byte(byteCount)
	for i, b := range bits {
		if b {
			resp[3+i/8] |= 1 << uint(i%8)
		}
	}
	return appendCRC(resp)
}

func buildWordReadResponse(station, fn byte, words []uint16) []byte {
	resp := make([]byte, 3+len(words)*2)
	resp[0], resp[1], resp[2] = station, fn, byte(len(words)*2)
	for i, w := range words {
		binary.BigEndian.PutUint16(resp[3+i*2:5+i*2], w)
	}
	return appendCRC(resp)
}

func echoWriteSingle(station, fn byte, address, value uint16) []byte {
	resp := make([]byte, 6)
	resp[0], resp[1] = station, fn
	binary.BigEndian.PutUint16(resp[2:4], address)
	binary.BigEndian.PutUint16(resp[4:6], value)
	return appendCRC(resp)
}

func echoWriteMulti(station, fn byte, address, quantity uint16) []byte {
	resp := make([]byte, 6)
	resp[0], resp[1] = station, fn
	binary.BigEndian.PutUint16(resp[2:4], address)
	binary.BigEndian.PutUint16(resp[4:6], quantity)
	return appendCRC(resp)
}

// BuildExceptionResponse encodes a Modbus exception reply: the request's
// function code with bit 7 set, followed by a single exception-code byte.
func BuildExceptionResponse(station, fn, code byte) []byte {
	resp := []byte{station, fn | exceptionBit, code}
	return appendCRC(resp)
}

// ParseResponse decodes a master-side response frame for a request that
// asked for expectedQuantity values in the given register mode. CRC
// mismatches, short frames, and exception replies all surface as
// *ProtocolError and are never retried by this package.
func ParseResponse(frame []byte, expectedQuantity uint16, mode RegisterMode) ([]uint16, error) {
	if len(frame) < 5 {
		return nil, &ProtocolError{Kind: "short_frame"}
	}
	if !verifyCRC(frame) {
		return nil, &ProtocolError{Kind: "crc"}
	}
	body := frame[:len(frame)-2]
	fn := body[1]
	if fn&exceptionBit != 0 {
		code := byte(0)
		if len(body) >= 3 {
			code = body[2]
		}
		return nil, &ProtocolError{Kind: "exception", Code: code}
	}

	switch mode {
	case Coils, DiscreteInputs:
		if len(body) < 3 {
			return nil, &ProtocolError{Kind: "short_frame"}
		}
		byteCount := int(body[2])
		if len(body) < 3+byteCount {
			return nil, &ProtocolError{Kind: "short_frame"}
		}
		bits := decodeBits(body[3:3+byteCount], expectedQuantity)
		out := make([]uint16, len(bits))
		for i, b := range bits {
			out[i] = boolToWord(b) & 1 // only the low bit is significant
			if b {
				out[i] = 1
			}
		}
		return out, nil

	case Holding, Input:
		if len(body) < 3 {
			return nil, &ProtocolError{Kind: "short_frame"}
		}
		byteCount := int(body[2])
		if len(body) < 3+byteCount || byteCount < int(expectedQuantity)*2 {
			return nil, &ProtocolError{Kind: "short_frame"}
		}
		out := make([]uint16, expectedQuantity)
		for i := range out {
			out[i] = binary.BigEndian.Uint16(body[3+i*2 : 5+i*2])
		}
		return out, nil

	// Write-echo responses carry address+value/quantity, not a payload to
	// decode as register values; callers polling writes don't call
	// ParseResponse for them.
	default:
		return nil, &ProtocolError{Kind: "exception", Code: 0x01}
	}
}
