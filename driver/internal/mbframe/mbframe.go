// Package mbframe holds the Modbus PDU type, function code table and
// exception-code mapping shared by the tcp and rtu reference drivers,
// covering the eight function codes the driver interface needs.
package mbframe

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PDU is one Modbus protocol data unit: unit id, function code, payload.
type PDU struct {
	UnitID       uint8
	FunctionCode uint8
	Payload      []byte
}

const (
	FCReadCoils              uint8 = 0x01
	FCReadDiscreteInputs     uint8 = 0x02
	FCReadHoldingRegisters   uint8 = 0x03
	FCReadInputRegisters     uint8 = 0x04
	FCWriteSingleCoil        uint8 = 0x05
	FCWriteSingleRegister    uint8 = 0x06
	FCWriteMultipleCoils     uint8 = 0x0f
	FCWriteMultipleRegisters uint8 = 0x10
)

const (
	exIllegalFunction         uint8 = 0x01
	exIllegalDataAddress      uint8 = 0x02
	exIllegalDataValue        uint8 = 0x03
	exServerDeviceFailure     uint8 = 0x04
	exAcknowledge             uint8 = 0x05
	exServerDeviceBusy        uint8 = 0x06
	exMemoryParityError       uint8 = 0x08
	exGWPathUnavailable       uint8 = 0x0a
	exGWTargetFailedToRespond uint8 = 0x0b
)

var (
	ErrProtocolError           = errors.New("mbframe: protocol error")
	ErrUnexpectedParameters    = errors.New("mbframe: unexpected parameters")
	ErrIllegalFunction         = errors.New("mbframe: illegal function")
	ErrIllegalDataAddress      = errors.New("mbframe: illegal data address")
	ErrIllegalDataValue        = errors.New("mbframe: illegal data value")
	ErrServerDeviceFailure     = errors.New("mbframe: server device failure")
	ErrAcknowledge             = errors.New("mbframe: request acknowledged")
	ErrServerDeviceBusy        = errors.New("mbframe: server device busy")
	ErrMemoryParityError       = errors.New("mbframe: memory parity error")
	ErrGWPathUnavailable       = errors.New("mbframe: gateway path unavailable")
	ErrGWTargetFailedToRespond = errors.New("mbframe: gateway target device failed to respond")
)

// MapExceptionCode turns a Modbus exception code into a sentinel error.
func MapExceptionCode(code uint8) error {
	switch code {
	case exIllegalFunction:
		return ErrIllegalFunction
	case exIllegalDataAddress:
		return ErrIllegalDataAddress
	case exIllegalDataValue:
		return ErrIllegalDataValue
	case exServerDeviceFailure:
		return ErrServerDeviceFailure
	case exAcknowledge:
		return ErrAcknowledge
	case exMemoryParityError:
		return ErrMemoryParityError
	case exServerDeviceBusy:
		return ErrServerDeviceBusy
	case exGWPathUnavailable:
		return ErrGWPathUnavailable
	case exGWTargetFailedToRespond:
		return ErrGWTargetFailedToRespond
	default:
		return fmt.Errorf("mbframe: unsupported exception code (%v)", code)
	}
}

// Uint16ToBytes encodes v as big-endian bytes, the wire order Modbus always uses.
func Uint16ToBytes(v uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, v)
	return buf
}

// BytesToUint16 decodes the first two bytes of buf as big-endian.
func BytesToUint16(buf []byte) uint16 {
	return binary.BigEndian.Uint16(buf)
}

// EncodeBools packs values into the minimum number of bytes, LSB-first per
// byte, the wire format for coil/discrete-input payloads.
func EncodeBools(values []bool) []byte {
	out := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

// DecodeBools unpacks quantity bits out of buf, LSB-first per byte.
func DecodeBools(quantity uint16, buf []byte) []bool {
	out := make([]bool, quantity)
	for i := range out {
		out[i] = buf[i/8]&(1<<uint(i%8)) != 0
	}
	return out
}

// ReadRequest builds the PDU payload (start address + quantity) common to
// every read function code.
func ReadRequest(unitID uint8, fc uint8, address uint16, quantity uint16) *PDU {
	payload := Uint16ToBytes(address)
	payload = append(payload, Uint16ToBytes(quantity)...)
	return &PDU{UnitID: unitID, FunctionCode: fc, Payload: payload}
}

// CheckResponse validates that res answers req (same function code, or the
// exception variant with the high bit set), returning the exception error
// if the device rejected the request.
func CheckResponse(req, res *PDU) error {
	switch {
	case res.FunctionCode == req.FunctionCode:
		return nil
	case res.FunctionCode == req.FunctionCode|0x80:
		if len(res.Payload) != 1 {
			return ErrProtocolError
		}
		return MapExceptionCode(res.Payload[0])
	default:
		return ErrProtocolError
	}
}
