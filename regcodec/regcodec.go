// Package regcodec encodes and decodes typed values to and from Modbus
// register buffers, with endianness and word-swap options, plus bit
// get/set helpers for bits packed inside a 16-bit word.
package regcodec

import (
	"encoding/binary"
	"math"

	"github.com/moduledb/modbusdb/mdberrors"
)

// Type is one of the value types a register-scope entry can hold.
type Type uint8

const (
	Int16 Type = iota + 1
	UInt16
	Int32
	UInt32
	Float
	Bit
)

// RegisterCount returns how many 16-bit registers a value of type t occupies.
func RegisterCount(t Type) int {
	switch t {
	case Int32, UInt32, Float:
		return 2
	default:
		return 1
	}
}

func byteOrder(bigEndian bool) binary.ByteOrder {
	if bigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Encode produces a buffer of length 2*RegisterCount(t) holding value.
func Encode(value float64, t Type, bigEndian bool) ([]byte, error) {
	bo := byteOrder(bigEndian)
	buf := make([]byte, 2*RegisterCount(t))

	switch t {
	case Int16:
		bo.PutUint16(buf, uint16(int16(value)))
	case UInt16, Bit:
		bo.PutUint16(buf, uint16(value))
	case Int32:
		bo.PutUint32(buf, uint32(int32(value)))
	case UInt32:
		bo.PutUint32(buf, uint32(value))
	case Float:
		bo.PutUint32(buf, math.Float32bits(float32(value)))
	default:
		return nil, mdberrors.ErrUnknownType
	}

	return buf, nil
}

// Decode reads a value of type t back out of buf.
func Decode(buf []byte, t Type, bigEndian bool) (float64, error) {
	if len(buf) != 2*RegisterCount(t) {
		return 0, mdberrors.ErrBufferLength
	}
	bo := byteOrder(bigEndian)

	switch t {
	case Int16:
		return float64(int16(bo.Uint16(buf))), nil
	case UInt16, Bit:
		return float64(bo.Uint16(buf)), nil
	case Int32:
		return float64(int32(bo.Uint32(buf))), nil
	case UInt32:
		return float64(bo.Uint32(buf)), nil
	case Float:
		return float64(math.Float32frombits(bo.Uint32(buf))), nil
	default:
		return 0, mdberrors.ErrUnknownType
	}
}

// ByteOrderWord decodes a single 2-byte register buffer as a uint16, honoring bigEndian.
func ByteOrderWord(buf []byte, bigEndian bool) uint16 {
	return byteOrder(bigEndian).Uint16(buf)
}

// EncodeWord encodes a single uint16 word as a 2-byte buffer, honoring bigEndian.
func EncodeWord(word uint16, bigEndian bool) ([]byte, error) {
	buf := make([]byte, 2)
	byteOrder(bigEndian).PutUint16(buf, word)
	return buf, nil
}

// SwapWords swaps the two 16-bit halves of a 4-byte buffer in place.
func SwapWords(buf []byte) error {
	if len(buf) != 4 {
		return mdberrors.ErrBufferLength
	}

	buf[0], buf[1], buf[2], buf[3] = buf[2], buf[3], buf[0], buf[1]

	return nil
}

// GetBit returns bit i (0-15) of word as 0 or 1.
func GetBit(word uint16, i uint) (uint16, error) {
	if i > 15 {
		return 0, mdberrors.ErrBadBitIndex
	}

	return (word >> i) & 0x0001, nil
}

// SetBit returns word with bit i (0-15) set to on.
func SetBit(word uint16, i uint, on bool) (uint16, error) {
	if i > 15 {
		return 0, mdberrors.ErrBadBitIndex
	}

	if on {
		return word | (1 << i), nil
	}
	return word &^ (1 << i), nil
}
