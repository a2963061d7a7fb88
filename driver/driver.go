// Package driver declares the narrow interface the core treats the Modbus
// transport through. Implementations are consumer-supplied; every call
// takes a context.Context since it is invoked from the executor's single
// worker goroutine under a per-transaction deadline.
package driver

import "context"

// ReadResult is returned by every read operation.
type ReadResult struct {
	// Buffer is the raw response body bytes.
	Buffer []byte
	// Data holds one 16-bit value per register, or one 0/1 value per bit.
	Data []uint16
}

// Driver abstracts the eight Modbus read/write primitives the core needs
// (function codes 1, 2, 3, 4, 5, 6, 15, 16). Implementations are expected
// to return len(Data) == count on success.
type Driver interface {
	// ReadOutputStates reads fc 1 (coils).
	ReadOutputStates(ctx context.Context, unit uint, address uint, count uint) (ReadResult, error)
	// ReadInputStates reads fc 2 (discrete inputs).
	ReadInputStates(ctx context.Context, unit uint, address uint, count uint) (ReadResult, error)
	// ReadOutputRegisters reads fc 3 (holding registers).
	ReadOutputRegisters(ctx context.Context, unit uint, address uint, count uint) (ReadResult, error)
	// ReadInputRegisters reads fc 4 (input registers).
	ReadInputRegisters(ctx context.Context, unit uint, address uint, count uint) (ReadResult, error)

	// WriteState writes fc 5 (single coil).
	WriteState(ctx context.Context, unit uint, address uint, value bool) error
	// WriteRegister writes fc 6 (single holding register, 2 raw bytes).
	WriteRegister(ctx context.Context, unit uint, address uint, value []byte) error
	// WriteStates writes fc 15 (multiple coils).
	WriteStates(ctx context.Context, unit uint, address uint, values []bool) error
	// WriteRegisters writes fc 16 (multiple holding registers, raw bytes).
	WriteRegisters(ctx context.Context, unit uint, address uint, values []byte) error
}
