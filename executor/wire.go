package executor

import (
	"context"

	"github.com/moduledb/modbusdb/core"
	"github.com/moduledb/modbusdb/driver"
	"github.com/moduledb/modbusdb/mdberrors"
	"github.com/moduledb/modbusdb/regcodec"
	"github.com/moduledb/modbusdb/regkey"
	"github.com/moduledb/modbusdb/txn"
)

// wireType is the type used on the wire for a given entry: register scopes
// substitute UInt16 for Bit-typed entries, since the bit lives inside a
// whole word that must be read or written as a unit.
func wireType(e core.Entry) regcodec.Type {
	if e.Scope.IsBitScope() {
		return regcodec.Bit
	}
	if e.Type == regcodec.Bit {
		return regcodec.UInt16
	}
	return e.Type
}

// runRead performs the read path: one driver call per Select, followed by
// per-entry decoding (bit extraction, scale, pass-through).
func runRead(ctx context.Context, drv driver.Driver, t *txn.Transaction) (txn.Data, error) {
	anchor := t.Entries[0].Address
	last := t.Entries[len(t.Entries)-1]

	var count uint
	if t.Entries[0].Scope.IsBitScope() {
		count = last.Address + 1 - anchor
	} else {
		count = last.Address + uint(regcodec.RegisterCount(wireType(last))) - anchor
	}

	if count < 1 || count > 999 {
		return nil, mdberrors.ErrRequestTooLarge
	}

	res, err := readDriver(ctx, drv, t.Entries[0].Scope, t.Unit, anchor, count)
	if err != nil {
		return nil, err
	}

	out := make(txn.Data, len(t.Entries))

	if t.Entries[0].Scope.IsBitScope() {
		for _, e := range t.Entries {
			idx := e.Address - anchor
			if int(idx) >= len(res.Data) {
				return nil, mdberrors.ErrMissingValue
			}
			out[e.Key] = float64(res.Data[idx])
		}
		return out, nil
	}

	// register scope: walk addresses, slice the per-entry buffer, apply
	// swap/endianness, decode, then extract the bit or scale as needed.
	for _, e := range t.Entries {
		wt := wireType(e)
		regCount := regcodec.RegisterCount(wt)
		offset := int(e.Address-anchor) * 2
		end := offset + regCount*2
		if end > len(res.Buffer) {
			return nil, mdberrors.ErrMissingValue
		}
		buf := append([]byte(nil), res.Buffer[offset:end]...)

		if regCount == 2 && t.SwapWords {
			if err := regcodec.SwapWords(buf); err != nil {
				return nil, err
			}
		}

		raw, err := regcodec.Decode(buf, wt, t.BigEndian)
		if err != nil {
			return nil, err
		}

		if e.Type == regcodec.Bit {
			bit, err := regcodec.GetBit(uint16(raw), e.Bit)
			if err != nil {
				return nil, err
			}
			out[e.Key] = float64(bit)
			continue
		}

		if e.Scale > 0 {
			raw /= scaleFactor(e.Scale)
		}
		out[e.Key] = raw
	}

	return out, nil
}

func scaleFactor(scale uint) float64 {
	f := 1.0
	for i := uint(0); i < scale; i++ {
		f *= 10
	}
	return f
}

func readDriver(ctx context.Context, drv driver.Driver, scope regkey.Scope, unit, address, count uint) (driver.ReadResult, error) {
	switch scope {
	case regkey.PhysicalState:
		return drv.ReadInputStates(ctx, unit, address, count)
	case regkey.InternalState:
		return drv.ReadOutputStates(ctx, unit, address, count)
	case regkey.PhysicalRegister:
		return drv.ReadInputRegisters(ctx, unit, address, count)
	case regkey.InternalRegister:
		return drv.ReadOutputRegisters(ctx, unit, address, count)
	default:
		return driver.ReadResult{}, mdberrors.ErrScopeNotReadable
	}
}
