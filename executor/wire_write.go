package executor

import (
	"context"
	"math"

	"github.com/moduledb/modbusdb/core"
	"github.com/moduledb/modbusdb/driver"
	"github.com/moduledb/modbusdb/mdberrors"
	"github.com/moduledb/modbusdb/regcodec"
	"github.com/moduledb/modbusdb/regkey"
	"github.com/moduledb/modbusdb/txn"
)

// runWrite performs the write path: a read-modify-write pass when any
// entry is a register-scope Bit, then one driver write call.
func runWrite(ctx context.Context, drv driver.Driver, t *txn.Transaction, values txn.Data) error {
	anchor := t.Entries[0].Address
	last := t.Entries[len(t.Entries)-1]

	if t.Entries[0].Scope.IsBitScope() {
		return runWriteStates(ctx, drv, t, values)
	}

	if t.Entries[0].Scope != regkey.InternalRegister {
		return mdberrors.ErrScopeNotWritable
	}

	count := last.Address + uint(regcodec.RegisterCount(wireType(last))) - anchor
	if count < 1 || count > 999 {
		return mdberrors.ErrRequestTooLarge
	}

	words := make(map[uint]uint16, len(t.Entries))

	needsRMW := false
	for _, e := range t.Entries {
		if e.Type == regcodec.Bit {
			needsRMW = true
			break
		}
	}

	if needsRMW {
		res, err := readDriver(ctx, drv, t.Entries[0].Scope, t.Unit, anchor, count)
		if err != nil {
			return err
		}
		for _, e := range t.Entries {
			if e.Type != regcodec.Bit {
				continue
			}
			idx := int(e.Address-anchor) * 2
			if idx+2 > len(res.Buffer) {
				return mdberrors.ErrMissingValue
			}
			words[e.Address] = regcodec.ByteOrderWord(res.Buffer[idx:idx+2], t.BigEndian)
		}
	}

	for _, e := range t.Entries {
		if e.Type == regcodec.Bit {
			word, err := regcodec.SetBit(words[e.Address], e.Bit, values[e.Key] > 0)
			if err != nil {
				return err
			}
			words[e.Address] = word
		}
	}

	payload := make([]byte, count*2)
	for _, e := range t.Entries {
		wt := wireType(e)
		offset := int(e.Address-anchor) * 2

		var buf []byte
		var err error

		if e.Type == regcodec.Bit {
			buf, err = regcodec.EncodeWord(words[e.Address], t.BigEndian)
		} else {
			value := values[e.Key]
			if e.Scale > 0 {
				value = math.Floor(value * scaleFactor(e.Scale))
			}
			buf, err = regcodec.Encode(value, wt, t.BigEndian)
			if err == nil && regcodec.RegisterCount(wt) == 2 && t.SwapWords {
				err = regcodec.SwapWords(buf)
			}
		}
		if err != nil {
			return err
		}

		copy(payload[offset:offset+len(buf)], buf)
	}

	if len(payload) > 2 || t.ForceWriteMany {
		return drv.WriteRegisters(ctx, t.Unit, anchor, payload)
	}
	return drv.WriteRegister(ctx, t.Unit, anchor, payload)
}

func runWriteStates(ctx context.Context, drv driver.Driver, t *txn.Transaction, values txn.Data) error {
	if t.Entries[0].Scope != regkey.InternalState {
		return mdberrors.ErrScopeNotWritable
	}

	anchor := t.Entries[0].Address
	count := t.Entries[len(t.Entries)-1].Address + 1 - anchor
	if count < 1 || count > 999 {
		return mdberrors.ErrRequestTooLarge
	}

	out := make([]bool, len(t.Entries))
	for i, e := range t.Entries {
		out[i] = values[e.Key] > 0
	}

	if len(out) > 1 || t.ForceWriteMany {
		return drv.WriteStates(ctx, t.Unit, anchor, out)
	}
	return drv.WriteState(ctx, t.Unit, anchor, out[0])
}

// buildWriteValues derives, per entry, the value to hand to runWrite from
// the user-supplied request values keyed by entry key.
func buildWriteValues(entries []core.Entry, in txn.Data) txn.Data {
	out := make(txn.Data, len(entries))
	for _, e := range entries {
		out[e.Key] = in[e.Key]
	}
	return out
}
