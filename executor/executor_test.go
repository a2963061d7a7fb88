package executor

import (
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/moduledb/modbusdb/core"
	"github.com/moduledb/modbusdb/driver"
	"github.com/moduledb/modbusdb/mdberrors"
	"github.com/moduledb/modbusdb/regcodec"
	"github.com/moduledb/modbusdb/regkey"
	"github.com/moduledb/modbusdb/txn"
)

// fakeDriver is an in-memory Driver used to exercise the executor's wire
// packing/unpacking without a real transport.
type fakeDriver struct {
	holding  map[uint]uint16
	coils    map[uint]bool
	failNext error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{holding: make(map[uint]uint16), coils: make(map[uint]bool)}
}

func (d *fakeDriver) ReadOutputStates(ctx context.Context, unit, address, count uint) (driver.ReadResult, error) {
	data := make([]uint16, count)
	for i := uint(0); i < count; i++ {
		if d.coils[address+i] {
			data[i] = 1
		}
	}
	return driver.ReadResult{Data: data}, nil
}

func (d *fakeDriver) ReadInputStates(ctx context.Context, unit, address, count uint) (driver.ReadResult, error) {
	return d.ReadOutputStates(ctx, unit, address, count)
}

func (d *fakeDriver) ReadOutputRegisters(ctx context.Context, unit, address, count uint) (driver.ReadResult, error) {
	if d.failNext != nil {
		err := d.failNext
		d.failNext = nil
		return driver.ReadResult{}, err
	}

	buf := make([]byte, count*2)
	data := make([]uint16, count)
	for i := uint(0); i < count; i++ {
		w := d.holding[address+i]
		binary.BigEndian.PutUint16(buf[i*2:i*2+2], w)
		data[i] = w
	}
	return driver.ReadResult{Buffer: buf, Data: data}, nil
}

func (d *fakeDriver) ReadInputRegisters(ctx context.Context, unit, address, count uint) (driver.ReadResult, error) {
	return d.ReadOutputRegisters(ctx, unit, address, count)
}

func (d *fakeDriver) WriteState(ctx context.Context, unit, address uint, value bool) error {
	d.coils[address] = value
	return nil
}

func (d *fakeDriver) WriteRegister(ctx context.Context, unit, address uint, value []byte) error {
	d.holding[address] = binary.BigEndian.Uint16(value)
	return nil
}

func (d *fakeDriver) WriteStates(ctx context.Context, unit, address uint, values []bool) error {
	for i, v := range values {
		d.coils[address+uint(i)] = v
	}
	return nil
}

func (d *fakeDriver) WriteRegisters(ctx context.Context, unit, address uint, values []byte) error {
	for i := 0; i*2 < len(values); i++ {
		d.holding[address+uint(i)] = binary.BigEndian.Uint16(values[i*2 : i*2+2])
	}
	return nil
}

var _ driver.Driver = (*fakeDriver)(nil)

func entry(unit uint, scope regkey.Scope, address uint, typ regcodec.Type) core.Entry {
	k, _ := regkey.Pack(unit, scope, address, 0)
	return core.Entry{Key: k, Unit: unit, Scope: scope, Address: address, Type: typ}
}

func TestExecutorReadWriteRoundTrip(t *testing.T) {
	drv := newFakeDriver()
	exec := New(drv, nil)
	defer exec.Destroy()

	e := entry(1, regkey.InternalRegister, 10, regcodec.UInt16)
	sel := core.Select{Method: core.Write, Unit: 1, Scope: regkey.InternalRegister, Entries: []core.Entry{e}, BigEndian: true}

	ctx := context.Background()
	if _, err := exec.Request(ctx, core.Write, sel, core.High, time.Second, txn.Data{e.Key: 42}); err != nil {
		t.Fatalf("write Request failed: %v", err)
	}

	readSel := core.Select{Method: core.Read, Unit: 1, Scope: regkey.InternalRegister, Entries: []core.Entry{e}, BigEndian: true}
	tr, err := exec.Request(ctx, core.Read, readSel, core.Normal, time.Second, nil)
	if err != nil {
		t.Fatalf("read Request failed: %v", err)
	}

	data, txErr := tr.Result()
	if txErr != nil {
		t.Fatalf("read transaction error: %v", txErr)
	}
	if data[e.Key] != 42 {
		t.Errorf("read back value = %v, want 42", data[e.Key])
	}
}

func TestExecutorRegisterBitWriteIsReadModifyWrite(t *testing.T) {
	drv := newFakeDriver()
	drv.holding[10] = 0x00ff // bits 0-7 set

	exec := New(drv, nil)
	defer exec.Destroy()

	bitKey, _ := regkey.Pack(1, regkey.InternalRegister, 10, 8)
	e := core.Entry{Key: bitKey, Unit: 1, Scope: regkey.InternalRegister, Address: 10, Bit: 8, Type: regcodec.Bit}
	sel := core.Select{Method: core.Write, Unit: 1, Scope: regkey.InternalRegister, Entries: []core.Entry{e}, BigEndian: true}

	ctx := context.Background()
	if _, err := exec.Request(ctx, core.Write, sel, core.High, time.Second, txn.Data{e.Key: 1}); err != nil {
		t.Fatalf("bit write failed: %v", err)
	}

	// the low byte (bits 0-7, already set) must survive the RMW.
	if got := drv.holding[10]; got != 0x01ff {
		t.Errorf("holding[10] = 0x%04x, want 0x01ff (low byte preserved, bit 8 set)", got)
	}
}

func TestExecutorDriverFailureIsWrapped(t *testing.T) {
	drv := newFakeDriver()
	rawErr := errors.New("connection reset by peer")
	drv.failNext = rawErr

	exec := New(drv, nil)
	defer exec.Destroy()

	e := entry(1, regkey.InternalRegister, 0, regcodec.UInt16)
	sel := core.Select{Method: core.Read, Unit: 1, Scope: regkey.InternalRegister, Entries: []core.Entry{e}}

	_, err := exec.Request(context.Background(), core.Read, sel, core.Normal, time.Second, nil)
	if err == nil {
		t.Fatal("expected the driver failure to propagate as the transaction error")
	}
	if !errors.Is(err, mdberrors.ErrDriverFailure) {
		t.Errorf("driver error = %v, want it wrapped in ErrDriverFailure", err)
	}
	if !strings.Contains(err.Error(), rawErr.Error()) {
		t.Errorf("driver error %q does not carry the underlying failure %q", err, rawErr)
	}
}

func TestRequestRejectsMixedSelects(t *testing.T) {
	exec := New(newFakeDriver(), nil)
	defer exec.Destroy()

	e1 := entry(1, regkey.InternalRegister, 0, regcodec.UInt16)
	crossUnit := entry(2, regkey.InternalRegister, 1, regcodec.UInt16)
	crossScope := entry(1, regkey.PhysicalRegister, 1, regcodec.UInt16)
	ctx := context.Background()

	sel := core.Select{Method: core.Read, Unit: 1, Scope: regkey.InternalRegister, Entries: []core.Entry{e1, crossUnit}}
	if _, err := exec.Request(ctx, core.Read, sel, core.Normal, time.Second, nil); err != mdberrors.ErrCrossUnitTransaction {
		t.Errorf("cross-unit Select returned %v, want ErrCrossUnitTransaction", err)
	}

	sel = core.Select{Method: core.Read, Unit: 1, Scope: regkey.InternalRegister, Entries: []core.Entry{e1, crossScope}}
	if _, err := exec.Request(ctx, core.Read, sel, core.Normal, time.Second, nil); err != mdberrors.ErrCrossScopeTransaction {
		t.Errorf("cross-scope Select returned %v, want ErrCrossScopeTransaction", err)
	}
}

func TestExecutorRequestAfterDestroyIsAborted(t *testing.T) {
	drv := newFakeDriver()
	exec := New(drv, nil)
	exec.Destroy()

	e := entry(1, regkey.InternalRegister, 0, regcodec.UInt16)
	sel := core.Select{Method: core.Read, Unit: 1, Scope: regkey.InternalRegister, Entries: []core.Entry{e}}

	_, err := exec.Request(context.Background(), core.Read, sel, core.Normal, time.Second, nil)
	if err != mdberrors.ErrAborted {
		t.Errorf("Request on a destroyed executor returned %v, want ErrAborted", err)
	}
}
