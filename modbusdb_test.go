package modbusdb

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/moduledb/modbusdb/core"
	"github.com/moduledb/modbusdb/datamap"
	"github.com/moduledb/modbusdb/driver"
	"github.com/moduledb/modbusdb/regcodec"
	"github.com/moduledb/modbusdb/regkey"
	"github.com/moduledb/modbusdb/txn"
)

// memDriver is an in-memory Driver backing the façade tests: holding
// registers and coils live in maps, reads serve big-endian buffers the way
// a real transport hands back raw response bodies.
type memDriver struct {
	mu      sync.Mutex
	holding map[uint]uint16
	coils   map[uint]bool
}

func newMemDriver() *memDriver {
	return &memDriver{holding: make(map[uint]uint16), coils: make(map[uint]bool)}
}

func (d *memDriver) readStates(address, count uint) (driver.ReadResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	data := make([]uint16, count)
	for i := uint(0); i < count; i++ {
		if d.coils[address+i] {
			data[i] = 1
		}
	}
	return driver.ReadResult{Data: data}, nil
}

func (d *memDriver) readRegisters(address, count uint) (driver.ReadResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	buf := make([]byte, count*2)
	data := make([]uint16, count)
	for i := uint(0); i < count; i++ {
		w := d.holding[address+i]
		binary.BigEndian.PutUint16(buf[i*2:i*2+2], w)
		data[i] = w
	}
	return driver.ReadResult{Buffer: buf, Data: data}, nil
}

func (d *memDriver) ReadOutputStates(ctx context.Context, unit, address, count uint) (driver.ReadResult, error) {
	return d.readStates(address, count)
}

func (d *memDriver) ReadInputStates(ctx context.Context, unit, address, count uint) (driver.ReadResult, error) {
	return d.readStates(address, count)
}

func (d *memDriver) ReadOutputRegisters(ctx context.Context, unit, address, count uint) (driver.ReadResult, error) {
	return d.readRegisters(address, count)
}

func (d *memDriver) ReadInputRegisters(ctx context.Context, unit, address, count uint) (driver.ReadResult, error) {
	return d.readRegisters(address, count)
}

func (d *memDriver) WriteState(ctx context.Context, unit, address uint, value bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.coils[address] = value
	return nil
}

func (d *memDriver) WriteRegister(ctx context.Context, unit, address uint, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.holding[address] = binary.BigEndian.Uint16(value)
	return nil
}

func (d *memDriver) WriteStates(ctx context.Context, unit, address uint, values []bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, v := range values {
		d.coils[address+uint(i)] = v
	}
	return nil
}

func (d *memDriver) WriteRegisters(ctx context.Context, unit, address uint, values []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i*2 < len(values); i++ {
		d.holding[address+uint(i)] = binary.BigEndian.Uint16(values[i*2 : i*2+2])
	}
	return nil
}

var _ driver.Driver = (*memDriver)(nil)

// bigEndianUnit declares unit 1 with BigEndian decoding so the memDriver's
// big-endian register buffers read back as the words it stores.
func bigEndianUnit() []datamap.UnitSpec {
	return []datamap.UnitSpec{{Unit: 1, Config: defaultBigEndianConfig()}}
}

func defaultBigEndianConfig() (uc core.UnitConfig) {
	uc = core.DefaultUnitConfig(1)
	uc.BigEndian = true
	return uc
}

func mustKey(t *testing.T, unit uint, scope regkey.Scope, address, bit uint) regkey.Key {
	t.Helper()
	k, err := CreateRegisterKey(unit, scope, address, bit)
	if err != nil {
		t.Fatalf("CreateRegisterKey failed: %v", err)
	}
	return k
}

func TestKeyHelpersRoundTrip(t *testing.T) {
	k := mustKey(t, 1, regkey.InternalRegister, 10, 0)
	unit, scope, address, bit := ParseRegisterKey(k)
	if unit != 1 || scope != regkey.InternalRegister || address != 10 || bit != 0 {
		t.Errorf("ParseRegisterKey = (%d, %d, %d, %d), want (1, 4, 10, 0)", unit, scope, address, bit)
	}
}

func TestScaledWriteReadRoundTrip(t *testing.T) {
	drv := newMemDriver()
	mdb, err := New(Config{
		Driver: drv,
		Entries: []datamap.EntrySpec{
			{Unit: 1, Scope: regkey.InternalRegister, Address: 10, Type: regcodec.Int16, Scale: 2},
		},
		Units:   bigEndianUnit(),
		Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer mdb.Destroy()

	key := mustKey(t, 1, regkey.InternalRegister, 10, 0)
	ctx := context.Background()

	if err := mdb.Set(ctx, key, 1.23); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := drv.holding[10]; got != 123 {
		t.Fatalf("wire value = %d, want 123 (floor(1.23 * 100))", got)
	}

	v, err := mdb.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != 1.23 {
		t.Errorf("Get = %v, want 1.23 (123 / 100)", v)
	}
}

func TestRegisterBitRead(t *testing.T) {
	drv := newMemDriver()
	drv.holding[15] = 0x0004 // bit 2 set

	mdb, err := New(Config{
		Driver: drv,
		Entries: []datamap.EntrySpec{
			{Unit: 1, Scope: regkey.InternalRegister, Address: 15, Bit: 2, Type: regcodec.Bit},
		},
		Units:   bigEndianUnit(),
		Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer mdb.Destroy()

	key := mustKey(t, 1, regkey.InternalRegister, 15, 2)
	ctx := context.Background()

	v, err := mdb.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != 1 {
		t.Errorf("Get with word 0x0004 = %v, want 1", v)
	}

	drv.holding[15] = 0x0003
	v, err = mdb.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != 0 {
		t.Errorf("Get with word 0x0003 = %v, want 0", v)
	}
}

func TestMGetMergesPayloadAcrossSelects(t *testing.T) {
	drv := newMemDriver()
	drv.holding[0] = 7
	drv.holding[100] = 9

	mdb, err := New(Config{
		Driver: drv,
		Entries: []datamap.EntrySpec{
			{Unit: 1, Scope: regkey.InternalRegister, Address: 0, Type: regcodec.UInt16},
			{Unit: 1, Scope: regkey.InternalRegister, Address: 100, Type: regcodec.UInt16},
		},
		Units: []datamap.UnitSpec{
			{Unit: 1, Config: func() core.UnitConfig {
				uc := defaultBigEndianConfig()
				uc.MaxRequestSize = 8
				return uc
			}()},
		},
		Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer mdb.Destroy()

	k0 := mustKey(t, 1, regkey.InternalRegister, 0, 0)
	k100 := mustKey(t, 1, regkey.InternalRegister, 100, 0)

	res, err := mdb.MGet(context.Background(), []regkey.Key{k100, k0})
	if err != nil {
		t.Fatalf("MGet: %v", err)
	}

	if len(res.Transactions) != 2 {
		t.Fatalf("MGet ran %d transactions, want 2 (addresses 0 and 100 cannot share one request)", len(res.Transactions))
	}
	if res.Payload[k0] != 7 || res.Payload[k100] != 9 {
		t.Errorf("merged payload = %v, want {k0: 7, k100: 9}", res.Payload)
	}
}

func TestCoilWriteAndReadBack(t *testing.T) {
	drv := newMemDriver()
	mdb, err := New(Config{
		Driver: drv,
		Entries: []datamap.EntrySpec{
			{Unit: 1, Scope: regkey.InternalState, Address: 3, Type: regcodec.Bit},
		},
		Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer mdb.Destroy()

	key := mustKey(t, 1, regkey.InternalState, 3, 0)
	ctx := context.Background()

	if err := mdb.Set(ctx, key, 1); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !drv.coils[3] {
		t.Fatal("coil 3 should be on after Set(key, 1)")
	}

	v, err := mdb.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != 1 {
		t.Errorf("Get = %v, want 1", v)
	}
}

func TestEventOrderingRequestResponseData(t *testing.T) {
	drv := newMemDriver()
	mdb, err := New(Config{
		Driver: drv,
		Entries: []datamap.EntrySpec{
			{Unit: 1, Scope: regkey.InternalRegister, Address: 0, Type: regcodec.UInt16},
		},
		Units:   bigEndianUnit(),
		Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer mdb.Destroy()

	var mu sync.Mutex
	var order []string
	mdb.OnRequest(func(*txn.Transaction) {
		mu.Lock()
		order = append(order, "request")
		mu.Unlock()
	})
	mdb.OnResponse(func(*txn.Transaction) {
		mu.Lock()
		order = append(order, "response")
		mu.Unlock()
	})
	mdb.OnData(func(txn.Data) {
		mu.Lock()
		order = append(order, "data")
		mu.Unlock()
	})

	key := mustKey(t, 1, regkey.InternalRegister, 0, 0)
	if _, err := mdb.Get(context.Background(), key); err != nil {
		t.Fatalf("Get: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"request", "response", "data"}
	if len(order) != len(want) {
		t.Fatalf("event order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("event order = %v, want %v", order, want)
		}
	}
}

func TestStateCountsRequests(t *testing.T) {
	drv := newMemDriver()
	mdb, err := New(Config{
		Driver: drv,
		Entries: []datamap.EntrySpec{
			{Unit: 1, Scope: regkey.InternalRegister, Address: 0, Type: regcodec.UInt16},
		},
		Units:   bigEndianUnit(),
		Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer mdb.Destroy()

	key := mustKey(t, 1, regkey.InternalRegister, 0, 0)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := mdb.Get(ctx, key); err != nil {
			t.Fatalf("Get #%d: %v", i, err)
		}
	}

	st := mdb.State(1)
	if st.RequestsCount != 3 {
		t.Errorf("RequestsCount = %d, want 3", st.RequestsCount)
	}
	if st.ErrorsCount != 0 || st.TimeoutsCount != 0 {
		t.Errorf("ErrorsCount/TimeoutsCount = %d/%d, want 0/0", st.ErrorsCount, st.TimeoutsCount)
	}
}

func TestOperationsAfterDestroyFail(t *testing.T) {
	drv := newMemDriver()
	mdb, err := New(Config{
		Driver: drv,
		Entries: []datamap.EntrySpec{
			{Unit: 1, Scope: regkey.InternalRegister, Address: 0, Type: regcodec.UInt16},
		},
		Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mdb.Destroy()

	key := mustKey(t, 1, regkey.InternalRegister, 0, 0)
	if _, err := mdb.Get(context.Background(), key); err == nil {
		t.Error("Get on a destroyed instance should fail")
	}
}

func TestUnitReturnsDefaultConfigForUndeclaredUnit(t *testing.T) {
	drv := newMemDriver()
	mdb, err := New(Config{
		Driver: drv,
		Entries: []datamap.EntrySpec{
			{Unit: 1, Scope: regkey.InternalRegister, Address: 0, Type: regcodec.UInt16},
		},
		Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer mdb.Destroy()

	uc := mdb.Unit(42)
	if uc.MaxRequestSize != 125 {
		t.Errorf("default MaxRequestSize for an undeclared unit = %d, want 125", uc.MaxRequestSize)
	}
}
