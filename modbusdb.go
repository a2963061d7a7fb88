// Package modbusdb wires a Datamap, Executor and Scheduler into the single
// public entry point consumers construct. Interval, Timeout and RoundSize
// are validated and clamped at construction.
package modbusdb

import (
	"context"
	"time"

	"github.com/moduledb/modbusdb/core"
	"github.com/moduledb/modbusdb/datamap"
	"github.com/moduledb/modbusdb/driver"
	"github.com/moduledb/modbusdb/executor"
	"github.com/moduledb/modbusdb/mdberrors"
	"github.com/moduledb/modbusdb/mlog"
	"github.com/moduledb/modbusdb/regkey"
	"github.com/moduledb/modbusdb/scheduler"
	"github.com/moduledb/modbusdb/txn"
)

// CreateRegisterKey packs (unit, scope, address, bit) into a single
// comparable 32-bit key. It is a convenience alias for regkey.Pack.
func CreateRegisterKey(unit uint, scope regkey.Scope, address, bit uint) (regkey.Key, error) {
	return regkey.Pack(unit, scope, address, bit)
}

// ParseRegisterKey returns the four fields packed into key. It is a
// convenience alias for regkey.Unpack.
func ParseRegisterKey(key regkey.Key) (unit uint, scope regkey.Scope, address, bit uint) {
	return regkey.Unpack(key)
}

// Config configures a Modbusdb instance. Driver is required; Interval,
// Timeout and RoundSize default and clamp at construction.
type Config struct {
	Driver  driver.Driver
	Entries []datamap.EntrySpec
	Units   []datamap.UnitSpec

	// Interval is the polling round length. Default 60s, clamped [60s, 3600s].
	Interval time.Duration
	// Timeout is the per-transaction deadline. Default 60s, clamped [1s, 900s].
	Timeout time.Duration
	// RoundSize is the number of ticks per round. Default 12, clamped [12, 36].
	RoundSize uint

	Logger mlog.Logger
}

const (
	defaultInterval  = 60 * time.Second
	defaultTimeout   = 60 * time.Second
	defaultRoundSize = 12

	minTimeout = 1 * time.Second
	maxTimeout = 900 * time.Second
)

func clampTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultTimeout
	}
	if d < minTimeout {
		return minTimeout
	}
	if d > maxTimeout {
		return maxTimeout
	}
	return d
}

// Modbusdb is the public façade: Get/Set/MGet/MSet operate through the
// executor; Watch arms the scheduler's periodic poll.
type Modbusdb struct {
	dm   *datamap.Datamap
	exec *executor.Executor
	sch  *scheduler.Scheduler

	timeout time.Duration
	logger  mlog.Logger
}

// New validates conf, builds the Datamap, Executor and Scheduler, and
// returns a ready-to-use instance. The scheduler is not started; call
// Watch to begin polling.
func New(conf Config) (*Modbusdb, error) {
	if conf.Driver == nil {
		return nil, mdberrors.ErrConfigurationError
	}

	dm, err := datamap.New(conf.Entries, conf.Units)
	if err != nil {
		return nil, err
	}

	logger := conf.Logger
	if logger == nil {
		logger = mlog.Nop
	}

	interval := conf.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	interval = scheduler.ClampInterval(interval)

	timeout := clampTimeout(conf.Timeout)

	roundSize := conf.RoundSize
	if roundSize == 0 {
		roundSize = defaultRoundSize
	}
	roundSize = scheduler.ClampRoundSize(roundSize)

	exec := executor.New(conf.Driver, logger)
	sch := scheduler.New(dm, exec, interval, roundSize, timeout, logger)

	return &Modbusdb{
		dm:      dm,
		exec:    exec,
		sch:     sch,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Result is returned by MGet/MSet: the elapsed wall time, the individual
// per-Select transactions (inspect transaction.Error() for partial
// failures), and the merged payload of every successful read.
type Result struct {
	TotalTime    time.Duration
	Transactions []*txn.Transaction
	Payload      txn.Data
}

// firstTransactionError returns the first per-transaction error, if any.
func firstTransactionError(trs []*txn.Transaction) error {
	for _, tr := range trs {
		if err := tr.Error(); err != nil {
			return err
		}
	}
	return nil
}

// Get reads a single key at NORMAL priority.
func (m *Modbusdb) Get(ctx context.Context, key regkey.Key) (float64, error) {
	res, err := m.MGet(ctx, []regkey.Key{key})
	if err != nil {
		return 0, err
	}
	v, ok := res.Payload[key]
	if !ok {
		if txErr := firstTransactionError(res.Transactions); txErr != nil {
			return 0, txErr
		}
		return 0, mdberrors.ErrMissingValue
	}
	return v, nil
}

// Set writes a single key at HIGH priority.
func (m *Modbusdb) Set(ctx context.Context, key regkey.Key, value float64) error {
	res, err := m.MSet(ctx, txn.Data{key: value})
	if err != nil {
		return err
	}
	return firstTransactionError(res.Transactions)
}

// MGet reads a batch of keys, planning them into the minimal set of wire
// requests and dispatching one read Select at a time, in ascending key order.
func (m *Modbusdb) MGet(ctx context.Context, keys []regkey.Key) (Result, error) {
	return m.runSelects(ctx, core.Read, keys, nil, core.Normal)
}

// MSet writes a batch of key/value pairs.
func (m *Modbusdb) MSet(ctx context.Context, values txn.Data) (Result, error) {
	keys := make([]regkey.Key, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	return m.runSelects(ctx, core.Write, keys, values, core.High)
}

func (m *Modbusdb) runSelects(ctx context.Context, method core.Method, keys []regkey.Key, values txn.Data, priority core.Priority) (Result, error) {
	start := time.Now()

	selects, err := m.dm.SelectAll(method, keys)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		Transactions: make([]*txn.Transaction, 0, len(selects)),
		Payload:      make(txn.Data),
	}

	for _, sel := range selects {
		t, reqErr := m.exec.Request(ctx, method, sel, priority, m.timeout, values)
		if reqErr != nil && t == nil {
			result.TotalTime = time.Since(start)
			return result, reqErr
		}

		result.Transactions = append(result.Transactions, t)

		if data, txErr := t.Result(); txErr == nil {
			for k, v := range data {
				result.Payload[k] = v
			}
		}
	}

	result.TotalTime = time.Since(start)
	return result, nil
}

// Watch starts the scheduler's periodic poll of every entry with Freq > 0.
func (m *Modbusdb) Watch() {
	m.sch.Start()
}

// Destroy stops the scheduler and drains the executor's queue, finishing
// every pending task with ErrAborted.
func (m *Modbusdb) Destroy() {
	m.sch.Destroy()
	m.exec.Destroy()
}

// Unit returns the declared configuration for a unit, or the default
// configuration if it was never declared.
func (m *Modbusdb) Unit(id uint) core.UnitConfig {
	uc, ok := m.dm.UnitConfig(id)
	if !ok {
		return core.DefaultUnitConfig(id)
	}
	return uc
}

// State reports the executor's per-unit statistics and running average
// response duration.
type State struct {
	RequestsCount uint64
	ErrorsCount   uint64
	TimeoutsCount uint

	// AvgResponseTime is the mean of the last 100 non-timeout response
	// durations across the whole instance; zero until more than 3 samples
	// have been collected.
	AvgResponseTime time.Duration
}

// State returns the current request/error/timeout counters for a unit.
func (m *Modbusdb) State(unit uint) State {
	req, errs, timeouts := m.exec.Stats(unit)
	st := State{RequestsCount: req, ErrorsCount: errs, TimeoutsCount: timeouts}
	if avg, ok := m.exec.AverageDuration(); ok {
		st.AvgResponseTime = avg
	}
	return st
}

// OnTick registers a callback fired at the start of every scheduler tick.
func (m *Modbusdb) OnTick(fn func()) { m.sch.OnTick(fn) }

// OnRequest registers a callback fired when a transaction is dispatched to the driver.
func (m *Modbusdb) OnRequest(fn func(*txn.Transaction)) { m.exec.OnRequest(fn) }

// OnResponse registers a callback fired when a transaction finishes.
func (m *Modbusdb) OnResponse(fn func(*txn.Transaction)) { m.exec.OnResponse(fn) }

// OnData registers a callback fired with the decoded payload of a successful read.
func (m *Modbusdb) OnData(fn func(txn.Data)) { m.exec.OnData(fn) }
