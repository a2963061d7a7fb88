// Package executor owns the single-concurrency priority queue that turns
// planner Selects into Transactions run against a Driver, with
// per-transaction timeouts and per-unit failure backoff. A single worker
// goroutine drains the queue, so the watcher, get/set and mget/mset
// callers all compete for the same single wire slot at different
// priorities.
package executor

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/moduledb/modbusdb/core"
	"github.com/moduledb/modbusdb/driver"
	"github.com/moduledb/modbusdb/mdberrors"
	"github.com/moduledb/modbusdb/mlog"
	"github.com/moduledb/modbusdb/txn"
)

// Executor serializes all driver calls through a priority queue of
// concurrency 1, tracking per-unit statistics and backoff.
type Executor struct {
	driver driver.Driver
	logger mlog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	queue     priorityQueue
	nextSeq   uint64
	nextTxnID txn.ID
	destroyed bool
	pending   map[txn.ID]*txn.Transaction
	stats     map[uint]*unitStats
	durations durationBuffer

	listenersMu sync.Mutex
	onRequest   []func(*txn.Transaction)
	onResponse  []func(*txn.Transaction)
	onData      []func(txn.Data)
}

// New returns an Executor bound to drv and starts its worker goroutine.
func New(drv driver.Driver, logger mlog.Logger) *Executor {
	if logger == nil {
		logger = mlog.Nop
	}

	e := &Executor{
		driver:  drv,
		logger:  logger,
		pending: make(map[txn.ID]*txn.Transaction),
		stats:   make(map[uint]*unitStats),
	}
	e.cond = sync.NewCond(&e.mu)

	go e.workerLoop()

	return e
}

// OnRequest registers a callback fired when a transaction is dispatched to the driver.
func (e *Executor) OnRequest(fn func(*txn.Transaction)) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.onRequest = append(e.onRequest, fn)
}

// OnResponse registers a callback fired when a transaction finishes.
func (e *Executor) OnResponse(fn func(*txn.Transaction)) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.onResponse = append(e.onResponse, fn)
}

// OnData registers a callback fired with the decoded payload of a successful read.
func (e *Executor) OnData(fn func(txn.Data)) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.onData = append(e.onData, fn)
}

func (e *Executor) emitRequest(t *txn.Transaction) {
	e.listenersMu.Lock()
	fns := append([]func(*txn.Transaction){}, e.onRequest...)
	e.listenersMu.Unlock()
	for _, fn := range fns {
		fn(t)
	}
}

func (e *Executor) emitResponse(t *txn.Transaction) {
	e.listenersMu.Lock()
	fns := append([]func(*txn.Transaction){}, e.onResponse...)
	e.listenersMu.Unlock()
	for _, fn := range fns {
		fn(t)
	}
}

func (e *Executor) emitData(d txn.Data) {
	e.listenersMu.Lock()
	fns := append([]func(txn.Data){}, e.onData...)
	e.listenersMu.Unlock()
	for _, fn := range fns {
		fn(d)
	}
}

// Request enqueues a Select for execution and blocks until it completes.
// values supplies the per-key values for a write; it is ignored for reads.
// Every entry must share the Select's unit and scope; a mixed Select is
// rejected synchronously before anything is enqueued.
func (e *Executor) Request(ctx context.Context, method core.Method, sel core.Select, priority core.Priority, timeout time.Duration, values txn.Data) (*txn.Transaction, error) {
	for _, en := range sel.Entries {
		if en.Unit != sel.Unit {
			return nil, mdberrors.ErrCrossUnitTransaction
		}
		if en.Scope != sel.Scope {
			return nil, mdberrors.ErrCrossScopeTransaction
		}
	}

	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		t := txn.New(0, method, sel, priority, timeout, time.Now())
		t.Finish(nil, mdberrors.ErrAborted, time.Now())
		return t, mdberrors.ErrAborted
	}

	tk := &task{
		method:   method,
		sel:      sel,
		priority: priority,
		timeout:  timeout,
		seq:      e.nextSeq,
		done:     make(chan *txn.Transaction, 1),
	}
	e.nextSeq++
	if method == core.Write {
		tk.writeValues = values
	}

	heap.Push(&e.queue, tk)
	e.cond.Signal()
	e.mu.Unlock()

	select {
	case t := <-tk.done:
		return t, t.Error()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Destroy clears the queue, pending set and marks the executor destroyed.
// Tasks that dequeue after this immediately finish with ErrAborted.
func (e *Executor) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.destroyed = true
	for _, tk := range e.queue {
		t := txn.New(0, tk.method, tk.sel, tk.priority, tk.timeout, time.Now())
		t.Finish(nil, mdberrors.ErrAborted, time.Now())
		tk.done <- t
	}
	e.queue = nil
	e.pending = make(map[txn.ID]*txn.Transaction)
	e.cond.Broadcast()
}

// Stats returns a snapshot of per-unit statistics.
func (e *Executor) Stats(unit uint) (requests, errorsN uint64, timeouts uint) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.stats[unit]
	if !ok {
		return 0, 0, 0
	}
	return s.RequestsCount, s.ErrorsCount, s.TimeoutsCount
}

// AverageDuration returns the mean of the last 100 non-timeout response
// durations, and whether enough samples (>3) are present.
func (e *Executor) AverageDuration() (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.durations.average()
}

func (e *Executor) workerLoop() {
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.destroyed {
			e.cond.Wait()
		}
		if e.destroyed && len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		tk := heap.Pop(&e.queue).(*task)
		e.mu.Unlock()

		e.run(tk)
	}
}

func (e *Executor) run(tk *task) {
	now := time.Now()

	e.mu.Lock()
	id := e.nextTxnID
	e.nextTxnID = (e.nextTxnID + 1) % 1024

	if e.destroyed {
		e.mu.Unlock()
		t := txn.New(id, tk.method, tk.sel, tk.priority, tk.timeout, now)
		t.Finish(nil, mdberrors.ErrAborted, time.Now())
		tk.done <- t
		return
	}

	unitStats := e.unitStatsLocked(tk.sel.Unit)
	if tk.priority == core.Low && unitStats.inBackoff(now, tk.timeout) {
		e.mu.Unlock()
		e.logger.Debugf("unit %d is in timeout backoff, skipping low priority request", tk.sel.Unit)
		t := txn.New(id, tk.method, tk.sel, tk.priority, tk.timeout, now)
		t.Finish(nil, mdberrors.ErrUnitInBackoff, time.Now())
		tk.done <- t
		return
	}

	t := txn.New(id, tk.method, tk.sel, tk.priority, tk.timeout, now)
	if tk.method == core.Write {
		t.Body = tk.writeValues
	}
	e.pending[id] = t
	e.mu.Unlock()

	e.emitRequest(t)

	data, err := e.execute(tk, t)

	finishedAt := time.Now()
	timedOut := err == mdberrors.ErrRequestTimedOut
	if timedOut {
		e.logger.Warningf("transaction %d on unit %d timed out after %s", t.ID, t.Unit, tk.timeout)
	}
	t.Finish(data, err, finishedAt)

	e.mu.Lock()
	delete(e.pending, id)
	unitStats.recordResponse(finishedAt, err, timedOut)
	if !timedOut {
		e.durations.add(t.Duration(finishedAt))
	}
	e.mu.Unlock()

	e.emitResponse(t)
	if len(data) > 0 {
		e.emitData(data)
	}

	tk.done <- t
}

func (e *Executor) unitStatsLocked(unit uint) *unitStats {
	s, ok := e.stats[unit]
	if !ok {
		s = &unitStats{}
		e.stats[unit] = s
	}
	return s
}

func (e *Executor) execute(tk *task, t *txn.Transaction) (txn.Data, error) {
	ctx, cancel := context.WithTimeout(context.Background(), tk.timeout)
	defer cancel()

	type outcome struct {
		data txn.Data
		err  error
	}
	ch := make(chan outcome, 1)

	go func() {
		switch tk.method {
		case core.Read:
			data, err := runRead(ctx, e.driver, t)
			ch <- outcome{data, wrapDriverError(err)}
		case core.Write:
			values := buildWriteValues(t.Entries, tk.writeValues)
			err := runWrite(ctx, e.driver, t, values)
			ch <- outcome{nil, wrapDriverError(err)}
		default:
			ch <- outcome{nil, mdberrors.ErrUnexpectedTaskResult}
		}
	}()

	select {
	case o := <-ch:
		return o.data, o.err
	case <-ctx.Done():
		return nil, mdberrors.ErrRequestTimedOut
	}
}

// wrapDriverError marks a failed wire operation with ErrDriverFailure so
// callers can tell a transport failure from a validation error via
// errors.Is. The executor's own range and decoding checks are returned
// unwrapped.
func wrapDriverError(err error) error {
	switch err {
	case nil:
		return nil
	case mdberrors.ErrRequestTooLarge, mdberrors.ErrMissingValue,
		mdberrors.ErrScopeNotReadable, mdberrors.ErrScopeNotWritable,
		mdberrors.ErrBufferLength, mdberrors.ErrBadBitIndex, mdberrors.ErrUnknownType:
		return err
	}
	return fmt.Errorf("%w: %v", mdberrors.ErrDriverFailure, err)
}
