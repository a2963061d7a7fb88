// Package txn defines the Transaction envelope: an immutable request plus
// mutable completion state, pairing one wire request with the response
// observed at the end of its asynchronous round trip through the
// executor's queue.
package txn

import (
	"errors"
	"sync"
	"time"

	"github.com/moduledb/modbusdb/core"
	"github.com/moduledb/modbusdb/mdberrors"
	"github.com/moduledb/modbusdb/regkey"
)

// ID is a transaction identifier, assigned modulo 1024 by the executor.
type ID uint16

// Data maps a user key to the value produced by a completed read.
type Data map[regkey.Key]float64

// Transaction is one enqueued Select, tracked from creation through completion.
type Transaction struct {
	ID             ID
	Type           core.Method
	Entries        []core.Entry
	Unit           uint
	Scope          regkey.Scope
	BigEndian      bool
	SwapWords      bool
	ForceWriteMany bool
	// Body is the write payload keyed by entry; nil for reads.
	Body           Data
	Priority       core.Priority
	Timeout        time.Duration
	StartedAt      time.Time

	mu         sync.Mutex
	once       sync.Once
	finishedAt time.Time
	data       Data
	err        error
}

// New builds a Transaction from a Select. All entries must share the same
// unit and scope; this is asserted by the executor before calling New.
func New(id ID, typ core.Method, sel core.Select, priority core.Priority, timeout time.Duration, now time.Time) *Transaction {
	return &Transaction{
		ID:             id,
		Type:           typ,
		Entries:        sel.Entries,
		Unit:           sel.Unit,
		Scope:          sel.Scope,
		BigEndian:      sel.BigEndian,
		SwapWords:      sel.SwapWords,
		ForceWriteMany: sel.ForceWriteMany,
		Priority:       priority,
		Timeout:        timeout,
		StartedAt:      now,
	}
}

// Finish records completion. Only the first call has any effect.
func (t *Transaction) Finish(data Data, err error, now time.Time) {
	t.once.Do(func() {
		t.mu.Lock()
		defer t.mu.Unlock()

		t.finishedAt = now
		t.data = data
		t.err = err
	})
}

// Done reports whether Finish has been called.
func (t *Transaction) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return !t.finishedAt.IsZero()
}

// Result returns the completion data and error. Both are zero until Done.
func (t *Transaction) Result() (Data, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.data, t.err
}

// Error returns the completion error, or nil if the transaction hasn't
// finished yet or finished successfully.
func (t *Transaction) Error() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.err
}

// Duration returns the time elapsed since StartedAt, up to FinishedAt if set.
func (t *Transaction) Duration(now time.Time) time.Duration {
	t.mu.Lock()
	end := t.finishedAt
	t.mu.Unlock()

	if end.IsZero() {
		end = now
	}
	return end.Sub(t.StartedAt)
}

// IsTimedOut reports whether the transaction's error is (or wraps) the
// timeout sentinel.
func (t *Transaction) IsTimedOut() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return errors.Is(t.err, mdberrors.ErrRequestTimedOut)
}
