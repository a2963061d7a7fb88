// Package mdberrors defines the sentinel errors shared by every layer of
// modbusdb, following the same flat var block the transport-level Modbus
// packages in this codebase's lineage use for their own protocol errors.
package mdberrors

import "errors"

var (
	// ErrConfigurationError is returned when an instance is constructed from
	// an unusable configuration (e.g. no driver).
	ErrConfigurationError = errors.New("configuration error")
	// ErrInvalidKey is returned when a key component is out of its legal range.
	ErrInvalidKey = errors.New("invalid register key")
	// ErrUnknownKey names a key with no matching datamap entry; the planner
	// reports that case with ErrMissingEntry.
	ErrUnknownKey = errors.New("key not present in datamap")
	// ErrDuplicateKey is returned when two entries declare the same key.
	ErrDuplicateKey = errors.New("duplicate key in datamap")
	// ErrUnknownType is returned for an unsupported register Type.
	ErrUnknownType = errors.New("unsupported register type")
	// ErrBadBitIndex is returned when a bit index falls outside [0,15].
	ErrBadBitIndex = errors.New("bit index out of range")
	// ErrBufferLength is returned when a buffer does not match the expected length.
	ErrBufferLength = errors.New("buffer has unexpected length")

	// ErrCrossUnitTransaction is returned when entries in one transaction span units.
	ErrCrossUnitTransaction = errors.New("transaction spans more than one unit")
	// ErrCrossScopeTransaction is returned when entries in one transaction span scopes.
	ErrCrossScopeTransaction = errors.New("transaction spans more than one scope")
	// ErrEmptyKeySet is returned when an operation is given no keys.
	ErrEmptyKeySet = errors.New("empty key set")
	// ErrScopeNotReadable is returned when a read is attempted against a write-only scope.
	ErrScopeNotReadable = errors.New("scope is not readable")
	// ErrScopeNotWritable is returned when a write is attempted against a read-only scope.
	ErrScopeNotWritable = errors.New("scope is not writable")
	// ErrRequestTooLarge is returned when a planned request exceeds the wire limit of 999 registers.
	ErrRequestTooLarge = errors.New("request register count out of range")

	// ErrMissingEntry is a planner/executor invariant violation: a key has no entry.
	ErrMissingEntry = errors.New("missing datamap entry for key")
	// ErrMissingValue is a planner/executor invariant violation: a response has no value for an address.
	ErrMissingValue = errors.New("missing value for address in response")
	// ErrUnexpectedTaskResult is raised when the queue worker receives something other than a transaction.
	ErrUnexpectedTaskResult = errors.New("unexpected task result type")

	// ErrDriverFailure wraps any error surfaced by the Driver.
	ErrDriverFailure = errors.New("driver failure")
	// ErrRequestTimedOut is returned when a transaction's deadline elapses.
	ErrRequestTimedOut = errors.New("request timed out")
	// ErrUnitInBackoff is returned when a LOW priority request is skipped due to per-unit cooldown.
	ErrUnitInBackoff = errors.New("too many timeouts for this unit")
	// ErrDestroyed names the destroyed-instance condition; calls made after
	// destroy are reported with ErrAborted.
	ErrDestroyed = errors.New("instance has been destroyed")
	// ErrAborted is the completion error given to requests made after destroy
	// and to tasks still queued or dequeued after it.
	ErrAborted = errors.New("aborted")
)
