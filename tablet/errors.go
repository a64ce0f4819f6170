package tablet

import (
	"fmt"

	"github.com/unikv/tabletstore/tablet/mvcc"
)

// ErrInvalidState is returned when an operation reaches a tablet that is not
// in a state able to serve it. Callers must not retry against the same tablet.
type ErrInvalidState struct {
	State State
}

func (e ErrInvalidState) Error() string {
	return fmt.Sprintf("tablet in state %s cannot serve the operation", e.State)
}

// ErrLocked is returned when a write runs into a provisional intent owned by
// another transaction. The caller retries after the owning transaction
// resolves.
type ErrLocked struct {
	Key   []byte
	TxnID uint64
}

func (e ErrLocked) Error() string {
	return fmt.Sprintf("key %q locked by transaction %d", e.Key, e.TxnID)
}

// ErrConflict is returned when a transactional write finds a committed
// version newer than the transaction's start time.
type ErrConflict struct {
	Key        []byte
	ExistingTS mvcc.HybridTime
	AttemptTS  mvcc.HybridTime
}

func (e ErrConflict) Error() string {
	return fmt.Sprintf("write conflict on key %q: committed at %s, attempted from %s",
		e.Key, e.ExistingTS, e.AttemptTS)
}

// ErrSchemaMismatch is returned when a request was prepared against a schema
// version the tablet no longer carries.
type ErrSchemaMismatch struct {
	Expected uint32
	Actual   uint32
}

func (e ErrSchemaMismatch) Error() string {
	return fmt.Sprintf("schema version mismatch: request %d, tablet %d", e.Expected, e.Actual)
}

// ErrStoreFailure wraps an unrecoverable failure of the underlying store.
// The tablet is unusable until re-bootstrapped.
type ErrStoreFailure struct {
	Err error
}

func (e ErrStoreFailure) Error() string {
	return fmt.Sprintf("store failure: %v", e.Err)
}

func (e ErrStoreFailure) Unwrap() error {
	return e.Err
}

// ErrTransactionUnresolved is returned when the status of a transaction could
// not be determined from its coordinator.
type ErrTransactionUnresolved struct {
	TxnID uint64
}

func (e ErrTransactionUnresolved) Error() string {
	return fmt.Sprintf("status of transaction %d unresolved", e.TxnID)
}
