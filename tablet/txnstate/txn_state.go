// Package txnstate carries the transaction-status types shared between the
// tablet and the distributed transaction coordinator that drives it.
package txnstate

import (
	"github.com/unikv/tabletstore/tablet/mvcc"
)

// Status of a distributed transaction as known by its coordinator.
type Status int

const (
	StatusPending Status = iota
	StatusCommitted
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	}
	return "unknown"
}

// StatusResolver answers what became of a transaction whose intent a read or
// write ran into. Implementations typically query the transaction status
// table owned by the coordinator.
type StatusResolver interface {
	// Resolve returns the transaction's status, and its commit timestamp when
	// the status is StatusCommitted.
	Resolve(txnID uint64) (Status, mvcc.HybridTime, error)
}

// OperationContext identifies the transaction a write or read runs inside.
// A zero TxnID means a single-shard operation outside any transaction.
type OperationContext struct {
	TxnID   uint64
	StartTS mvcc.HybridTime
}

func (c OperationContext) Transactional() bool {
	return c.TxnID != 0
}

// ApplyData instructs the tablet to move a transaction's provisional records
// into the regular keyspace at the coordinator-chosen commit timestamp.
type ApplyData struct {
	TxnID    uint64
	CommitTS mvcc.HybridTime
	OpID     uint64
}
