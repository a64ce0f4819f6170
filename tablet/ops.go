package tablet

import (
	"encoding/binary"

	"github.com/unikv/tabletstore/tablet/mvcc"
	"github.com/unikv/tabletstore/tablet/txnstate"
	"github.com/unikv/tabletstore/util/codec"
)

// Dialect selects how an operation batch's rows are interpreted. The set is
// closed; the write pipeline is shared across all of them.
type Dialect byte

const (
	DialectKeyValue Dialect = iota
	DialectCounter
	DialectDocument
)

// OpType of a single row operation.
type OpType byte

const (
	OpPut OpType = iota
	OpDelete
	OpCheckAndPut
	OpIncrement
)

// RowOperation is one mutation inside an operation batch. Which fields are
// meaningful depends on Op: Expected for CheckAndPut, Delta for Increment,
// Subkey only under the document dialect.
type RowOperation struct {
	Op       OpType
	Key      []byte
	Subkey   []byte
	Value    []byte
	Expected []byte
	Delta    int64
}

// OperationBatch is the decoded body of one write request. All operations in
// a batch commit atomically at one timestamp.
type OperationBatch struct {
	Dialect       Dialect
	SchemaVersion uint32
	Ops           []RowOperation
}

// encodedKey returns the memcomparable store key of one operation. Document
// rows append the subkey as a second encoding group, so all subkeys of a row
// sort together right after the row itself.
func (b *OperationBatch) encodedKey(op *RowOperation) []byte {
	key := codec.EncodeBytes(nil, op.Key)
	if b.Dialect == DialectDocument && len(op.Subkey) > 0 {
		key = codec.EncodeBytes(key, op.Subkey)
	}
	return key
}

// WriteRequest carries one operation batch through the write pipeline.
// A zero OperationContext means a single-shard write outside any transaction.
type WriteRequest struct {
	Batch OperationBatch
	Ctx   txnstate.OperationContext
	// OpID is the replicated-log index that produced this write, zero for
	// writes not driven by replication.
	OpID uint64
}

// OpResult reports the outcome of one row operation.
type OpResult struct {
	// Applied is false only for a CheckAndPut whose expectation failed.
	Applied bool
	// NewValue is the counter value after an Increment.
	NewValue int64
}

// WriteResult is returned once the whole batch is durably applied.
type WriteResult struct {
	CommitTS mvcc.HybridTime
	Results  []OpResult
}

// Counter values are stored as fixed 8-byte little-endian signed integers.

func EncodeCounterValue(v int64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(v))
	return buf
}

func DecodeCounterValue(val []byte) int64 {
	if len(val) != 8 {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(val))
}
