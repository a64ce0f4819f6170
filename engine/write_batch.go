package engine

import (
	"github.com/coocood/badger"
)

// WriteBatch collects entries that Engine.Write applies atomically. An entry
// with an empty value and no user meta is a deletion; an empty value with
// user meta set is an MVCC tombstone.
type WriteBatch struct {
	entries       []*badger.Entry
	size          int
	safePoint     int
	safePointSize int
	opID          uint64
}

func (wb *WriteBatch) Len() int {
	return len(wb.entries)
}

func (wb *WriteBatch) Size() int {
	return wb.size
}

func (wb *WriteBatch) SetWithMeta(key, val, userMeta []byte) {
	wb.entries = append(wb.entries, &badger.Entry{
		Key:      key,
		Value:    val,
		UserMeta: userMeta,
	})
	wb.size += len(key) + len(val)
}

func (wb *WriteBatch) Delete(key []byte) {
	wb.entries = append(wb.entries, &badger.Entry{
		Key: key,
	})
	wb.size += len(key)
}

// SetOpID tags the batch with the replication operation id that produced it.
func (wb *WriteBatch) SetOpID(opID uint64) {
	wb.opID = opID
}

// SetSafePoint remembers the current batch position so a failed sub-operation
// can be rolled back without discarding the whole batch.
func (wb *WriteBatch) SetSafePoint() {
	wb.safePoint = len(wb.entries)
	wb.safePointSize = wb.size
}

func (wb *WriteBatch) RollbackToSafePoint() {
	wb.entries = wb.entries[:wb.safePoint]
	wb.size = wb.safePointSize
}

func (wb *WriteBatch) Reset() {
	wb.entries = wb.entries[:0]
	wb.size = 0
	wb.safePoint = 0
	wb.safePointSize = 0
	wb.opID = 0
}
