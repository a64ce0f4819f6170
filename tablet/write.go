package tablet

import (
	"bytes"
	"context"
	"time"

	"github.com/coocood/badger"
	"github.com/juju/errors"

	"github.com/unikv/tabletstore/engine"
	"github.com/unikv/tabletstore/tablet/lockmanager"
	"github.com/unikv/tabletstore/tablet/mvcc"
)

// WriteOperationState is a prepared write: locks held, timestamp reserved,
// nothing applied yet. Callers that replicate the batch before applying it
// hold the state across replication and finish with ApplyPrepared; either
// ApplyPrepared or Abort must be called exactly once.
type WriteOperationState struct {
	tablet      *Tablet
	req         *WriteRequest
	lockBatch   *lockmanager.LockBatch
	commitTS    mvcc.HybridTime
	encodedKeys [][]byte
	done        func()
	finished    bool
}

func (st *WriteOperationState) CommitTS() mvcc.HybridTime {
	return st.commitTS
}

// Abort releases everything the prepare phase acquired without applying.
func (st *WriteOperationState) Abort() {
	st.finish(true)
}

func (st *WriteOperationState) finish(abort bool) {
	if st.finished {
		return
	}
	st.finished = true
	if abort {
		st.tablet.mvccMgr.Aborted(st.commitTS)
	}
	st.lockBatch.Release()
	st.done()
}

// Write runs the full pipeline: prepare, lock, timestamp, apply, release.
func (t *Tablet) Write(ctx context.Context, req *WriteRequest) (*WriteResult, error) {
	st, err := t.PrepareWrite(ctx, req)
	if err != nil {
		return nil, err
	}
	return t.ApplyPrepared(st)
}

// PrepareWrite admits the request, checks its schema version, locks every key
// it touches and reserves the commit timestamp. The timestamp is taken only
// after the locks are held, so versions of one key always commit in timestamp
// order.
func (t *Tablet) PrepareWrite(ctx context.Context, req *WriteRequest) (*WriteOperationState, error) {
	done, err := t.beginOperation()
	if err != nil {
		return nil, err
	}

	t.schemaLock.RLock()
	schemaVersion := t.schema.Version
	t.schemaLock.RUnlock()
	if req.Batch.SchemaVersion != schemaVersion {
		done()
		return nil, errors.Trace(ErrSchemaMismatch{
			Expected: req.Batch.SchemaVersion,
			Actual:   schemaVersion,
		})
	}

	encodedKeys := make([][]byte, len(req.Batch.Ops))
	for i := range req.Batch.Ops {
		encodedKeys[i] = req.Batch.encodedKey(&req.Batch.Ops[i])
	}

	lockBatch, err := t.acquireLocks(ctx, encodedKeys)
	if err != nil {
		done()
		return nil, err
	}

	return &WriteOperationState{
		tablet:      t,
		req:         req,
		lockBatch:   lockBatch,
		commitTS:    t.mvccMgr.StartOperation(),
		encodedKeys: encodedKeys,
		done:        done,
	}, nil
}

func (t *Tablet) acquireLocks(ctx context.Context, encodedKeys [][]byte) (*lockmanager.LockBatch, error) {
	if _, ok := ctx.Deadline(); !ok && t.lockWaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.lockWaitTimeout)
		defer cancel()
	}
	lockBatch, err := t.locks.Acquire(ctx, encodedKeys)
	if err != nil {
		t.metrics.conflicts.Inc()
		return nil, errors.Trace(err)
	}
	return lockBatch, nil
}

// ApplyPrepared builds and applies the store batch for a prepared write. On
// every failure path the timestamp is abandoned and the locks released.
func (t *Tablet) ApplyPrepared(st *WriteOperationState) (*WriteResult, error) {
	start := time.Now()
	defer st.finish(false)

	store := t.captureStore()
	txn := store.NewSnapshot()
	wb := new(engine.WriteBatch)
	results, err := t.buildWriteBatch(txn, wb, st)
	txn.Discard()
	if err != nil {
		st.finish(true)
		return nil, err
	}
	wb.SetOpID(st.req.OpID)

	// The marker must cover the write before any of it can reach the store.
	t.flushStats.ObserveWrite(st.commitTS)
	if err := store.Write(wb); err != nil {
		st.finish(true)
		return nil, errors.Trace(ErrStoreFailure{Err: err})
	}
	t.mvccMgr.Commit(st.commitTS)
	t.advanceLastCommittedWriteIndex(st.req.OpID)

	t.metrics.writes.Inc()
	t.metrics.writeDuration.Observe(time.Since(start).Seconds())
	return &WriteResult{CommitTS: st.commitTS, Results: results}, nil
}

// buildWriteBatch reads the current version of every touched key under the
// held locks and emits the move-to-old plus new-latest entries.
func (t *Tablet) buildWriteBatch(txn *badger.Txn, wb *engine.WriteBatch, st *WriteOperationState) ([]OpResult, error) {
	req := st.req
	results := make([]OpResult, len(req.Batch.Ops))
	for i := range req.Batch.Ops {
		op := &req.Batch.Ops[i]
		encKey := st.encodedKeys[i]

		if err := t.checkIntentConflict(txn, encKey, op.Key, req.Ctx.TxnID); err != nil {
			return nil, err
		}
		curVal, curMeta, err := currentVersion(txn, encKey)
		if err != nil {
			return nil, errors.Trace(ErrStoreFailure{Err: err})
		}

		var newVal []byte
		results[i].Applied = true
		switch op.Op {
		case OpPut:
			newVal = op.Value
		case OpDelete:
			newVal = nil
		case OpCheckAndPut:
			if !bytes.Equal(curVal, op.Expected) {
				results[i].Applied = false
				continue
			}
			newVal = op.Value
		case OpIncrement:
			next := DecodeCounterValue(curVal) + op.Delta
			results[i].NewValue = next
			newVal = EncodeCounterValue(next)
		default:
			return nil, errors.Errorf("unknown op type %d", op.Op)
		}

		if curMeta != nil {
			wb.SetWithMeta(engine.OldKey(encKey, curMeta.CommitTS()),
				curVal, []byte(curMeta.ToOldUserMeta(st.commitTS)))
		}
		wb.SetWithMeta(engine.DataKey(encKey), newVal,
			[]byte(engine.NewUserMeta(st.commitTS, req.OpID)))
	}
	return results, nil
}

// checkIntentConflict rejects a write that would run under a provisional
// intent owned by another transaction.
func (t *Tablet) checkIntentConflict(txn *badger.Txn, encKey, userKey []byte, txnID uint64) error {
	item, err := txn.Get(engine.IntentKey(encKey))
	if err == badger.ErrKeyNotFound {
		return nil
	}
	if err != nil {
		return errors.Trace(ErrStoreFailure{Err: err})
	}
	val, err := item.Value()
	if err != nil {
		return errors.Trace(ErrStoreFailure{Err: err})
	}
	intent, err := decodeIntent(val)
	if err != nil {
		return errors.Trace(err)
	}
	if intent.txnID == txnID {
		return nil
	}
	t.metrics.conflicts.Inc()
	return errors.Trace(ErrLocked{Key: append([]byte{}, userKey...), TxnID: intent.txnID})
}

// currentVersion returns the latest version of a key, raw. A tombstone comes
// back as a nil value with its meta; a missing key as nil meta.
func currentVersion(txn *badger.Txn, encKey []byte) ([]byte, engine.UserMeta, error) {
	item, err := txn.Get(engine.DataKey(encKey))
	if err == badger.ErrKeyNotFound {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	val, err := item.Value()
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	meta := engine.UserMeta(append([]byte{}, item.UserMeta()...))
	if len(val) == 0 {
		return nil, meta, nil
	}
	return append([]byte{}, val...), meta, nil
}
