package tablet

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/coocood/badger"
	"github.com/juju/errors"
	"github.com/ngaut/log"

	"github.com/unikv/tabletstore/engine"
	"github.com/unikv/tabletstore/tablet/mvcc"
	"github.com/unikv/tabletstore/tablet/txnstate"
)

// intentRecord is the decoded value of a provisional intent key. The layout
// is fixed little-endian fields followed by the raw value:
//
//	txnID(8) | startTS(8) | op(1) | value(...)
type intentRecord struct {
	txnID   uint64
	startTS mvcc.HybridTime
	op      OpType
	value   []byte
}

func encodeIntent(rec *intentRecord) []byte {
	buf := make([]byte, 17+len(rec.value))
	binary.LittleEndian.PutUint64(buf, rec.txnID)
	binary.LittleEndian.PutUint64(buf[8:], uint64(rec.startTS))
	buf[16] = byte(rec.op)
	copy(buf[17:], rec.value)
	return buf
}

func decodeIntent(val []byte) (*intentRecord, error) {
	if len(val) < 17 {
		return nil, errors.Errorf("intent record too short: %d bytes", len(val))
	}
	rec := &intentRecord{
		txnID:   binary.LittleEndian.Uint64(val),
		startTS: mvcc.HybridTime(binary.LittleEndian.Uint64(val[8:])),
		op:      OpType(val[16]),
	}
	if len(val) > 17 {
		rec.value = append([]byte{}, val[17:]...)
	}
	return rec, nil
}

// IntentWriteRequest writes a transaction's provisional records. Nothing
// becomes visible until ApplyIntents runs with the coordinator's commit
// timestamp.
type IntentWriteRequest struct {
	Batch OperationBatch
	Ctx   txnstate.OperationContext
	OpID  uint64
}

// WriteIntents checks every key for conflicts and writes intent records. A
// foreign intent fails with ErrLocked; a committed version newer than the
// transaction's start time fails with ErrConflict. Read-modify-write ops are
// not allowed as intents: their result would depend on an apply-time read.
func (t *Tablet) WriteIntents(ctx context.Context, req *IntentWriteRequest) error {
	if !req.Ctx.Transactional() {
		return errors.New("intent write without a transaction context")
	}
	done, err := t.beginOperation()
	if err != nil {
		return err
	}
	defer done()

	t.schemaLock.RLock()
	schemaVersion := t.schema.Version
	t.schemaLock.RUnlock()
	if req.Batch.SchemaVersion != schemaVersion {
		return errors.Trace(ErrSchemaMismatch{
			Expected: req.Batch.SchemaVersion,
			Actual:   schemaVersion,
		})
	}

	encodedKeys := make([][]byte, len(req.Batch.Ops))
	for i := range req.Batch.Ops {
		op := &req.Batch.Ops[i]
		if op.Op != OpPut && op.Op != OpDelete {
			return errors.Errorf("op type %d cannot be written as an intent", op.Op)
		}
		encodedKeys[i] = req.Batch.encodedKey(op)
	}

	lockBatch, err := t.acquireLocks(ctx, encodedKeys)
	if err != nil {
		return err
	}
	defer lockBatch.Release()

	store := t.captureStore()
	txn := store.NewSnapshot()
	defer txn.Discard()

	wb := new(engine.WriteBatch)
	for i := range req.Batch.Ops {
		op := &req.Batch.Ops[i]
		encKey := encodedKeys[i]

		if err := t.checkIntentConflict(txn, encKey, op.Key, req.Ctx.TxnID); err != nil {
			return err
		}
		_, curMeta, err := currentVersion(txn, encKey)
		if err != nil {
			return errors.Trace(ErrStoreFailure{Err: err})
		}
		if curMeta != nil && curMeta.CommitTS() > req.Ctx.StartTS {
			t.metrics.conflicts.Inc()
			return errors.Trace(ErrConflict{
				Key:        append([]byte{}, op.Key...),
				ExistingTS: curMeta.CommitTS(),
				AttemptTS:  req.Ctx.StartTS,
			})
		}
		wb.SetWithMeta(engine.IntentKey(encKey), encodeIntent(&intentRecord{
			txnID:   req.Ctx.TxnID,
			startTS: req.Ctx.StartTS,
			op:      op.Op,
			value:   op.Value,
		}), nil)
	}
	wb.SetOpID(req.OpID)
	if err := store.Write(wb); err != nil {
		return errors.Trace(ErrStoreFailure{Err: err})
	}
	return nil
}

// ApplyIntents moves a transaction's provisional records into the regular
// keyspace at the commit timestamp its coordinator fixed. The tablet assigns
// no timestamp of its own here; it only observes the external one so later
// local writes stay above it.
func (t *Tablet) ApplyIntents(data txnstate.ApplyData) error {
	done, err := t.beginOperation()
	if err != nil {
		return err
	}
	defer done()

	encodedKeys, intents, err := t.collectIntents(data.TxnID)
	if err != nil {
		return err
	}
	if len(encodedKeys) == 0 {
		return nil
	}

	lockBatch, err := t.acquireLocks(context.Background(), encodedKeys)
	if err != nil {
		return err
	}
	defer lockBatch.Release()

	store := t.captureStore()
	txn := store.NewSnapshot()
	wb := new(engine.WriteBatch)
	for i, encKey := range encodedKeys {
		rec := intents[i]
		curVal, curMeta, err := currentVersion(txn, encKey)
		if err != nil {
			txn.Discard()
			return errors.Trace(ErrStoreFailure{Err: err})
		}
		if curMeta != nil {
			wb.SetWithMeta(engine.OldKey(encKey, curMeta.CommitTS()),
				curVal, []byte(curMeta.ToOldUserMeta(data.CommitTS)))
		}
		var newVal []byte
		if rec.op == OpPut {
			newVal = rec.value
		}
		wb.SetWithMeta(engine.DataKey(encKey), newVal,
			[]byte(engine.NewUserMeta(data.CommitTS, data.OpID)))
		wb.Delete(engine.IntentKey(encKey))
	}
	txn.Discard()
	wb.SetOpID(data.OpID)

	t.flushStats.ObserveWrite(data.CommitTS)
	if err := store.Write(wb); err != nil {
		return errors.Trace(ErrStoreFailure{Err: err})
	}
	t.mvccMgr.ObserveCommit(data.CommitTS)
	t.advanceLastCommittedWriteIndex(data.OpID)
	t.metrics.writes.Inc()
	return nil
}

// AbortIntents discards every provisional record of an aborted transaction.
func (t *Tablet) AbortIntents(txnID uint64) error {
	done, err := t.beginOperation()
	if err != nil {
		return err
	}
	defer done()

	encodedKeys, _, err := t.collectIntents(txnID)
	if err != nil {
		return err
	}
	if len(encodedKeys) == 0 {
		return nil
	}

	lockBatch, err := t.acquireLocks(context.Background(), encodedKeys)
	if err != nil {
		return err
	}
	defer lockBatch.Release()

	store := t.captureStore()
	wb := new(engine.WriteBatch)
	for _, encKey := range encodedKeys {
		wb.Delete(engine.IntentKey(encKey))
	}
	if err := store.Write(wb); err != nil {
		return errors.Trace(ErrStoreFailure{Err: err})
	}
	log.Infof("tablet %s aborted %d intents of transaction %d", t.id, len(encodedKeys), txnID)
	return nil
}

// collectIntents scans the intent keyspace for one transaction's records.
func (t *Tablet) collectIntents(txnID uint64) ([][]byte, []*intentRecord, error) {
	store := t.captureStore()
	txn := store.NewSnapshot()
	defer txn.Discard()

	iter := engine.NewIterator(txn, false, []byte{engine.IntentPrefix}, []byte{engine.IntentPrefix + 1})
	defer iter.Close()

	var encodedKeys [][]byte
	var intents []*intentRecord
	for iter.Seek([]byte{engine.IntentPrefix}); iter.ValidForPrefix([]byte{engine.IntentPrefix}); iter.Next() {
		item := iter.Item()
		val, err := item.Value()
		if err != nil {
			return nil, nil, errors.Trace(ErrStoreFailure{Err: err})
		}
		rec, err := decodeIntent(val)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		if rec.txnID != txnID {
			continue
		}
		encodedKeys = append(encodedKeys, item.KeyCopy(nil)[1:])
		intents = append(intents, rec)
	}
	return encodedKeys, intents, nil
}

// loadOwnIntents reads a transaction's intents in [startEnc, endEnc) from an
// already captured snapshot, for the read path's own-write overlay. The keys
// come back in store order.
func loadOwnIntents(txn *badger.Txn, txnID uint64, startEnc, endEnc []byte) ([][]byte, []*intentRecord, error) {
	start := engine.IntentKey(startEnc)
	end := []byte{engine.IntentPrefix + 1}
	if len(endEnc) > 0 {
		end = engine.IntentKey(endEnc)
	}
	iter := engine.NewIterator(txn, false, start, end)
	defer iter.Close()

	var keys [][]byte
	var recs []*intentRecord
	for iter.Seek(start); iter.ValidForPrefix([]byte{engine.IntentPrefix}); iter.Next() {
		item := iter.Item()
		if bytes.Compare(item.Key(), end) >= 0 {
			break
		}
		val, err := item.Value()
		if err != nil {
			return nil, nil, errors.Trace(ErrStoreFailure{Err: err})
		}
		rec, err := decodeIntent(val)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		if rec.txnID != txnID {
			continue
		}
		keys = append(keys, item.KeyCopy(nil)[1:])
		recs = append(recs, rec)
	}
	return keys, recs, nil
}
