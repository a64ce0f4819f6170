package tablet

import (
	"bytes"
	"context"

	"github.com/coocood/badger"
	"github.com/juju/errors"

	"github.com/unikv/tabletstore/engine"
	"github.com/unikv/tabletstore/tablet/mvcc"
	"github.com/unikv/tabletstore/tablet/txnstate"
	"github.com/unikv/tabletstore/util/codec"
)

// IteratorRequest describes one scan.
type IteratorRequest struct {
	Projection *Projection
	// StartKey/EndKey bound the scan by user key, end exclusive. A nil
	// EndKey scans to the end of the tablet.
	StartKey []byte
	EndKey   []byte
	// ReadTime pins the read to an explicit timestamp. Zero picks the
	// current safe-to-read time.
	ReadTime mvcc.HybridTime
	// Ordered pins visibility to exactly the MVCC snapshot captured at
	// iterator creation. Unordered reads are "at least as of" the read
	// time and skip the snapshot bookkeeping.
	Ordered bool
	Reverse bool
	// Ctx makes the scan transactional: the transaction's own provisional
	// writes are merged over the committed data.
	Ctx txnstate.OperationContext
}

// scopedReadPoint keeps a read timestamp registered for the life of one read
// operation, so maintenance cannot discard the history it is looking at.
type scopedReadPoint struct {
	registry *mvcc.ReadPointRegistry
	ts       mvcc.HybridTime
	released bool
}

func (p *scopedReadPoint) release() {
	if p.released {
		return
	}
	p.released = true
	p.registry.Unregister(p.ts)
}

// Row is one result of a read.
type Row struct {
	Key      []byte
	Value    []byte
	CommitTS mvcc.HybridTime
}

// Iterator yields the newest visible version of every key in its range. It is
// lazy, finite and non-restartable; Close must be called exactly once.
type Iterator struct {
	reader *engine.SnapshotReader
	iter   *badger.Iterator

	readPoint *scopedReadPoint
	done      func()

	startEnc []byte
	endEnc   []byte
	reverse  bool

	// Own intents of the scan's transaction, in store order, merged over
	// the committed data during iteration.
	intentKeys [][]byte
	intents    []*intentRecord
	intentIdx  int

	row    Row
	err    error
	closed bool
	seeked bool
}

// NewRowIterator captures an immutable view of the tablet and returns an
// iterator over it. The store snapshot and the MVCC snapshot are captured
// under the component guard in shared mode; from then on the iterator never
// touches mutable tablet state.
func (t *Tablet) NewRowIterator(req *IteratorRequest) (*Iterator, error) {
	done, err := t.beginOperation()
	if err != nil {
		return nil, err
	}

	if req.Ctx.Transactional() {
		if err := t.resolveReadTxn(req.Ctx.TxnID); err != nil {
			done()
			return nil, err
		}
	}

	readTS := req.ReadTime
	var visible engine.VisibleFunc
	var snap *mvcc.Snapshot
	if req.Ordered {
		snap = t.mvccMgr.TakeSnapshot()
		if readTS == 0 || readTS > snap.MaxVisible() {
			readTS = snap.MaxVisible()
		}
		visible = snap.IsVisible
	} else if readTS == 0 {
		readTS = t.mvccMgr.SafeTimeToRead()
	}

	t.readPoints.Register(readTS)
	readPoint := &scopedReadPoint{registry: t.readPoints, ts: readTS}

	store := t.captureStore()
	txn := store.NewSnapshot()
	reader := engine.NewSnapshotReader(txn, readTS, t.GCHorizon(), visible)

	startEnc := codec.EncodeBytes(nil, req.StartKey)
	var endEnc []byte
	if len(req.EndKey) > 0 {
		endEnc = codec.EncodeBytes(nil, req.EndKey)
	}

	it := &Iterator{
		reader:    reader,
		readPoint: readPoint,
		done:      done,
		startEnc:  startEnc,
		endEnc:    endEnc,
		reverse:   req.Reverse,
	}
	if req.Ctx.Transactional() {
		it.intentKeys, it.intents, err = loadOwnIntents(txn, req.Ctx.TxnID, startEnc, endEnc)
		if err != nil {
			it.Close()
			return nil, err
		}
		if req.Reverse {
			reverseIntentOrder(it.intentKeys, it.intents)
		}
	}
	t.metrics.reads.Inc()
	return it, nil
}

func (t *Tablet) resolveReadTxn(txnID uint64) error {
	if t.resolver == nil {
		return errors.Trace(ErrTransactionUnresolved{TxnID: txnID})
	}
	status, _, err := t.resolver.Resolve(txnID)
	if err != nil {
		return errors.Trace(ErrTransactionUnresolved{TxnID: txnID})
	}
	if status == txnstate.StatusAborted {
		return errors.Errorf("transaction %d is aborted", txnID)
	}
	return nil
}

func reverseIntentOrder(keys [][]byte, recs []*intentRecord) {
	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
		recs[i], recs[j] = recs[j], recs[i]
	}
}

// Next advances to the next visible row. It returns false at the end of the
// range or on error; check Error afterwards.
func (it *Iterator) Next() bool {
	if it.closed || it.err != nil {
		return false
	}
	iter := it.dataIter()
	if !it.seeked {
		it.seeked = true
		if it.reverse {
			iter.Seek(it.dataEnd())
			// Reverse seek may land exactly on the exclusive end.
			if iter.Valid() && bytes.Equal(iter.Item().Key(), it.dataEnd()) {
				iter.Next()
			}
		} else {
			iter.Seek(engine.DataKey(it.startEnc))
		}
	}
	return it.advance()
}

// advance merges the committed data with the transaction's own intents and
// stops at the next visible, non-deleted row. Every candidate is consumed
// from its source as soon as it is inspected.
func (it *Iterator) advance() bool {
	iter := it.dataIter()
	for {
		var dataKey []byte
		if it.inBounds(iter) {
			dataKey = iter.Item().Key()[1:]
		}
		intentKey := it.currentIntentKey()

		switch {
		case dataKey == nil && intentKey == nil:
			it.row = Row{}
			return false
		case dataKey != nil && (intentKey == nil || it.before(dataKey, intentKey)):
			ok, err := it.fillFromData(dataKey)
			iter.Next()
			if err != nil {
				it.err = err
				return false
			}
			if ok {
				return true
			}
		case dataKey != nil && bytes.Equal(dataKey, intentKey):
			// The transaction overwrote this key; its intent wins.
			rec := it.intents[it.intentIdx]
			it.intentIdx++
			iter.Next()
			if it.fillFromIntent(intentKey, rec) {
				return true
			}
		default:
			rec := it.intents[it.intentIdx]
			it.intentIdx++
			if it.fillFromIntent(intentKey, rec) {
				return true
			}
		}
	}
}

func (it *Iterator) fillFromData(encKey []byte) (bool, error) {
	item := it.dataIter().Item()
	ts := engine.UserMeta(item.UserMeta()).CommitTS()
	var val []byte
	var err error
	if it.reader.Visible(ts) {
		val, err = item.Value()
	} else {
		val, ts, err = it.reader.OldVersion(encKey)
	}
	if err != nil {
		return false, errors.Trace(err)
	}
	if len(val) == 0 {
		return false, nil
	}
	it.row = Row{
		Key:      decodeUserKey(encKey),
		Value:    append([]byte{}, val...),
		CommitTS: ts,
	}
	return true, nil
}

func (it *Iterator) fillFromIntent(encKey []byte, rec *intentRecord) bool {
	if rec.op == OpDelete {
		return false
	}
	it.row = Row{
		Key:      decodeUserKey(encKey),
		Value:    append([]byte{}, rec.value...),
		CommitTS: rec.startTS,
	}
	return true
}

func (it *Iterator) inBounds(iter *badger.Iterator) bool {
	if !iter.ValidForPrefix([]byte{engine.DataPrefix}) {
		return false
	}
	key := iter.Item().Key()
	if it.reverse {
		return bytes.Compare(key, engine.DataKey(it.startEnc)) >= 0
	}
	return bytes.Compare(key, it.dataEnd()) < 0
}

func (it *Iterator) dataEnd() []byte {
	if len(it.endEnc) > 0 {
		return engine.DataKey(it.endEnc)
	}
	return []byte{engine.DataPrefix + 1}
}

func (it *Iterator) currentIntentKey() []byte {
	if it.intentIdx < len(it.intentKeys) {
		return it.intentKeys[it.intentIdx]
	}
	return nil
}

func (it *Iterator) before(a, b []byte) bool {
	if it.reverse {
		return bytes.Compare(a, b) > 0
	}
	return bytes.Compare(a, b) < 0
}

func (it *Iterator) dataIter() *badger.Iterator {
	if it.iter == nil {
		it.iter = engine.NewIterator(it.reader.Txn(), it.reverse,
			[]byte{engine.DataPrefix}, []byte{engine.DataPrefix + 1})
	}
	return it.iter
}

func (it *Iterator) Key() []byte {
	return it.row.Key
}

func (it *Iterator) Value() []byte {
	return it.row.Value
}

func (it *Iterator) CommitTS() mvcc.HybridTime {
	return it.row.CommitTS
}

func (it *Iterator) ReadTS() mvcc.HybridTime {
	return it.reader.ReadTS()
}

func (it *Iterator) Error() error {
	return it.err
}

// Close releases the read point, the snapshot and the pending-op slot. It is
// safe to call more than once; only the first call does anything.
func (it *Iterator) Close() {
	if it.closed {
		return
	}
	it.closed = true
	if it.iter != nil {
		it.iter.Close()
	}
	it.reader.Close()
	it.readPoint.release()
	it.done()
}

// ReadRequest is a bounded typed read with paging.
type ReadRequest struct {
	Projection *Projection
	StartKey   []byte
	EndKey     []byte
	Limit      int
	// ContinuationKey resumes a paged read where the previous response
	// stopped; it overrides StartKey when set.
	ContinuationKey []byte
	ReadTime        mvcc.HybridTime
	Ordered         bool
	Ctx             txnstate.OperationContext
}

// ReadResponse carries one page. A non-nil ContinuationKey means more rows
// may follow; pass it back as the next request's ContinuationKey.
type ReadResponse struct {
	Rows            []Row
	ContinuationKey []byte
	ReadTime        mvcc.HybridTime
}

// Read runs one page of a scan. Paged continuations must pass the first
// response's ReadTime back as ReadTime so every page sees the same data.
func (t *Tablet) Read(ctx context.Context, req *ReadRequest) (*ReadResponse, error) {
	startKey := req.StartKey
	if len(req.ContinuationKey) > 0 {
		startKey = req.ContinuationKey
	}
	it, err := t.NewRowIterator(&IteratorRequest{
		Projection: req.Projection,
		StartKey:   startKey,
		EndKey:     req.EndKey,
		ReadTime:   req.ReadTime,
		Ordered:    req.Ordered,
		Ctx:        req.Ctx,
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	resp := &ReadResponse{ReadTime: it.ReadTS()}
	for it.Next() {
		if req.Limit > 0 && len(resp.Rows) == req.Limit {
			// One row past the page boundary: hand it to the caller as
			// the place to resume.
			resp.ContinuationKey = it.Key()
			return resp, nil
		}
		resp.Rows = append(resp.Rows, it.row)
		select {
		case <-ctx.Done():
			return nil, errors.Trace(ctx.Err())
		default:
		}
	}
	return resp, it.Error()
}

// Get returns the newest visible value of one key, or nil when the key is
// absent or tombstoned.
func (t *Tablet) Get(ctx context.Context, key []byte, opts *IteratorRequest) (*Row, error) {
	done, err := t.beginOperation()
	if err != nil {
		return nil, err
	}
	defer done()

	var reqCtx txnstate.OperationContext
	readTime := mvcc.HybridTime(0)
	ordered := false
	if opts != nil {
		reqCtx = opts.Ctx
		readTime = opts.ReadTime
		ordered = opts.Ordered
	}
	if reqCtx.Transactional() {
		if err := t.resolveReadTxn(reqCtx.TxnID); err != nil {
			return nil, err
		}
	}

	var visible engine.VisibleFunc
	if ordered {
		snap := t.mvccMgr.TakeSnapshot()
		if readTime == 0 || readTime > snap.MaxVisible() {
			readTime = snap.MaxVisible()
		}
		visible = snap.IsVisible
	} else if readTime == 0 {
		readTime = t.mvccMgr.SafeTimeToRead()
	}

	t.readPoints.Register(readTime)
	defer t.readPoints.Unregister(readTime)

	store := t.captureStore()
	reader := engine.NewSnapshotReader(store.NewSnapshot(), readTime, t.GCHorizon(), visible)
	defer reader.Close()

	encKey := codec.EncodeBytes(nil, key)
	if reqCtx.Transactional() {
		item, err := reader.Txn().Get(engine.IntentKey(encKey))
		if err != nil && err != badger.ErrKeyNotFound {
			return nil, errors.Trace(ErrStoreFailure{Err: err})
		}
		if err == nil {
			val, err := item.Value()
			if err != nil {
				return nil, errors.Trace(ErrStoreFailure{Err: err})
			}
			rec, err := decodeIntent(val)
			if err != nil {
				return nil, errors.Trace(err)
			}
			if rec.txnID == reqCtx.TxnID {
				if rec.op == OpDelete {
					return nil, nil
				}
				return &Row{Key: key, Value: rec.value, CommitTS: rec.startTS}, nil
			}
		}
	}

	val, ts, err := reader.Get(encKey)
	if err != nil {
		return nil, errors.Trace(err)
	}
	t.metrics.reads.Inc()
	if val == nil {
		return nil, nil
	}
	return &Row{Key: key, Value: val, CommitTS: ts}, nil
}

// decodeUserKey strips the memcomparable encoding from the first group of a
// store key. Document keys keep their encoded subkey suffix attached.
func decodeUserKey(encKey []byte) []byte {
	_, userKey, err := codec.DecodeBytes(encKey, nil)
	if err != nil {
		// Corrupt key encodings do not happen outside store corruption;
		// surface the raw bytes rather than dropping the row.
		return append([]byte{}, encKey...)
	}
	return userKey
}
