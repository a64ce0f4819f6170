package engine

import (
	"bytes"

	"github.com/coocood/badger"
	"github.com/juju/errors"

	"github.com/unikv/tabletstore/tablet/mvcc"
)

// VisibleFunc restricts visibility beyond the read timestamp. It is supplied
// by reads that must observe exactly an MVCC snapshot; a nil func admits
// every version committed at or before the read timestamp.
type VisibleFunc func(ts mvcc.HybridTime) bool

// SnapshotReader reads versioned data from one captured store snapshot. Row
// locks and intent conflicts must have been handled before the reader is
// created. Iterators are created lazily and the reader is not safe for
// concurrent use.
type SnapshotReader struct {
	txn       *badger.Txn
	readTS    mvcc.HybridTime
	safePoint mvcc.HybridTime
	visible   VisibleFunc

	iter    *badger.Iterator
	revIter *badger.Iterator
	oldIter *badger.Iterator
}

func NewSnapshotReader(txn *badger.Txn, readTS, safePoint mvcc.HybridTime, visible VisibleFunc) *SnapshotReader {
	return &SnapshotReader{
		txn:       txn,
		readTS:    readTS,
		safePoint: safePoint,
		visible:   visible,
	}
}

func (r *SnapshotReader) ReadTS() mvcc.HybridTime {
	return r.readTS
}

// Visible reports whether a version committed at ts is part of this reader's
// view.
func (r *SnapshotReader) Visible(ts mvcc.HybridTime) bool {
	if ts > r.readTS {
		return false
	}
	return r.visible == nil || r.visible(ts)
}

// Get returns the newest visible value of the key and its commit timestamp.
// An absent key (or one whose visible version is a tombstone) yields a nil
// value and no error.
func (r *SnapshotReader) Get(encodedKey []byte) ([]byte, mvcc.HybridTime, error) {
	item, err := r.txn.Get(DataKey(encodedKey))
	if err != nil && err != badger.ErrKeyNotFound {
		return nil, 0, errors.Trace(err)
	}
	if err == nil {
		ts := UserMeta(item.UserMeta()).CommitTS()
		if r.Visible(ts) {
			val, err := item.Value()
			if err != nil {
				return nil, 0, errors.Trace(err)
			}
			if len(val) == 0 {
				// Tombstone.
				return nil, ts, nil
			}
			return val, ts, nil
		}
	}
	return r.OldVersion(encodedKey)
}

// OldVersion walks the historical versions of a key, newest first, and
// returns the newest visible one. Versions already below the GC horizon are
// treated as missing.
func (r *SnapshotReader) OldVersion(encodedKey []byte) ([]byte, mvcc.HybridTime, error) {
	prefix := OldKeyPrefix(encodedKey)
	iter := r.getOldIter()
	for iter.Seek(OldKey(encodedKey, r.readTS)); iter.ValidForPrefix(prefix); iter.Next() {
		item := iter.Item()
		meta := OldUserMeta(item.UserMeta())
		if meta.NextCommitTS() <= r.safePoint {
			// Eligible for garbage collection; a newer version exists
			// (or existed) above it, so this one must not be served.
			return nil, 0, nil
		}
		if r.visible == nil || r.visible(meta.CommitTS()) {
			val, err := item.Value()
			if err != nil {
				return nil, 0, errors.Trace(err)
			}
			if len(val) == 0 {
				return nil, meta.CommitTS(), nil
			}
			return val, meta.CommitTS(), nil
		}
	}
	return nil, 0, nil
}

type BatchGetFunc = func(key, value []byte, err error)

// BatchGet looks up many keys at once and reports each through f. Keys are
// the encoded user keys handed in.
func (r *SnapshotReader) BatchGet(encodedKeys [][]byte, f BatchGetFunc) {
	dataKeys := make([][]byte, len(encodedKeys))
	for i, k := range encodedKeys {
		dataKeys[i] = DataKey(k)
	}
	items, err := r.txn.MultiGet(dataKeys)
	if err != nil {
		for _, k := range encodedKeys {
			f(k, nil, errors.Trace(err))
		}
		return
	}
	for i, item := range items {
		key := encodedKeys[i]
		var val []byte
		var err error
		if item != nil && r.Visible(UserMeta(item.UserMeta()).CommitTS()) {
			val, err = item.Value()
		} else {
			val, _, err = r.OldVersion(key)
		}
		if len(val) == 0 {
			val = nil
		}
		f(key, val, err)
	}
}

// ScanBreak is returned by a ScanProcessor to stop the scan early.
var ScanBreak = errors.New("scan break")

// ScanProcessor consumes one visible row per call. It must not retain the
// key or value slices.
type ScanProcessor interface {
	Process(encodedKey, value []byte, commitTS mvcc.HybridTime) error
	SkipValue() bool
}

// Scan visits the newest visible version of every key in [startKey, endKey),
// both encoded user keys. A nil endKey scans to the end of the tablet.
// Tombstoned keys are skipped. limit <= 0 means no limit.
func (r *SnapshotReader) Scan(startKey, endKey []byte, limit int, proc ScanProcessor) error {
	start := DataKey(startKey)
	end := []byte{DataPrefix + 1}
	if len(endKey) > 0 {
		end = DataKey(endKey)
	}
	skipValue := proc.SkipValue()
	iter := r.Iter()
	var cnt int
	for iter.Seek(start); iter.Valid(); iter.Next() {
		item := iter.Item()
		key := item.Key()
		if bytes.Compare(key, end) >= 0 {
			break
		}
		encodedKey := key[1:]
		ts := UserMeta(item.UserMeta()).CommitTS()
		var val []byte
		var err error
		if r.Visible(ts) {
			val, err = item.Value()
		} else {
			val, ts, err = r.OldVersion(encodedKey)
		}
		if err != nil {
			return errors.Trace(err)
		}
		if len(val) == 0 {
			// Invisible or tombstoned.
			continue
		}
		if skipValue {
			err = proc.Process(encodedKey, nil, ts)
		} else {
			err = proc.Process(encodedKey, val, ts)
		}
		if err != nil {
			if err == ScanBreak {
				break
			}
			return errors.Trace(err)
		}
		cnt++
		if limit > 0 && cnt >= limit {
			break
		}
	}
	return nil
}

// ReverseScan is Scan in descending key order over [startKey, endKey).
func (r *SnapshotReader) ReverseScan(startKey, endKey []byte, limit int, proc ScanProcessor) error {
	start := DataKey(startKey)
	end := []byte{DataPrefix + 1}
	if len(endKey) > 0 {
		end = DataKey(endKey)
	}
	skipValue := proc.SkipValue()
	iter := r.getReverseIter()
	var cnt int
	for iter.Seek(end); iter.Valid(); iter.Next() {
		item := iter.Item()
		key := item.Key()
		if bytes.Compare(key, start) < 0 {
			break
		}
		if bytes.Compare(key, end) >= 0 {
			continue
		}
		encodedKey := key[1:]
		ts := UserMeta(item.UserMeta()).CommitTS()
		var val []byte
		var err error
		if r.Visible(ts) {
			val, err = item.Value()
		} else {
			val, ts, err = r.OldVersion(encodedKey)
		}
		if err != nil {
			return errors.Trace(err)
		}
		if len(val) == 0 {
			continue
		}
		if skipValue {
			err = proc.Process(encodedKey, nil, ts)
		} else {
			err = proc.Process(encodedKey, val, ts)
		}
		if err != nil {
			if err == ScanBreak {
				break
			}
			return errors.Trace(err)
		}
		cnt++
		if limit > 0 && cnt >= limit {
			break
		}
	}
	return nil
}

// Iter returns the forward data iterator, created on first use. It covers the
// whole data keyspace; callers bound it themselves.
func (r *SnapshotReader) Iter() *badger.Iterator {
	if r.iter == nil {
		r.iter = NewIterator(r.txn, false, []byte{DataPrefix}, []byte{DataPrefix + 1})
	}
	return r.iter
}

func (r *SnapshotReader) getReverseIter() *badger.Iterator {
	if r.revIter == nil {
		r.revIter = NewIterator(r.txn, true, []byte{DataPrefix}, []byte{DataPrefix + 1})
	}
	return r.revIter
}

func (r *SnapshotReader) getOldIter() *badger.Iterator {
	if r.oldIter == nil {
		r.oldIter = NewIterator(r.txn, false, []byte{OldPrefix}, []byte{OldPrefix + 1})
	}
	return r.oldIter
}

// Txn exposes the underlying snapshot transaction for callers that need raw
// point lookups (intent checks share the reader's snapshot).
func (r *SnapshotReader) Txn() *badger.Txn {
	return r.txn
}

func (r *SnapshotReader) Close() {
	if r.iter != nil {
		r.iter.Close()
	}
	if r.revIter != nil {
		r.revIter.Close()
	}
	if r.oldIter != nil {
		r.oldIter.Close()
	}
	r.txn.Discard()
}
