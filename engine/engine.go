package engine

import (
	"encoding/binary"
	"math"
	"os"
	"sync"

	"github.com/coocood/badger"
	"github.com/coocood/badger/y"
	"github.com/juju/errors"

	"github.com/unikv/tabletstore/config"
)

const (
	metaAppliedOpID = "applied_op_id"
	metaFlushSeq    = "flush_seq"
)

// Engine wraps the badger instance holding one tablet's data. All mutation
// goes through Write; reads capture a snapshot transaction and go through
// SnapshotReader.
type Engine struct {
	db   *badger.DB
	path string

	// Serializes checkpoint creation.
	checkpointLock sync.Mutex
}

// Open opens (creating if needed) the badger instance at conf.DBPath.
func Open(conf *config.Engine) (*Engine, error) {
	opts := badger.DefaultOptions
	opts.NumCompactors = conf.NumCompactors
	opts.ValueThreshold = conf.ValueThreshold
	opts.ValueLogWriteOptions.WriteBufferSize = 4 * 1024 * 1024
	opts.Dir = conf.DBPath
	opts.ValueDir = opts.Dir
	opts.ValueLogFileSize = conf.VlogFileSize
	opts.MaxTableSize = conf.MaxTableSize
	opts.NumMemtables = conf.NumMemTables
	opts.NumLevelZeroTables = conf.NumL0Tables
	opts.NumLevelZeroTablesStall = conf.NumL0TablesStall
	opts.SyncWrites = conf.SyncWrite
	opts.MaxCacheSize = conf.BlockCacheSize
	opts.TableBuilderOptions.SuRFStartLevel = conf.SurfStartLevel
	if err := os.MkdirAll(opts.Dir, os.ModePerm); err != nil {
		return nil, errors.Trace(err)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Engine{db: db, path: conf.DBPath}, nil
}

func (en *Engine) Close() error {
	return errors.Trace(en.db.Close())
}

func (en *Engine) Path() string {
	return en.path
}

// Write applies the batch atomically. If the batch carries a replication
// operation id, the max applied id is persisted alongside it for log
// retention bookkeeping.
func (en *Engine) Write(wb *WriteBatch) error {
	if wb.Len() == 0 {
		return nil
	}
	if wb.opID > 0 {
		val := make([]byte, 8)
		binary.LittleEndian.PutUint64(val, wb.opID)
		wb.SetWithMeta(MetaKey(metaAppliedOpID), val, nil)
	}
	err := en.db.Update(func(txn *badger.Txn) error {
		for _, entry := range wb.entries {
			var err1 error
			if len(entry.Value) == 0 && entry.UserMeta == nil {
				err1 = txn.Delete(entry.Key)
			} else {
				err1 = txn.SetEntry(entry)
			}
			if err1 != nil {
				return err1
			}
		}
		return nil
	})
	return errors.Trace(err)
}

// NewSnapshot returns a read-only transaction pinning the current state.
// The caller must Discard it (SnapshotReader.Close does).
func (en *Engine) NewSnapshot() *badger.Txn {
	return en.db.NewTransaction(false)
}

// FlushBarrier durably records that flush seq was scheduled. With sync
// writes enabled this also acts as a write barrier for everything before it.
func (en *Engine) FlushBarrier(seq uint64) error {
	val := make([]byte, 8)
	binary.LittleEndian.PutUint64(val, seq)
	err := en.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(&badger.Entry{Key: MetaKey(metaFlushSeq), Value: val})
	})
	return errors.Trace(err)
}

// MaxPersistedOpID returns the highest replication operation id applied to
// the store, or zero if none was recorded.
func (en *Engine) MaxPersistedOpID() (uint64, error) {
	txn := en.db.NewTransaction(false)
	defer txn.Discard()
	item, err := txn.Get(MetaKey(metaAppliedOpID))
	if err == badger.ErrKeyNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Trace(err)
	}
	val, err := item.Value()
	if err != nil {
		return 0, errors.Trace(err)
	}
	return binary.LittleEndian.Uint64(val), nil
}

// Size returns the on-disk sizes of the LSM tree and the value log.
func (en *Engine) Size() (lsm, vlog int64) {
	return en.db.Size()
}

// HasData reports whether any latest-version entry exists.
func (en *Engine) HasData() bool {
	txn := en.db.NewTransaction(false)
	defer txn.Discard()
	iter := NewIterator(txn, false, []byte{DataPrefix}, []byte{DataPrefix + 1})
	defer iter.Close()
	iter.Seek([]byte{DataPrefix})
	return iter.ValidForPrefix([]byte{DataPrefix})
}

// NewIterator returns a bounded badger iterator over [startKey, endKey).
func NewIterator(txn *badger.Txn, reverse bool, startKey, endKey []byte) *badger.Iterator {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = reverse
	opts.StartKey = y.KeyWithTs(startKey, math.MaxUint64)
	opts.EndKey = y.KeyWithTs(endKey, math.MaxUint64)
	return txn.NewIterator(opts)
}
