package engine

import (
	"github.com/juju/errors"
	"github.com/ngaut/log"

	"github.com/unikv/tabletstore/config"
)

const checkpointBatchSize = 4 * 1024 * 1024

// CreateCheckpoint copies a consistent snapshot of the whole keyspace into a
// fresh store at dir. Only one checkpoint runs at a time; writes to the
// source keep flowing while it runs.
func (en *Engine) CreateCheckpoint(dir string, conf *config.Engine) error {
	en.checkpointLock.Lock()
	defer en.checkpointLock.Unlock()

	dstConf := *conf
	dstConf.DBPath = dir
	dst, err := Open(&dstConf)
	if err != nil {
		return errors.Trace(err)
	}

	txn := en.db.NewTransaction(false)
	defer txn.Discard()

	iter := NewIterator(txn, false, []byte{DataPrefix}, []byte{MetaPrefix + 1})
	defer iter.Close()

	wb := new(WriteBatch)
	var copied int
	for iter.Seek([]byte{DataPrefix}); iter.Valid(); iter.Next() {
		item := iter.Item()
		val, err := item.Value()
		if err != nil {
			dst.Close()
			return errors.Trace(err)
		}
		var meta []byte
		if um := item.UserMeta(); len(um) > 0 {
			meta = append([]byte{}, um...)
		}
		wb.SetWithMeta(item.KeyCopy(nil), append([]byte{}, val...), meta)
		copied++
		if wb.Size() >= checkpointBatchSize {
			if err = dst.Write(wb); err != nil {
				dst.Close()
				return errors.Trace(err)
			}
			wb.Reset()
		}
	}
	if err = dst.Write(wb); err != nil {
		dst.Close()
		return errors.Trace(err)
	}
	log.Infof("checkpoint at %s copied %d entries", dir, copied)
	return errors.Trace(dst.Close())
}
