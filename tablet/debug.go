package tablet

import (
	"fmt"

	"github.com/unikv/tabletstore/engine"
)

// DebugDump formats the newest version of every row as one line per key, for
// tests and manual inspection. limit <= 0 dumps everything.
func (t *Tablet) DebugDump(limit int) ([]string, error) {
	done, err := t.beginOperation()
	if err != nil {
		return nil, err
	}
	defer done()

	store := t.captureStore()
	txn := store.NewSnapshot()
	defer txn.Discard()

	iter := engine.NewIterator(txn, false, []byte{engine.DataPrefix}, []byte{engine.DataPrefix + 1})
	defer iter.Close()

	var lines []string
	for iter.Seek([]byte{engine.DataPrefix}); iter.ValidForPrefix([]byte{engine.DataPrefix}); iter.Next() {
		item := iter.Item()
		val, err := item.Value()
		if err != nil {
			return nil, err
		}
		meta := engine.UserMeta(item.UserMeta())
		lines = append(lines, fmt.Sprintf("key=%q ts=%s op=%d val=%q",
			decodeUserKey(item.Key()[1:]), meta.CommitTS(), meta.OpID(), val))
		if limit > 0 && len(lines) >= limit {
			break
		}
	}
	return lines, nil
}
