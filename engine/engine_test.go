package engine

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unikv/tabletstore/config"
	"github.com/unikv/tabletstore/tablet/mvcc"
	"github.com/unikv/tabletstore/util/codec"
)

func newTestEngine(t *testing.T) (*Engine, func()) {
	dir, err := ioutil.TempDir("", "engine-test")
	require.Nil(t, err)
	conf := config.DefaultConf.Engine
	conf.DBPath = dir
	conf.ValueThreshold = 64
	en, err := Open(&conf)
	require.Nil(t, err)
	return en, func() {
		en.Close()
		os.RemoveAll(dir)
	}
}

func encKey(s string) []byte {
	return codec.EncodeBytes(nil, []byte(s))
}

func TestWriteAndGetLatest(t *testing.T) {
	en, cleanup := newTestEngine(t)
	defer cleanup()

	wb := new(WriteBatch)
	wb.SetWithMeta(DataKey(encKey("k1")), []byte("v1"), NewUserMeta(10, 1))
	require.Nil(t, en.Write(wb))

	txn := en.NewSnapshot()
	reader := NewSnapshotReader(txn, 20, 0, nil)
	defer reader.Close()

	val, ts, err := reader.Get(encKey("k1"))
	require.Nil(t, err)
	require.Equal(t, []byte("v1"), val)
	require.Equal(t, mvcc.HybridTime(10), ts)

	val, _, err = reader.Get(encKey("missing"))
	require.Nil(t, err)
	require.Nil(t, val)
}

func TestOldVersionFallback(t *testing.T) {
	en, cleanup := newTestEngine(t)
	defer cleanup()

	// Version at ts=10 superseded by ts=30; a reader at ts=20 must see the old one.
	wb := new(WriteBatch)
	wb.SetWithMeta(OldKey(encKey("k"), 10), []byte("old"), NewUserMeta(10, 1).ToOldUserMeta(30))
	wb.SetWithMeta(DataKey(encKey("k")), []byte("new"), NewUserMeta(30, 2))
	require.Nil(t, en.Write(wb))

	reader := NewSnapshotReader(en.NewSnapshot(), 20, 0, nil)
	defer reader.Close()

	val, ts, err := reader.Get(encKey("k"))
	require.Nil(t, err)
	require.Equal(t, []byte("old"), val)
	require.Equal(t, mvcc.HybridTime(10), ts)

	readerNew := NewSnapshotReader(en.NewSnapshot(), 30, 0, nil)
	defer readerNew.Close()
	val, ts, err = readerNew.Get(encKey("k"))
	require.Nil(t, err)
	require.Equal(t, []byte("new"), val)
	require.Equal(t, mvcc.HybridTime(30), ts)
}

func TestOldVersionBelowSafePointIsMissing(t *testing.T) {
	en, cleanup := newTestEngine(t)
	defer cleanup()

	wb := new(WriteBatch)
	wb.SetWithMeta(OldKey(encKey("k"), 10), []byte("old"), NewUserMeta(10, 1).ToOldUserMeta(15))
	wb.SetWithMeta(DataKey(encKey("k")), []byte("new"), NewUserMeta(15, 2))
	require.Nil(t, en.Write(wb))

	// Safe point 20 > nextCommitTS 15: the old version is GC-eligible.
	reader := NewSnapshotReader(en.NewSnapshot(), 12, 20, nil)
	defer reader.Close()

	val, _, err := reader.Get(encKey("k"))
	require.Nil(t, err)
	require.Nil(t, val)
}

func TestTombstoneHidesKey(t *testing.T) {
	en, cleanup := newTestEngine(t)
	defer cleanup()

	wb := new(WriteBatch)
	wb.SetWithMeta(DataKey(encKey("k")), nil, NewUserMeta(10, 1))
	require.Nil(t, en.Write(wb))

	reader := NewSnapshotReader(en.NewSnapshot(), 20, 0, nil)
	defer reader.Close()
	val, ts, err := reader.Get(encKey("k"))
	require.Nil(t, err)
	require.Nil(t, val)
	require.Equal(t, mvcc.HybridTime(10), ts)
}

type collectProc struct {
	keys [][]byte
	vals [][]byte
}

func (p *collectProc) Process(key, value []byte, _ mvcc.HybridTime) error {
	p.keys = append(p.keys, append([]byte{}, key...))
	p.vals = append(p.vals, append([]byte{}, value...))
	return nil
}

func (p *collectProc) SkipValue() bool { return false }

func TestScanSkipsTombstonesAndRespectsLimit(t *testing.T) {
	en, cleanup := newTestEngine(t)
	defer cleanup()

	wb := new(WriteBatch)
	for i := 0; i < 5; i++ {
		k := encKey(fmt.Sprintf("k%d", i))
		if i == 2 {
			wb.SetWithMeta(DataKey(k), nil, NewUserMeta(10, 1))
			continue
		}
		wb.SetWithMeta(DataKey(k), []byte(fmt.Sprintf("v%d", i)), NewUserMeta(10, 1))
	}
	require.Nil(t, en.Write(wb))

	reader := NewSnapshotReader(en.NewSnapshot(), 20, 0, nil)
	defer reader.Close()

	proc := &collectProc{}
	require.Nil(t, reader.Scan(encKey("k0"), nil, 3, proc))
	require.Len(t, proc.keys, 3)
	require.Equal(t, [][]byte{[]byte("v0"), []byte("v1"), []byte("v3")}, proc.vals)

	rev := &collectProc{}
	require.Nil(t, reader.ReverseScan(encKey("k0"), nil, 0, rev))
	require.Len(t, rev.keys, 4)
	require.Equal(t, []byte("v4"), rev.vals[0])
	require.Equal(t, []byte("v0"), rev.vals[3])
}

func TestWriteBatchSafePoint(t *testing.T) {
	wb := new(WriteBatch)
	wb.SetWithMeta(DataKey(encKey("a")), []byte("1"), NewUserMeta(1, 1))
	wb.SetSafePoint()
	wb.SetWithMeta(DataKey(encKey("b")), []byte("2"), NewUserMeta(1, 1))
	require.Equal(t, 2, wb.Len())
	wb.RollbackToSafePoint()
	require.Equal(t, 1, wb.Len())
}

func TestAppliedOpIDPersisted(t *testing.T) {
	en, cleanup := newTestEngine(t)
	defer cleanup()

	id, err := en.MaxPersistedOpID()
	require.Nil(t, err)
	require.Equal(t, uint64(0), id)

	wb := new(WriteBatch)
	wb.SetWithMeta(DataKey(encKey("k")), []byte("v"), NewUserMeta(10, 7))
	wb.SetOpID(7)
	require.Nil(t, en.Write(wb))

	id, err = en.MaxPersistedOpID()
	require.Nil(t, err)
	require.Equal(t, uint64(7), id)
}

func TestCheckpointCopiesSnapshot(t *testing.T) {
	en, cleanup := newTestEngine(t)
	defer cleanup()

	wb := new(WriteBatch)
	wb.SetWithMeta(DataKey(encKey("k")), []byte("v"), NewUserMeta(10, 1))
	wb.SetWithMeta(OldKey(encKey("k"), 5), []byte("ov"), NewUserMeta(5, 1).ToOldUserMeta(10))
	require.Nil(t, en.Write(wb))

	ckDir := filepath.Join(en.Path(), "checkpoint")
	conf := config.DefaultConf.Engine
	require.Nil(t, en.CreateCheckpoint(ckDir, &conf))

	ckConf := conf
	ckConf.DBPath = ckDir
	ck, err := Open(&ckConf)
	require.Nil(t, err)
	defer ck.Close()

	reader := NewSnapshotReader(ck.NewSnapshot(), 20, 0, nil)
	defer reader.Close()
	val, _, err := reader.Get(encKey("k"))
	require.Nil(t, err)
	require.Equal(t, []byte("v"), val)

	old := NewSnapshotReader(ck.NewSnapshot(), 7, 0, nil)
	defer old.Close()
	val, ts, err := old.Get(encKey("k"))
	require.Nil(t, err)
	require.Equal(t, []byte("ov"), val)
	require.Equal(t, mvcc.HybridTime(5), ts)
}
