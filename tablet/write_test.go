package tablet

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/require"

	"github.com/unikv/tabletstore/tablet/mvcc"
)

func TestSequentialWritesSameKey(t *testing.T) {
	tb, cleanup := newTestTablet(t, nil)
	defer cleanup()

	var commits []mvcc.HybridTime
	for i := 0; i < 5; i++ {
		res, err := tb.Write(context.Background(), putReq(1, "k", fmt.Sprintf("v%d", i)))
		require.Nil(t, err)
		commits = append(commits, res.CommitTS)
	}
	for i := 1; i < len(commits); i++ {
		require.True(t, commits[i] > commits[i-1], "commit timestamps must be strictly increasing")
	}

	// The newest version wins; each older version is readable at its own time.
	row, err := tb.Get(context.Background(), []byte("k"), nil)
	require.Nil(t, err)
	require.Equal(t, []byte("v4"), row.Value)

	for i, ts := range commits {
		row, err := tb.Get(context.Background(), []byte("k"), &IteratorRequest{ReadTime: ts})
		require.Nil(t, err)
		require.Equal(t, []byte(fmt.Sprintf("v%d", i)), row.Value)
		require.Equal(t, ts, row.CommitTS)
	}
}

func TestDisjointKeysWriteConcurrently(t *testing.T) {
	tb, cleanup := newTestTablet(t, nil)
	defer cleanup()

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i)
			for j := 0; j < 20; j++ {
				if _, err := tb.Write(context.Background(), putReq(1, key, fmt.Sprintf("v%d", j))); err != nil {
					errs[i] = err
					return
				}
			}
		}()
	}
	wg.Wait()
	for i, err := range errs {
		require.Nil(t, err, "writer %d failed", i)
	}
	for i := 0; i < writers; i++ {
		row, err := tb.Get(context.Background(), []byte(fmt.Sprintf("k%d", i)), nil)
		require.Nil(t, err)
		require.Equal(t, []byte("v19"), row.Value)
	}
}

func TestConflictingWritesSerialize(t *testing.T) {
	tb, cleanup := newTestTablet(t, nil)
	defer cleanup()

	const writers = 8
	const perWriter = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				_, err := tb.Write(context.Background(), &WriteRequest{Batch: OperationBatch{
					Dialect:       DialectCounter,
					SchemaVersion: 1,
					Ops:           []RowOperation{{Op: OpIncrement, Key: []byte("counter"), Delta: 1}},
				}})
				require.Nil(t, err)
			}
		}()
	}
	wg.Wait()

	row, err := tb.Get(context.Background(), []byte("counter"), nil)
	require.Nil(t, err)
	require.Equal(t, int64(writers*perWriter), DecodeCounterValue(row.Value))
}

func TestCheckAndPut(t *testing.T) {
	tb, cleanup := newTestTablet(t, nil)
	defer cleanup()

	// Expected nil matches an absent key.
	res, err := tb.Write(context.Background(), &WriteRequest{Batch: OperationBatch{
		SchemaVersion: 1,
		Ops:           []RowOperation{{Op: OpCheckAndPut, Key: []byte("k"), Value: []byte("v1")}},
	}})
	require.Nil(t, err)
	require.True(t, res.Results[0].Applied)

	// Wrong expectation leaves the row untouched.
	res, err = tb.Write(context.Background(), &WriteRequest{Batch: OperationBatch{
		SchemaVersion: 1,
		Ops: []RowOperation{{
			Op: OpCheckAndPut, Key: []byte("k"), Expected: []byte("other"), Value: []byte("v2"),
		}},
	}})
	require.Nil(t, err)
	require.False(t, res.Results[0].Applied)

	row, err := tb.Get(context.Background(), []byte("k"), nil)
	require.Nil(t, err)
	require.Equal(t, []byte("v1"), row.Value)

	res, err = tb.Write(context.Background(), &WriteRequest{Batch: OperationBatch{
		SchemaVersion: 1,
		Ops: []RowOperation{{
			Op: OpCheckAndPut, Key: []byte("k"), Expected: []byte("v1"), Value: []byte("v2"),
		}},
	}})
	require.Nil(t, err)
	require.True(t, res.Results[0].Applied)
}

func TestDeleteHidesKeyButKeepsHistory(t *testing.T) {
	tb, cleanup := newTestTablet(t, nil)
	defer cleanup()

	res1, err := tb.Write(context.Background(), putReq(1, "k", "v"))
	require.Nil(t, err)
	_, err = tb.Write(context.Background(), &WriteRequest{Batch: OperationBatch{
		SchemaVersion: 1,
		Ops:           []RowOperation{{Op: OpDelete, Key: []byte("k")}},
	}})
	require.Nil(t, err)

	row, err := tb.Get(context.Background(), []byte("k"), nil)
	require.Nil(t, err)
	require.Nil(t, row)

	// The pre-delete version is still readable at its own time.
	row, err = tb.Get(context.Background(), []byte("k"), &IteratorRequest{ReadTime: res1.CommitTS})
	require.Nil(t, err)
	require.Equal(t, []byte("v"), row.Value)
}

func TestDocumentDialectSubkeys(t *testing.T) {
	tb, cleanup := newTestTablet(t, nil)
	defer cleanup()

	_, err := tb.Write(context.Background(), &WriteRequest{Batch: OperationBatch{
		Dialect:       DialectDocument,
		SchemaVersion: 1,
		Ops: []RowOperation{
			{Op: OpPut, Key: []byte("doc"), Subkey: []byte("a"), Value: []byte("1")},
			{Op: OpPut, Key: []byte("doc"), Subkey: []byte("b"), Value: []byte("2")},
		},
	}})
	require.Nil(t, err)

	// Both subkeys scan out adjacent to each other under the row key.
	resp, err := tb.Read(context.Background(), &ReadRequest{StartKey: []byte("doc")})
	require.Nil(t, err)
	require.Len(t, resp.Rows, 2)
	require.Equal(t, []byte("1"), resp.Rows[0].Value)
	require.Equal(t, []byte("2"), resp.Rows[1].Value)
}

func TestAbortedPrepareReleasesEverything(t *testing.T) {
	tb, cleanup := newTestTablet(t, nil)
	defer cleanup()

	st, err := tb.PrepareWrite(context.Background(), putReq(1, "k", "v"))
	require.Nil(t, err)
	st.Abort()

	// Locks and the timestamp reservation are gone: the next write goes
	// straight through and the tablet drains to zero pending operations.
	_, err = tb.Write(context.Background(), putReq(1, "k", "v2"))
	require.Nil(t, err)
	require.Nil(t, tb.Shutdown())
}

func TestPreparedWriteAppliesAtReservedTimestamp(t *testing.T) {
	tb, cleanup := newTestTablet(t, nil)
	defer cleanup()

	st, err := tb.PrepareWrite(context.Background(), putReq(1, "k", "v"))
	require.Nil(t, err)
	ts := st.CommitTS()

	// A read taken while the write is prepared must not see it, even
	// after the apply finishes (ordered mode pins the snapshot).
	it, err := tb.NewRowIterator(&IteratorRequest{Ordered: true})
	require.Nil(t, err)
	defer it.Close()

	res, err := tb.ApplyPrepared(st)
	require.Nil(t, err)
	require.Equal(t, ts, res.CommitTS)

	require.False(t, it.Next())

	row, err := tb.Get(context.Background(), []byte("k"), nil)
	require.Nil(t, err)
	require.Equal(t, ts, row.CommitTS)
}

func TestLockTimeoutSurfacesAsConflict(t *testing.T) {
	tb, cleanup := newTestTablet(t, nil)
	defer cleanup()

	st, err := tb.PrepareWrite(context.Background(), putReq(1, "k", "v"))
	require.Nil(t, err)

	// Same key, lock held by the prepared write: the configured 100ms
	// lock wait timeout fires.
	_, err = tb.Write(context.Background(), putReq(1, "k", "v2"))
	require.NotNil(t, err)
	require.Equal(t, "lock wait timeout", errors.Cause(err).Error())

	st.Abort()
	_, err = tb.Write(context.Background(), putReq(1, "k", "v2"))
	require.Nil(t, err)
}
