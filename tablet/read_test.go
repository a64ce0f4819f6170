package tablet

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOrderedIteratorIsImmutable(t *testing.T) {
	tb, cleanup := newTestTablet(t, nil)
	defer cleanup()

	_, err := tb.Write(context.Background(), putReq(1, "k1", "old"))
	require.Nil(t, err)

	it, err := tb.NewRowIterator(&IteratorRequest{Ordered: true})
	require.Nil(t, err)
	defer it.Close()

	// Writes after capture change nothing the iterator sees.
	_, err = tb.Write(context.Background(), putReq(1, "k1", "new"))
	require.Nil(t, err)
	_, err = tb.Write(context.Background(), putReq(1, "k2", "other"))
	require.Nil(t, err)

	require.True(t, it.Next())
	require.Equal(t, []byte("k1"), it.Key())
	require.Equal(t, []byte("old"), it.Value())
	require.False(t, it.Next())
	require.Nil(t, it.Error())
}

func TestIteratorRange(t *testing.T) {
	tb, cleanup := newTestTablet(t, nil)
	defer cleanup()

	for i := 0; i < 5; i++ {
		_, err := tb.Write(context.Background(), putReq(1, fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i)))
		require.Nil(t, err)
	}

	it, err := tb.NewRowIterator(&IteratorRequest{
		StartKey: []byte("k1"),
		EndKey:   []byte("k4"),
	})
	require.Nil(t, err)
	defer it.Close()

	var got []string
	for it.Next() {
		got = append(got, string(it.Key()))
	}
	require.Nil(t, it.Error())
	require.Equal(t, []string{"k1", "k2", "k3"}, got)
}

func TestReverseIterator(t *testing.T) {
	tb, cleanup := newTestTablet(t, nil)
	defer cleanup()

	for i := 0; i < 4; i++ {
		_, err := tb.Write(context.Background(), putReq(1, fmt.Sprintf("k%d", i), "v"))
		require.Nil(t, err)
	}

	it, err := tb.NewRowIterator(&IteratorRequest{
		StartKey: []byte("k1"),
		Reverse:  true,
	})
	require.Nil(t, err)
	defer it.Close()

	var got []string
	for it.Next() {
		got = append(got, string(it.Key()))
	}
	require.Nil(t, it.Error())
	require.Equal(t, []string{"k3", "k2", "k1"}, got)
}

func TestReadPaging(t *testing.T) {
	tb, cleanup := newTestTablet(t, nil)
	defer cleanup()

	const total = 10
	for i := 0; i < total; i++ {
		_, err := tb.Write(context.Background(), putReq(1, fmt.Sprintf("k%02d", i), fmt.Sprintf("v%d", i)))
		require.Nil(t, err)
	}

	var got []string
	req := &ReadRequest{Limit: 3}
	for {
		resp, err := tb.Read(context.Background(), req)
		require.Nil(t, err)
		for _, row := range resp.Rows {
			got = append(got, string(row.Key))
		}
		if resp.ContinuationKey == nil {
			break
		}
		// Later pages pin the first page's read time.
		req.ReadTime = resp.ReadTime
		req.ContinuationKey = resp.ContinuationKey
	}
	require.Len(t, got, total)
	for i, k := range got {
		require.Equal(t, fmt.Sprintf("k%02d", i), k)
	}
}

func TestPagingInvisibleToLaterWrites(t *testing.T) {
	tb, cleanup := newTestTablet(t, nil)
	defer cleanup()

	for i := 0; i < 4; i++ {
		_, err := tb.Write(context.Background(), putReq(1, fmt.Sprintf("k%d", i*2), "v"))
		require.Nil(t, err)
	}

	resp, err := tb.Read(context.Background(), &ReadRequest{Limit: 2})
	require.Nil(t, err)
	require.Len(t, resp.Rows, 2)
	require.NotNil(t, resp.ContinuationKey)

	// A row inserted between pages, inside the remaining range, must not
	// appear when the second page pins the first page's read time.
	_, err = tb.Write(context.Background(), putReq(1, "k5", "late"))
	require.Nil(t, err)

	resp2, err := tb.Read(context.Background(), &ReadRequest{
		Limit:           10,
		ContinuationKey: resp.ContinuationKey,
		ReadTime:        resp.ReadTime,
	})
	require.Nil(t, err)
	require.Len(t, resp2.Rows, 2)
	require.Equal(t, []byte("k4"), resp2.Rows[0].Key)
	require.Equal(t, []byte("k6"), resp2.Rows[1].Key)
}

func TestIteratorSkipsTombstones(t *testing.T) {
	tb, cleanup := newTestTablet(t, nil)
	defer cleanup()

	_, err := tb.Write(context.Background(), putReq(1, "a", "1"))
	require.Nil(t, err)
	_, err = tb.Write(context.Background(), putReq(1, "b", "2"))
	require.Nil(t, err)
	_, err = tb.Write(context.Background(), &WriteRequest{Batch: OperationBatch{
		SchemaVersion: 1,
		Ops:           []RowOperation{{Op: OpDelete, Key: []byte("a")}},
	}})
	require.Nil(t, err)

	it, err := tb.NewRowIterator(&IteratorRequest{})
	require.Nil(t, err)
	defer it.Close()

	require.True(t, it.Next())
	require.Equal(t, []byte("b"), it.Key())
	require.False(t, it.Next())
}

func TestIteratorCloseUnregistersReadPoint(t *testing.T) {
	tb, cleanup := newTestTablet(t, nil)
	defer cleanup()

	_, err := tb.Write(context.Background(), putReq(1, "k", "v"))
	require.Nil(t, err)

	it, err := tb.NewRowIterator(&IteratorRequest{})
	require.Nil(t, err)
	readTS := it.ReadTS()
	require.Equal(t, readTS, tb.OldestReadPoint())

	it.Close()
	it.Close() // idempotent
	require.True(t, tb.OldestReadPoint() >= readTS)
}

func TestGetAbsentKey(t *testing.T) {
	tb, cleanup := newTestTablet(t, nil)
	defer cleanup()

	row, err := tb.Get(context.Background(), []byte("nope"), nil)
	require.Nil(t, err)
	require.Nil(t, row)
}
