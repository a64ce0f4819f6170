package tablet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unikv/tabletstore/tablet/mvcc"
)

func TestFlushMarkerLifecycle(t *testing.T) {
	s := NewFlushStats()

	_, ok := s.OldestUnflushedWrite()
	require.False(t, ok, "fresh stats must report nothing unflushed")

	// Writes only lower the marker, never raise it.
	s.ObserveWrite(100)
	s.ObserveWrite(200)
	got, ok := s.OldestUnflushedWrite()
	require.True(t, ok)
	require.Equal(t, mvcc.HybridTime(100), got)

	s.ObserveWrite(50)
	got, _ = s.OldestUnflushedWrite()
	require.Equal(t, mvcc.HybridTime(50), got)

	// Scheduling a flush resets the marker and bumps the count.
	require.Equal(t, uint64(1), s.OnFlushScheduled())
	_, ok = s.OldestUnflushedWrite()
	require.False(t, ok)
	require.Equal(t, uint64(1), s.NumFlushes())

	s.ObserveWrite(300)
	got, ok = s.OldestUnflushedWrite()
	require.True(t, ok)
	require.Equal(t, mvcc.HybridTime(300), got)
}

func TestFlushThroughTablet(t *testing.T) {
	tb, cleanup := newTestTablet(t, nil)
	defer cleanup()

	res, err := tb.Write(context.Background(), putReq(1, "k", "v"))
	require.Nil(t, err)

	got, ok := tb.FlushStats().OldestUnflushedWrite()
	require.True(t, ok)
	require.True(t, got <= res.CommitTS)

	require.Nil(t, tb.Flush(FlushModeSync))
	_, ok = tb.FlushStats().OldestUnflushedWrite()
	require.False(t, ok)
	require.Equal(t, uint64(1), tb.FlushStats().NumFlushes())

	// The next write lowers the marker again.
	res2, err := tb.Write(context.Background(), putReq(1, "k", "v2"))
	require.Nil(t, err)
	got, ok = tb.FlushStats().OldestUnflushedWrite()
	require.True(t, ok)
	require.True(t, got <= res2.CommitTS)
}

func TestGCRespectsRegisteredReadPoint(t *testing.T) {
	tb, cleanup := newTestTablet(t, nil)
	defer cleanup()

	res1, err := tb.Write(context.Background(), putReq(1, "k", "v1"))
	require.Nil(t, err)

	// Pin a reader at the first version's time, then supersede it.
	it, err := tb.NewRowIterator(&IteratorRequest{ReadTime: res1.CommitTS})
	require.Nil(t, err)

	_, err = tb.Write(context.Background(), putReq(1, "k", "v2"))
	require.Nil(t, err)

	removed, err := tb.CollectGarbage()
	require.Nil(t, err)
	require.Equal(t, 0, removed, "a registered read point must protect the history it needs")

	row, err := tb.Get(context.Background(), []byte("k"), &IteratorRequest{ReadTime: res1.CommitTS})
	require.Nil(t, err)
	require.Equal(t, []byte("v1"), row.Value)
	it.Close()

	// With the reader gone the horizon moves up and the old version goes.
	removed, err = tb.CollectGarbage()
	require.Nil(t, err)
	require.Equal(t, 1, removed)

	row, err = tb.Get(context.Background(), []byte("k"), nil)
	require.Nil(t, err)
	require.Equal(t, []byte("v2"), row.Value)
}

func TestGCNeverRemovesNewestVersion(t *testing.T) {
	tb, cleanup := newTestTablet(t, nil)
	defer cleanup()

	_, err := tb.Write(context.Background(), putReq(1, "k", "v"))
	require.Nil(t, err)

	removed, err := tb.CollectGarbage()
	require.Nil(t, err)
	require.Equal(t, 0, removed)

	row, err := tb.Get(context.Background(), []byte("k"), nil)
	require.Nil(t, err)
	require.Equal(t, []byte("v"), row.Value)
}

func TestAsyncFlushCompletesBeforeShutdown(t *testing.T) {
	tb, cleanup := newTestTablet(t, nil)
	defer cleanup()

	_, err := tb.Write(context.Background(), putReq(1, "k", "v"))
	require.Nil(t, err)
	require.Nil(t, tb.Flush(FlushModeAsync))

	// Shutdown drains the pending-op counter, so the async flush is done.
	require.Nil(t, tb.Shutdown())
	require.Equal(t, uint64(1), tb.FlushStats().NumFlushes())
}
