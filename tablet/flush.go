package tablet

import (
	"github.com/juju/errors"
	"github.com/ngaut/log"
	"go.uber.org/atomic"

	"github.com/unikv/tabletstore/engine"
	"github.com/unikv/tabletstore/tablet/mvcc"
)

// FlushMode selects whether Flush blocks until the barrier is durable.
type FlushMode int

const (
	FlushModeSync FlushMode = iota
	FlushModeAsync
)

// FlushStats tracks the oldest write that is not yet covered by a flush, for
// the maintenance scheduler that ranks tablets by unflushed age. Both paths
// are lock-free: writers race the marker down with CAS, the flush scheduler
// resets it to the "nothing unflushed" sentinel.
type FlushStats struct {
	// oldestUnflushed holds HybridTimeMax when every write is flushed.
	oldestUnflushed atomic.Uint64
	numFlushes      atomic.Uint64
}

func NewFlushStats() *FlushStats {
	s := &FlushStats{}
	s.oldestUnflushed.Store(uint64(mvcc.HybridTimeMax))
	return s
}

// ObserveWrite lowers the marker to ts if ts is older than the current value.
// A write never raises the marker.
func (s *FlushStats) ObserveWrite(ts mvcc.HybridTime) {
	for {
		cur := s.oldestUnflushed.Load()
		if uint64(ts) >= cur || s.oldestUnflushed.CAS(cur, uint64(ts)) {
			return
		}
	}
}

// OnFlushScheduled resets the marker: everything observed so far is covered
// by the flush being scheduled. Returns the flush sequence number.
func (s *FlushStats) OnFlushScheduled() uint64 {
	s.oldestUnflushed.Store(uint64(mvcc.HybridTimeMax))
	return s.numFlushes.Inc()
}

// OldestUnflushedWrite returns the marker and whether any write is unflushed.
func (s *FlushStats) OldestUnflushedWrite() (mvcc.HybridTime, bool) {
	v := mvcc.HybridTime(s.oldestUnflushed.Load())
	return v, v != mvcc.HybridTimeMax
}

func (s *FlushStats) NumFlushes() uint64 {
	return s.numFlushes.Load()
}

func (t *Tablet) FlushStats() *FlushStats {
	return t.flushStats
}

// Flush makes everything written so far durable and resets the unflushed
// marker. Only one flush runs at a time; FlushModeAsync returns once the
// flush is scheduled and logs a failure instead of returning it.
func (t *Tablet) Flush(mode FlushMode) error {
	done, err := t.beginOperation()
	if err != nil {
		return err
	}
	if mode == FlushModeAsync {
		go func() {
			defer done()
			if err := t.doFlush(); err != nil {
				log.Errorf("tablet %s async flush: %v", t.id, err)
			}
		}()
		return nil
	}
	defer done()
	return t.doFlush()
}

func (t *Tablet) doFlush() error {
	t.flushSem <- struct{}{}
	defer func() { <-t.flushSem }()

	seq := t.flushStats.OnFlushScheduled()
	if err := t.captureStore().FlushBarrier(seq); err != nil {
		return errors.Trace(ErrStoreFailure{Err: err})
	}
	t.metrics.flushes.Inc()
	return nil
}

// GCHorizon is the timestamp below which superseded versions may be
// discarded: the retention policy applied to the oldest active read point.
func (t *Tablet) GCHorizon() mvcc.HybridTime {
	return t.retention.GCHorizon(t.readPoints.OldestReadPoint())
}

// CollectGarbage removes superseded versions no reader can need anymore: old
// versions whose replacement committed below the GC horizon. The newest
// version of every key always survives. Returns the number of removed
// versions.
func (t *Tablet) CollectGarbage() (int, error) {
	done, err := t.beginOperation()
	if err != nil {
		return 0, err
	}
	defer done()

	horizon := t.GCHorizon()
	store := t.captureStore()
	txn := store.NewSnapshot()
	defer txn.Discard()

	iter := engine.NewIterator(txn, false, []byte{engine.OldPrefix}, []byte{engine.OldPrefix + 1})
	defer iter.Close()

	wb := new(engine.WriteBatch)
	removed := 0
	for iter.Seek([]byte{engine.OldPrefix}); iter.ValidForPrefix([]byte{engine.OldPrefix}); iter.Next() {
		if t.shutdownRequested.Load() {
			return removed, errors.Trace(ErrInvalidState{State: StateShutdown})
		}
		item := iter.Item()
		meta := engine.OldUserMeta(item.UserMeta())
		// A version superseded at or below the horizon is invisible to
		// every reader the horizon still allows.
		if meta.NextCommitTS() > horizon {
			continue
		}
		wb.Delete(item.KeyCopy(nil))
		removed++
		if wb.Len() >= gcBatchSize {
			if err := store.Write(wb); err != nil {
				return removed, errors.Trace(ErrStoreFailure{Err: err})
			}
			wb.Reset()
		}
	}
	if err := store.Write(wb); err != nil {
		return removed, errors.Trace(ErrStoreFailure{Err: err})
	}
	if removed > 0 {
		log.Infof("tablet %s gc removed %d versions below %s", t.id, removed, horizon)
	}
	return removed, nil
}

const gcBatchSize = 1024
