package mvcc

import (
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/ngaut/log"
)

// SafeTimeProvider supplies the read timestamp to fall back to when no reader
// is registered. Manager implements it.
type SafeTimeProvider interface {
	SafeTimeToRead() HybridTime
}

// RetentionPolicy decides how far the garbage collection horizon trails the
// oldest read point. The precise lag is a deployment concern, so it is
// pluggable rather than fixed here.
type RetentionPolicy interface {
	GCHorizon(oldestRead HybridTime) HybridTime
}

// FixedLagPolicy keeps the horizon a constant wall-time distance behind the
// oldest read point. A zero lag discards history as soon as no reader needs it.
type FixedLagPolicy struct {
	Lag time.Duration
}

func (p FixedLagPolicy) GCHorizon(oldestRead HybridTime) HybridTime {
	return oldestRead.AddDelta(-p.Lag)
}

// ReadPointRegistry tracks every currently-active read timestamp. Its minimum
// bounds what history a compaction may discard: versions at or above the
// oldest registered point must survive while that reader is registered.
type ReadPointRegistry struct {
	provider SafeTimeProvider

	mu     sync.Mutex
	points *btree.BTree
}

type readPoint struct {
	ts      HybridTime
	readers int64
}

func (a *readPoint) Less(b btree.Item) bool { return a.ts < b.(*readPoint).ts }

func NewReadPointRegistry(provider SafeTimeProvider) *ReadPointRegistry {
	return &ReadPointRegistry{
		provider: provider,
		points:   btree.New(inFlightBtreeDegree),
	}
}

// Register adds one reader at ts.
func (r *ReadPointRegistry) Register(ts HybridTime) {
	r.mu.Lock()
	if item := r.points.Get(&readPoint{ts: ts}); item != nil {
		item.(*readPoint).readers++
	} else {
		r.points.ReplaceOrInsert(&readPoint{ts: ts, readers: 1})
	}
	r.mu.Unlock()
}

// Unregister removes one reader at ts, dropping the entry when the count
// reaches zero.
func (r *ReadPointRegistry) Unregister(ts HybridTime) {
	r.mu.Lock()
	item := r.points.Get(&readPoint{ts: ts})
	if item == nil {
		r.mu.Unlock()
		log.Warnf("unregister of unknown read point %s", ts)
		return
	}
	rp := item.(*readPoint)
	rp.readers--
	if rp.readers == 0 {
		r.points.Delete(rp)
	}
	r.mu.Unlock()
}

// OldestReadPoint returns the minimum registered read timestamp, or the
// current safe-to-read time when no reader is active. Nothing at or above the
// returned timestamp may be discarded.
func (r *ReadPointRegistry) OldestReadPoint() HybridTime {
	r.mu.Lock()
	if r.points.Len() > 0 {
		ts := r.points.Min().(*readPoint).ts
		r.mu.Unlock()
		return ts
	}
	r.mu.Unlock()
	return r.provider.SafeTimeToRead()
}

// ActiveReaders returns the number of distinct registered read timestamps.
func (r *ReadPointRegistry) ActiveReaders() int {
	r.mu.Lock()
	n := r.points.Len()
	r.mu.Unlock()
	return n
}
