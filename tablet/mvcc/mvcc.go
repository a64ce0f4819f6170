package mvcc

import (
	"sync"

	"github.com/google/btree"
	"go.uber.org/atomic"
)

// Manager tracks outstanding and committed write timestamps for one tablet.
//
// A writer calls StartOperation to reserve a timestamp strictly greater than
// every previously reserved or committed one, then Commit (or Aborted) when
// the write batch has been applied (or failed). Reservation must happen only
// after the write's row locks are held: taking a timestamp first would let
// two writers commit versions of the same row out of timestamp order, which
// breaks history-ordered replay.
type Manager struct {
	clock *HybridClock

	// Highest timestamp ever reserved locally or observed from a
	// transaction coordinator. Published through an atomic so hot-path
	// observers never take mu.
	frontier atomic.Uint64

	mu sync.Mutex
	// Reserved but not yet committed/aborted timestamps, ordered.
	inFlight *btree.BTree
	// Committed timestamps above the clean point. Everything at or below
	// the clean point is committed; the set holds the stragglers above it
	// that committed while an older operation was still in flight.
	committed map[HybridTime]struct{}
}

type tsItem HybridTime

func (a tsItem) Less(b btree.Item) bool { return a < b.(tsItem) }

const inFlightBtreeDegree = 8

func NewManager(clock *HybridClock) *Manager {
	return &Manager{
		clock:     clock,
		inFlight:  btree.New(inFlightBtreeDegree),
		committed: make(map[HybridTime]struct{}),
	}
}

// StartOperation reserves a timestamp for a write and registers it as in
// flight. Concurrent calls never return the same timestamp.
func (m *Manager) StartOperation() HybridTime {
	m.mu.Lock()
	ts := m.clock.Now()
	if f := HybridTime(m.frontier.Load()); ts <= f {
		ts = f + 1
		m.clock.Update(ts)
	}
	m.advanceFrontier(ts)
	m.inFlight.ReplaceOrInsert(tsItem(ts))
	m.mu.Unlock()
	return ts
}

// Commit marks a previously reserved timestamp as durably visible.
func (m *Manager) Commit(ts HybridTime) {
	m.mu.Lock()
	if m.inFlight.Delete(tsItem(ts)) == nil {
		m.mu.Unlock()
		panic("mvcc: commit of unreserved timestamp")
	}
	m.committed[ts] = struct{}{}
	m.prune()
	m.mu.Unlock()
}

// Aborted discards a reserved timestamp whose write failed before apply.
func (m *Manager) Aborted(ts HybridTime) {
	m.mu.Lock()
	if m.inFlight.Delete(tsItem(ts)) == nil {
		m.mu.Unlock()
		panic("mvcc: abort of unreserved timestamp")
	}
	m.prune()
	m.mu.Unlock()
}

// ObserveCommit records a commit whose timestamp was fixed externally by a
// transaction coordinator (intent application). The local clock and frontier
// move up so later local reservations stay above it.
func (m *Manager) ObserveCommit(ts HybridTime) {
	m.clock.Update(ts)
	m.mu.Lock()
	m.advanceFrontier(ts)
	if ts > m.cleanPointLocked() {
		m.committed[ts] = struct{}{}
	}
	m.prune()
	m.mu.Unlock()
}

// TakeSnapshot captures the current commit frontier as an immutable snapshot.
func (m *Manager) TakeSnapshot() *Snapshot {
	m.mu.Lock()
	snap := &Snapshot{
		cleanBefore: m.cleanPointLocked(),
		maxVisible:  m.cleanPointLocked(),
	}
	if len(m.committed) > 0 {
		snap.committed = make(map[HybridTime]struct{}, len(m.committed))
		for ts := range m.committed {
			snap.committed[ts] = struct{}{}
			if ts > snap.maxVisible {
				snap.maxVisible = ts
			}
		}
	}
	m.mu.Unlock()
	return snap
}

// SafeTimeToRead returns the highest timestamp at which a read observes only
// fully committed data: just below the oldest in-flight write, or the commit
// frontier when nothing is in flight.
func (m *Manager) SafeTimeToRead() HybridTime {
	m.mu.Lock()
	safe := m.cleanPointLocked()
	m.mu.Unlock()
	return safe
}

func (m *Manager) advanceFrontier(ts HybridTime) {
	for {
		f := m.frontier.Load()
		if uint64(ts) <= f || m.frontier.CAS(f, uint64(ts)) {
			return
		}
	}
}

// cleanPointLocked returns the timestamp below which every reservation has
// resolved. Callers must hold mu.
func (m *Manager) cleanPointLocked() HybridTime {
	if m.inFlight.Len() > 0 {
		return HybridTime(m.inFlight.Min().(tsItem)) - 1
	}
	return HybridTime(m.frontier.Load())
}

// prune drops committed stragglers swallowed by the clean point. Callers must
// hold mu.
func (m *Manager) prune() {
	clean := m.cleanPointLocked()
	for ts := range m.committed {
		if ts <= clean {
			delete(m.committed, ts)
		}
	}
}

// Snapshot is an immutable point-in-time view of the commit state, used to
// classify any timestamp as visible or not yet visible.
type Snapshot struct {
	cleanBefore HybridTime
	committed   map[HybridTime]struct{}
	maxVisible  HybridTime
}

// IsVisible reports whether a version written at ts was committed when the
// snapshot was taken.
func (s *Snapshot) IsVisible(ts HybridTime) bool {
	if ts <= s.cleanBefore {
		return true
	}
	_, ok := s.committed[ts]
	return ok
}

// MaxVisible returns the highest visible timestamp; reads bound their version
// lookups by it.
func (s *Snapshot) MaxVisible() HybridTime {
	return s.maxVisible
}
