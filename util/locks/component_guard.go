package locks

import (
	"runtime"
	"sync/atomic"
)

// ComponentGuard is a reader/writer spinlock protecting a component set that
// is swapped out wholesale by flush/compaction. Readers and writers of the
// data take it in shared mode just long enough to capture the current
// handles; flush/compaction takes it exclusively to swap new handles in.
//
// The guard is unfair: a long-held shared acquisition starves a pending
// exclusive acquisition, which in turn starves all later shared ones. Hold it
// only to capture handles, never across I/O.
type ComponentGuard struct {
	// state >= 0: number of shared holders; state == -1: exclusive holder.
	state int32
}

func (g *ComponentGuard) RLock() {
	for {
		s := atomic.LoadInt32(&g.state)
		if s >= 0 && atomic.CompareAndSwapInt32(&g.state, s, s+1) {
			return
		}
		runtime.Gosched()
	}
}

func (g *ComponentGuard) RUnlock() {
	if atomic.AddInt32(&g.state, -1) < 0 {
		panic("component guard: RUnlock without RLock")
	}
}

func (g *ComponentGuard) Lock() {
	for {
		if atomic.CompareAndSwapInt32(&g.state, 0, -1) {
			return
		}
		runtime.Gosched()
	}
}

func (g *ComponentGuard) Unlock() {
	if !atomic.CompareAndSwapInt32(&g.state, -1, 0) {
		panic("component guard: Unlock without Lock")
	}
}
