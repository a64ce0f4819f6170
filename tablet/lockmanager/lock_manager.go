package lockmanager

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dgryski/go-farm"
	"github.com/juju/errors"
	"github.com/ngaut/log"
)

// ErrLockWaitTimeout is returned when a batch could not acquire all of its
// locks before the caller's deadline. No lock is retained in that case.
var ErrLockWaitTimeout = errors.New("lock wait timeout")

// SharedLockManager serializes writes that touch overlapping key prefixes
// while letting disjoint writes proceed in parallel. Locks are keyed by the
// farm hash of the encoded key prefix, so two operations that encode the same
// prefix always contend on the same lock.
//
// Each lock hash has a FIFO waiter queue and release hands the lock directly
// to the head waiter, so a batch is never starved by a stream of shorter
// batches. Batches acquire their hashes in sorted order, which rules out
// deadlock between batches.
type SharedLockManager struct {
	mu    sync.Mutex
	locks map[uint64]*keyLock
}

type keyLock struct {
	// The lock is held iff the entry is present. waiters are granted the
	// lock in order on release.
	waiters []chan struct{}
}

func NewSharedLockManager() *SharedLockManager {
	return &SharedLockManager{locks: make(map[uint64]*keyLock)}
}

// LockBatch is the set of locks acquired for one write operation. It must be
// released exactly once, after the write's outcome is durable.
type LockBatch struct {
	mgr    *SharedLockManager
	hashes []uint64
}

// Acquire blocks until all requested key prefixes are locked, or the context
// expires. On failure nothing is retained: the attempt holds the full batch
// or none of it.
func (m *SharedLockManager) Acquire(ctx context.Context, keys [][]byte) (*LockBatch, error) {
	hashes := sortedLockHashes(keys)
	start := time.Now()
	for i, h := range hashes {
		if err := m.acquireOne(ctx, h); err != nil {
			m.releaseHashes(hashes[:i])
			return nil, errors.Trace(err)
		}
	}
	if dur := time.Since(start); dur > 50*time.Millisecond {
		log.Warnf("acquiring %d locks took %v", len(hashes), dur)
	}
	return &LockBatch{mgr: m, hashes: hashes}, nil
}

// Release releases all locks in the batch atomically with respect to waiters
// and panics if called twice.
func (m *SharedLockManager) Release(batch *LockBatch) {
	if batch.mgr == nil {
		panic("lock batch released twice")
	}
	batch.mgr = nil
	m.releaseHashes(batch.hashes)
}

// Release is shorthand for the manager's Release.
func (b *LockBatch) Release() {
	mgr := b.mgr
	if mgr == nil {
		panic("lock batch released twice")
	}
	mgr.Release(b)
}

// Size returns the number of distinct locks held by the batch.
func (b *LockBatch) Size() int {
	return len(b.hashes)
}

func (m *SharedLockManager) acquireOne(ctx context.Context, h uint64) error {
	m.mu.Lock()
	kl, held := m.locks[h]
	if !held {
		m.locks[h] = &keyLock{}
		m.mu.Unlock()
		return nil
	}
	granted := make(chan struct{})
	kl.waiters = append(kl.waiters, granted)
	m.mu.Unlock()

	select {
	case <-granted:
		return nil
	case <-ctx.Done():
	}

	// The grant may have raced with the deadline. If we are no longer in
	// the queue we own the lock and must give it back.
	m.mu.Lock()
	if kl.removeWaiter(granted) {
		m.mu.Unlock()
		return ErrLockWaitTimeout
	}
	m.mu.Unlock()
	m.releaseOne(h)
	return ErrLockWaitTimeout
}

func (m *SharedLockManager) releaseHashes(hashes []uint64) {
	for _, h := range hashes {
		m.releaseOne(h)
	}
}

func (m *SharedLockManager) releaseOne(h uint64) {
	m.mu.Lock()
	kl := m.locks[h]
	if kl == nil {
		m.mu.Unlock()
		panic("releasing a lock that is not held")
	}
	if len(kl.waiters) > 0 {
		// Hand the lock to the head waiter; the entry stays present.
		head := kl.waiters[0]
		kl.waiters = kl.waiters[1:]
		m.mu.Unlock()
		close(head)
		return
	}
	delete(m.locks, h)
	m.mu.Unlock()
}

func (kl *keyLock) removeWaiter(ch chan struct{}) bool {
	for i, w := range kl.waiters {
		if w == ch {
			kl.waiters = append(kl.waiters[:i], kl.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// sortedLockHashes hashes, dedups and sorts the encoded key prefixes.
func sortedLockHashes(keys [][]byte) []uint64 {
	hashes := make([]uint64, 0, len(keys))
	for _, k := range keys {
		hashes = append(hashes, farm.Fingerprint64(k))
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })
	uniq := hashes[:0]
	var prev uint64
	for i, h := range hashes {
		if i == 0 || h != prev {
			uniq = append(uniq, h)
		}
		prev = h
	}
	return uniq
}
