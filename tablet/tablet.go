package tablet

import (
	"fmt"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/ngaut/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/unikv/tabletstore/config"
	"github.com/unikv/tabletstore/engine"
	"github.com/unikv/tabletstore/tablet/lockmanager"
	"github.com/unikv/tabletstore/tablet/mvcc"
	"github.com/unikv/tabletstore/tablet/txnstate"
	"github.com/unikv/tabletstore/util/locks"
	"github.com/unikv/tabletstore/util/pendingops"
)

// State of the tablet lifecycle. Transitions only move forward:
// Initialized -> Bootstrapping -> Open -> Shutdown.
type State int32

const (
	StateInitialized State = iota
	StateBootstrapping
	StateOpen
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateBootstrapping:
		return "bootstrapping"
	case StateOpen:
		return "open"
	case StateShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Options configures a tablet. Resolver and Registerer may be nil: a nil
// resolver rejects transactional reads, a nil registerer keeps metrics
// unregistered (unit tests).
type Options struct {
	ID         string
	Conf       *config.Config
	Schema     *Schema
	Resolver   txnstate.StatusResolver
	Registerer prometheus.Registerer
}

// Tablet is one shard's storage engine: a versioned store, the MVCC state
// around it, and the coordination that keeps writes, reads, flushes and
// teardown out of each other's way.
type Tablet struct {
	id   string
	conf *config.Config

	state             atomic.Int32
	shutdownRequested atomic.Bool

	schemaLock sync.RWMutex
	schema     *Schema

	// store is swapped only under guard held exclusively; everything else
	// captures it under guard shared and must not hold the guard across I/O.
	guard locks.ComponentGuard
	store *engine.Engine

	clock      *mvcc.HybridClock
	mvccMgr    *mvcc.Manager
	locks      *lockmanager.SharedLockManager
	readPoints *mvcc.ReadPointRegistry
	retention  mvcc.RetentionPolicy

	flushStats *FlushStats
	flushSem   chan struct{}

	pendingOps *pendingops.Counter
	resolver   txnstate.StatusResolver
	metrics    *Metrics

	// monotonicCounter only moves forward; it is fed by replicated updates
	// and survives restarts through log replay, not through the store.
	monotonicCounter        atomic.Int64
	lastCommittedWriteIndex atomic.Uint64

	lockWaitTimeout time.Duration
}

func New(opts Options) *Tablet {
	if opts.Schema == nil {
		opts.Schema = &Schema{Version: 1}
	}
	clock := mvcc.NewHybridClock()
	mgr := mvcc.NewManager(clock)
	t := &Tablet{
		id:         opts.ID,
		conf:       opts.Conf,
		schema:     opts.Schema.Clone(),
		clock:      clock,
		mvccMgr:    mgr,
		locks:      lockmanager.NewSharedLockManager(),
		readPoints: mvcc.NewReadPointRegistry(mgr),
		retention: mvcc.FixedLagPolicy{
			Lag: config.ParseDuration(opts.Conf.Tablet.SafeTimeLag),
		},
		flushStats:      NewFlushStats(),
		flushSem:        make(chan struct{}, 1),
		pendingOps:      pendingops.NewCounter(),
		resolver:        opts.Resolver,
		metrics:         NewMetrics(opts.ID, opts.Registerer),
		lockWaitTimeout: config.ParseDuration(opts.Conf.Tablet.LockWaitTimeout),
	}
	t.state.Store(int32(StateInitialized))
	return t
}

func (t *Tablet) ID() string {
	return t.id
}

func (t *Tablet) State() State {
	return State(t.state.Load())
}

// Open moves the tablet to Bootstrapping and opens the underlying store.
// The tablet serves nothing until MarkFinishedBootstrapping.
func (t *Tablet) Open() error {
	if !t.state.CAS(int32(StateInitialized), int32(StateBootstrapping)) {
		return errors.Trace(ErrInvalidState{State: t.State()})
	}
	store, err := engine.Open(&t.conf.Engine)
	if err != nil {
		return errors.Trace(ErrStoreFailure{Err: err})
	}
	t.guard.Lock()
	t.store = store
	t.guard.Unlock()
	log.Infof("tablet %s store opened at %s", t.id, store.Path())
	return nil
}

// MarkFinishedBootstrapping moves the tablet to Open once replay is done.
func (t *Tablet) MarkFinishedBootstrapping() error {
	if !t.state.CAS(int32(StateBootstrapping), int32(StateOpen)) {
		return errors.Trace(ErrInvalidState{State: t.State()})
	}
	log.Infof("tablet %s open", t.id)
	return nil
}

// SetShutdownRequestedFlag makes every operation admitted from now on fail
// fast, without waiting for Shutdown to run. Safe to call from any state.
func (t *Tablet) SetShutdownRequestedFlag() {
	t.shutdownRequested.Store(true)
}

// ShutdownRequested reports whether shutdown has been requested. Long-running
// operations poll it to bail out early.
func (t *Tablet) ShutdownRequested() bool {
	return t.shutdownRequested.Load()
}

// Shutdown drains in-flight operations and closes the store. It is
// idempotent; the first call wins and later calls return immediately.
func (t *Tablet) Shutdown() error {
	t.shutdownRequested.Store(true)
	prev := State(t.state.Swap(int32(StateShutdown)))
	if prev == StateShutdown {
		return nil
	}
	t.pendingOps.Disable()
	t.pendingOps.Wait()

	t.guard.Lock()
	store := t.store
	t.store = nil
	t.guard.Unlock()
	if store == nil {
		return nil
	}
	if err := store.Close(); err != nil {
		return errors.Trace(ErrStoreFailure{Err: err})
	}
	log.Infof("tablet %s shut down", t.id)
	return nil
}

// beginOperation admits one operation: fast-fail on the shutdown flag and the
// lifecycle state, then a scoped pending-op increment. The returned func must
// be called exactly once on every exit path.
func (t *Tablet) beginOperation() (func(), error) {
	if t.shutdownRequested.Load() {
		return nil, errors.Trace(ErrInvalidState{State: StateShutdown})
	}
	if s := t.State(); s != StateOpen {
		return nil, errors.Trace(ErrInvalidState{State: s})
	}
	if !t.pendingOps.Add() {
		return nil, errors.Trace(ErrInvalidState{State: StateShutdown})
	}
	return t.pendingOps.Done, nil
}

// captureStore takes the component guard shared just long enough to copy the
// store handle out.
func (t *Tablet) captureStore() *engine.Engine {
	t.guard.RLock()
	store := t.store
	t.guard.RUnlock()
	return store
}

// AlterSchema installs a new schema. Writes prepared against the old version
// fail their version check from now on.
func (t *Tablet) AlterSchema(s *Schema) error {
	done, err := t.beginOperation()
	if err != nil {
		return err
	}
	defer done()
	t.schemaLock.Lock()
	defer t.schemaLock.Unlock()
	if s.Version <= t.schema.Version {
		return errors.Trace(ErrSchemaMismatch{Expected: s.Version, Actual: t.schema.Version})
	}
	log.Infof("tablet %s schema %d -> %d", t.id, t.schema.Version, s.Version)
	t.schema = s.Clone()
	return nil
}

func (t *Tablet) SchemaVersion() uint32 {
	t.schemaLock.RLock()
	v := t.schema.Version
	t.schemaLock.RUnlock()
	return v
}

// UpdateMonotonicCounter advances the replicated counter to at least v and
// returns the resulting value. The counter never moves backwards.
func (t *Tablet) UpdateMonotonicCounter(v int64) int64 {
	for {
		cur := t.monotonicCounter.Load()
		if v <= cur {
			return cur
		}
		if t.monotonicCounter.CAS(cur, v) {
			return v
		}
	}
}

func (t *Tablet) MonotonicCounter() int64 {
	return t.monotonicCounter.Load()
}

// LastCommittedWriteIndex is the highest replicated-log index whose write has
// been applied and committed.
func (t *Tablet) LastCommittedWriteIndex() uint64 {
	return t.lastCommittedWriteIndex.Load()
}

func (t *Tablet) advanceLastCommittedWriteIndex(opID uint64) {
	for {
		cur := t.lastCommittedWriteIndex.Load()
		if opID <= cur || t.lastCommittedWriteIndex.CAS(cur, opID) {
			return
		}
	}
}

// MaxPersistedOpID returns the highest replicated-log index durably recorded
// in the store; log entries at or below it can be retired.
func (t *Tablet) MaxPersistedOpID() (uint64, error) {
	done, err := t.beginOperation()
	if err != nil {
		return 0, err
	}
	defer done()
	id, err := t.captureStore().MaxPersistedOpID()
	return id, errors.Trace(err)
}

// TotalSize returns the on-disk footprint of the tablet.
func (t *Tablet) TotalSize() int64 {
	done, err := t.beginOperation()
	if err != nil {
		return 0
	}
	defer done()
	lsm, vlog := t.captureStore().Size()
	return lsm + vlog
}

func (t *Tablet) HasData() bool {
	done, err := t.beginOperation()
	if err != nil {
		return false
	}
	defer done()
	return t.captureStore().HasData()
}

// CreateCheckpoint copies a consistent snapshot of the tablet into dir.
func (t *Tablet) CreateCheckpoint(dir string) error {
	done, err := t.beginOperation()
	if err != nil {
		return err
	}
	defer done()
	return errors.Trace(t.captureStore().CreateCheckpoint(dir, &t.conf.Engine))
}

// SafeTimeToRead returns the highest timestamp a fresh read may use and still
// observe only committed data.
func (t *Tablet) SafeTimeToRead() mvcc.HybridTime {
	return t.mvccMgr.SafeTimeToRead()
}

// OldestReadPoint bounds what history maintenance may discard.
func (t *Tablet) OldestReadPoint() mvcc.HybridTime {
	return t.readPoints.OldestReadPoint()
}
