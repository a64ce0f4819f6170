package mvcc

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/atomic"
)

// HybridTime is a hybrid logical timestamp: the upper bits carry physical
// time in microseconds, the lower logicalBits carry a logical counter used to
// break ties within one microsecond. Comparison of the raw uint64 gives a
// total order.
type HybridTime uint64

const (
	logicalBits = 12
	logicalMask = (1 << logicalBits) - 1

	// HybridTimeMin is never assigned to a write.
	HybridTimeMin HybridTime = 0
	// HybridTimeMax sorts after every assignable timestamp. The flush
	// tracker uses it as the "no unflushed writes" marker.
	HybridTimeMax HybridTime = math.MaxUint64
)

func HybridTimeFromPhysical(micros int64) HybridTime {
	return HybridTime(uint64(micros) << logicalBits)
}

func (t HybridTime) Physical() int64 {
	return int64(t >> logicalBits)
}

func (t HybridTime) Logical() uint64 {
	return uint64(t) & logicalMask
}

// AddDelta shifts the timestamp by a wall duration. Negative deltas clamp at
// HybridTimeMin.
func (t HybridTime) AddDelta(d time.Duration) HybridTime {
	phys := t.Physical() + d.Microseconds()
	if phys < 0 {
		return HybridTimeMin
	}
	return HybridTimeFromPhysical(phys) | HybridTime(t.Logical())
}

func (t HybridTime) String() string {
	if t == HybridTimeMax {
		return "<max>"
	}
	return fmt.Sprintf("{p: %d, l: %d}", t.Physical(), t.Logical())
}

// HybridClock produces monotonically increasing hybrid timestamps and can be
// advanced by timestamps observed from other nodes, so that local reads never
// run ahead of a remote commit the tablet has already seen.
type HybridClock struct {
	last atomic.Uint64
}

func NewHybridClock() *HybridClock {
	return &HybridClock{}
}

func (c *HybridClock) Now() HybridTime {
	for {
		phys := uint64(HybridTimeFromPhysical(time.Now().UnixNano() / 1000))
		last := c.last.Load()
		next := phys
		if next <= last {
			next = last + 1
		}
		if c.last.CAS(last, next) {
			return HybridTime(next)
		}
	}
}

// Update moves the clock forward to at least the observed timestamp.
func (c *HybridClock) Update(observed HybridTime) {
	for {
		last := c.last.Load()
		if uint64(observed) <= last || c.last.CAS(last, uint64(observed)) {
			return
		}
	}
}
