package timer

import (
	"math"
	"math/bits"
	"math/rand/v2"
	"time"
)

// LazyDefault returns a housekeeping interval for a producer with crMax
// credits in flight. It is short enough that a consumer draining a full
// window at ~2.25ns per fragment always sees fresh credits.
func LazyDefault(crMax uint64) time.Duration {
	if crMax > (math.MaxInt64-4)/9 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(1 + (9*crMax)/4)
}

// AsyncMin returns the largest power of two number of nanoseconds not
// exceeding lazy/eventCnt, or 0 when there is none.
func AsyncMin(lazy time.Duration, eventCnt uint64) int64 {
	if lazy <= 0 || eventCnt == 0 {
		return 0
	}
	v := uint64(lazy) / eventCnt
	if v == 0 {
		return 0
	}
	return int64(1) << (63 - bits.LeadingZeros64(v))
}

// AsyncReload returns a delay uniform in [asyncMin, 2*asyncMin). asyncMin
// must be a power of two.
func AsyncReload(rng *rand.Rand, asyncMin int64) int64 {
	return asyncMin + int64(rng.Uint64()&uint64(asyncMin-1))
}

// Housekeeper schedules the low rate pass of a worker loop.
type Housekeeper struct {
	rng      *rand.Rand
	asyncMin int64
	then     int64
}

func NewHousekeeper(rng *rand.Rand, asyncMin int64, now int64) *Housekeeper {
	return &Housekeeper{rng: rng, asyncMin: asyncMin, then: now}
}

// Due reports whether housekeeping should run at now.
func (h *Housekeeper) Due(now int64) bool { return now-h.then >= 0 }

// Reload schedules the next pass relative to now.
func (h *Housekeeper) Reload(now int64) { h.then = now + AsyncReload(h.rng, h.asyncMin) }

// Deadline is the time of the next pass.
func (h *Housekeeper) Deadline() int64 { return h.then }
