package timer

import (
	"sync/atomic"
	"time"
)

// Coarse seconds counter for monitors and log lines, unaffected by wall
// clock jumps.
var _seconds int64 = 0
var _started int32 = 0

func StartTimer() {
	if !atomic.CompareAndSwapInt32(&_started, 0, 1) {
		return
	}

	c := time.NewTicker(time.Second)
	go func() {
		for range c.C {
			atomic.AddInt64(&_seconds, 1)
		}
	}()
}

// Seconds returns the number of whole seconds since StartTimer.
func Seconds() int64 {
	return atomic.LoadInt64(&_seconds)
}

var epoch = time.Now()

// Now returns monotonic nanoseconds since process start. It is the clock
// every worker stamps fragments and heartbeats with.
func Now() int64 {
	return int64(time.Since(epoch))
}

// Clock returns the current time in nanoseconds.
type Clock func() int64
