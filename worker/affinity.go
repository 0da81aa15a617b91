package worker

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Pin restricts the calling thread to cpu. The caller must have locked the
// goroutine to its thread.
func Pin(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return errors.Wrapf(unix.SchedSetaffinity(0, &set), "sched_setaffinity cpu %d", cpu)
}
