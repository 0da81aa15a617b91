package xsk

import (
	"fmt"

	"github.com/pkg/errors"
)

// PollMode selects how the kernel is prompted to service the rings.
type PollMode int

const (
	// PollModeNone leaves rx to interrupts. Tx still kicks on every flush.
	PollModeNone PollMode = iota
	// PollModeWakeup binds with XDP_USE_NEED_WAKEUP and kicks the kernel
	// only when it asks for it.
	PollModeWakeup
	// PollModeBusy enables socket busy polling and kicks inline from the
	// rx loop.
	PollModeBusy
	// PollModeBusyExt enables socket busy polling and leaves the kicking
	// to a dedicated poll worker, on both rx and tx.
	PollModeBusyExt
)

var pollModeNames = []string{"none", "wakeup", "busy", "busy-ext"}

func (m PollMode) String() string {
	if m < 0 || int(m) >= len(pollModeNames) {
		return fmt.Sprintf("PollMode(%d)", int(m))
	}
	return pollModeNames[m]
}

// Busy reports whether the socket needs the busy poll socket options.
func (m PollMode) Busy() bool { return m == PollModeBusy || m == PollModeBusyExt }

func ParsePollMode(s string) (PollMode, error) {
	for i, n := range pollModeNames {
		if s == n {
			return PollMode(i), nil
		}
	}
	return PollModeNone, errors.Errorf("unsupported poll mode %q (want none, wakeup, busy or busy-ext)", s)
}

func (m PollMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *PollMode) UnmarshalText(b []byte) error {
	v, err := ParsePollMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}
