package xsk

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// PortRange is the half open UDP port range [Lo, Hi).
type PortRange struct {
	Lo uint16
	Hi uint32
}

// ParsePortRange accepts "lo-hi" or a single port "p", meaning [p, p+1).
func ParsePortRange(s string) (PortRange, error) {
	var lo, hi uint64
	var err error
	if i := strings.IndexByte(s, '-'); i >= 0 {
		if lo, err = strconv.ParseUint(strings.TrimSpace(s[:i]), 10, 16); err != nil {
			return PortRange{}, errors.Wrapf(err, "bad port range %q", s)
		}
		if hi, err = strconv.ParseUint(strings.TrimSpace(s[i+1:]), 10, 17); err != nil {
			return PortRange{}, errors.Wrapf(err, "bad port range %q", s)
		}
	} else {
		if lo, err = strconv.ParseUint(strings.TrimSpace(s), 10, 16); err != nil {
			return PortRange{}, errors.Wrapf(err, "bad port %q", s)
		}
		hi = lo + 1
	}
	if lo == 0 || hi == 0 {
		return PortRange{}, errors.Errorf("port range %q includes port 0", s)
	}
	if lo >= hi {
		return PortRange{}, errors.Errorf("empty port range %q", s)
	}
	if hi > 1<<16 {
		return PortRange{}, errors.Errorf("port range %q exceeds 65535", s)
	}
	return PortRange{Lo: uint16(lo), Hi: uint32(hi)}, nil
}

// Contains reports whether port falls inside the range.
func (r PortRange) Contains(port uint16) bool {
	return port >= r.Lo && uint32(port) < r.Hi
}

func (r PortRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.Lo, r.Hi)
}
