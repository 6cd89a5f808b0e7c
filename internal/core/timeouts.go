package core

import (
	"strconv"
	"time"
)

// Seconds is an optional whole-second deadline. The zero value means no
// deadline.
type Seconds struct {
	n   uint32
	set bool
}

// NoTimeout is the absent deadline.
var NoTimeout Seconds

// SecondsOf returns a deadline of n seconds.
func SecondsOf(n uint32) Seconds {
	return Seconds{n: n, set: true}
}

// Value returns the number of seconds and whether a deadline is set.
func (s Seconds) Value() (uint32, bool) { return s.n, s.set }

// IsSet reports whether a deadline is set.
func (s Seconds) IsSet() bool { return s.set }

// Duration converts the deadline to a time.Duration.
func (s Seconds) Duration() (time.Duration, bool) {
	if !s.set {
		return 0, false
	}
	return time.Duration(s.n) * time.Second, true
}

func (s Seconds) String() string {
	if !s.set {
		return "none"
	}
	return strconv.FormatUint(uint64(s.n), 10) + "s"
}

// Timeouts pairs the two deadlines of a registration. Process bounds the
// handler itself and is enforced by the bridge; Command bounds engine
// operations around it (ack, reply) and is enforced by the engine.
type Timeouts struct {
	Process Seconds
	Command Seconds
}
