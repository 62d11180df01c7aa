package clock

import "time"

// Timer is a cancelable pending callback.
type Timer interface {
	Stop() bool
}

// Clock abstracts wall time and timer scheduling so timer-driven components
// can be exercised deterministically.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
