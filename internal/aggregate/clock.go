package aggregate

import "time"

// Clock abstracts timer scheduling so the merge-window state machine
// can be driven by a virtual clock in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable, resettable scheduled callback.
type Timer interface {
	Stop() bool
	Reset(d time.Duration) bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{time.AfterFunc(d, f)}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) Stop() bool                  { return r.t.Stop() }
func (r realTimer) Reset(d time.Duration) bool  { return r.t.Reset(d) }

// SystemClock is the wall-clock implementation used outside tests.
func SystemClock() Clock { return realClock{} }
