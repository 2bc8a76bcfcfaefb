package costgate

import "time"

// Clock is the time source used by buckets and the executor.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer is a stoppable one-shot timer.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) NewTimer(d time.Duration) Timer {
	return realTimer{time.NewTimer(d)}
}

type realTimer struct {
	t *time.Timer
}

func (r realTimer) C() <-chan time.Time {
	return r.t.C
}

func (r realTimer) Stop() bool {
	return r.t.Stop()
}

// SystemClock returns the wall clock.
func SystemClock() Clock {
	return realClock{}
}
