package costgate

import (
	"sync"
	"sync/atomic"
)

// Signal is a re-armable broadcast wake-up. Set wakes every current waiter
// and every later one until the next Reset. It is safe for concurrent use by
// many producers and consumers.
type Signal struct {
	token atomic.Pointer[signalToken]
}

type signalToken struct {
	done chan struct{}
	once sync.Once
}

func newSignalToken() *signalToken {
	return &signalToken{done: make(chan struct{})}
}

func (t *signalToken) fire() {
	t.once.Do(func() { close(t.done) })
}

func (t *signalToken) fired() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// NewSignal returns an unset Signal.
func NewSignal() *Signal {
	s := &Signal{}
	s.token.Store(newSignalToken())
	return s
}

// Wait returns a channel that is closed once the signal is set.
// The channel belongs to the current arming; after a Reset, call Wait again.
func (s *Signal) Wait() <-chan struct{} {
	return s.token.Load().done
}

// Set wakes all waiters. Setting an already set signal is a no-op.
func (s *Signal) Set() {
	s.token.Load().fire()
}

// Reset re-arms a set signal. A token is only replaced if it is the
// completed one observed here, so a Set racing with Reset is never lost.
func (s *Signal) Reset() {
	for {
		current := s.token.Load()
		if !current.fired() {
			return
		}
		if s.token.CompareAndSwap(current, newSignalToken()) {
			return
		}
	}
}

// IsSet reports whether the signal is currently set.
func (s *Signal) IsSet() bool {
	return s.token.Load().fired()
}
