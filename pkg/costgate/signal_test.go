package costgate

import (
	"sync"
	"testing"
	"time"
)

func TestSignal_SetWakesAllWaiters(t *testing.T) {
	s := NewSignal()
	if s.IsSet() {
		t.Fatal("new signal is set")
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		ch := s.Wait()
		go func() {
			defer wg.Done()
			<-ch
		}()
	}

	s.Set()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiters were not woken")
	}
}

func TestSignal_StaysSetUntilReset(t *testing.T) {
	s := NewSignal()
	s.Set()
	s.Set()

	for i := 0; i < 2; i++ {
		select {
		case <-s.Wait():
		default:
			t.Fatal("Wait() on a set signal blocked")
		}
	}

	s.Reset()
	if s.IsSet() {
		t.Fatal("signal still set after Reset()")
	}
	select {
	case <-s.Wait():
		t.Fatal("Wait() after Reset() did not block")
	default:
	}
}

func TestSignal_ResetOnUnsetIsNoop(t *testing.T) {
	s := NewSignal()
	ch := s.Wait()
	s.Reset()
	s.Set()

	select {
	case <-ch:
	default:
		t.Fatal("Reset() on an unset signal replaced the pending token")
	}
}

func TestSignal_SetAfterResetIsNotLost(t *testing.T) {
	s := NewSignal()
	s.Set()
	s.Reset()
	s.Set()

	if !s.IsSet() {
		t.Fatal("Set() after Reset() was lost")
	}
}

func TestSignal_Concurrent(t *testing.T) {
	s := NewSignal()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Set()
		}()
		go func() {
			defer wg.Done()
			s.Reset()
		}()
	}
	wg.Wait()

	// Whatever the interleaving, a final Set must be observable
	s.Set()
	if !s.IsSet() {
		t.Fatal("final Set() not observed")
	}
}
