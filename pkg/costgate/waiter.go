package costgate

import (
	"context"
	"sync/atomic"
)

const (
	waiterPending int32 = iota
	waiterAdmitted
	waiterCancelled
	waiterRejected
)

// waiter is a queued admission request. Exactly one of admit, cancel or reject
// wins; the loser observes false.
type waiter struct {
	cost     int
	priority int
	seq      uint64
	ctx      context.Context

	state    atomic.Int32
	released chan struct{}
	err      error // set before released is closed on rejection

	index int // heap position, -1 when not queued
}

func newWaiter(ctx context.Context, cost, priority int, seq uint64) *waiter {
	return &waiter{
		cost:     cost,
		priority: priority,
		seq:      seq,
		ctx:      ctx,
		released: make(chan struct{}),
		index:    -1,
	}
}

// admit releases the caller. It reports false if the waiter was cancelled first.
func (w *waiter) admit() bool {
	if !w.state.CompareAndSwap(waiterPending, waiterAdmitted) {
		return false
	}
	close(w.released)
	return true
}

// cancel marks the waiter abandoned. It reports false if it was already admitted.
func (w *waiter) cancel() bool {
	return w.state.CompareAndSwap(waiterPending, waiterCancelled)
}

// reject releases the caller with err instead of admitting it.
func (w *waiter) reject(err error) bool {
	if !w.state.CompareAndSwap(waiterPending, waiterRejected) {
		return false
	}
	w.err = err
	close(w.released)
	return true
}

func (w *waiter) admitted() bool {
	return w.state.Load() == waiterAdmitted
}

// await blocks until admit or reject is called, or ctx is done.
// When both happen at once the admission wins, since its cost is already paid.
func (w *waiter) await(ctx context.Context) error {
	select {
	case <-w.released:
		return w.err
	case <-ctx.Done():
		// The dispatcher may have cancelled the waiter first
		if w.cancel() || w.state.Load() == waiterCancelled {
			return ctx.Err()
		}
		<-w.released
		return w.err
	}
}

// waitQueue orders waiters by priority, then arrival. It implements heap.Interface.
type waitQueue []*waiter

func (q waitQueue) Len() int { return len(q) }

func (q waitQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q waitQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waitQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waitQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}

func (q waitQueue) peek() *waiter {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}
