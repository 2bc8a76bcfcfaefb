package costgate

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KanavDutta/costgate/core"
)

// DefaultIdleTimeout is how long a full, empty bucket must stay untouched
// before it is considered idle.
const DefaultIdleTimeout = 5 * time.Minute

// BucketConfig holds the configuration for creating new buckets.
type BucketConfig struct {
	Maximum     float64       // Bucket size until the server reports otherwise
	RefillRate  float64       // Tokens restored per second until the server reports otherwise
	IdleTimeout time.Duration // Untouched time before a full bucket is idle (default 5m)
	Clock       Clock         // Time source (default: system clock)
}

// TokenBucket gates requests against a capacity budget owned by a remote
// server. Capacity refills lazily from the last checkpoint; waiters that do
// not fit are queued by priority and released by a dispatch goroutine that
// only runs while the queue is non-empty.
type TokenBucket struct {
	mu          sync.Mutex // Protects everything below
	capacity    core.Capacity
	touched     time.Time
	queue       waitQueue
	seq         uint64
	dispatching bool

	signal      *Signal
	clock       Clock
	idleTimeout time.Duration
}

// BucketSnapshot is a point-in-time view of a bucket.
type BucketSnapshot struct {
	Maximum     float64   `json:"maximum"`
	RefillRate  float64   `json:"refill_rate"`
	Available   float64   `json:"available"`
	Pending     int       `json:"pending"`
	LastTouched time.Time `json:"last_touched"`
	Idle        bool      `json:"idle"`
}

// NewTokenBucket creates a full bucket with the given configuration.
func NewTokenBucket(config BucketConfig) (*TokenBucket, error) {
	if config.Clock == nil {
		config.Clock = SystemClock()
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}

	now := config.Clock.Now()
	capacity, err := core.NewCapacity(config.Maximum, config.RefillRate, config.Maximum, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCapacity, err)
	}

	return &TokenBucket{
		capacity:    capacity,
		touched:     now,
		signal:      NewSignal(),
		clock:       config.Clock,
		idleTimeout: config.IdleTimeout,
	}, nil
}

// SetState replaces the capacity state and wakes the dispatcher, since
// waiters may fit now.
func (b *TokenBucket) SetState(maximum, refillRate, available float64) error {
	return b.UpdateState(func(float64) (float64, float64, float64) {
		return maximum, refillRate, available
	})
}

// UpdateState atomically replaces the capacity state with the result of fn,
// which receives the current estimate. It is used to merge server feedback
// without racing concurrent admissions between the read and the write.
func (b *TokenBucket) UpdateState(fn func(estimate float64) (maximum, refillRate, available float64)) error {
	b.mu.Lock()
	now := b.clock.Now()
	maximum, refillRate, available := fn(b.capacity.Estimate(now))
	capacity, err := core.NewCapacity(maximum, refillRate, available, now)
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrInvalidCapacity, err)
	}
	b.capacity = capacity
	b.touched = now
	b.mu.Unlock()

	b.signal.Set()
	return nil
}

// EstimatedAvailable returns the tokens available now.
func (b *TokenBucket) EstimatedAvailable() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity.Estimate(b.clock.Now())
}

// Maximum returns the current bucket size.
func (b *TokenBucket) Maximum() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity.Maximum
}

// State returns the current checkpoint.
func (b *TokenBucket) State() core.Capacity {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// Pending returns the number of queued waiters.
func (b *TokenBucket) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Touch marks the bucket as recently used.
func (b *TokenBucket) Touch() {
	b.mu.Lock()
	b.touched = b.clock.Now()
	b.mu.Unlock()
}

// IsIdle reports whether the bucket is full, has no waiters and has not
// been touched for the idle timeout. Such a bucket can be dropped and
// recreated without changing behavior.
func (b *TokenBucket) IsIdle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.idleLocked(b.clock.Now())
}

func (b *TokenBucket) idleLocked(now time.Time) bool {
	return len(b.queue) == 0 &&
		b.capacity.Full(now) &&
		now.Sub(b.touched) > b.idleTimeout
}

// Snapshot returns a point-in-time view of the bucket.
func (b *TokenBucket) Snapshot() BucketSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	return BucketSnapshot{
		Maximum:     b.capacity.Maximum,
		RefillRate:  b.capacity.RefillRate,
		Available:   b.capacity.Estimate(now),
		Pending:     len(b.queue),
		LastTouched: b.touched,
		Idle:        b.idleLocked(now),
	}
}

// Admit blocks until cost tokens have been taken from the bucket for the
// caller, or ctx is done. Lower priority values are served first; equal
// priorities are served in arrival order. When Admit returns nil the cost
// has already been deducted.
func (b *TokenBucket) Admit(ctx context.Context, cost, priority int) error {
	if cost <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidCost, cost)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	if float64(cost) > b.capacity.Maximum {
		maximum := b.capacity.Maximum
		b.mu.Unlock()
		return fmt.Errorf("%w: cost %d, maximum %v", ErrCostExceedsMaximum, cost, maximum)
	}

	now := b.clock.Now()
	b.touched = now

	// Nothing queued ahead: proceed without suspending if the cost fits
	if len(b.queue) == 0 {
		if next, r := b.capacity.Take(float64(cost), now); r.OK {
			b.capacity = next
			b.mu.Unlock()
			return nil
		}
	}

	b.seq++
	w := newWaiter(ctx, cost, priority, b.seq)
	heap.Push(&b.queue, w)
	if !b.dispatching {
		b.dispatching = true
		go b.dispatch()
	}
	b.mu.Unlock()
	b.signal.Set()

	if err := w.await(ctx); err != nil {
		b.mu.Lock()
		if w.index >= 0 {
			heap.Remove(&b.queue, w.index)
		}
		b.mu.Unlock()
		// The head may have changed
		b.signal.Set()
		return err
	}

	b.Touch()
	return nil
}

// dispatch releases waiters as capacity allows. At most one dispatch
// goroutine runs per bucket; it exits when the queue drains.
func (b *TokenBucket) dispatch() {
	for {
		// Re-arm before looking at the state so that any change after this
		// point wakes the select below
		b.signal.Reset()

		b.mu.Lock()
		head, wait := b.releaseLocked()
		if head == nil {
			b.dispatching = false
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()

		timer := b.clock.NewTimer(wait)
		select {
		case <-timer.C():
		case <-b.signal.Wait():
		case <-head.ctx.Done():
		}
		timer.Stop()
	}
}

// releaseLocked drains every waiter that can be served now, in order.
// It returns the head that does not fit yet and how long until it would,
// or nil when the queue is empty.
// MUST be called with b.mu locked.
func (b *TokenBucket) releaseLocked() (*waiter, time.Duration) {
	now := b.clock.Now()
	for {
		head := b.queue.peek()
		if head == nil {
			return nil, 0
		}

		switch {
		case head.ctx.Err() != nil:
			heap.Pop(&b.queue)
			head.cancel()

		case float64(head.cost) > b.capacity.Maximum:
			// The server shrank the bucket below this cost while it waited
			heap.Pop(&b.queue)
			head.reject(fmt.Errorf("%w: cost %d, maximum %v", ErrCostExceedsMaximum, head.cost, b.capacity.Maximum))

		default:
			next, r := b.capacity.Take(float64(head.cost), now)
			if !r.OK {
				return head, r.Wait
			}
			heap.Pop(&b.queue)
			// A waiter cancelled concurrently keeps its tokens in the bucket
			if head.admit() {
				b.capacity = next
			}
		}
	}
}
