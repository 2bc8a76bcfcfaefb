package costgate

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/KanavDutta/costgate/core"
)

// Registry maps identities to their token buckets, creating them on first
// use and dropping them once idle.
// It's thread-safe; the lock order is registry, then bucket.
type Registry struct {
	mu      sync.Mutex
	buckets map[string]*TokenBucket
	config  BucketConfig
	closed  bool
}

// NewRegistry creates an empty registry whose buckets use config.
func NewRegistry(config BucketConfig) (*Registry, error) {
	if !(config.Maximum > 0) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCapacity, core.ErrNonPositiveMaximum)
	}
	if !(config.RefillRate > 0) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCapacity, core.ErrNonPositiveRefillRate)
	}
	if config.Clock == nil {
		config.Clock = SystemClock()
	}

	return &Registry{
		buckets: make(map[string]*TokenBucket),
		config:  config,
	}, nil
}

// Lookup returns the bucket for identity without creating it.
func (r *Registry) Lookup(identity string) (*TokenBucket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[identity]
	return b, ok
}

// Get returns the bucket for identity, creating it if needed. A new bucket
// starts full, or from seed when one is given and valid. The bucket is
// touched while the registry lock is held, so a concurrent Sweep can never
// evict a bucket that is being handed out.
func (r *Registry) Get(identity string, seed *core.Capacity) (*TokenBucket, bool, error) {
	if identity == "" {
		return nil, false, ErrMissingIdentity
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, false, ErrRegistryClosed
	}

	if b, ok := r.buckets[identity]; ok {
		b.Touch()
		return b, false, nil
	}

	b, err := NewTokenBucket(r.config)
	if err != nil {
		return nil, false, err
	}
	if seed != nil && seed.Validate() == nil {
		now := r.config.Clock.Now()
		// A stale or foreign seed only lowers precision, never correctness
		_ = b.SetState(seed.Maximum, seed.RefillRate, seed.Estimate(now))
	}

	r.buckets[identity] = b
	return b, true, nil
}

// Sweep removes idle buckets and returns how many were removed.
// Candidates are picked without holding the registry lock; each is
// re-checked under the lock, so a bucket that turned busy in between or
// was replaced is kept.
func (r *Registry) Sweep() int {
	removed := 0
	for identity, b := range r.idleCandidates() {
		if r.removeIfIdle(identity, b) {
			removed++
		}
	}
	return removed
}

// idleCandidates returns the buckets that look idle right now.
func (r *Registry) idleCandidates() map[string]*TokenBucket {
	r.mu.Lock()
	buckets := make(map[string]*TokenBucket, len(r.buckets))
	for identity, b := range r.buckets {
		buckets[identity] = b
	}
	r.mu.Unlock()

	for identity, b := range buckets {
		if !b.IsIdle() {
			delete(buckets, identity)
		}
	}
	return buckets
}

// removeIfIdle drops b if it is still the bucket for identity and still idle.
func (r *Registry) removeIfIdle(identity string, b *TokenBucket) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.buckets[identity]; !ok || current != b || !b.IsIdle() {
		return false
	}
	delete(r.buckets, identity)
	return true
}

// Len returns the number of buckets in the registry.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}

// IdentitySnapshot is a bucket snapshot labelled with its identity key.
type IdentitySnapshot struct {
	Identity string `json:"identity"`
	BucketSnapshot
}

// Snapshot returns a view of every bucket, sorted by identity. Identities
// are passed through redact so raw credentials can be kept out of output.
func (r *Registry) Snapshot(redact func(string) string) []IdentitySnapshot {
	r.mu.Lock()
	buckets := make(map[string]*TokenBucket, len(r.buckets))
	for identity, b := range r.buckets {
		buckets[identity] = b
	}
	r.mu.Unlock()

	out := make([]IdentitySnapshot, 0, len(buckets))
	for identity, b := range buckets {
		if redact != nil {
			identity = redact(identity)
		}
		out = append(out, IdentitySnapshot{Identity: identity, BucketSnapshot: b.Snapshot()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Close drops every bucket and rejects further Get calls. Waiters already
// queued keep their buckets until they are served or cancelled.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.buckets = make(map[string]*TokenBucket)
}

// StartBackgroundSweep starts a goroutine that sweeps idle buckets every
// interval of the registry's clock. Call the returned function to stop it.
func (r *Registry) StartBackgroundSweep(interval time.Duration, onSweep func(removed int)) func() {
	if interval <= 0 {
		return func() {}
	}

	clock := r.config.Clock
	done := make(chan struct{})
	var once sync.Once

	go func() {
		for {
			timer := clock.NewTimer(interval)
			select {
			case <-timer.C():
				removed := r.Sweep()
				if onSweep != nil {
					onSweep(removed)
				}
			case <-done:
				timer.Stop()
				return
			}
		}
	}()

	return func() {
		once.Do(func() { close(done) })
	}
}
