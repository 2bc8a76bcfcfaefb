package costgate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/KanavDutta/costgate/core"
)

// Feedback is the capacity state a server reports after a call.
type Feedback struct {
	// RequestedCost is the cost the server charged up front for the call
	RequestedCost int

	// ActualCost is the cost actually consumed. It is nil when the call
	// never ran, e.g. because it was throttled.
	ActualCost *int

	Maximum    float64 // Reported bucket size
	Available  float64 // Reported tokens currently available
	RefillRate float64 // Reported tokens restored per second
}

// Outcome is what one attempt of an operation reports back.
type Outcome struct {
	Feedback  *Feedback // Capacity feedback, nil if none could be obtained
	Throttled bool      // Whether the server rejected the call for lack of budget
	Attempts  int       // Set by the executor: attempts made, including this one
}

// Operation performs one attempt of a call whose cost was admitted.
// A throttling rejection can be reported either as Outcome.Throttled or as
// an error wrapping *ThrottledError. In the latter case the error's
// Feedback is used, falling back to the returned Outcome's.
type Operation func(ctx context.Context, cost int) (Outcome, error)

// AttemptResult classifies a finished attempt for metrics.
type AttemptResult string

const (
	AttemptSucceeded AttemptResult = "succeeded"
	AttemptThrottled AttemptResult = "throttled"
	AttemptFailed    AttemptResult = "failed"
	AttemptCancelled AttemptResult = "cancelled"
)

// MetricsRecorder receives per-identity admission statistics.
// Identities are passed as fingerprints, never as raw credentials.
type MetricsRecorder interface {
	RecordAdmission(identity string, cost int, waited time.Duration)
	RecordAttempt(identity string, result AttemptResult)
}

// PeerStore shares reconciled capacity between processes that use the
// same credential. Implementations live in the store package.
type PeerStore interface {
	Get(ctx context.Context, identity string) (*core.Capacity, error)
	Set(ctx context.Context, identity string, capacity *core.Capacity) error
}

// Defaults used when no configuration overrides them.
const (
	DefaultMaximum         = 1000
	DefaultRefillRate      = 50
	DefaultUnknownCost     = 50
	DefaultSweepInterval   = 5 * time.Minute
	DefaultMaxAttempts     = 3
	DefaultThrottleBackoff = time.Second

	throttleLogInterval = 10 * time.Second
	peerStoreTimeout    = 250 * time.Millisecond
)

// Executor runs operations against per-identity token buckets: it waits for
// admission, runs the operation, merges the server's capacity feedback into
// the bucket and retries throttled calls.
type Executor struct {
	registry *Registry

	maximum         float64
	refillRate      float64
	unknownCost     int
	idleTimeout     time.Duration
	sweepInterval   time.Duration
	maxAttempts     int
	throttleBackoff time.Duration

	clock   Clock
	logger  logrus.FieldLogger
	metrics MetricsRecorder
	peers   PeerStore

	throttleLog rate.Sometimes

	sweepMu   sync.Mutex
	lastSweep time.Time
}

// NewExecutor creates an Executor with the given options.
// If no options are provided, it uses the defaults above.
//
// Example:
//
//	exec, err := NewExecutor(
//	    WithDefaults(1000, 50),
//	    WithMaxAttempts(3),
//	)
func NewExecutor(opts ...Option) (*Executor, error) {
	e := &Executor{
		maximum:         DefaultMaximum,
		refillRate:      DefaultRefillRate,
		unknownCost:     DefaultUnknownCost,
		idleTimeout:     DefaultIdleTimeout,
		sweepInterval:   DefaultSweepInterval,
		maxAttempts:     DefaultMaxAttempts,
		throttleBackoff: DefaultThrottleBackoff,
		clock:           SystemClock(),
		logger:          logrus.StandardLogger(),
		throttleLog:     rate.Sometimes{Interval: throttleLogInterval},
	}

	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	registry, err := NewRegistry(BucketConfig{
		Maximum:     e.maximum,
		RefillRate:  e.refillRate,
		IdleTimeout: e.idleTimeout,
		Clock:       e.clock,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}
	e.registry = registry
	e.lastSweep = e.clock.Now()

	return e, nil
}

// Run admits cost tokens for identity, runs op and reconciles the bucket
// with the feedback op reports, retrying throttled attempts up to the
// configured bound. A zero cost means unknown and uses the unknown-cost
// default; the server-reported cost replaces it for later attempts.
//
// Errors other than throttling are returned immediately; the admitted
// cost is not refunded since the server counted the attempt. When the last
// attempt is still throttled, its outcome is returned without an error.
func (e *Executor) Run(ctx context.Context, identity string, cost, priority int, op Operation) (Outcome, error) {
	if op == nil {
		return Outcome{}, fmt.Errorf("%w: operation cannot be nil", ErrInvalidConfig)
	}
	if cost == 0 {
		cost = e.unknownCost
	}

	bucket, err := e.bucket(ctx, identity)
	if err != nil {
		return Outcome{}, err
	}
	e.maybeSweep()

	fingerprint := Fingerprint(identity)
	log := e.logger.WithFields(logrus.Fields{
		"identity": fingerprint,
		"call_id":  uuid.NewString(),
		"priority": priority,
	})

	var outcome Outcome
	for attempt := 1; ; attempt++ {
		log := log.WithFields(logrus.Fields{"attempt": attempt, "cost": cost})

		start := e.clock.Now()
		if err := bucket.Admit(ctx, cost, priority); err != nil {
			if ctx.Err() != nil {
				log.WithError(err).Debug("admission cancelled")
				e.recordAttempt(fingerprint, AttemptCancelled)
			}
			outcome.Attempts = attempt - 1
			return outcome, err
		}
		waited := e.clock.Now().Sub(start)
		if e.metrics != nil {
			e.metrics.RecordAdmission(fingerprint, cost, waited)
		}
		log.WithField("waited", waited).Debug("admitted")

		outcome, err = op(ctx, cost)
		outcome.Attempts = attempt
		if err != nil {
			var throttled *ThrottledError
			if !errors.As(err, &throttled) || attempt >= e.maxAttempts {
				if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
					e.recordAttempt(fingerprint, AttemptCancelled)
				} else if errors.As(err, &throttled) {
					e.recordAttempt(fingerprint, AttemptThrottled)
				} else {
					e.recordAttempt(fingerprint, AttemptFailed)
				}
				return outcome, err
			}
			// The error's report wins; an outcome-only report is kept
			if throttled.Feedback != nil {
				outcome.Feedback = throttled.Feedback
			}
			outcome.Throttled = true
		}

		if outcome.Feedback != nil {
			cost = e.reconcile(ctx, log, identity, bucket, cost, outcome.Feedback)
		}

		if !outcome.Throttled {
			e.recordAttempt(fingerprint, AttemptSucceeded)
			return outcome, nil
		}
		e.recordAttempt(fingerprint, AttemptThrottled)
		if attempt >= e.maxAttempts {
			return outcome, nil
		}

		e.throttleLog.Do(func() {
			log.Warn("unexpected throttling, retrying")
		})
		if err := e.sleep(ctx, e.throttleBackoff); err != nil {
			e.recordAttempt(fingerprint, AttemptCancelled)
			return outcome, err
		}
	}
}

// bucket resolves the bucket for identity, seeding new buckets from the
// peer store when one is configured.
func (e *Executor) bucket(ctx context.Context, identity string) (*TokenBucket, error) {
	if identity == "" {
		return nil, ErrMissingIdentity
	}

	var seed *core.Capacity
	if _, ok := e.registry.Lookup(identity); !ok && e.peers != nil {
		pctx, cancel := context.WithTimeout(ctx, peerStoreTimeout)
		shared, err := e.peers.Get(pctx, identity)
		cancel()
		if err != nil {
			e.logger.WithError(err).WithField("identity", Fingerprint(identity)).Warn("failed to read shared capacity")
		}
		seed = shared
	}

	bucket, created, err := e.registry.Get(identity, seed)
	if err != nil {
		return nil, err
	}
	if created {
		e.logger.WithFields(logrus.Fields{
			"identity": Fingerprint(identity),
			"seeded":   seed != nil,
		}).Debug("created bucket")
	}
	return bucket, nil
}

// reconcile merges server feedback into the bucket and returns the cost to
// use for a retry.
func (e *Executor) reconcile(ctx context.Context, log logrus.FieldLogger, identity string, bucket *TokenBucket, cost int, fb *Feedback) int {
	actual := cost
	if fb.ActualCost != nil {
		actual = *fb.ActualCost
	}
	refund := float64(cost - actual)

	err := bucket.UpdateState(func(estimate float64) (float64, float64, float64) {
		return fb.Maximum, fb.RefillRate, ReconciledAvailable(estimate, refund, fb)
	})
	if err != nil {
		log.WithError(err).Warn("ignoring invalid capacity feedback")
	} else {
		log.WithFields(logrus.Fields{
			"refund":           refund,
			"server_available": fb.Available,
			"reconciled":       bucket.EstimatedAvailable(),
			"reported_maximum": fb.Maximum,
			"reported_restore": fb.RefillRate,
		}).Debug("reconciled capacity")
		e.publish(ctx, log, identity, bucket)
	}

	if fb.RequestedCost > 0 {
		return fb.RequestedCost
	}
	return cost
}

// ReconciledAvailable merges the server's view with the local estimate.
// The server does not know about calls this process fired since it
// answered, so the refund-adjusted local estimate caps it when tighter.
// The server's value is clamped because it has been observed to exceed
// the reported maximum.
func ReconciledAvailable(estimate, refund float64, fb *Feedback) float64 {
	server := core.Clamp(fb.Available, 0, fb.Maximum)
	local := core.Clamp(estimate+refund, 0, fb.Maximum)
	return math.Min(server, local)
}

func (e *Executor) publish(ctx context.Context, log logrus.FieldLogger, identity string, bucket *TokenBucket) {
	if e.peers == nil {
		return
	}
	state := bucket.State()
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), peerStoreTimeout)
	defer cancel()
	if err := e.peers.Set(pctx, identity, &state); err != nil {
		log.WithError(err).Warn("failed to share capacity")
	}
}

func (e *Executor) recordAttempt(identity string, result AttemptResult) {
	if e.metrics != nil {
		e.metrics.RecordAttempt(identity, result)
	}
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := e.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// maybeSweep evicts idle buckets at most once per sweep interval, off the
// caller's path.
func (e *Executor) maybeSweep() {
	now := e.clock.Now()

	e.sweepMu.Lock()
	if now.Sub(e.lastSweep) <= e.sweepInterval {
		e.sweepMu.Unlock()
		return
	}
	e.lastSweep = now
	e.sweepMu.Unlock()

	go func() {
		if removed := e.registry.Sweep(); removed > 0 {
			e.logger.WithField("removed", removed).Debug("evicted idle buckets")
		}
	}()
}

// Bucket returns the bucket currently held for identity, if any.
func (e *Executor) Bucket(identity string) (*TokenBucket, bool) {
	return e.registry.Lookup(identity)
}

// Registry exposes the executor's bucket registry.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Snapshot returns a view of every bucket with fingerprinted identities.
func (e *Executor) Snapshot() []IdentitySnapshot {
	return e.registry.Snapshot(Fingerprint)
}

// Sweep evicts idle buckets now and returns how many were removed.
func (e *Executor) Sweep() int {
	return e.registry.Sweep()
}

// StartBackgroundSweep sweeps idle buckets every interval until the
// returned function is called. It complements the opportunistic sweep
// done by Run for processes with long quiet periods.
func (e *Executor) StartBackgroundSweep(interval time.Duration) func() {
	return e.registry.StartBackgroundSweep(interval, func(removed int) {
		if removed > 0 {
			e.logger.WithField("removed", removed).Debug("evicted idle buckets")
		}
	})
}

// Close drops all buckets. Later calls to Run fail with ErrRegistryClosed.
func (e *Executor) Close() error {
	e.registry.Close()
	return nil
}

// Fingerprint returns a short, stable, non-reversible label for an
// identity, safe to log and export.
func Fingerprint(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:6])
}
