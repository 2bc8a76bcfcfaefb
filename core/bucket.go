package core

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrNonPositiveMaximum is returned when the bucket size is zero or negative
	ErrNonPositiveMaximum = errors.New("maximum must be greater than zero")

	// ErrNonPositiveRefillRate is returned when the refill rate is zero or negative
	ErrNonPositiveRefillRate = errors.New("refill rate must be greater than zero")

	// ErrAvailableOutOfRange is returned when available is outside [0, maximum]
	ErrAvailableOutOfRange = errors.New("available must be between zero and maximum")
)

// tolerance absorbs float rounding when a refill lands exactly on a cost.
const tolerance = 1e-9

// NewCapacity builds a validated checkpoint taken at now.
func NewCapacity(maximum, refillRate, available float64, now time.Time) (Capacity, error) {
	c := Capacity{
		Maximum:    maximum,
		RefillRate: refillRate,
		Available:  available,
		UpdatedAt:  now,
	}
	if err := c.Validate(); err != nil {
		return Capacity{}, err
	}
	return c, nil
}

// Validate checks the invariants of a checkpoint.
func (c Capacity) Validate() error {
	if !(c.Maximum > 0) {
		return fmt.Errorf("%w: got %v", ErrNonPositiveMaximum, c.Maximum)
	}
	if !(c.RefillRate > 0) {
		return fmt.Errorf("%w: got %v", ErrNonPositiveRefillRate, c.RefillRate)
	}
	if c.Available < 0 || c.Available > c.Maximum || math.IsNaN(c.Available) {
		return fmt.Errorf("%w: got %v, maximum %v", ErrAvailableOutOfRange, c.Available, c.Maximum)
	}
	return nil
}

// Estimate returns the tokens available at now, refilling lazily from the
// last checkpoint and saturating at Maximum.
func (c Capacity) Estimate(now time.Time) float64 {
	elapsed := now.Sub(c.UpdatedAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return Clamp(c.Available+elapsed*c.RefillRate, 0, c.Maximum)
}

// Full reports whether the bucket has refilled to Maximum at now.
func (c Capacity) Full(now time.Time) bool {
	return c.Estimate(now) >= c.Maximum
}

// WithAvailable returns a new checkpoint at now with the given availability,
// clamped to [0, Maximum].
func (c Capacity) WithAvailable(available float64, now time.Time) Capacity {
	c.Available = Clamp(available, 0, c.Maximum)
	c.UpdatedAt = now
	return c
}

// Take tries to consume cost tokens at now.
// It returns the updated checkpoint and the reservation result. When the
// cost does not fit, the checkpoint is returned unchanged.
func (c Capacity) Take(cost float64, now time.Time) (Capacity, Reservation) {
	available := c.Estimate(now)
	if available+tolerance >= cost {
		next := c.WithAvailable(available-cost, now)
		return next, Reservation{
			OK:        true,
			Remaining: next.Available,
		}
	}

	return c, Reservation{
		OK:        false,
		Remaining: available,
		Wait:      c.WaitFor(cost, now),
	}
}

// WaitFor returns how long until cost tokens are available, or 0 if they
// already are. The duration is rounded up so that waking after it never
// finds the bucket a fraction of a token short.
func (c Capacity) WaitFor(cost float64, now time.Time) time.Duration {
	needed := cost - c.Estimate(now)
	if needed <= tolerance {
		return 0
	}
	seconds := needed / c.RefillRate
	return time.Duration(math.Ceil(seconds * float64(time.Second)))
}

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}
