package costgate

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidCost is returned when a requested cost is zero or negative
	ErrInvalidCost = errors.New("request cost must be greater than zero")

	// ErrCostExceedsMaximum is returned when a requested cost can never fit in the bucket
	ErrCostExceedsMaximum = errors.New("request cost is larger than bucket maximum")

	// ErrInvalidCapacity is returned when capacity parameters are out of range
	ErrInvalidCapacity = errors.New("invalid capacity state")

	// ErrMissingIdentity is returned when no identity (credential) is available to pick a bucket
	ErrMissingIdentity = errors.New("identity cannot be empty")

	// ErrRegistryClosed is returned when the executor was closed
	ErrRegistryClosed = errors.New("registry closed")
)

// ThrottledError reports that the upstream rejected a call because the
// budget was exhausted. The executor retries it while attempts remain.
type ThrottledError struct {
	// Feedback is the capacity state reported with the rejection, if any
	Feedback *Feedback

	// Err is the underlying domain error
	Err error
}

func (e *ThrottledError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("throttled: %v", e.Err)
	}
	return "throttled"
}

func (e *ThrottledError) Unwrap() error {
	return e.Err
}

// IsThrottled reports whether err carries a ThrottledError.
func IsThrottled(err error) bool {
	var te *ThrottledError
	return errors.As(err, &te)
}

// IsConfigError reports whether err is one of the non-retryable
// configuration errors.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrInvalidCost) ||
		errors.Is(err, ErrCostExceedsMaximum) ||
		errors.Is(err, ErrInvalidCapacity) ||
		errors.Is(err, ErrMissingIdentity)
}
