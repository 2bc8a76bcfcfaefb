package costgate

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Option is a functional option for configuring an Executor.
type Option func(*Executor) error

// WithConfig applies every setting of config. Options given after it
// override individual settings.
func WithConfig(config *Config) Option {
	return func(e *Executor) error {
		if config == nil {
			return fmt.Errorf("%w: config cannot be nil", ErrInvalidConfig)
		}
		if err := config.Validate(); err != nil {
			return err
		}

		e.maximum = config.Defaults.Maximum
		e.refillRate = config.Defaults.RefillRate
		if config.Defaults.UnknownCost > 0 {
			e.unknownCost = config.Defaults.UnknownCost
		}
		if config.MaxAttempts > 0 {
			e.maxAttempts = config.MaxAttempts
		}
		e.idleTimeout = config.IdleTimeoutDuration()
		e.sweepInterval = config.SweepIntervalDuration()
		e.throttleBackoff = config.ThrottleBackoffDuration()
		return nil
	}
}

// WithConfigFile loads configuration from a YAML or TOML file.
func WithConfigFile(path string) Option {
	return func(e *Executor) error {
		config, err := LoadConfigFromFile(path)
		if err != nil {
			return err
		}
		return WithConfig(config)(e)
	}
}

// WithDefaults sets the bucket size and refill rate used until a server
// reports its own values.
func WithDefaults(maximum, refillRate float64) Option {
	return func(e *Executor) error {
		if !(maximum > 0) {
			return fmt.Errorf("%w: maximum must be positive", ErrInvalidConfig)
		}
		if !(refillRate > 0) {
			return fmt.Errorf("%w: refill rate must be positive", ErrInvalidConfig)
		}
		e.maximum = maximum
		e.refillRate = refillRate
		return nil
	}
}

// WithUnknownCost sets the cost charged when a caller passes zero.
func WithUnknownCost(cost int) Option {
	return func(e *Executor) error {
		if cost <= 0 {
			return fmt.Errorf("%w: unknown cost must be positive", ErrInvalidConfig)
		}
		e.unknownCost = cost
		return nil
	}
}

// WithIdleTimeout sets how long a full bucket stays untouched before it
// may be evicted.
func WithIdleTimeout(d time.Duration) Option {
	return func(e *Executor) error {
		if d <= 0 {
			return fmt.Errorf("%w: idle timeout must be positive", ErrInvalidConfig)
		}
		e.idleTimeout = d
		return nil
	}
}

// WithSweepInterval sets the minimum time between opportunistic sweeps.
// Default: 5 minutes
func WithSweepInterval(d time.Duration) Option {
	return func(e *Executor) error {
		if d < 0 {
			return fmt.Errorf("%w: sweep interval cannot be negative", ErrInvalidConfig)
		}
		e.sweepInterval = d
		return nil
	}
}

// WithMaxAttempts bounds the attempts per call, including the first.
func WithMaxAttempts(n int) Option {
	return func(e *Executor) error {
		if n < 1 {
			return fmt.Errorf("%w: max attempts must be at least 1", ErrInvalidConfig)
		}
		e.maxAttempts = n
		return nil
	}
}

// WithThrottleBackoff sets the pause before retrying a throttled call.
// Zero retries immediately.
func WithThrottleBackoff(d time.Duration) Option {
	return func(e *Executor) error {
		if d < 0 {
			return fmt.Errorf("%w: throttle backoff cannot be negative", ErrInvalidConfig)
		}
		e.throttleBackoff = d
		return nil
	}
}

// WithLogger sets the logger. Default: logrus.StandardLogger()
func WithLogger(logger logrus.FieldLogger) Option {
	return func(e *Executor) error {
		if logger == nil {
			return fmt.Errorf("%w: logger cannot be nil", ErrInvalidConfig)
		}
		e.logger = logger
		return nil
	}
}

// WithMetrics sets a recorder for admission and attempt statistics.
func WithMetrics(recorder MetricsRecorder) Option {
	return func(e *Executor) error {
		if recorder == nil {
			return fmt.Errorf("%w: metrics recorder cannot be nil", ErrInvalidConfig)
		}
		e.metrics = recorder
		return nil
	}
}

// WithPeerStore shares reconciled capacity through store, and seeds new
// buckets from it.
func WithPeerStore(store PeerStore) Option {
	return func(e *Executor) error {
		if store == nil {
			return fmt.Errorf("%w: peer store cannot be nil", ErrInvalidConfig)
		}
		e.peers = store
		return nil
	}
}

// WithClock replaces the time source. Intended for tests.
func WithClock(clock Clock) Option {
	return func(e *Executor) error {
		if clock == nil {
			return fmt.Errorf("%w: clock cannot be nil", ErrInvalidConfig)
		}
		e.clock = clock
		return nil
	}
}
