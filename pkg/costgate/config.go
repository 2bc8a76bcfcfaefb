package costgate

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	pkgerrors "github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds the scheduler configuration.
type Config struct {
	// Defaults describe a bucket until the server reports its real state
	Defaults BucketDefaults `yaml:"defaults" toml:"defaults"`

	// IdleTimeout is how long a full bucket stays untouched before it may be
	// evicted. Format: "5m", "30s"
	IdleTimeout string `yaml:"idle_timeout,omitempty" toml:"idle_timeout"`

	// SweepInterval is the minimum time between two idle sweeps
	SweepInterval string `yaml:"sweep_interval,omitempty" toml:"sweep_interval"`

	// MaxAttempts bounds attempts per call, including the first one
	MaxAttempts int `yaml:"max_attempts,omitempty" toml:"max_attempts"`

	// ThrottleBackoff is the pause before retrying a throttled call
	ThrottleBackoff string `yaml:"throttle_backoff,omitempty" toml:"throttle_backoff"`

	// PeerStore optionally shares capacity between processes
	PeerStore PeerStoreConfig `yaml:"peer_store,omitempty" toml:"peer_store"`
}

// BucketDefaults defines the initial bucket parameters.
type BucketDefaults struct {
	// Maximum is the bucket size
	Maximum float64 `yaml:"maximum" toml:"maximum"`

	// RefillRate is the number of tokens restored per second
	RefillRate float64 `yaml:"refill_rate" toml:"refill_rate"`

	// UnknownCost is charged for calls whose cost is not known up front
	UnknownCost int `yaml:"unknown_cost,omitempty" toml:"unknown_cost"`
}

// PeerStoreConfig points at a Redis server used to share capacity.
// An empty Addr disables sharing.
type PeerStoreConfig struct {
	Addr      string `yaml:"addr,omitempty" toml:"addr"`
	Password  string `yaml:"password,omitempty" toml:"password"`
	DB        int    `yaml:"db,omitempty" toml:"db"`
	KeyPrefix string `yaml:"key_prefix,omitempty" toml:"key_prefix"`
}

// NewConfig creates a new Config with the defaults of a Shopify-style
// GraphQL budget: 1000 points restored at 50 per second.
func NewConfig() *Config {
	return &Config{
		Defaults: BucketDefaults{
			Maximum:     DefaultMaximum,
			RefillRate:  DefaultRefillRate,
			UnknownCost: DefaultUnknownCost,
		},
		IdleTimeout:     DefaultIdleTimeout.String(),
		SweepInterval:   DefaultSweepInterval.String(),
		MaxAttempts:     DefaultMaxAttempts,
		ThrottleBackoff: DefaultThrottleBackoff.String(),
	}
}

// LoadConfigFromFile loads configuration from a YAML or TOML file, chosen
// by extension. Unset fields take their defaults.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, pkgerrors.Wrap(err, "failed to read config file"))
	}

	config := NewConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, pkgerrors.Wrapf(err, "failed to parse TOML %s", path))
		}
	default:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, pkgerrors.Wrapf(err, "failed to parse YAML %s", path))
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := c.Defaults.Validate(); err != nil {
		return fmt.Errorf("%w: invalid defaults: %v", ErrInvalidConfig, err)
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("%w: max_attempts cannot be negative", ErrInvalidConfig)
	}
	for name, value := range map[string]string{
		"idle_timeout":     c.IdleTimeout,
		"sweep_interval":   c.SweepInterval,
		"throttle_backoff": c.ThrottleBackoff,
	} {
		if _, err := parseDuration(value); err != nil {
			return fmt.Errorf("%w: invalid %s: %v", ErrInvalidConfig, name, err)
		}
	}
	return nil
}

// Validate checks if BucketDefaults are valid.
func (d *BucketDefaults) Validate() error {
	if !(d.Maximum > 0) {
		return fmt.Errorf("maximum must be positive, got %v", d.Maximum)
	}
	if !(d.RefillRate > 0) {
		return fmt.Errorf("refill_rate must be positive, got %v", d.RefillRate)
	}
	if d.UnknownCost < 0 {
		return fmt.Errorf("unknown_cost cannot be negative, got %d", d.UnknownCost)
	}
	if float64(d.UnknownCost) > d.Maximum {
		return fmt.Errorf("unknown_cost %d exceeds maximum %v", d.UnknownCost, d.Maximum)
	}
	return nil
}

// IdleTimeoutDuration returns the parsed idle timeout, or the default if unset.
func (c *Config) IdleTimeoutDuration() time.Duration {
	return durationOr(c.IdleTimeout, DefaultIdleTimeout)
}

// SweepIntervalDuration returns the parsed sweep interval, or the default if unset.
func (c *Config) SweepIntervalDuration() time.Duration {
	return durationOr(c.SweepInterval, DefaultSweepInterval)
}

// ThrottleBackoffDuration returns the parsed backoff. "0" disables the pause.
func (c *Config) ThrottleBackoffDuration() time.Duration {
	if strings.TrimSpace(c.ThrottleBackoff) == "0" {
		return 0
	}
	return durationOr(c.ThrottleBackoff, DefaultThrottleBackoff)
}

func parseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" || value == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration cannot be negative: %s", value)
	}
	return d, nil
}

func durationOr(value string, def time.Duration) time.Duration {
	d, err := parseDuration(value)
	if err != nil || d == 0 {
		return def
	}
	return d
}
