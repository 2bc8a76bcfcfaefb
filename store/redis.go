package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/KanavDutta/costgate/core"
)

// DefaultKeyPrefix namespaces snapshot keys in Redis.
const DefaultKeyPrefix = "costgate"

// RedisStore provides Redis-backed sharing of capacity snapshots.
// Keys are derived from a hash of the identity, so credentials never reach
// Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration // How long a snapshot stays useful
}

// Ensure RedisStore implements Store interface
var _ Store = (*RedisStore)(nil)

// RedisConfig for creating a Redis store
type RedisConfig struct {
	Addr      string        // Redis address (e.g., "localhost:6379")
	Password  string        // Redis password (empty for no auth)
	DB        int           // Redis database number
	KeyPrefix string        // Key namespace (default: "costgate")
	TTL       time.Duration // TTL for snapshots (default: 5 minutes, the bucket idle window)
}

// NewRedisStore creates a new Redis-backed store
func NewRedisStore(config RedisConfig) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ttl := config.TTL
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Key returns the Redis key used for identity.
func (s *RedisStore) Key(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return s.prefix + ":" + hex.EncodeToString(sum[:])
}

// Get retrieves the snapshot for identity, or nil if none is stored
func (s *RedisStore) Get(ctx context.Context, identity string) (*core.Capacity, error) {
	val, err := s.client.Get(ctx, s.Key(identity)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis get capacity")
	}

	var capacity core.Capacity
	if err := json.Unmarshal(val, &capacity); err != nil {
		return nil, errors.Wrapf(err, "decode capacity at %s", s.Key(identity))
	}
	return &capacity, nil
}

// Set stores the snapshot for identity
func (s *RedisStore) Set(ctx context.Context, identity string, capacity *core.Capacity) error {
	if capacity == nil {
		return s.Delete(ctx, identity)
	}

	data, err := json.Marshal(capacity)
	if err != nil {
		return errors.Wrap(err, "encode capacity")
	}

	if err := s.client.Set(ctx, s.Key(identity), data, s.ttl).Err(); err != nil {
		return errors.Wrap(err, "redis set capacity")
	}
	return nil
}

// Delete removes the snapshot for identity
func (s *RedisStore) Delete(ctx context.Context, identity string) error {
	if err := s.client.Del(ctx, s.Key(identity)).Err(); err != nil {
		return errors.Wrap(err, "redis delete capacity")
	}
	return nil
}

// Clear removes all snapshot keys under the store's prefix
func (s *RedisStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+":*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return errors.Wrap(err, "redis clear")
		}
	}
	return errors.Wrap(iter.Err(), "redis scan")
}

// Ping checks if Redis connection is alive
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}
