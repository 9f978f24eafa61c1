package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cordum/hookbridge/core/infra/redisutil"
)

const (
	// DefaultRedisKeyPrefix namespaces claim keys inside a shared redis.
	DefaultRedisKeyPrefix = "hookbridge:claim:"
	redisOpTimeout        = 2 * time.Second
)

// RedisStore keeps claims as expiring redis keys shared by every replica.
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	ownsClient bool
}

// NewRedisStore connects to url.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	client, err := redisutil.Connect(ctx, url)
	if err != nil {
		return nil, err
	}
	s := NewRedisStoreFromClient(client, DefaultRedisKeyPrefix)
	s.ownsClient = true
	return s, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, errEmptyKey
	}
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	ok, err := s.client.SetNX(ctx, s.prefix+key, time.Now().UTC().Unix(), normalizeTTL(ttl)).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

// Close closes the client when the store created it.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil || !s.ownsClient {
		return nil
	}
	return s.client.Close()
}
