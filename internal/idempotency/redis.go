package idempotency

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "idempotency:"

// RedisStore shares entries across every process pointed at the same Redis.
// Reserve relies on SET NX with an expiry, so exactly one caller fleet-wide
// can create a given key until it expires.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	normalized := strings.TrimSpace(prefix)
	if normalized == "" {
		normalized = defaultRedisPrefix
	}
	return &RedisStore{
		client: client,
		prefix: normalized,
	}
}

func (s *RedisStore) Reserve(ctx context.Context, key string, ttl time.Duration) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if err := validateTTL(ttl); err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.redisKey(key), placeholderPayload, ttl).Result()
	if err != nil {
		return unavailable("reserve", err)
	}
	if !ok {
		return ErrAlreadyReserved
	}
	return nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, response CachedResponse, ttl time.Duration) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if err := validateTTL(ttl); err != nil {
		return err
	}
	if err := validateResponse(response); err != nil {
		return err
	}
	raw, err := encodeEntry(response)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.redisKey(key), raw, ttl).Err(); err != nil {
		return unavailable("complete", err)
	}
	return nil
}

func (s *RedisStore) Lookup(ctx context.Context, key string) (Entry, bool, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return Entry{}, false, err
	}
	raw, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, unavailable("lookup", err)
	}
	entry, err := decodeEntry(raw)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + key
}

var _ Store = (*RedisStore)(nil)
