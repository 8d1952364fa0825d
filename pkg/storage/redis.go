package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/redis/go-redis/v9"
)

const (
	redisScanCount      = 500
	redisConnectTries   = 5
	redisConnectBackoff = time.Second
)

// claimScript moves a field between two hashes only if it is still present
// in the first one. Redis runs scripts atomically.
var claimScript = redis.NewScript(`
if redis.call('HDEL', KEYS[1], ARGV[1]) == 1 then
  redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
  return 1
end
return 0
`)

// RedisOptions holds connection parameters
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// RedisStore implements Store with one Redis hash per mapping. The hash
// names match the mapping names, so existing deployments share data.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis, retrying while the server comes up
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	logger := log.WithComponent("storage")
	var err error
	for attempt := 1; attempt <= redisConnectTries; attempt++ {
		if err = client.Ping(ctx).Err(); err == nil {
			logger.Debug().Str("addr", opts.Addr).Int("db", opts.DB).Msg("Connected to redis")
			return &RedisStore{client: client}, nil
		}
		logger.Warn().Err(err).Int("attempt", attempt).Str("addr", opts.Addr).Msg("Redis not reachable, retrying")

		select {
		case <-ctx.Done():
			client.Close()
			return nil, ctx.Err()
		case <-time.After(redisConnectBackoff * time.Duration(attempt)):
		}
	}

	client.Close()
	return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Close closes the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Set(ctx context.Context, m Mapping, key, value string) error {
	return s.client.HSet(ctx, string(m), key, value).Err()
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, m Mapping, key, value string) (bool, error) {
	return s.client.HSetNX(ctx, string(m), key, value).Result()
}

func (s *RedisStore) Get(ctx context.Context, m Mapping, key string) (string, bool, error) {
	value, err := s.client.HGet(ctx, string(m), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Delete relies on HDEL returning the number of fields it removed; Redis
// executes commands one at a time so only one caller gets 1.
func (s *RedisStore) Delete(ctx context.Context, m Mapping, key string) (int64, error) {
	return s.client.HDel(ctx, string(m), key).Result()
}

func (s *RedisStore) Len(ctx context.Context, m Mapping) (int64, error) {
	return s.client.HLen(ctx, string(m)).Result()
}

func (s *RedisStore) GetAll(ctx context.Context, m Mapping) (map[string]string, error) {
	return s.client.HGetAll(ctx, string(m)).Result()
}

func (s *RedisStore) Keys(ctx context.Context, m Mapping) ([]string, error) {
	return s.client.HKeys(ctx, string(m)).Result()
}

// Scan walks the hash with HSCAN. An entry may be visited twice if the hash
// is rehashed during the scan.
func (s *RedisStore) Scan(ctx context.Context, m Mapping, fn func(key, value string) error) error {
	var cursor uint64
	for {
		pairs, next, err := s.client.HScan(ctx, string(m), cursor, "", redisScanCount).Result()
		if err != nil {
			return err
		}
		for i := 0; i+1 < len(pairs); i += 2 {
			if err := fn(pairs[i], pairs[i+1]); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (s *RedisStore) Sample(ctx context.Context, m Mapping, n int) (map[string]string, error) {
	if n <= 0 {
		return map[string]string{}, nil
	}

	kvs, err := s.client.HRandFieldWithValues(ctx, string(m), n).Result()
	if err != nil {
		return nil, err
	}
	sample := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		sample[kv.Key] = kv.Value
	}
	return sample, nil
}

func (s *RedisStore) Claim(ctx context.Context, key, worker string) (bool, error) {
	n, err := claimScript.Run(ctx, s.client, []string{string(Todo), string(InProgress)}, key, worker).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) Clear(ctx context.Context, m Mapping) error {
	return s.client.Del(ctx, string(m)).Err()
}
