package capacity

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

//go:embed release.lua
var releaseLuaScript string

// RedisStore keeps ledger counters in redis so every gateway instance
// shares them.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	release   *redis.Script
	closeOnce sync.Once
}

// NewRedisStore wraps client. keyPrefix is prepended to every key.
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		release:   redis.NewScript(releaseLuaScript),
	}
}

func (s *RedisStore) Usage(ctx context.Context, key string) (Usage, error) {
	full := s.keyPrefix + key
	vals, err := s.client.MGet(ctx, requestsKey(full), tokensKey(full)).Result()
	if err != nil {
		return Usage{}, fmt.Errorf("read usage %s: %w", key, err)
	}
	requests, err := parseCounter(vals[0])
	if err != nil {
		return Usage{}, fmt.Errorf("read usage %s: %w", key, err)
	}
	tokens, err := parseCounter(vals[1])
	if err != nil {
		return Usage{}, fmt.Errorf("read usage %s: %w", key, err)
	}
	return Usage{Requests: requests, Tokens: tokens}, nil
}

func parseCounter(v any) (int64, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	}
	return 0, fmt.Errorf("unexpected counter value %T", v)
}

// Increment runs INCR, INCRBY and EXPIRE for every key in one transaction.
func (s *RedisStore) Increment(ctx context.Context, incs []Increment) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, inc := range incs {
			full := s.keyPrefix + inc.Key
			pipe.Incr(ctx, requestsKey(full))
			pipe.IncrBy(ctx, tokensKey(full), inc.Tokens)
			if inc.TTL > 0 {
				pipe.Expire(ctx, requestsKey(full), inc.TTL)
				pipe.Expire(ctx, tokensKey(full), inc.TTL)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("increment counters: %w", err)
	}
	return nil
}

func (s *RedisStore) ReleaseTokens(ctx context.Context, key string, delta int64) error {
	err := s.release.Run(ctx, s.client, []string{tokensKey(s.keyPrefix + key)}, delta).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release tokens %s: %w", key, err)
	}
	return nil
}

// Close closes the redis client. Safe to call multiple times.
func (s *RedisStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.client.Close()
	})
	return err
}
