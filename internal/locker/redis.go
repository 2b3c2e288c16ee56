// Package locker implements ledger.Locker over Redis so several balanced
// processes serialize work on the same student.
package locker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/tutorbalance/pkg/ledger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix    = "balanced:lock:"
	defaultTTL          = 10 * time.Second
	defaultPollInterval = 25 * time.Millisecond
	releaseTimeout      = 2 * time.Second
)

var errInvalidLockerConfig = errors.New("invalid locker config")

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config tunes a RedisLocker.
type Config struct {
	KeyPrefix    string
	TTL          time.Duration
	PollInterval time.Duration
}

// RedisLocker is a SET NX PX lock with token-checked release. A holder that
// outlives TTL loses the lock, so TTL must exceed the longest critical section.
type RedisLocker struct {
	client       redis.UniversalClient
	keyPrefix    string
	ttl          time.Duration
	pollInterval time.Duration
}

// New returns a RedisLocker using client.
func New(client redis.UniversalClient, cfg Config) (*RedisLocker, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is nil", errInvalidLockerConfig)
	}
	if cfg.TTL < 0 || cfg.PollInterval < 0 {
		return nil, fmt.Errorf("%w: durations must not be negative", errInvalidLockerConfig)
	}
	locker := &RedisLocker{
		client:       client,
		keyPrefix:    strings.TrimSpace(cfg.KeyPrefix),
		ttl:          cfg.TTL,
		pollInterval: cfg.PollInterval,
	}
	if locker.keyPrefix == "" {
		locker.keyPrefix = defaultKeyPrefix
	}
	if locker.ttl == 0 {
		locker.ttl = defaultTTL
	}
	if locker.pollInterval == 0 {
		locker.pollInterval = defaultPollInterval
	}
	return locker, nil
}

// Lock polls until key is acquired or ctx ends.
func (locker *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := locker.keyPrefix + key
	token := uuid.NewString()
	ticker := time.NewTicker(locker.pollInterval)
	defer ticker.Stop()
	for {
		acquired, err := locker.client.SetNX(ctx, redisKey, token, locker.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ledger.ErrLockUnavailable, key, err)
		}
		if acquired {
			return locker.releaser(redisKey, token), nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ledger.ErrLockUnavailable, key, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (locker *RedisLocker) releaser(redisKey string, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			_ = releaseScript.Run(ctx, locker.client, []string{redisKey}, token).Err()
		})
	}
}
