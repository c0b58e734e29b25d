package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Lua scripts keep the owner check and the mutation in one atomic step.
var (
	renewScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	// Acquire succeeds when the key is free or when the caller already
	// owns it (re-acquire refreshes the expiry).
	acquireScript = redis.NewScript(`
		local current = redis.call("get", KEYS[1])
		if current == false or current == ARGV[1] then
			redis.call("set", KEYS[1], ARGV[1], "px", ARGV[2])
			return 1
		else
			return 0
		end
	`)
)

// Redis implements Lease on a single Redis key. Expiry is delegated to
// the key TTL, so a crashed holder's lease heals itself.
type Redis struct {
	client *redis.Client
	key    string
	logger *zap.Logger
}

// NewRedis creates a lease on the key "bookwatch:lock:<name>".
func NewRedis(client *redis.Client, name string, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client: client,
		key:    "bookwatch:lock:" + name,
		logger: logger,
	}
}

var _ Lease = (*Redis)(nil)

func (l *Redis) Acquire(ctx context.Context, owner string, ttl time.Duration) error {
	ok, err := acquireScript.Run(ctx, l.client, []string{l.key}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	if ok == 0 {
		return ErrAlreadyHeld
	}
	l.logger.Debug("lock acquired", zap.String("key", l.key), zap.String("owner", owner))
	return nil
}

func (l *Redis) Renew(ctx context.Context, owner string, ttl time.Duration) error {
	ok, err := renewScript.Run(ctx, l.client, []string{l.key}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("renew lock %s: %w", l.key, err)
	}
	if ok == 0 {
		return ErrNotHeld
	}
	return nil
}

func (l *Redis) Release(ctx context.Context, owner string) error {
	deleted, err := releaseScript.Run(ctx, l.client, []string{l.key}, owner).Int64()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	if deleted == 0 {
		// Lease expired or was taken over; nothing to release.
		l.logger.Debug("release on stale lock", zap.String("key", l.key), zap.String("owner", owner))
	}
	return nil
}

func (l *Redis) Held(ctx context.Context, owner string) (bool, error) {
	current, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check lock %s: %w", l.key, err)
	}
	return current == owner, nil
}
