package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the key only while it still carries our token, so a holder whose
// TTL expired cannot release a lock that someone else took since
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a TTL lock shared by every instance using the same Redis
type RedisLocker struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	logger *zap.SugaredLogger

	mu    sync.Mutex
	token string
}

// NewRedisClient creates the Redis client shared by the lock and the Redis pusher
func NewRedisClient(addr, password string, db, poolSize int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})
}

// NewRedisLocker creates a locker on key. The lock expires after ttl if never released.
func NewRedisLocker(client *redis.Client, key string, ttl time.Duration, logger *zap.SugaredLogger) *RedisLocker {
	return &RedisLocker{client: client, key: key, ttl: ttl, logger: logger}
}

// TryLock sets the key with NX and the TTL
func (l *RedisLocker) TryLock(ctx context.Context) (bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire redis lock %s: %w", l.key, err)
	}
	if !ok {
		l.logger.Debugw("Redis lock held elsewhere", "key", l.key)
		return false, nil
	}

	l.mu.Lock()
	l.token = token
	l.mu.Unlock()
	return true, nil
}

// Unlock deletes the key if it still holds this locker's token
func (l *RedisLocker) Unlock(ctx context.Context) error {
	l.mu.Lock()
	token := l.token
	l.token = ""
	l.mu.Unlock()

	if token == "" {
		return ErrNotHeld
	}
	deleted, err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Int()
	if err != nil {
		return fmt.Errorf("failed to release redis lock %s: %w", l.key, err)
	}
	if deleted == 0 {
		l.logger.Warnw("Redis lock expired before release", "key", l.key, "ttl", l.ttl)
		return ErrNotHeld
	}
	return nil
}
