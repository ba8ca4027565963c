package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const runLockPrefix = "allocation:lock:"

// releaseScriptSrc deletes the lock only when it still holds our token.
const releaseScriptSrc = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

var releaseScript = redis.NewScript(releaseScriptSrc)

// RedisRunLock serialises allocation runs per package across API replicas.
type RedisRunLock struct {
	client  redis.Cmdable
	ttl     time.Duration
	tokenFn func() string
}

// NewRedisRunLock constructs a Redis-backed run lock.
func NewRedisRunLock(client redis.Cmdable, ttl time.Duration) *RedisRunLock {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisRunLock{client: client, ttl: ttl, tokenFn: uuid.NewString}
}

// TryAcquire takes the lock for the package. It returns ok=false when another run holds it.
func (l *RedisRunLock) TryAcquire(ctx context.Context, packageID string) (func(context.Context) error, bool, error) {
	key := runLockPrefix + packageID
	token := l.tokenFn()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire run lock %s: %w", packageID, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		if err := releaseScript.Eval(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("release run lock %s: %w", packageID, err)
		}
		return nil
	}
	return release, true, nil
}

// MemoryRunLock serialises runs within a single process.
type MemoryRunLock struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewMemoryRunLock constructs an in-process run lock.
func NewMemoryRunLock() *MemoryRunLock {
	return &MemoryRunLock{active: make(map[string]struct{})}
}

// TryAcquire takes the lock for the package. It returns ok=false when another run holds it.
func (l *MemoryRunLock) TryAcquire(ctx context.Context, packageID string) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.active[packageID]; busy {
		return nil, false, nil
	}
	l.active[packageID] = struct{}{}
	var once sync.Once
	release := func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			delete(l.active, packageID)
			l.mu.Unlock()
		})
		return nil
	}
	return release, true, nil
}
