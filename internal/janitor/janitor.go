package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-offers/internal/observability"
)

// ErrAlreadyRunning is returned when another sweep holds the lock.
var ErrAlreadyRunning = errors.New("janitor: sweep already running")

// Expirer closes claims that went stale before the cutoff.
type Expirer interface {
	ExpireStaleClaims(ctx context.Context, cutoff time.Time) (int, error)
}

// Locker guards a sweep across processes.
type Locker interface {
	Acquire(ctx context.Context) (release func(context.Context) error, err error)
}

// RedisLock is a SET NX PX lock whose release only deletes the key while it
// still holds this holder's token.
type RedisLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	return &RedisLock{client: client, key: key, ttl: ttl}
}

func (l *RedisLock) Acquire(ctx context.Context) (func(context.Context) error, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if !ok {
		return nil, ErrAlreadyRunning
	}
	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.client, []string{l.key}, token).Err()
	}, nil
}

// Janitor runs the stale claim sweep at most once at a time.
type Janitor struct {
	Expirer    Expirer
	Lock       Locker
	StaleAfter time.Duration
	Logger     *slog.Logger
	Now        func() time.Time

	mu sync.Mutex
}

func (j *Janitor) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}

// RunOnce performs one sweep and returns how many claims it expired.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	if !j.mu.TryLock() {
		return 0, ErrAlreadyRunning
	}
	defer j.mu.Unlock()

	if j.Lock != nil {
		release, err := j.Lock.Acquire(ctx)
		if err != nil {
			return 0, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				j.logger().Warn("janitor lock release failed", "error", err)
			}
		}()
	}

	now := time.Now
	if j.Now != nil {
		now = j.Now
	}
	cutoff := now().Add(-j.StaleAfter)
	n, err := j.Expirer.ExpireStaleClaims(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	observability.JanitorExpired.Add(float64(n))
	j.logger().Info("janitor sweep finished", "expired", n, "cutoff", cutoff)
	return n, nil
}

// Run sweeps immediately and then on every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := j.RunOnce(ctx); err != nil {
			if errors.Is(err, ErrAlreadyRunning) {
				j.logger().Info("janitor sweep skipped, another run holds the lock")
			} else if ctx.Err() == nil {
				j.logger().Error("janitor sweep failed", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
