package locker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/c360studio/atelier/metrics"
)

const (
	defaultLockTTL    = 2 * time.Minute
	defaultRetryDelay = 50 * time.Millisecond
	defaultKeyPrefix  = "atelier:lock"
	releaseTimeout    = 5 * time.Second
)

// releaseScript deletes the key only while it still holds our token, so an
// expired lease never releases a lock someone else has since acquired.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript renews the lease only while the key still holds our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a single-instance Redis lock: SET NX PX with a random
// token, renewed every third of the lease while held and released by a
// token-checked delete.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	retry  time.Duration
	prefix string
	logger *slog.Logger
}

var _ Locker = (*RedisLocker)(nil)

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithTTL sets the lease duration. A live holder keeps renewing it; a holder
// that crashes releases the lock after this long.
func WithTTL(ttl time.Duration) RedisOption {
	return func(l *RedisLocker) {
		l.ttl = ttl
	}
}

// WithRetryDelay sets how often a blocked Lock polls.
func WithRetryDelay(d time.Duration) RedisOption {
	return func(l *RedisLocker) {
		l.retry = d
	}
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(l *RedisLocker) {
		l.prefix = prefix
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RedisOption {
	return func(l *RedisLocker) {
		l.logger = logger
	}
}

// NewRedisLocker creates a Redis-backed locker.
//
//	locker.NewRedisLocker(
//	    redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
//	    locker.WithTTL(time.Minute),
//	)
func NewRedisLocker(client redis.UniversalClient, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{
		client: client,
		ttl:    defaultLockTTL,
		retry:  defaultRetryDelay,
		prefix: defaultKeyPrefix,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock implements Locker.
func (l *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	redisKey := l.prefix + ":" + key
	token := uuid.NewString()
	contended := false

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
			}
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return l.hold(redisKey, token), nil
		}

		if !contended {
			contended = true
			metrics.RecordLockContention()
		}

		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
		case <-timer.C:
		}
	}
}

// hold starts lease renewal and returns the Unlock that stops it and
// releases the key.
func (l *RedisLocker) hold(redisKey, token string) Unlock {
	stop := make(chan struct{})
	done := make(chan struct{})
	go l.renew(redisKey, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			l.release(redisKey, token)
		})
	}
}

func (l *RedisLocker) renew(redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := l.ttl / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), interval)
		n, err := extendScript.Run(ctx, l.client, []string{redisKey}, token, l.ttl.Milliseconds()).Int()
		cancel()
		switch {
		case err != nil:
			l.logger.Warn("Failed to renew lock lease", "key", redisKey, "error", err)
		case n == 0:
			l.logger.Warn("Lock lease lost", "key", redisKey)
			return
		}
	}
}

func (l *RedisLocker) release(redisKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	n, err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Int()
	if err != nil {
		l.logger.Warn("Failed to release lock", "key", redisKey, "error", err)
		return
	}
	if n == 0 {
		l.logger.Warn("Lock expired before release", "key", redisKey)
	}
}
