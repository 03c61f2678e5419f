package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-transferbridge/transfer/failure"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned when another transfer holds the destination name.
var ErrLocked = errors.New("destination is locked by another transfer")

// Locker guarantees a single active upload per destination name.
type Locker interface {
	// Acquire locks name or fails with ErrLocked. The returned func releases the lock.
	Acquire(ctx context.Context, name string) (release func(), err error)
}

// LocalLocker locks names within the process.
type LocalLocker struct {
	mu     sync.Mutex
	locked map[string]bool
}

// NewLocalLocker ...
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locked: map[string]bool{}}
}

// Acquire ...
func (l *LocalLocker) Acquire(_ context.Context, name string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.locked[name] {
		return nil, ErrLocked
	}
	l.locked[name] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.locked, name)
		})
	}, nil
}

const (
	defaultLockTTL   = 30 * time.Second
	redisLockTimeout = 5 * time.Second
)

const renewScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

// RedisLocker locks names across processes sharing a Redis server. The lock
// expires after TTL unless the watchdog renews it, so a crashed holder cannot
// block a name forever.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger log.Logger
}

// NewRedisLocker creates a locker storing keys as prefix+name.
func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration, logger log.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

// Acquire sets the lock key if it does not exist and renews it every TTL/3
// until released.
func (l *RedisLocker) Acquire(ctx context.Context, name string) (func(), error) {
	key := l.prefix + name
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}
	l.logger.Debugf("Lock acquired: %s", key)

	watchdogCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.watchdog(watchdogCtx, key, token)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			<-done

			releaseCtx, cancel := context.WithTimeout(context.Background(), redisLockTimeout)
			defer cancel()
			res, err := l.client.Eval(releaseCtx, releaseScript, []string{key}, token).Int()
			switch {
			case err != nil:
				l.logger.Warnf("Failed to release lock %s: %s", key, err)
			case res == 0:
				l.logger.Warnf("Lock %s expired before it was released", key)
			default:
				l.logger.Debugf("Lock released: %s", key)
			}
		})
	}, nil
}

func (l *RedisLocker) watchdog(ctx context.Context, key, token string) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := l.client.Eval(ctx, renewScript, []string{key}, token, l.ttl.Milliseconds()).Int()
			if ctx.Err() != nil {
				return
			}
			if err != nil || res == 0 {
				l.logger.Warnf("Failed to renew lock %s: %v", key, err)
				return
			}
		}
	}
}

func acquire(ctx context.Context, locker Locker, name string) (func(), error) {
	release, err := locker.Acquire(ctx, name)
	switch {
	case errors.Is(err, ErrLocked):
		return nil, failure.New(failure.DestinationBusy, "lock destination", fmt.Errorf("%s: %w", name, err))
	case err != nil:
		if ctx.Err() != nil {
			return nil, failure.New(failure.Cancelled, "lock destination", err)
		}
		return nil, failure.New(failure.DestinationBusy, "lock destination", err)
	}
	return release, nil
}
