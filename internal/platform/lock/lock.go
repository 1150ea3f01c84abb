package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrAcquireTimeout is returned when a scope lock could not be obtained before the
// acquisition deadline.
var ErrAcquireTimeout = errors.New("lock: acquire timeout")

// Locker hands out exclusive leases on string keys.
type Locker interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}

// Lease is a held lock. Release must be called on every exit path.
type Lease interface {
	Key() string
	Release(ctx context.Context) error
}

// RedisConfig tunes the redis-backed locker.
type RedisConfig struct {
	TTL            time.Duration
	AcquireTimeout time.Duration
	RetryInterval  time.Duration
	Logger         *slog.Logger
}

// RedisLocker serialises scopes across worker processes through redis.
type RedisLocker struct {
	client *redislock.Client
	cfg    RedisConfig
}

// NewRedisLocker constructs a RedisLocker on top of the shared client.
func NewRedisLocker(client redis.UniversalClient, cfg RedisConfig) *RedisLocker {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 2 * time.Minute
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RedisLocker{client: redislock.New(client), cfg: cfg}
}

// Acquire blocks until the key is free or the acquisition timeout elapses. The
// lease keeps its TTL refreshed until released.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	if l == nil || l.client == nil {
		return nil, errors.New("lock: redis locker not initialised")
	}
	acquireCtx, cancel := context.WithTimeout(ctx, l.cfg.AcquireTimeout)
	defer cancel()
	held, err := l.client.Obtain(acquireCtx, key, l.cfg.TTL, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(l.cfg.RetryInterval),
	})
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%w: %s", ErrAcquireTimeout, key)
		}
		return nil, fmt.Errorf("lock: obtain %s: %w", key, err)
	}
	lease := &redisLease{
		lock:   held,
		key:    key,
		ttl:    l.cfg.TTL,
		logger: l.cfg.Logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go lease.keepAlive()
	return lease, nil
}

type redisLease struct {
	lock   *redislock.Lock
	key    string
	ttl    time.Duration
	logger *slog.Logger
	once   sync.Once
	stop   chan struct{}
	done   chan struct{}
}

func (l *redisLease) Key() string { return l.key }

func (l *redisLease) keepAlive() {
	defer close(l.done)
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			err := l.lock.Refresh(ctx, l.ttl, nil)
			cancel()
			if err != nil {
				l.logger.Warn("scope lock refresh", slog.String("key", l.key), slog.Any("error", err))
			}
		}
	}
}

// Release stops the refresher and deletes the key. Releasing twice is a no-op.
func (l *redisLease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		if releaseErr := l.lock.Release(ctx); releaseErr != nil && !errors.Is(releaseErr, redislock.ErrLockNotHeld) {
			err = fmt.Errorf("lock: release %s: %w", l.key, releaseErr)
		}
	})
	return err
}

// LocalLocker serialises scopes inside a single process.
type LocalLocker struct {
	mu             sync.Mutex
	slots          map[string]*localSlot
	acquireTimeout time.Duration
}

type localSlot struct {
	ch      chan struct{}
	waiters int
}

// NewLocalLocker constructs an in-process locker. A zero timeout waits until the
// caller's context is done.
func NewLocalLocker(acquireTimeout time.Duration) *LocalLocker {
	return &LocalLocker{slots: make(map[string]*localSlot), acquireTimeout: acquireTimeout}
}

// Acquire blocks on the key's slot without spinning.
func (l *LocalLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &localSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.waiters++
	l.mu.Unlock()

	waitCtx := ctx
	if l.acquireTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.acquireTimeout)
		defer cancel()
	}
	select {
	case slot.ch <- struct{}{}:
		return &localLease{owner: l, key: key}, nil
	case <-waitCtx.Done():
		l.forget(key)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s", ErrAcquireTimeout, key)
	}
}

func (l *LocalLocker) forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[key]
	if !ok {
		return
	}
	slot.waiters--
	if slot.waiters == 0 {
		delete(l.slots, key)
	}
}

type localLease struct {
	owner *LocalLocker
	key   string
	once  sync.Once
}

func (l *localLease) Key() string { return l.key }

func (l *localLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.owner.mu.Lock()
		slot := l.owner.slots[l.key]
		l.owner.mu.Unlock()
		if slot != nil {
			<-slot.ch
		}
		l.owner.forget(l.key)
	})
	return nil
}

// Do runs fn while holding key. The lease is released even when fn fails or the
// caller's context has been cancelled.
func Do(ctx context.Context, locker Locker, key string, fn func(context.Context) error) (err error) {
	if locker == nil {
		return errors.New("lock: locker not configured")
	}
	lease, err := locker.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if releaseErr := lease.Release(releaseCtx); releaseErr != nil && err == nil {
			err = releaseErr
		}
	}()
	return fn(ctx)
}
