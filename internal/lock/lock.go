// Package lock serializes work on a named resource, either within one
// process or across processes through Redis.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Release gives a lock back. It is safe to call more than once.
type Release func(ctx context.Context) error

// Locker acquires exclusive locks by key, blocking until the lock is free or
// ctx is done.
type Locker interface {
	Acquire(ctx context.Context, key string) (Release, error)
}

// Options selects a Locker implementation.
type Options struct {
	Kind      string // "local" (default) or "redis"
	RedisAddr string
	TTL       time.Duration
}

// DefaultTTL bounds how long a crashed holder can keep a Redis lock.
const DefaultTTL = 30 * time.Second

// Open builds the Locker described by opts. The returned close function
// releases any client resources.
func Open(ctx context.Context, opts Options) (Locker, func() error, error) {
	switch opts.Kind {
	case "", "local":
		return NewLocal(), func() error { return nil }, nil
	case "redis":
		if opts.RedisAddr == "" {
			return nil, nil, errors.New("lock: redis_addr is required for the redis lock")
		}
		client := redis.NewClient(&redis.Options{Addr: opts.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("lock: redis ping %s: %w", opts.RedisAddr, err)
		}
		return NewRedis(client, opts.TTL), client.Close, nil
	}
	return nil, nil, fmt.Errorf("lock: unsupported kind %q", opts.Kind)
}

// Local is an in-process Locker.
type Local struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewLocal returns an empty in-process Locker.
func NewLocal() *Local {
	return &Local{slots: make(map[string]chan struct{})}
}

func (l *Local) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

// Acquire implements Locker.
func (l *Local) Acquire(ctx context.Context, key string) (Release, error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func(context.Context) error {
		once.Do(func() { <-ch })
		return nil
	}, nil
}

// Redis is a single-instance Redis lock: SET NX with a TTL and a random
// token, released only by the holder of that token.
type Redis struct {
	client redisClient
	ttl    time.Duration
	prefix string
	retry  time.Duration
}

// redisClient is the part of *redis.Client the lock uses.
type redisClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// NewRedis returns a Locker on client. ttl <= 0 uses DefaultTTL.
func NewRedis(client redisClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl, prefix: "recordstore:lock:", retry: 50 * time.Millisecond}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Acquire implements Locker.
func (r *Redis) Acquire(ctx context.Context, key string) (Release, error) {
	k := r.prefix + key
	token := uuid.NewString()
	for {
		ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			break
		}
		t := time.NewTimer(r.retry)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() {
			err = releaseScript.Run(ctx, r.client, []string{k}, token).Err()
		})
		if err != nil {
			return fmt.Errorf("unlock %s: %w", key, err)
		}
		return nil
	}, nil
}
