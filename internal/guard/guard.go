// Package guard provides short-lived named locks used to reject a second
// submit of a publication while the first is still branching.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrHeld = errors.New("guard is held")

type Guard interface {
	// Acquire takes the named guard or fails with ErrHeld. The returned
	// release func is safe to call more than once.
	Acquire(ctx context.Context, name string) (release func(), err error)
}

// RedisGuard holds guards as Redis keys with a TTL, so a crashed holder frees
// the guard once the TTL runs out.
type RedisGuard struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func NewRedisGuard(redisURL string, ttl time.Duration) (*RedisGuard, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisGuardWithClient(client, ttl), nil
}

func NewRedisGuardWithClient(client *redis.Client, ttl time.Duration) *RedisGuard {
	return &RedisGuard{client: client, prefix: "guard:", ttl: ttl}
}

func (g *RedisGuard) key(name string) string {
	return g.prefix + name
}

func (g *RedisGuard) Acquire(ctx context.Context, name string) (func(), error) {
	token := uuid.NewString()
	ok, err := g.client.SetNX(ctx, g.key(name), token, g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire guard %s: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrHeld)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, g.client, []string{g.key(name)}, token).Err()
		})
	}, nil
}

func (g *RedisGuard) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

func (g *RedisGuard) Close() error {
	return g.client.Close()
}

// LocalGuard keeps guards in process memory for single-instance deployments
// and tests.
type LocalGuard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalGuard() *LocalGuard {
	return &LocalGuard{held: make(map[string]struct{})}
}

func (g *LocalGuard) Acquire(ctx context.Context, name string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.held[name]; ok {
		return nil, fmt.Errorf("%s: %w", name, ErrHeld)
	}
	g.held[name] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.held, name)
			g.mu.Unlock()
		})
	}, nil
}
