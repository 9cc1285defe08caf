package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Cache is a small TTL key/value store
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
}

type memory struct {
	mu  sync.Mutex
	m   map[string]entry
	now func() time.Time
}

type entry struct {
	b   []byte
	exp time.Time
}

// NewMemory returns an in-process cache
func NewMemory() Cache { return newMemory(time.Now) }

func newMemory(now func() time.Time) *memory {
	return &memory{m: make(map[string]entry), now: now}
}

func (c *memory) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok || (!e.exp.IsZero() && c.now().After(e.exp)) {
		return nil, false
	}
	return e.b, true
}

func (c *memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := entry{b: append([]byte(nil), val...)}
	if ttl > 0 {
		e.exp = c.now().Add(ttl)
	}
	c.m[key] = e
}

// Redis adapter, shared across restarts and processes
type redisCache struct {
	r       *redis.Client
	timeout time.Duration
}

// NewRedis returns a cache backed by the Redis server at addr, given as
// host:port or as a redis:// URL
func NewRedis(addr string) (Cache, error) {
	opts, err := redisOptions(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid redis address: %w", err)
	}
	return &redisCache{r: redis.NewClient(opts), timeout: 500 * time.Millisecond}, nil
}

// New picks Redis when addr is set, memory otherwise
func New(addr string) (Cache, error) {
	if addr != "" {
		return NewRedis(addr)
	}
	return NewMemory(), nil
}

func redisOptions(addr string) (*redis.Options, error) {
	if strings.Contains(addr, "://") {
		return redis.ParseURL(addr)
	}
	return &redis.Options{Addr: addr}, nil
}

func (r *redisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	v, err := r.r.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return v, true
}

func (r *redisCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	_ = r.r.Set(ctx, key, val, ttl).Err()
}
