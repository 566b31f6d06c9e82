package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/therealutkarshpriyadarshi/abrstream/pkg/models"
)

// releaseScript deletes a lock only if it still holds the caller's token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends a lock's expiry only if it still holds the caller's token
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Cache provides caching functionality using Redis
type Cache struct {
	client *redis.Client
}

// NewCache creates a new cache instance
func NewCache(host string, port int, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// Packaging Status Operations

func statusKey(id models.VideoID) string {
	return fmt.Sprintf("packaging:status:%s", id)
}

// SetStatus caches the packaging status of a video
func (c *Cache) SetStatus(ctx context.Context, record *models.PackagingRecord, ttl time.Duration) error {
	return c.SetWithJSON(ctx, statusKey(record.VideoID), record, ttl)
}

// GetStatus retrieves the packaging status of a video, nil on a cache miss
func (c *Cache) GetStatus(ctx context.Context, id models.VideoID) (*models.PackagingRecord, error) {
	var record models.PackagingRecord
	found, err := c.GetWithJSON(ctx, statusKey(id), &record)
	if err != nil || !found {
		return nil, err
	}
	return &record, nil
}

// StatusMirror publishes coordinator status transitions to Redis so every
// instance can answer status queries
type StatusMirror struct {
	cache *Cache
	ttl   time.Duration
}

// NewStatusMirror creates a status mirror with the given key TTL
func NewStatusMirror(cache *Cache, ttl time.Duration) *StatusMirror {
	return &StatusMirror{cache: cache, ttl: ttl}
}

// RecordStatus stores one status transition
func (m *StatusMirror) RecordStatus(ctx context.Context, record models.PackagingRecord) error {
	return m.cache.SetStatus(ctx, &record, m.ttl)
}

// Locking Operations for Distributed Systems

func lockKey(resource string) string {
	return fmt.Sprintf("lock:%s", resource)
}

// AcquireLock attempts to acquire a distributed lock held under token
func (c *Cache) AcquireLock(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, lockKey(resource), token, ttl).Result()
}

// ReleaseLock releases a distributed lock if token still owns it
func (c *Cache) ReleaseLock(ctx context.Context, resource, token string) error {
	return releaseScript.Run(ctx, c.client, []string{lockKey(resource)}, token).Err()
}

// RenewLock extends a held lock to ttl, reporting false once token lost it
func (c *Cache) RenewLock(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, c.client, []string{lockKey(resource)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Lock serializes packaging of one video across processes
type Lock struct {
	cache *Cache
	ttl   time.Duration
	poll  time.Duration
}

// NewLock creates a cross-process lock. ttl bounds how long a crashed
// holder can block others; poll is the retry interval while waiting.
func NewLock(cache *Cache, ttl, poll time.Duration) *Lock {
	if poll <= 0 {
		poll = time.Second
	}
	return &Lock{cache: cache, ttl: ttl, poll: poll}
}

// Acquire blocks until the lock for key is held or ctx ends
func (l *Lock) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.New().String()
	resource := "packaging:" + key

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ok, err := l.cache.AcquireLock(ctx, resource, token, l.ttl)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire packaging lock: %w", err)
		}
		if ok {
			return l.hold(resource, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// hold keeps the lease alive until the returned release func runs. A holder
// may run longer than ttl, so the key is re-armed every ttl/3.
func (l *Lock) hold(resource, token string) func() {
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(renewInterval(l.ttl))
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				held, err := l.cache.RenewLock(ctx, resource, token, l.ttl)
				cancel()
				if err == nil && !held {
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = l.cache.ReleaseLock(ctx, resource, token)
		})
	}
}

func renewInterval(ttl time.Duration) time.Duration {
	if d := ttl / 3; d > 0 {
		return d
	}
	return time.Millisecond
}

// SetWithJSON sets a value with JSON marshaling
func (c *Cache) SetWithJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return c.client.Set(ctx, key, data, ttl).Err()
}

// GetWithJSON gets a value with JSON unmarshaling, reporting whether the key was present
func (c *Cache) GetWithJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil // Cache miss
		}
		return false, fmt.Errorf("failed to get value from cache: %w", err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal value: %w", err)
	}

	return true, nil
}

// Ping checks the Redis connection
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
