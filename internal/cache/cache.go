// Package cache stores generated titles keyed by model, key and prompt so a
// repeated first message does not cost another upstream call.
// It supports in-memory (single instance) and Redis (shared) backends.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Cache defines the interface for title caching backends.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, title string, ttl time.Duration) error
}

// Key hashes the provider, upstream model, caller credential, title flag and
// prompt. A cached title is only served back to the key that generated it.
func Key(desc domain.ModelDescriptor, apiKey string, isTitle bool, prompt string) string {
	data, _ := json.Marshal(struct {
		Provider   domain.Provider `json:"provider"`
		Model      string          `json:"model"`
		Credential string          `json:"credential"`
		IsTitle    bool            `json:"is_title"`
		Prompt     string          `json:"prompt"`
	}{
		Provider:   desc.Provider,
		Model:      desc.UpstreamModelID,
		Credential: apiKey,
		IsTitle:    isTitle,
		Prompt:     prompt,
	})

	hash := sha256.Sum256(data)
	return "chatgw:title:" + hex.EncodeToString(hash[:])
}

type InMemoryCache struct {
	mu    sync.RWMutex
	items map[string]cacheItem
	stop  chan struct{}
	once  sync.Once
}

type cacheItem struct {
	title     string
	expiresAt time.Time
}

func NewInMemoryCache() *InMemoryCache {
	c := &InMemoryCache{
		items: make(map[string]cacheItem),
		stop:  make(chan struct{}),
	}
	go c.cleanup()
	return c
}

func (c *InMemoryCache) Get(ctx context.Context, key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[key]
	if !ok || time.Now().After(item.expiresAt) {
		return "", false
	}

	return item.title, true
}

func (c *InMemoryCache) Set(ctx context.Context, key, title string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = cacheItem{
		title:     title,
		expiresAt: time.Now().Add(ttl),
	}

	return nil
}

// Close stops the background sweeper.
func (c *InMemoryCache) Close() error {
	c.once.Do(func() { close(c.stop) })
	return nil
}

func (c *InMemoryCache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for key, item := range c.items {
				if now.After(item.expiresAt) {
					delete(c.items, key)
				}
			}
			c.mu.Unlock()
		}
	}
}

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisCache{client: client}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool) {
	title, err := c.client.Get(ctx, key).Result()
	if err != nil {
		return "", false
	}
	return title, true
}

func (c *RedisCache) Set(ctx context.Context, key, title string, ttl time.Duration) error {
	return c.client.Set(ctx, key, title, ttl).Err()
}

// Ping reports whether Redis is reachable.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
