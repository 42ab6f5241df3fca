package notifications

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDedupWindow is how long a repeated credential_invalid notification
// for the same provider is suppressed.
const DefaultDedupWindow = time.Hour

// Deduplicator decides whether a keyed notification was already sent by
// this or another instance.
type Deduplicator interface {
	// ShouldSend returns true for the first call per key within the window.
	ShouldSend(ctx context.Context, key string) bool
	// Clear forgets every key starting with prefix.
	Clear(ctx context.Context, prefix string)
}

type InMemoryDeduplicator struct {
	mu     sync.Mutex
	sent   map[string]time.Time
	window time.Duration
}

func NewInMemoryDeduplicator(window time.Duration) *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		sent:   make(map[string]time.Time),
		window: window,
	}
}

func (d *InMemoryDeduplicator) ShouldSend(ctx context.Context, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if at, ok := d.sent[key]; ok && now.Sub(at) < d.window {
		return false
	}
	d.sent[key] = now
	return true
}

func (d *InMemoryDeduplicator) Clear(ctx context.Context, prefix string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key := range d.sent {
		if strings.HasPrefix(key, prefix) {
			delete(d.sent, key)
		}
	}
}

// RedisDeduplicator shares dedup state across instances with SETNX.
// Redis errors fail open.
type RedisDeduplicator struct {
	client *redis.Client
	window time.Duration
}

func NewRedisDeduplicator(redisURL string, window time.Duration) (*RedisDeduplicator, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisDeduplicator{client: client, window: window}, nil
}

func NewRedisDeduplicatorWithClient(client *redis.Client, window time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{client: client, window: window}
}

func (d *RedisDeduplicator) redisKey(key string) string {
	return "chatgw:notify:" + key
}

func (d *RedisDeduplicator) ShouldSend(ctx context.Context, key string) bool {
	acquired, err := d.client.SetNX(ctx, d.redisKey(key), time.Now().Unix(), d.window).Result()
	if err != nil {
		return true
	}
	return acquired
}

func (d *RedisDeduplicator) Clear(ctx context.Context, prefix string) {
	iter := d.client.Scan(ctx, 0, d.redisKey(prefix)+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if iter.Err() != nil || len(keys) == 0 {
		return
	}
	d.client.Del(ctx, keys...)
}

func (d *RedisDeduplicator) Close() error {
	return d.client.Close()
}

// Deduplicated suppresses repeats of credential_invalid notifications per
// provider. A credentials_changed notification resets the window, so a key
// that is replaced and still invalid is reported again.
type Deduplicated struct {
	next  Notifier
	dedup Deduplicator
}

func NewDeduplicated(next Notifier, dedup Deduplicator) *Deduplicated {
	return &Deduplicated{next: next, dedup: dedup}
}

func (d *Deduplicated) Send(ctx context.Context, notification Notification) error {
	switch notification.Type {
	case NotificationCredentialInvalid:
		provider, _ := notification.Data["provider"].(string)
		if !d.dedup.ShouldSend(ctx, string(NotificationCredentialInvalid)+":"+provider) {
			return nil
		}
	case NotificationCredentialsChanged:
		d.dedup.Clear(ctx, string(NotificationCredentialInvalid)+":")
	}
	return d.next.Send(ctx, notification)
}
