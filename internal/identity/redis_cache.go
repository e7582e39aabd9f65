// Package identity caches resolved subject->user mappings so repeat requests
// skip the users upsert. The cache is an optimization only: a miss or a
// Redis outage falls through to the database.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"trove/api/internal/store"
)

type cachedUser struct {
	ID          string `json:"id"`
	Subject     string `json:"subject"`
	DisplayName string `json:"display_name"`
}

type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewCache(redisURL string, ttl time.Duration) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewCacheWithClient(client, ttl), nil
}

func NewCacheWithClient(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, prefix: "identity:", ttl: ttl}
}

func (c *Cache) key(subject string) string {
	return c.prefix + subject
}

// Get returns the cached user for subject; found is false on a miss.
func (c *Cache) Get(ctx context.Context, subject string) (store.User, bool, error) {
	raw, err := c.client.Get(ctx, c.key(subject)).Result()
	if err == redis.Nil {
		return store.User{}, false, nil
	}
	if err != nil {
		return store.User{}, false, fmt.Errorf("lookup identity: %w", err)
	}

	var cached cachedUser
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		return store.User{}, false, fmt.Errorf("unmarshal identity: %w", err)
	}
	return store.User{
		ID:          cached.ID,
		Subject:     cached.Subject,
		DisplayName: cached.DisplayName,
	}, true, nil
}

func (c *Cache) Put(ctx context.Context, subject string, user store.User) error {
	raw, err := json.Marshal(cachedUser{
		ID:          user.ID,
		Subject:     user.Subject,
		DisplayName: user.DisplayName,
	})
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	if err := c.client.Set(ctx, c.key(subject), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache identity: %w", err)
	}
	return nil
}

func (c *Cache) Close() error {
	return c.client.Close()
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
