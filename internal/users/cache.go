package users

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProfileCache keeps profiles keyed by identity provider uid for the auth middleware.
type ProfileCache interface {
	Get(ctx context.Context, userID string) (User, bool, error)
	Set(ctx context.Context, user User) error
	Invalidate(ctx context.Context, userID string) error
}

type memoryCache struct {
	entries sync.Map
}

// NewMemoryCache returns a process-local ProfileCache.
func NewMemoryCache() ProfileCache {
	return &memoryCache{}
}

func (c *memoryCache) Get(_ context.Context, userID string) (User, bool, error) {
	cached, ok := c.entries.Load(userID)
	if !ok {
		return User{}, false, nil
	}
	user, ok := cached.(User)
	return user, ok, nil
}

func (c *memoryCache) Set(_ context.Context, user User) error {
	c.entries.Store(user.UserID, user)
	return nil
}

func (c *memoryCache) Invalidate(_ context.Context, userID string) error {
	c.entries.Delete(userID)
	return nil
}

const redisKeyPrefix = "windsayl:profile:"

// RedisCache shares profiles between API replicas.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) (*RedisCache, error) {
	if client == nil {
		return nil, errors.New("users: redis client required")
	}
	if ttl <= 0 {
		return nil, errors.New("users: redis cache ttl must be positive")
	}
	return &RedisCache{client: client, ttl: ttl}, nil
}

func (c *RedisCache) Get(ctx context.Context, userID string) (User, bool, error) {
	payload, err := c.client.Get(ctx, redisKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, err
	}
	var user User
	if err := json.Unmarshal(payload, &user); err != nil {
		return User{}, false, err
	}
	return user, true, nil
}

func (c *RedisCache) Set(ctx context.Context, user User) error {
	payload, err := json.Marshal(user)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, redisKey(user.UserID), payload, c.ttl).Err()
}

func (c *RedisCache) Invalidate(ctx context.Context, userID string) error {
	return c.client.Del(ctx, redisKey(userID)).Err()
}

func redisKey(userID string) string {
	return redisKeyPrefix + userID
}
