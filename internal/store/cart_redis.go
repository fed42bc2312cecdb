package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"relivre/pkg/domain"
)

// RedisCartBackend persists the cart as one JSON value under a fixed key.
type RedisCartBackend struct {
	client *redis.Client
	key    string
}

// NewRedisCartBackend builds a Redis-backed cart backend for one key.
func NewRedisCartBackend(client *redis.Client, key string) *RedisCartBackend {
	return &RedisCartBackend{client: client, key: key}
}

func (b *RedisCartBackend) Load() ([]domain.CartItem, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, err := b.client.Get(ctx, b.key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var items []domain.CartItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (b *RedisCartBackend) Save(items []domain.CartItem) error {
	data, err := json.Marshal(items)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return b.client.Set(ctx, b.key, data, 0).Err()
}

func (b *RedisCartBackend) Clear() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := b.client.Del(ctx, b.key).Err(); err != nil && err != redis.Nil {
		return err
	}
	return nil
}
