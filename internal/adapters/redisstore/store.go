// Package redisstore implements the durable side-store contract on a Redis
// list per key, so queued and in-flight envelopes survive process restarts.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store implements ports.DurableStore using Redis lists.
type Store struct {
	client *redis.Client
}

// New creates a store backed by a Redis connection.
func New(addr, password string, db int) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Store{client: rdb}
}

// NewFromClient wraps an existing client, for callers that manage pooling
// themselves.
func NewFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Push appends a value to the list stored at key.
func (s *Store) Push(ctx context.Context, key string, value []byte) error {
	if err := s.client.RPush(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("redis rpush %s: %w", key, err)
	}
	return nil
}

// List returns every value stored at key in insertion order.
func (s *Store) List(ctx context.Context, key string) ([][]byte, error) {
	values, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %s: %w", key, err)
	}
	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = []byte(v)
	}
	return out, nil
}

// Remove deletes every value at key for which match returns true.
// LREM removes by value equality, so matching values are resolved first.
func (s *Store) Remove(ctx context.Context, key string, match func(value []byte) bool) error {
	values, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("redis lrange %s: %w", key, err)
	}
	for _, v := range values {
		if !match([]byte(v)) {
			continue
		}
		if err := s.client.LRem(ctx, key, 0, v).Err(); err != nil {
			return fmt.Errorf("redis lrem %s: %w", key, err)
		}
	}
	return nil
}

// Expire sets the time-to-live of the whole key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("redis expire %s: %w", key, err)
	}
	return nil
}
