package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisList stores each list as a redis LIST.
type RedisList struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisList creates a list store for addr without contacting the server.
// go-redis dials lazily and reconnects on its own.
func NewRedisList(addr string, db int, prefix string) *RedisList {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DB:          db,
		DialTimeout: 2 * time.Second,
		MaxRetries:  1,
	})
	return &RedisList{rdb: rdb, prefix: prefix}
}

// OpenRedis connects to addr and verifies the connection.
func OpenRedis(ctx context.Context, addr string, db int, prefix string) (*RedisList, error) {
	r := NewRedisList(addr, db, prefix)
	if err := r.Ping(ctx); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// Ping checks the server is reachable.
func (r *RedisList) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func (r *RedisList) key(k string) string {
	return r.prefix + k
}

// Load implements the persistent list contract.
func (r *RedisList) Load(ctx context.Context, key string) ([]string, error) {
	vals, err := r.rdb.LRange(ctx, r.key(key), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis LRANGE %s: %w", key, err)
	}
	return vals, nil
}

// Save replaces the list atomically.
func (r *RedisList) Save(ctx context.Context, key string, values []string) error {
	k := r.key(key)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, k)
		if len(values) > 0 {
			args := make([]interface{}, len(values))
			for i, v := range values {
				args[i] = v
			}
			pipe.RPush(ctx, k, args...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis replace %s: %w", key, err)
	}
	return nil
}

// Close closes the client.
func (r *RedisList) Close() error {
	return r.rdb.Close()
}
