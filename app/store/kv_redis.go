package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/redis/go-redis/v9"
)

// RedisKV keeps entries in redis under a common key prefix. Set uses a single MSET.
type RedisKV struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisKV connects to redis at url (redis://...) and checks the connection
func NewRedisKV(ctx context.Context, url, prefix string) (*RedisKV, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		if closeErr := rdb.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping redis: %w (also failed to close client: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	log.Printf("[INFO] connected to redis %s, prefix %q", opt.Addr, prefix)
	return &RedisKV{rdb: rdb, prefix: prefix}, nil
}

// Get returns value stored under key
func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.rdb.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return v, nil
}

// Set writes all entries atomically
func (r *RedisKV) Set(ctx context.Context, entries map[string][]byte) error {
	pairs := make([]any, 0, len(entries)*2)
	for k, v := range entries {
		pairs = append(pairs, r.prefix+k, v)
	}
	if err := r.rdb.MSet(ctx, pairs...).Err(); err != nil {
		return fmt.Errorf("failed to set %d entries: %w", len(entries), err)
	}
	return nil
}

// Close closes redis client
func (r *RedisKV) Close() error {
	return r.rdb.Close()
}
