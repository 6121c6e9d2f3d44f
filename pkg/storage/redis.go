package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Backend on top of Redis string keys.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// RedisConfig holds configuration for RedisBackend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // Optional key prefix (e.g., "pond:")
}

// NewRedisBackend creates a backend connected to the configured server.
func NewRedisBackend(cfg RedisConfig) *RedisBackend {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisBackendFromClient(rdb, cfg.Prefix)
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(client *redis.Client, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

func (r *RedisBackend) key(p string) (string, error) {
	cleaned, err := CleanPath(p)
	if err != nil {
		return "", err
	}
	return r.prefix + cleaned, nil
}

func (r *RedisBackend) Read(ctx context.Context, p string) ([]byte, error) {
	key, err := r.key(p)
	if err != nil {
		return nil, err
	}
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, notFound(p)
		}
		return nil, fmt.Errorf("redis get failed for %s: %w", p, err)
	}
	return data, nil
}

func (r *RedisBackend) Write(ctx context.Context, p string, data []byte) error {
	key, err := r.key(p)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set failed for %s: %w", p, err)
	}
	return nil
}

// WriteExclusive uses SETNX.
func (r *RedisBackend) WriteExclusive(ctx context.Context, p string, data []byte) (bool, error) {
	key, err := r.key(p)
	if err != nil {
		return false, err
	}
	created, err := r.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed for %s: %w", p, err)
	}
	return created, nil
}

func (r *RedisBackend) Exists(ctx context.Context, p string) (bool, error) {
	key, err := r.key(p)
	if err != nil {
		return false, err
	}
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists failed for %s: %w", p, err)
	}
	if n > 0 {
		return true, nil
	}
	below, err := r.scan(ctx, key+"/", 1)
	if err != nil {
		return false, err
	}
	return len(below) > 0, nil
}

func (r *RedisBackend) Delete(ctx context.Context, p string, recursive bool) error {
	key, err := r.key(p)
	if err != nil {
		return err
	}
	keys := []string{key}
	if recursive {
		below, err := r.scan(ctx, key+"/", 0)
		if err != nil {
			return err
		}
		keys = append(keys, below...)
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del failed for %s: %w", p, err)
	}
	return nil
}

func (r *RedisBackend) List(ctx context.Context, prefix string) ([]string, error) {
	scanPrefix := r.prefix
	if prefix != "" {
		key, err := r.key(prefix)
		if err != nil {
			return nil, err
		}
		scanPrefix = key + "/"
	}
	keys, err := r.scan(ctx, scanPrefix, 0)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(keys))
	for _, k := range keys {
		paths = append(paths, strings.TrimPrefix(k, r.prefix))
	}
	sort.Strings(paths)
	return paths, nil
}

// scan returns keys starting with prefix. limit <= 0 means no limit.
func (r *RedisBackend) scan(ctx context.Context, prefix string, limit int) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, globEscape(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if limit > 0 && len(keys) >= limit {
			return keys, nil
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan failed for %s: %w", prefix, err)
	}
	return keys, nil
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func globEscape(s string) string { return globReplacer.Replace(s) }

// Close closes the underlying client.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
