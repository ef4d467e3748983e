package store

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key, e.g. "aura:alice:".
	Prefix string
}

// Redis is a Store over plain Redis strings.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, backendErr("store.redis.open", err, "ping %s", cfg.Addr)
	}
	return NewRedisFromClient(client, cfg.Prefix), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Store(ctx context.Context, key string, value []byte) error {
	if err := checkKey("store.redis.store", key); err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.prefix+key, value, 0).Err(); err != nil {
		return backendErr("store.redis.store", err, "set %q", key)
	}
	return nil
}

func (r *Redis) Load(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound("store.redis.load", key)
	}
	if err != nil {
		return nil, backendErr("store.redis.load", err, "get %q", key)
	}
	return v, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return backendErr("store.redis.delete", err, "del %q", key)
	}
	return nil
}

// List scans for keys under prefix. Redis gives no order guarantee; the
// result is sorted.
func (r *Redis) List(ctx context.Context, prefix string) ([]string, error) {
	pattern := globEscape(r.prefix+prefix) + "*"
	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), r.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, backendErr("store.redis.list", err, "scan %q", prefix)
	}
	return sortedUnique(keys), nil
}

func (r *Redis) Close() error { return r.client.Close() }

func globEscape(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\', '^':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
