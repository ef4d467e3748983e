// Package store implements effects.StorageEffects over memory, SQL,
// Redis and object-storage backends, and persists journal snapshots
// through any of them.
package store

import (
	"context"
	"slices"
	"strings"

	"github.com/hxrts/aura/pkg/coreerr"
	"github.com/hxrts/aura/pkg/effects"
)

// Backend names a storage implementation.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendRedis    Backend = "redis"
	BackendS3       Backend = "s3"
	BackendGCS      Backend = "gcs"
)

// Config selects and configures a backend.
type Config struct {
	Backend Backend
	// DSN is the SQLite path, PostgreSQL connection string or Redis
	// address.
	DSN string
	// Bucket, Region, Endpoint and Prefix configure object storage.
	// Prefix is also the key namespace for Redis.
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// Store is a closable StorageEffects backend.
type Store interface {
	effects.StorageEffects
	Close() error
}

// Open creates the backend cfg names. An empty backend is Memory.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendSQLite:
		return OpenSQLite(ctx, cfg.DSN)
	case BackendPostgres:
		return OpenPostgres(ctx, cfg.DSN)
	case BackendRedis:
		return NewRedis(ctx, RedisConfig{Addr: cfg.DSN, Prefix: cfg.Prefix})
	case BackendS3:
		return NewS3(ctx, S3Config{Bucket: cfg.Bucket, Region: cfg.Region, Endpoint: cfg.Endpoint, Prefix: cfg.Prefix})
	case BackendGCS:
		return newGCSFromConfig(ctx, cfg)
	default:
		return nil, coreerr.New(coreerr.KindInvalid, "store.open", "unsupported storage backend %q", cfg.Backend)
	}
}

func checkKey(op, key string) error {
	if key == "" || strings.ContainsRune(key, 0) {
		return coreerr.New(coreerr.KindInvalid, op, "invalid storage key %q", key)
	}
	return nil
}

func notFound(op, key string) error {
	return coreerr.New(coreerr.KindNotFound, op, "no value stored under %q", key)
}

func backendErr(op string, err error, format string, args ...any) error {
	return coreerr.Wrap(coreerr.KindInternal, op, err, format, args...)
}

// sortedUnique sorts keys and drops repeats; SCAN may return a key twice.
func sortedUnique(keys []string) []string {
	slices.Sort(keys)
	return slices.Compact(keys)
}
