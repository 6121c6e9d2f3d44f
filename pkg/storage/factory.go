package storage

import (
	"context"
	"fmt"
	"path/filepath"
)

// Type represents the type of storage backend.
type Type string

const (
	TypeFS       Type = "fs"
	TypeMemory   Type = "memory"
	TypeS3       Type = "s3"
	TypeGCS      Type = "gcs"
	TypeRedis    Type = "redis"
	TypeSQLite   Type = "sqlite"
	TypePostgres Type = "postgres"
)

// GCSConfig holds configuration for GCSBackend.
type GCSConfig struct {
	Bucket string
	Prefix string // Optional key prefix
}

// Config selects and configures a backend.
type Config struct {
	Type    Type
	DataDir string // Base directory for the filesystem backend
	S3      S3Config
	GCS     GCSConfig
	Redis   RedisConfig
	SQLDSN  string // DSN for the sqlite and postgres backends
}

// New creates the backend described by cfg. An empty type means "fs".
func New(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Type {
	case TypeFS, "":
		dataDir := cfg.DataDir
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileBackend(dataDir)
	case TypeMemory:
		return NewMemoryBackend(), nil
	case TypeS3:
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("POND_S3_BUCKET is required for S3 storage")
		}
		if cfg.S3.Region == "" {
			cfg.S3.Region = "us-east-1"
		}
		return NewS3Backend(ctx, cfg.S3)
	case TypeGCS:
		if cfg.GCS.Bucket == "" {
			return nil, fmt.Errorf("POND_GCS_BUCKET is required for GCS storage")
		}
		return newGCSBackend(ctx, cfg.GCS)
	case TypeRedis:
		if cfg.Redis.Addr == "" {
			return nil, fmt.Errorf("POND_REDIS_ADDR is required for Redis storage")
		}
		return NewRedisBackend(cfg.Redis), nil
	case TypeSQLite:
		dsn := cfg.SQLDSN
		if dsn == "" {
			dataDir := cfg.DataDir
			if dataDir == "" {
				dataDir = "data"
			}
			dsn = filepath.Join(dataDir, "pond.db")
		}
		return OpenSQLBackend(ctx, DialectSQLite, dsn)
	case TypePostgres:
		if cfg.SQLDSN == "" {
			return nil, fmt.Errorf("POND_SQL_DSN is required for Postgres storage")
		}
		return OpenSQLBackend(ctx, DialectPostgres, cfg.SQLDSN)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
