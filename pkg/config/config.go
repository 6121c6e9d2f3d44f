package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/nagra-insight/pond/pkg/storage"
)

// Config holds pond configuration.
type Config struct {
	Location           string // Root location of artifacts inside the backend
	LogLevel           string
	Author             string
	Source             string
	LockBackoff        time.Duration
	StrictVersionNames bool
	OTLPEndpoint       string // Telemetry is exported only when set
	Profile            string // Named store profile applied on top of the environment
	ProfilesDir        string
	Storage            storage.Config
}

// Load loads configuration from environment variables. A .env file in the
// working directory is read first when present; variables already set in
// the environment win over it.
func Load() *Config {
	_ = godotenv.Load()

	location := os.Getenv("POND_LOCATION")
	if location == "" {
		location = "pond"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	author := os.Getenv("POND_AUTHOR")
	if author == "" {
		author = os.Getenv("USER")
	}

	lockBackoff := time.Second
	if raw := os.Getenv("POND_LOCK_BACKOFF"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d >= 0 {
			lockBackoff = d
		} else {
			slog.Warn("ignoring invalid POND_LOCK_BACKOFF", "value", raw)
		}
	}

	profilesDir := os.Getenv("POND_PROFILES_DIR")
	if profilesDir == "" {
		profilesDir = "profiles"
	}

	redisDB, _ := strconv.Atoi(os.Getenv("POND_REDIS_DB"))

	return &Config{
		Location:           location,
		LogLevel:           logLevel,
		Author:             author,
		Source:             os.Getenv("POND_SOURCE"),
		LockBackoff:        lockBackoff,
		StrictVersionNames: os.Getenv("POND_STRICT_VERSION_NAMES") == "true",
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Profile:            os.Getenv("POND_PROFILE"),
		ProfilesDir:        profilesDir,
		Storage: storage.Config{
			Type:    storage.Type(os.Getenv("POND_STORAGE_TYPE")),
			DataDir: os.Getenv("DATA_DIR"),
			S3: storage.S3Config{
				Bucket:   os.Getenv("POND_S3_BUCKET"),
				Region:   os.Getenv("POND_S3_REGION"),
				Endpoint: os.Getenv("POND_S3_ENDPOINT"),
				Prefix:   os.Getenv("POND_S3_PREFIX"),
			},
			GCS: storage.GCSConfig{
				Bucket: os.Getenv("POND_GCS_BUCKET"),
				Prefix: os.Getenv("POND_GCS_PREFIX"),
			},
			Redis: storage.RedisConfig{
				Addr:     os.Getenv("POND_REDIS_ADDR"),
				Password: os.Getenv("POND_REDIS_PASSWORD"),
				DB:       redisDB,
				Prefix:   os.Getenv("POND_REDIS_PREFIX"),
			},
			SQLDSN: os.Getenv("POND_SQL_DSN"),
		},
	}
}

// SlogLevel maps LogLevel to a slog level. Unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
