package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nagra-insight/pond/pkg/storage"
)

// StoreProfile is a named, file-based set of store settings, e.g. one per
// environment (local, staging, prod).
type StoreProfile struct {
	Name               string         `yaml:"name" json:"name"`
	Location           string         `yaml:"location,omitempty" json:"location,omitempty"`
	LockBackoff        string         `yaml:"lock_backoff,omitempty" json:"lock_backoff,omitempty"`
	StrictVersionNames bool           `yaml:"strict_version_names,omitempty" json:"strict_version_names,omitempty"`
	Storage            StorageProfile `yaml:"storage" json:"storage"`
}

// StorageProfile selects and configures a backend.
type StorageProfile struct {
	Type    string `yaml:"type" json:"type"` // "fs" | "memory" | "s3" | "gcs" | "redis" | "sqlite" | "postgres"
	DataDir string `yaml:"data_dir,omitempty" json:"data_dir,omitempty"`
	Bucket  string `yaml:"bucket,omitempty" json:"bucket,omitempty"` // s3 and gcs
	Region  string `yaml:"region,omitempty" json:"region,omitempty"`
	// Endpoint is a custom S3 endpoint (MinIO, LocalStack).
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Prefix   string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Addr     string `yaml:"addr,omitempty" json:"addr,omitempty"` // redis
	DB       int    `yaml:"db,omitempty" json:"db,omitempty"`
	DSN      string `yaml:"dsn,omitempty" json:"dsn,omitempty"` // sqlite and postgres
}

// LoadProfile loads a store profile YAML by name.
// It searches the profiles directory for profile_<name>.yaml.
func LoadProfile(profilesDir, name string) (*StoreProfile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}

	var profile StoreProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}

	if profile.Name == "" {
		profile.Name = name
	}

	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*StoreProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*StoreProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile StoreProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Name == "" {
			// profile_prod.yaml -> prod
			base := filepath.Base(path)
			profile.Name = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		profiles[profile.Name] = &profile
	}

	return profiles, nil
}

// Apply overrides c with every setting the profile defines.
func (p *StoreProfile) Apply(c *Config) error {
	if p.Location != "" {
		c.Location = p.Location
	}
	if p.LockBackoff != "" {
		d, err := time.ParseDuration(p.LockBackoff)
		if err != nil {
			return fmt.Errorf("profile %q: lock_backoff: %w", p.Name, err)
		}
		c.LockBackoff = d
	}
	if p.StrictVersionNames {
		c.StrictVersionNames = true
	}

	s := p.Storage
	if s.Type == "" {
		return nil
	}
	c.Storage.Type = storage.Type(s.Type)
	switch c.Storage.Type {
	case storage.TypeFS:
		c.Storage.DataDir = s.DataDir
	case storage.TypeS3:
		c.Storage.S3 = storage.S3Config{Bucket: s.Bucket, Region: s.Region, Endpoint: s.Endpoint, Prefix: s.Prefix}
	case storage.TypeGCS:
		c.Storage.GCS = storage.GCSConfig{Bucket: s.Bucket, Prefix: s.Prefix}
	case storage.TypeRedis:
		c.Storage.Redis = storage.RedisConfig{Addr: s.Addr, DB: s.DB, Prefix: s.Prefix, Password: c.Storage.Redis.Password}
	case storage.TypeSQLite, storage.TypePostgres:
		c.Storage.SQLDSN = s.DSN
		if s.DataDir != "" {
			c.Storage.DataDir = s.DataDir
		}
	case storage.TypeMemory:
	default:
		return fmt.Errorf("profile %q: unsupported storage type %q", p.Name, s.Type)
	}
	return nil
}
