package chunkstore

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config defines a dataset session's configuration.
type Config struct {
	// Path is the SQLite database file for the default persistent store.
	// Ignored when Backend or S3 is set.
	Path string `yaml:"path"`

	// SQLite holds settings for the default persistent store.
	SQLite SQLiteStoreConfig `yaml:"sqlite"`

	// S3 switches persistence to an S3 (or S3-compatible) bucket so the
	// ingested dataset can be shared across machines. If nil, SQLite is used.
	S3 *S3StoreConfig `yaml:"s3"`

	// Backend overrides the store entirely. Takes precedence over SQLite/S3.
	Backend Store `yaml:"-"`

	// Ingest configures the ingest pipeline.
	Ingest IngestConfig `yaml:"ingest"`

	// DisableCompression turns off snappy compression of persisted chunk
	// payloads.
	DisableCompression bool `yaml:"disable_compression"`

	// Encryption configures encryption at rest for chunk payloads.
	// If nil or Enabled is false, chunks are stored unencrypted.
	Encryption *EncryptionConfig `yaml:"encryption"`
}

// DefaultConfig returns a configuration persisting to the given SQLite path.
func DefaultConfig(path string) Config {
	return Config{
		Path:   path,
		SQLite: DefaultSQLiteStoreConfig(path),
		Ingest: IngestConfig{BatchSize: 5},
	}
}

func (c *Config) normalize() {
	if c.SQLite.Path == "" {
		c.SQLite.Path = c.Path
	}
	if c.Ingest.BatchSize <= 0 {
		c.Ingest.BatchSize = 5
	}
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}
