// Package config provides the configuration of the geo inventory tools.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/bcdev/geo-inventory-sub000/internal/coverage"
	inverrors "github.com/bcdev/geo-inventory-sub000/internal/errors"
	"github.com/bcdev/geo-inventory-sub000/internal/store"
)

// Storage types for the attic.
const (
	AtticLocal = "local"
	AtticS3    = "s3"
)

// Config holds the configuration of one index.
type Config struct {
	// IndexDir holds the generation files and the inbox.
	IndexDir string `json:"index_dir" yaml:"index_dir"`

	// Name is the base name of the generation files <name>.a and <name>.b.
	Name string `json:"name" yaml:"name"`

	// InboxPrefix is the file name prefix of pending delta sources.
	InboxPrefix string `json:"inbox_prefix" yaml:"inbox_prefix"`

	// CoverageLevel is the subdivision level of polygon coverages (0-14).
	CoverageLevel int `json:"coverage_level" yaml:"coverage_level"`

	// BlockSize is the number of entries per payload block.
	BlockSize int `json:"block_size" yaml:"block_size"`

	// Query configuration
	Query QueryConfig `json:"query" yaml:"query"`

	// Attic configuration
	Attic AtticConfig `json:"attic" yaml:"attic"`
}

// QueryConfig holds solver settings.
type QueryConfig struct {
	// UseIndex enables the coverage pre-filter.
	UseIndex bool `json:"use_index" yaml:"use_index"`

	// IndexOnly skips the exact geometry check (debugging only).
	IndexOnly bool `json:"index_only" yaml:"index_only"`

	// Strict makes queries against a missing index fail.
	Strict bool `json:"strict" yaml:"strict"`

	// MaxResults caps the result count; 0 is unlimited.
	MaxResults int `json:"max_results" yaml:"max_results"`
}

// AtticConfig holds the archive backend configuration.
type AtticConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Dir is the local attic directory, relative to IndexDir unless absolute.
	Dir string `json:"dir" yaml:"dir"`

	// Compress writes archives zstd compressed.
	Compress bool `json:"compress" yaml:"compress"`

	// TTLDays is how long archives are kept; 0 keeps them forever.
	TTLDays int `json:"ttl_days" yaml:"ttl_days"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Prefix is prepended to archive object names
	Prefix string `json:"prefix" yaml:"prefix"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		IndexDir:      ".",
		Name:          "geo-index",
		CoverageLevel: 10,
		BlockSize:     store.DefaultBlockSize,
		Query: QueryConfig{
			UseIndex: true,
		},
		Attic: AtticConfig{
			Type:     AtticLocal,
			Dir:      "attic",
			Compress: true,
		},
	}
}

// Resolve fills in values derived from other settings.
func (c *Config) Resolve() {
	if c.IndexDir == "" {
		c.IndexDir = "."
	}
	if c.Name == "" {
		c.Name = "geo-index"
	}
	if c.InboxPrefix == "" {
		c.InboxPrefix = c.Name + ".inbox-"
	}
	if c.Attic.Dir == "" {
		c.Attic.Dir = "attic"
	}
	if !filepath.IsAbs(c.Attic.Dir) {
		c.Attic.Dir = filepath.Join(c.IndexDir, c.Attic.Dir)
	}
	if c.BlockSize <= 0 {
		c.BlockSize = store.DefaultBlockSize
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.IndexDir == "" {
		return invalid("index_dir is required")
	}
	if c.Name == "" || strings.ContainsAny(c.Name, `/\`) {
		return invalid(fmt.Sprintf("invalid index name %q", c.Name))
	}
	if strings.ContainsAny(c.InboxPrefix, `/\`) {
		return invalid(fmt.Sprintf("invalid inbox prefix %q", c.InboxPrefix))
	}
	if err := coverage.CheckLevel(c.CoverageLevel); err != nil {
		return invalid(err.Error())
	}
	if c.BlockSize <= 0 {
		return invalid(fmt.Sprintf("block_size must be positive, got %d", c.BlockSize))
	}
	if c.Query.MaxResults < 0 {
		return invalid(fmt.Sprintf("query.max_results must not be negative, got %d", c.Query.MaxResults))
	}
	if c.Attic.TTLDays < 0 {
		return invalid(fmt.Sprintf("attic.ttl_days must not be negative, got %d", c.Attic.TTLDays))
	}
	if c.Attic.Type != AtticLocal && c.Attic.Type != AtticS3 {
		return invalid(fmt.Sprintf("invalid attic type: %s (must be local or s3)", c.Attic.Type))
	}
	if c.Attic.Type == AtticS3 && c.Attic.S3.Bucket == "" {
		return invalid("attic.s3.bucket is required when attic type is s3")
	}
	return nil
}

func invalid(msg string) error {
	return inverrors.NewConfigurationError(inverrors.CodeInvalidConfig, "config: "+msg)
}

// SlotPath returns the path of generation slot "a" or "b".
func (c *Config) SlotPath(slot string) string {
	return filepath.Join(c.IndexDir, c.Name+"."+slot)
}

// StagingPath returns the path used while a new generation is written.
func (c *Config) StagingPath() string {
	return filepath.Join(c.IndexDir, c.Name+".tmp")
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the GEOINV_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("GEOINV_INDEX_DIR"); v != "" {
		cfg.IndexDir = v
	}
	if v := os.Getenv("GEOINV_NAME"); v != "" {
		cfg.Name = v
	}
	if v := os.Getenv("GEOINV_INBOX_PREFIX"); v != "" {
		cfg.InboxPrefix = v
	}
	if v := os.Getenv("GEOINV_COVERAGE_LEVEL"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.CoverageLevel)
	}
	if v := os.Getenv("GEOINV_BLOCK_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.BlockSize)
	}

	// Query configuration
	if v := os.Getenv("GEOINV_QUERY_USE_INDEX"); v != "" {
		cfg.Query.UseIndex = parseBool(v)
	}
	if v := os.Getenv("GEOINV_QUERY_INDEX_ONLY"); v != "" {
		cfg.Query.IndexOnly = parseBool(v)
	}
	if v := os.Getenv("GEOINV_QUERY_STRICT"); v != "" {
		cfg.Query.Strict = parseBool(v)
	}
	if v := os.Getenv("GEOINV_QUERY_MAX_RESULTS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Query.MaxResults)
	}

	// Attic configuration
	if v := os.Getenv("GEOINV_ATTIC_TYPE"); v != "" {
		cfg.Attic.Type = v
	}
	if v := os.Getenv("GEOINV_ATTIC_DIR"); v != "" {
		cfg.Attic.Dir = v
	}
	if v := os.Getenv("GEOINV_ATTIC_COMPRESS"); v != "" {
		cfg.Attic.Compress = parseBool(v)
	}
	if v := os.Getenv("GEOINV_ATTIC_TTL_DAYS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Attic.TTLDays)
	}
	if v := os.Getenv("GEOINV_S3_BUCKET"); v != "" {
		cfg.Attic.S3.Bucket = v
	}
	if v := os.Getenv("GEOINV_S3_REGION"); v != "" {
		cfg.Attic.S3.Region = v
	}
	if v := os.Getenv("GEOINV_S3_ENDPOINT"); v != "" {
		cfg.Attic.S3.Endpoint = v
	}
	if v := os.Getenv("GEOINV_S3_PREFIX"); v != "" {
		cfg.Attic.S3.Prefix = v
	}
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// AtticTTL returns the archive retention as a duration.
func (c *Config) AtticTTL() time.Duration {
	return time.Duration(c.Attic.TTLDays) * 24 * time.Hour
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.IndexDir}
	if c.Attic.Type == AtticLocal {
		dirs = append(dirs, c.Attic.Dir)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
