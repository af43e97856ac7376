package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	inverrors "github.com/bcdev/geo-inventory-sub000/internal/errors"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "geo-index.inbox-", cfg.InboxPrefix)
	assert.Equal(t, filepath.Join(".", "attic"), cfg.Attic.Dir)
	assert.Equal(t, filepath.Join(".", "geo-index.a"), cfg.SlotPath("a"))
	assert.True(t, cfg.Query.UseIndex)
}

func TestValidate(t *testing.T) {
	tests := map[string]func(c *Config){
		"level too high":  func(c *Config) { c.CoverageLevel = 15 },
		"negative level":  func(c *Config) { c.CoverageLevel = -1 },
		"name with slash": func(c *Config) { c.Name = "a/b" },
		"bad attic":       func(c *Config) { c.Attic.Type = "ftp" },
		"s3 no bucket":    func(c *Config) { c.Attic.Type = AtticS3 },
		"negative max":    func(c *Config) { c.Query.MaxResults = -2 },
		"negative ttl":    func(c *Config) { c.Attic.TTLDays = -1 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Resolve()
			mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, inverrors.ErrCategoryConfiguration, inverrors.GetCategory(err))
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "geoinv.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
index_dir: /data/index
name: amsr
coverage_level: 8
query:
  max_results: 50
attic:
  type: s3
  s3:
    bucket: archive
`), 0644))

	cfg, err := LoadFromFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "/data/index", cfg.IndexDir)
	assert.Equal(t, "amsr", cfg.Name)
	assert.Equal(t, 8, cfg.CoverageLevel)
	assert.Equal(t, 50, cfg.Query.MaxResults)
	assert.True(t, cfg.Query.UseIndex, "defaults survive a partial file")
	assert.Equal(t, "archive", cfg.Attic.S3.Bucket)

	jsonPath := filepath.Join(dir, "geoinv.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"name": "meris", "block_size": 10}`), 0644))
	cfg, err = LoadFromFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "meris", cfg.Name)
	assert.Equal(t, 10, cfg.BlockSize)

	_, err = LoadFromFile(filepath.Join(dir, "geoinv.toml"))
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("GEOINV_NAME", "olci")
	t.Setenv("GEOINV_COVERAGE_LEVEL", "12")
	t.Setenv("GEOINV_QUERY_USE_INDEX", "false")
	t.Setenv("GEOINV_QUERY_STRICT", "1")
	t.Setenv("GEOINV_S3_BUCKET", "bucket")
	t.Setenv("GEOINV_ATTIC_TTL_DAYS", "30")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	assert.Equal(t, "olci", cfg.Name)
	assert.Equal(t, 12, cfg.CoverageLevel)
	assert.False(t, cfg.Query.UseIndex)
	assert.True(t, cfg.Query.Strict)
	assert.Equal(t, "bucket", cfg.Attic.S3.Bucket)
	assert.Equal(t, 30*24*time.Hour, cfg.AtticTTL())
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("GEOINV_TEST_DOTENV=from-file\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("GEOINV_TEST_DOTENV") })

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), envPath))
	assert.Equal(t, "from-file", os.Getenv("GEOINV_TEST_DOTENV"))
}

func TestEnsureDirectories(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IndexDir = filepath.Join(t.TempDir(), "index")
	cfg.Resolve()
	require.NoError(t, cfg.EnsureDirectories())

	info, err := os.Stat(cfg.Attic.Dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
