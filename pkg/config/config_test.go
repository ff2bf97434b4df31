package config

import (
	"errors"
	"testing"
	"time"

	"directory-backend/pkg/engine"
	"directory-backend/pkg/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME_DIR", t.TempDir())

	cfg := Load()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []string{storage.DefaultInstance}, cfg.Instances)
	assert.Equal(t, storage.DefaultCompactionTime, cfg.CompactionTime)
	assert.Equal(t, "youngest", cfg.DeadlockPolicy)
	assert.Equal(t, 0, cfg.BatchLimit)
	assert.True(t, cfg.Durable)
	assert.Equal(t, "balanced", cfg.LogProfile)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("HOME_DIR", "/srv/db")
	t.Setenv("INSTANCES", "userRoot, netscapeRoot")
	t.Setenv("CACHE_SIZE", "1048576")
	t.Setenv("BATCH_LIMIT", "16")
	t.Setenv("BATCH_MIN_SLEEP", "20ms")
	t.Setenv("COMPACTION_TIME", "03:30")
	t.Setenv("DEADLOCK_POLICY", "oldest")
	t.Setenv("TRANSACTIONS", "false")
	t.Setenv("SHM_KEY", "42")
	t.Setenv("PAGE_SIZE", "not-a-number")

	cfg := Load()
	assert.Equal(t, "/srv/db", cfg.HomeDir)
	assert.Equal(t, []string{"userRoot", "netscapeRoot"}, cfg.Instances)
	assert.Equal(t, uint64(1<<20), cfg.CacheSize)
	assert.Equal(t, 16, cfg.BatchLimit)
	assert.Equal(t, 20*time.Millisecond, cfg.BatchMinSleep)
	assert.Equal(t, "03:30", cfg.CompactionTime)
	assert.Equal(t, "oldest", cfg.DeadlockPolicy)
	assert.False(t, cfg.Transactions)
	assert.Equal(t, int64(42), cfg.ShmKey)
	assert.Zero(t, cfg.PageSize, "unparsable values fall back to the default")
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"time of day", func(c *Config) { c.CompactionTime = "24:00" }, "CompactionTime"},
		{"deadlock policy", func(c *Config) { c.DeadlockPolicy = "eldest" }, "DeadlockPolicy"},
		{"trickle", func(c *Config) { c.TricklePercent = 101 }, "TricklePercent"},
		{"lock threshold", func(c *Config) { c.LockThreshold = 0 }, "LockThreshold"},
		{"no instances", func(c *Config) { c.Instances = nil }, "Instances"},
		{"reserved instance", func(c *Config) { c.Instances = []string{storage.ConfigBackupDir} }, "Instances[0]"},
		{"instance path", func(c *Config) { c.Instances = []string{"a/b"} }, "Instances[0]"},
		{"duplicate instances", func(c *Config) { c.Instances = []string{"a", "a"} }, "Instances"},
		{"page size", func(c *Config) { c.PageSize = 100 }, "PageSize"},
		{"log file size", func(c *Config) { c.LogFileSize = 4096 }, "LogFileSize"},
		{"api key", func(c *Config) { c.EnableAuth = true; c.APIKey = "" }, "APIKey"},
		{"log profile", func(c *Config) { c.LogProfile = "verbose" }, "LogProfile"},
		{"home", func(c *Config) { c.HomeDir = "" }, "HomeDir"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HOME_DIR", t.TempDir())
			cfg := Load()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "Config."+tt.field)
		})
	}
}

func TestValidateReportsEveryViolation(t *testing.T) {
	cfg := Load()
	cfg.CompactionTime = "noon"
	cfg.TricklePercent = -1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CompactionTime")
	assert.Contains(t, err.Error(), "TricklePercent")
}

func TestValidateCacheSize(t *testing.T) {
	mem := func() (*storage.MemInfo, error) {
		return &storage.MemInfo{Total: 8 << 30, Available: 1 << 30}, nil
	}
	noMem := func() (*storage.MemInfo, error) { return nil, errors.New("no /proc") }

	assert.NoError(t, ValidateCacheSize(1<<20, 512<<20, mem))
	assert.NoError(t, ValidateCacheSize(4<<30, 1<<20, noMem), "shrinking needs no memory information")

	err := ValidateCacheSize(1<<20, 4<<30, mem)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds available memory")

	err = ValidateCacheSize(1<<20, 4<<30, noMem)
	require.ErrorIs(t, err, storage.ErrMemInfo)
}

func TestStorageOptions(t *testing.T) {
	t.Setenv("HOME_DIR", "/srv/db")
	t.Setenv("LOG_DIR", "/srv/logs")
	t.Setenv("INSTANCES", "userRoot,netscapeRoot")
	t.Setenv("DEADLOCK_POLICY", "minwrite")
	t.Setenv("BATCH_LIMIT", "8")
	t.Setenv("CIRCULAR_LOGGING", "false")
	t.Setenv("TXN_RETRIES", "2")
	t.Setenv("LOG_FILE_SIZE", "16777216")

	opts := Load().StorageOptions()
	assert.Equal(t, "/srv/db", opts.HomeDir)
	assert.Equal(t, "/srv/logs", opts.LogDir)
	assert.Equal(t, []storage.Instance{{Name: "userRoot"}, {Name: "netscapeRoot"}}, opts.Instances)
	assert.Equal(t, engine.DeadlockMinWrite, opts.DeadlockPolicy)
	assert.Equal(t, 8, opts.BatchLimit)
	assert.False(t, opts.CircularLogging)
	assert.Equal(t, uint64(2), opts.TxnRetries)
	assert.Equal(t, int64(16<<20), opts.LogFileSize)
	assert.NotNil(t, opts.EngineFactory)
}

func TestEnvStringSlice(t *testing.T) {
	t.Setenv("LIST", " a, ,b ,")
	assert.Equal(t, []string{"a", "b"}, envStringSlice("LIST", nil))

	t.Setenv("LIST", "")
	assert.Equal(t, []string{"x"}, envStringSlice("LIST", []string{"x"}))
}
