package cfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("WALAPPLY_DATABASE", "demodb")
	t.Setenv("WALAPPLY_LOG_PATH", "/var/log/demodb")

	c, err := Load("")
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, EnvDev, c.Environment)
	assert.Equal(t, "demodb", c.Database)
	assert.Equal(t, "/var/log/demodb", c.LogPath)
	assert.Empty(t, c.TargetDSN)
	assert.Equal(t, 128, c.PageCacheFrames)
	assert.Equal(t, 15, c.PageCacheGrowthPercent)
	assert.Equal(t, int32(0), c.PagesPerArchive)
	assert.Equal(t, 500*time.Millisecond, c.CommitInterval)
	assert.Equal(t, 100*time.Millisecond, c.PollInterval)
	assert.Equal(t, 5, c.ReadRetries)
	assert.Equal(t, 50*time.Millisecond, c.ReadRetryDelay)
	assert.False(t, c.StopWhenCaughtUp)
	assert.Equal(t, int64(-1), c.StartPage)
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "walapply.env")
	require.NoError(t, os.WriteFile(path, []byte(
		"WALAPPLY_ENVIRONMENT=prod\n"+
			"WALAPPLY_DATABASE=fromfile\n"+
			"WALAPPLY_LOG_PATH=/logs\n"+
			"WALAPPLY_TARGET_DSN=repl:pw@tcp(db:3306)/demodb\n"+
			"WALAPPLY_POLL_INTERVAL=2s\n"+
			"WALAPPLY_STOP_WHEN_CAUGHT_UP=true\n",
	), 0o600))

	// the process environment wins over the file
	t.Setenv("WALAPPLY_DATABASE", "fromenv")
	t.Setenv("WALAPPLY_START_PAGE", "42")
	t.Cleanup(func() {
		for _, k := range []string{
			"WALAPPLY_ENVIRONMENT", "WALAPPLY_LOG_PATH", "WALAPPLY_TARGET_DSN",
			"WALAPPLY_POLL_INTERVAL", "WALAPPLY_STOP_WHEN_CAUGHT_UP",
		} {
			_ = os.Unsetenv(k)
		}
	})

	c, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, EnvProd, c.Environment)
	assert.Equal(t, "fromenv", c.Database)
	assert.Equal(t, "/logs", c.LogPath)
	assert.Equal(t, "repl:pw@tcp(db:3306)/demodb", c.TargetDSN)
	assert.Equal(t, 2*time.Second, c.PollInterval)
	assert.True(t, c.StopWhenCaughtUp)
	assert.Equal(t, int64(42), c.StartPage)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	assert.Error(t, err)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("WALAPPLY_COMMIT_INTERVAL", "soon")

	_, err := Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := Config{
		Environment:            EnvDev,
		Database:               "db",
		LogPath:                "/log",
		PageCacheFrames:        1,
		PageCacheGrowthPercent: 1,
		CommitInterval:         time.Second,
		PollInterval:           time.Second,
		ReadRetryDelay:         time.Second,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"environment", func(c *Config) { c.Environment = "staging" }},
		{"database", func(c *Config) { c.Database = "" }},
		{"log path", func(c *Config) { c.LogPath = "" }},
		{"cache frames", func(c *Config) { c.PageCacheFrames = 0 }},
		{"cache growth", func(c *Config) { c.PageCacheGrowthPercent = -1 }},
		{"pages per archive", func(c *Config) { c.PagesPerArchive = -3 }},
		{"commit interval", func(c *Config) { c.CommitInterval = 0 }},
		{"poll interval", func(c *Config) { c.PollInterval = -time.Second }},
		{"read retries", func(c *Config) { c.ReadRetries = -1 }},
		{"read retry delay", func(c *Config) { c.ReadRetryDelay = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
