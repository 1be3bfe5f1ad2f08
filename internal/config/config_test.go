package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Swind/go-task-stream/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func parse(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	var (
		cfg    Config
		cfgErr error
	)
	app := &cli.App{
		Name:  "trainerd",
		Flags: Flags(),
		Action: func(c *cli.Context) error {
			cfg, cfgErr = FromContext(c)
			return nil
		},
	}
	require.NoError(t, app.Run(append([]string{"trainerd"}, args...)))
	return cfg, cfgErr
}

func TestFromContext_Defaults(t *testing.T) {
	cfg, err := parse(t, "--jwt-secret", "s3cret")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, cache.DriverMemory, cfg.Cache.Driver)
	assert.Equal(t, 2, cfg.MaxWorkers)
	assert.Equal(t, IsolationGoroutine, cfg.Isolation)
	assert.Equal(t, 1000, cfg.MaxEvents)
	assert.Equal(t, 2*time.Hour, cfg.RecordTTL)
	assert.Equal(t, 50*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 24*time.Hour, cfg.Retention)
}

func TestFromContext_EnvVars(t *testing.T) {
	t.Setenv("TRAINERD_MAX_WORKERS", "4")
	t.Setenv("TRAINERD_CACHE", "redis")
	t.Setenv("TRAINERD_CACHE_URL", "redis://localhost:6379/0")
	t.Setenv("TRAINERD_AUTH_DISABLED", "true")
	t.Setenv("TRAINERD_HEARTBEAT_INTERVAL", "3s")

	cfg, err := parse(t)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.MaxWorkers)
	assert.Equal(t, cache.DriverRedis, cfg.Cache.Driver)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Cache.URL)
	assert.True(t, cfg.AuthDisabled)
	assert.Equal(t, 3*time.Second, cfg.HeartbeatInterval)
}

func TestFromContext_ProcessIsolationDefaultsToSelf(t *testing.T) {
	cfg, err := parse(t, "--auth-disabled", "--isolation", "process")
	require.NoError(t, err)

	exe, _ := os.Executable()
	assert.Equal(t, exe, cfg.WorkerCommand)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Addr:              ":0",
			LogLevel:          "info",
			Cache:             cache.Options{Driver: cache.DriverMemory},
			MaxWorkers:        1,
			Isolation:         IsolationGoroutine,
			Retention:         time.Hour,
			JanitorInterval:   time.Minute,
			RecordTTL:         time.Hour,
			MaxEvents:         10,
			QueueCapacity:     10,
			PollInterval:      time.Millisecond,
			HeartbeatInterval: time.Second,
			JWTSecret:         "x",
			MetricsInterval:   time.Second,
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"log level", func(c *Config) { c.LogLevel = "trace" }, `unknown log level "trace"`},
		{"driver", func(c *Config) { c.Cache.Driver = "etcd" }, `unknown cache driver "etcd"`},
		{"missing url", func(c *Config) { c.Cache.Driver = cache.DriverMySQL }, "cache-url is required for the mysql cache"},
		{"isolation", func(c *Config) { c.Isolation = "vm" }, `unknown isolation "vm"`},
		{"workers", func(c *Config) { c.MaxWorkers = 0 }, "max-workers must be positive"},
		{"duration", func(c *Config) { c.PollInterval = 0 }, "poll-interval must be positive"},
		{"secret", func(c *Config) { c.JWTSecret = "" }, "jwt-secret is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("TRAINERD_TEST_FROM_FILE=yes\nTRAINERD_TEST_PRESET=file\n"), 0o600))
	t.Setenv("TRAINERD_TEST_PRESET", "env")
	t.Cleanup(func() { _ = os.Unsetenv("TRAINERD_TEST_FROM_FILE") })

	require.NoError(t, LoadDotEnv(path))

	assert.Equal(t, "yes", os.Getenv("TRAINERD_TEST_FROM_FILE"))
	assert.Equal(t, "env", os.Getenv("TRAINERD_TEST_PRESET"))
	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))
}
