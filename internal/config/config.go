// Package config holds the trainerd settings. Every flag can also be set
// through a TRAINERD_* environment variable or a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Swind/go-task-stream/cache"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

// Worker isolation modes.
const (
	IsolationGoroutine = "goroutine"
	IsolationProcess   = "process"
)

// Config is the resolved daemon configuration.
type Config struct {
	Addr     string
	LogLevel string
	LogDev   bool

	Cache cache.Options

	MaxWorkers      int
	Isolation       string
	WorkerCommand   string
	Retention       time.Duration
	JanitorInterval time.Duration

	RecordTTL     time.Duration
	MaxEvents     int
	QueueCapacity int

	PollInterval      time.Duration
	HeartbeatInterval time.Duration

	JWTSecret    string
	AuthDisabled bool

	MetricsInterval time.Duration
}

// Flags returns the serve command flags.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "addr", Value: ":8080", EnvVars: []string{"TRAINERD_ADDR"}, Usage: "HTTP listen address"},
		&cli.StringFlag{Name: "log-level", Value: "info", EnvVars: []string{"TRAINERD_LOG_LEVEL"}, Usage: "debug, info, warn or error"},
		&cli.BoolFlag{Name: "log-dev", EnvVars: []string{"TRAINERD_LOG_DEV"}, Usage: "human readable development logs"},

		&cli.StringFlag{Name: "cache", Value: cache.DriverMemory, EnvVars: []string{"TRAINERD_CACHE"}, Usage: "progress backend: memory, redis, sqlite, mysql or consul"},
		&cli.StringFlag{Name: "cache-url", EnvVars: []string{"TRAINERD_CACHE_URL"}, Usage: "redis URL, sqlite path, mysql DSN or consul address"},
		&cli.StringFlag{Name: "cache-prefix", Value: "taskstream/progress/", EnvVars: []string{"TRAINERD_CACHE_PREFIX"}, Usage: "consul KV folder"},

		&cli.IntFlag{Name: "max-workers", Value: 2, EnvVars: []string{"TRAINERD_MAX_WORKERS"}, Usage: "concurrent training runs"},
		&cli.StringFlag{Name: "isolation", Value: IsolationGoroutine, EnvVars: []string{"TRAINERD_ISOLATION"}, Usage: "goroutine or process"},
		&cli.StringFlag{Name: "worker-command", EnvVars: []string{"TRAINERD_WORKER_COMMAND"}, Usage: "worker binary for process isolation (default: this binary)"},
		&cli.DurationFlag{Name: "retention", Value: 24 * time.Hour, EnvVars: []string{"TRAINERD_RETENTION"}, Usage: "how long finished tasks stay listed"},
		&cli.DurationFlag{Name: "janitor-interval", Value: time.Hour, EnvVars: []string{"TRAINERD_JANITOR_INTERVAL"}, Usage: "cleanup period for finished tasks and expired cache entries"},

		&cli.DurationFlag{Name: "record-ttl", Value: 2 * time.Hour, EnvVars: []string{"TRAINERD_RECORD_TTL"}, Usage: "progress record expiry"},
		&cli.IntFlag{Name: "max-events", Value: 1000, EnvVars: []string{"TRAINERD_MAX_EVENTS"}, Usage: "events retained per record"},
		&cli.IntFlag{Name: "queue-capacity", Value: 256, EnvVars: []string{"TRAINERD_QUEUE_CAPACITY"}, Usage: "best-effort queue size per task"},

		&cli.DurationFlag{Name: "poll-interval", Value: 50 * time.Millisecond, EnvVars: []string{"TRAINERD_POLL_INTERVAL"}, Usage: "stream poll period"},
		&cli.DurationFlag{Name: "heartbeat-interval", Value: time.Second, EnvVars: []string{"TRAINERD_HEARTBEAT_INTERVAL"}, Usage: "idle heartbeat period"},

		&cli.StringFlag{Name: "jwt-secret", EnvVars: []string{"TRAINERD_JWT_SECRET"}, Usage: "HMAC secret for bearer tokens"},
		&cli.BoolFlag{Name: "auth-disabled", EnvVars: []string{"TRAINERD_AUTH_DISABLED"}, Usage: "accept requests without a token (owner 0)"},

		&cli.DurationFlag{Name: "metrics-interval", Value: 5 * time.Second, EnvVars: []string{"TRAINERD_METRICS_INTERVAL"}, Usage: "stats snapshot period"},
	}
}

// FromContext reads the flags of c into a validated Config.
func FromContext(c *cli.Context) (Config, error) {
	cfg := Config{
		Addr:     c.String("addr"),
		LogLevel: c.String("log-level"),
		LogDev:   c.Bool("log-dev"),
		Cache: cache.Options{
			Driver: c.String("cache"),
			URL:    c.String("cache-url"),
			Prefix: c.String("cache-prefix"),
		},
		MaxWorkers:        c.Int("max-workers"),
		Isolation:         c.String("isolation"),
		WorkerCommand:     c.String("worker-command"),
		Retention:         c.Duration("retention"),
		JanitorInterval:   c.Duration("janitor-interval"),
		RecordTTL:         c.Duration("record-ttl"),
		MaxEvents:         c.Int("max-events"),
		QueueCapacity:     c.Int("queue-capacity"),
		PollInterval:      c.Duration("poll-interval"),
		HeartbeatInterval: c.Duration("heartbeat-interval"),
		JWTSecret:         c.String("jwt-secret"),
		AuthDisabled:      c.Bool("auth-disabled"),
		MetricsInterval:   c.Duration("metrics-interval"),
	}
	if cfg.Isolation == IsolationProcess && cfg.WorkerCommand == "" {
		exe, err := os.Executable()
		if err != nil {
			return cfg, fmt.Errorf("resolve worker command: %w", err)
		}
		cfg.WorkerCommand = exe
	}
	return cfg, cfg.Validate()
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	switch c.Cache.Driver {
	case cache.DriverMemory, cache.DriverConsul:
	case cache.DriverRedis, cache.DriverSQLite, cache.DriverMySQL:
		if c.Cache.URL == "" {
			errs = append(errs, fmt.Errorf("cache-url is required for the %s cache", c.Cache.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache driver %q", c.Cache.Driver))
	}
	switch c.Isolation {
	case IsolationGoroutine, IsolationProcess:
	default:
		errs = append(errs, fmt.Errorf("unknown isolation %q", c.Isolation))
	}
	if c.MaxWorkers <= 0 {
		errs = append(errs, fmt.Errorf("max-workers must be positive, got %d", c.MaxWorkers))
	}
	if c.MaxEvents <= 0 {
		errs = append(errs, fmt.Errorf("max-events must be positive, got %d", c.MaxEvents))
	}
	if c.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("queue-capacity must be positive, got %d", c.QueueCapacity))
	}
	for name, d := range map[string]time.Duration{
		"retention":          c.Retention,
		"janitor-interval":   c.JanitorInterval,
		"record-ttl":         c.RecordTTL,
		"poll-interval":      c.PollInterval,
		"heartbeat-interval": c.HeartbeatInterval,
		"metrics-interval":   c.MetricsInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.JWTSecret == "" && !c.AuthDisabled {
		errs = append(errs, errors.New("jwt-secret is required unless auth-disabled is set"))
	}
	return errors.Join(errs...)
}

// LoadDotEnv loads path into the environment when it exists. Variables
// already set win over the file.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}
