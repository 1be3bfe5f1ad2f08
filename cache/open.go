// Package cache provides the shared key-value backends behind
// core.ProgressStore: Redis, SQLite, MySQL through gorm, and Consul KV.
package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/Swind/go-task-stream/core"
)

// Drivers accepted by Open.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
	DriverConsul = "consul"
)

// Options selects and configures a backend.
type Options struct {
	Driver string
	// URL is the redis:// URL, the SQLite file path, the MySQL DSN or the
	// Consul agent address, depending on Driver.
	URL string
	// Prefix is the Consul KV folder.
	Prefix string
}

// Open builds the backend named by opts.Driver. The returned close function
// releases its connections and is never nil.
func Open(ctx context.Context, opts Options) (core.Cache, func() error, error) {
	noop := func() error { return nil }
	switch opts.Driver {
	case "", DriverMemory:
		return core.NewMemoryCache(), noop, nil
	case DriverRedis:
		if opts.URL == "" {
			return nil, noop, errors.New("redis driver needs a url")
		}
		c, err := OpenRedis(ctx, opts.URL)
		if err != nil {
			return nil, noop, fmt.Errorf("open redis: %w", err)
		}
		return c, c.Close, nil
	case DriverSQLite:
		if opts.URL == "" {
			return nil, noop, errors.New("sqlite driver needs a file path")
		}
		c, err := OpenSQLite(ctx, opts.URL)
		if err != nil {
			return nil, noop, fmt.Errorf("open sqlite: %w", err)
		}
		return c, c.Close, nil
	case DriverMySQL:
		if opts.URL == "" {
			return nil, noop, errors.New("mysql driver needs a dsn")
		}
		c, err := OpenMySQL(opts.URL)
		if err != nil {
			return nil, noop, fmt.Errorf("open mysql: %w", err)
		}
		return c, c.Close, nil
	case DriverConsul:
		c, err := NewConsulCache(opts.URL, opts.Prefix)
		if err != nil {
			return nil, noop, err
		}
		return c, noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown cache driver %q", opts.Driver)
	}
}
