package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Swind/go-task-stream/core"
	consulapi "github.com/hashicorp/consul/api"
)

const defaultConsulPrefix = "taskstream/progress/"

// consulEntry wraps a value with its expiry; Consul KV has no per-key TTL.
type consulEntry struct {
	Value     []byte `json:"value"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// ConsulCache stores progress records in the Consul KV store.
type ConsulCache struct {
	kv     *consulapi.KV
	prefix string
	now    func() time.Time
}

var _ core.Cache = (*ConsulCache)(nil)

// NewConsulCache connects to the agent at addr ("" selects the client
// default, CONSUL_HTTP_ADDR included). Keys are stored under prefix.
func NewConsulCache(addr, prefix string) (*ConsulCache, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	if prefix == "" {
		prefix = defaultConsulPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &ConsulCache{kv: cli.KV(), prefix: prefix, now: time.Now}, nil
}

func (c *ConsulCache) path(key string) string { return c.prefix + key }

func (c *ConsulCache) Get(ctx context.Context, key string) ([]byte, error) {
	pair, _, err := c.kv.Get(c.path(key), (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, err
	}
	if pair == nil {
		return nil, core.ErrCacheMiss
	}
	var e consulEntry
	if err := json.Unmarshal(pair.Value, &e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", pair.Key, err)
	}
	if expired(e.ExpiresAt, c.now()) {
		_ = c.Delete(ctx, key)
		return nil, core.ErrCacheMiss
	}
	return e.Value, nil
}

func (c *ConsulCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	b, err := json.Marshal(consulEntry{Value: value, ExpiresAt: expiryNanos(c.now(), ttl)})
	if err != nil {
		return err
	}
	_, err = c.kv.Put(&consulapi.KVPair{Key: c.path(key), Value: b}, (&consulapi.WriteOptions{}).WithContext(ctx))
	return err
}

func (c *ConsulCache) Delete(ctx context.Context, key string) error {
	_, err := c.kv.Delete(c.path(key), (&consulapi.WriteOptions{}).WithContext(ctx))
	return err
}
