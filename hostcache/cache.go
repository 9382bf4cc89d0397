// Package hostcache implements an external host-resolution collaborator:
// resolving a pool.GroupId's destination to live addresses, backed by an
// etcd watch for change notification and an optional Redis TTL cache,
// deduplicating concurrent lookups with golang.org/x/sync/singleflight.
package hostcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	clientv3 "go.etcd.io/etcd/client/v3"
	"golang.org/x/sync/singleflight"

	"github.com/go-fit/netpool/pool"
)

// registerValue is the etcd payload shape this cache needs.
type registerValue struct {
	Addr   string `json:"addr"`
	Status int    `json:"status"`
}

const statusRun = 0

// NetworkChangeFunc is invoked when a watched destination's address set
// changes. The production wiring is pool.Pool.BumpGeneration: idle sockets
// for that GroupId become stale on the very next admission or release.
type NetworkChangeFunc func(group pool.GroupId)

// Cache resolves pool.GroupId destinations to addresses and watches etcd
// for changes.
type Cache struct {
	client      *clientv3.Client
	redis       *redis.Client
	prefix      string
	ttl         time.Duration
	onChange    NetworkChangeFunc
	single      singleflight.Group
	forget      time.Duration
	memoryCache map[string]cacheEntry
}

type cacheEntry struct {
	addrs   []string
	expires time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithRedis attaches an optional Redis-backed TTL cache in front of etcd
// reads. When absent, Cache falls back to an in-memory TTL map.
func WithRedis(client *redis.Client, ttl time.Duration) Option {
	return func(c *Cache) {
		c.redis = client
		c.ttl = ttl
	}
}

// WithOnChange registers the callback invoked when a watch observes an
// address-set change for a watched destination.
func WithOnChange(fn NetworkChangeFunc) Option {
	return func(c *Cache) { c.onChange = fn }
}

// WithSingleflightForget sets how long to wait before forcing
// singleflight.Group.Forget so a stuck lookup doesn't wedge every
// subsequent caller onto the same in-flight result forever.
func WithSingleflightForget(d time.Duration) Option {
	return func(c *Cache) { c.forget = d }
}

// New builds a Cache resolving destinations under prefix using client.
func New(client *clientv3.Client, prefix string, opts ...Option) *Cache {
	c := &Cache{
		client:      client,
		prefix:      prefix,
		ttl:         30 * time.Second,
		memoryCache: make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) key(group pool.GroupId) string {
	return fmt.Sprintf("%s/%s:%d", c.prefix, group.Host, group.Port)
}

// Resolve returns the addresses currently registered for group, deduping
// concurrent callers for the same key via singleflight.Group.DoChan and
// consulting the Redis/in-memory cache before falling back to an etcd read.
func (c *Cache) Resolve(ctx context.Context, group pool.GroupId) ([]string, error) {
	key := c.key(group)

	if addrs, ok := c.cacheGet(ctx, key); ok {
		return addrs, nil
	}

	if c.forget > 0 {
		time.Sleep(c.forget)
		c.single.Forget(key)
	}

	ch := c.single.DoChan(key, func() (interface{}, error) {
		return c.fetchFromEtcd(ctx, key)
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		addrs := r.Val.([]string)
		c.cacheSet(ctx, key, addrs)
		return addrs, nil
	case <-ctx.Done():
		return nil, errors.New("hostcache: resolve timed out")
	}
}

func (c *Cache) fetchFromEtcd(ctx context.Context, key string) ([]string, error) {
	resp, err := c.client.Get(ctx, key, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	var addrs []string
	for _, kv := range resp.Kvs {
		var rv registerValue
		if err := json.Unmarshal(kv.Value, &rv); err != nil {
			continue
		}
		if rv.Status == statusRun && rv.Addr != "" {
			addrs = append(addrs, rv.Addr)
		}
	}
	if len(addrs) == 0 {
		return nil, errors.New("hostcache: no available addresses")
	}
	return addrs, nil
}

func (c *Cache) cacheGet(ctx context.Context, key string) ([]string, bool) {
	if c.redis != nil {
		val, err := c.redis.Get(ctx, key).Result()
		if err == nil {
			var addrs []string
			if json.Unmarshal([]byte(val), &addrs) == nil {
				return addrs, true
			}
		}
		return nil, false
	}
	entry, ok := c.memoryCache[key]
	if !ok || time.Now().After(entry.expires) {
		return nil, false
	}
	return entry.addrs, true
}

func (c *Cache) cacheSet(ctx context.Context, key string, addrs []string) {
	if c.redis != nil {
		if raw, err := json.Marshal(addrs); err == nil {
			c.redis.Set(ctx, key, raw, c.ttl)
		}
		return
	}
	c.memoryCache[key] = cacheEntry{addrs: addrs, expires: time.Now().Add(c.ttl)}
}

// Watch starts a long-lived etcd watch over group's key prefix, invoking
// onChange (if registered) whenever the address set changes. Watch blocks
// until ctx is canceled.
func (c *Cache) Watch(ctx context.Context, group pool.GroupId) {
	key := c.key(group)
	watchCh := c.client.Watch(ctx, key, clientv3.WithPrefix())
	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-watchCh:
			if !ok {
				return
			}
			if resp.Err() != nil {
				continue
			}
			if len(resp.Events) == 0 {
				continue
			}
			delete(c.memoryCache, key)
			if c.redis != nil {
				c.redis.Del(ctx, key)
			}
			if c.onChange != nil {
				c.onChange(group)
			}
		}
	}
}
