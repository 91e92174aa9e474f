package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/redis/go-redis/v9"
)

const DefaultPrefix = "bustrack:"

// Options configures the Redis connection.
type Options struct {
	Addr        string
	Password    string
	DB          int
	Prefix      string
	DialTimeout time.Duration
}

// RedisCache stores gzip-compressed JSON documents under a key prefix.
// Timetables, route paths and route searches share it across replicas.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger

	hits     atomic.Int64
	misses   atomic.Int64
	failures atomic.Int64
}

// Stats counts lookups since start.
type Stats struct {
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
	Failures int64 `json:"failures"`
}

var gzipWriters = sync.Pool{
	New: func() any { return gzip.NewWriter(io.Discard) },
}

// NewRedisCache connects and pings the server.
func NewRedisCache(ctx context.Context, opts Options, logger *slog.Logger) (*RedisCache, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}

	return NewRedisCacheWithClient(client, opts.Prefix, logger), nil
}

// NewRedisCacheWithClient wraps an already configured client. An empty
// prefix selects DefaultPrefix.
func NewRedisCacheWithClient(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisCache {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisCache{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "redis_cache"),
	}
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) key(k string) string {
	return c.prefix + k
}

// Put stores value as compressed JSON with the given ttl.
func (c *RedisCache) Put(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := encode(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	if err := c.client.Set(ctx, c.key(key), data, ttl).Err(); err != nil {
		c.failures.Add(1)
		return fmt.Errorf("writing %s: %w", key, err)
	}
	c.logger.Debug("cache put", "key", key, "size_bytes", len(data), "ttl", ttl)
	return nil
}

// Item is one value for PutMany with its own expiry.
type Item struct {
	Value any
	TTL   time.Duration
}

// PutMany writes every entry in one pipeline and returns how many were
// stored.
func (c *RedisCache) PutMany(ctx context.Context, entries map[string]Item) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	pipe := c.client.Pipeline()
	queued := 0
	for key, item := range entries {
		data, err := encode(item.Value)
		if err != nil {
			c.logger.Warn("skipping unencodable entry", "key", key, "error", err)
			continue
		}
		pipe.Set(ctx, c.key(key), data, item.TTL)
		queued++
	}
	if queued == 0 {
		return 0, nil
	}

	cmds, err := pipe.Exec(ctx)
	stored := 0
	for _, cmd := range cmds {
		if cmd.Err() == nil {
			stored++
		}
	}
	if err != nil {
		c.failures.Add(int64(queued - stored))
		return stored, fmt.Errorf("pipelined write: %w", err)
	}
	return stored, nil
}

// Load decodes the value at key into dest. A missing key reports false
// without error.
func (c *RedisCache) Load(ctx context.Context, key string, dest any) (bool, error) {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		c.misses.Add(1)
		return false, nil
	}
	if err != nil {
		c.failures.Add(1)
		return false, fmt.Errorf("reading %s: %w", key, err)
	}

	if err := decode(data, dest); err != nil {
		c.failures.Add(1)
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}
	c.hits.Add(1)
	return true, nil
}

// DropPattern removes every key matching pattern (relative to the prefix)
// and returns the number removed.
func (c *RedisCache) DropPattern(ctx context.Context, pattern string) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.key(pattern), 200).Result()
		if err != nil {
			return removed, fmt.Errorf("scanning %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			n, err := c.client.Unlink(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("unlinking %s: %w", pattern, err)
			}
			removed += int(n)
		}
		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}

func (c *RedisCache) Stats() Stats {
	return Stats{
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Failures: c.failures.Load(),
	}
}

// Ping reports whether the server is reachable.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func encode(value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gz := gzipWriters.Get().(*gzip.Writer)
	defer gzipWriters.Put(gz)
	gz.Reset(&buf)

	if _, err := gz.Write(raw); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, dest any) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer gz.Close()
	return json.NewDecoder(gz).Decode(dest)
}
