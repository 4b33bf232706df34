package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
)

func timeoutDialOptions() []redis.DialOption {
	return []redis.DialOption{
		redis.DialConnectTimeout(5 * time.Second),
		redis.DialReadTimeout(5 * time.Second),
		redis.DialWriteTimeout(5 * time.Second),
	}
}

// NewRedisPool creates a connection pool for addr (host:port)
func NewRedisPool(addr string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     5,
		IdleTimeout: 4 * time.Minute,
		Dial:        func() (redis.Conn, error) { return redis.Dial("tcp", addr, timeoutDialOptions()...) },
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// Ping checks that the pool can reach the server
func Ping(ctx context.Context, pool *redis.Pool) error {
	conn, err := pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to get redis connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Do("PING"); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

// RedisStore is a Store shared between service instances. Each entry is one
// JSON string written with a single SET, so readers never observe a torn value.
type RedisStore struct {
	pool      *redis.Pool
	keyPrefix string
	retention time.Duration
}

// NewRedisStore creates a store under keyPrefix. Entries expire from redis
// after retention, which should be much longer than any freshness TTL so the
// last good value stays available.
func NewRedisStore(pool *redis.Pool, keyPrefix string, retention time.Duration) *RedisStore {
	return &RedisStore{
		pool:      pool,
		keyPrefix: keyPrefix,
		retention: retention,
	}
}

func (r *RedisStore) key(k string) string {
	return r.keyPrefix + k
}

// Load reads the entry under key
func (r *RedisStore) Load(ctx context.Context, key string) (*Entry, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get redis connection: %w", err)
	}
	defer conn.Close()

	raw, err := redis.Bytes(conn.Do("GET", r.key(key)))
	if errors.Is(err, redis.ErrNil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode cache entry %s: %w", key, err)
	}
	return &entry, nil
}

// Save writes the entry under key
func (r *RedisStore) Save(ctx context.Context, key string, entry *Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to get redis connection: %w", err)
	}
	defer conn.Close()

	args := redis.Args{}.Add(r.key(key), raw)
	if r.retention > 0 {
		args = args.Add("PX", r.retention.Milliseconds())
	}
	if _, err := conn.Do("SET", args...); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}
