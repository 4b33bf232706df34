package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
)

// CursorStore remembers the next unscanned block per payment search so a
// restarted poller resumes instead of rescanning
type CursorStore interface {
	Load(ctx context.Context, key string) (uint64, bool, error)
	Save(ctx context.Context, key string, next uint64) error
	Clear(ctx context.Context, key string) error
}

// MemoryCursor is a process-local CursorStore
type MemoryCursor struct {
	mu      sync.Mutex
	cursors map[string]uint64
}

// NewMemoryCursor creates an empty cursor store
func NewMemoryCursor() *MemoryCursor {
	return &MemoryCursor{cursors: make(map[string]uint64)}
}

func (m *MemoryCursor) Load(_ context.Context, key string) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, ok := m.cursors[key]
	return next, ok, nil
}

func (m *MemoryCursor) Save(_ context.Context, key string, next uint64) error {
	m.mu.Lock()
	m.cursors[key] = next
	m.mu.Unlock()
	return nil
}

func (m *MemoryCursor) Clear(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.cursors, key)
	m.mu.Unlock()
	return nil
}

// RedisCursor stores cursors as plain integer keys
type RedisCursor struct {
	pool *redis.Pool
	ttl  time.Duration
}

// NewRedisCursor creates a cursor store whose keys expire after ttl
func NewRedisCursor(pool *redis.Pool, ttl time.Duration) *RedisCursor {
	return &RedisCursor{pool: pool, ttl: ttl}
}

func cursorKey(key string) string {
	return fmt.Sprintf("ledgerBlockScanned:%s", key)
}

func (r *RedisCursor) Load(ctx context.Context, key string) (uint64, bool, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("failed to get redis connection: %w", err)
	}
	defer conn.Close()

	next, err := redis.Uint64(conn.Do("GET", cursorKey(key)))
	if errors.Is(err, redis.ErrNil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get scan cursor: %w", err)
	}
	return next, true, nil
}

func (r *RedisCursor) Save(ctx context.Context, key string, next uint64) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to get redis connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Do("SET", cursorKey(key), next, "PX", r.ttl.Milliseconds()); err != nil {
		return fmt.Errorf("failed to set scan cursor: %w", err)
	}
	return nil
}

func (r *RedisCursor) Clear(ctx context.Context, key string) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to get redis connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Do("DEL", cursorKey(key)); err != nil {
		return fmt.Errorf("failed to clear scan cursor: %w", err)
	}
	return nil
}
