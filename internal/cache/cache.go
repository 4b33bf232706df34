// Package cache provides a get-or-compute cache with a freshness TTL. Entries
// outlive their TTL so callers can fall back to the last good value when a
// recomputation fails.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"
)

// Entry is a stored value together with the time it was computed
type Entry struct {
	Value    json.RawMessage `json:"value"`
	StoredAt time.Time       `json:"stored_at"`
}

// Store persists entries. Implementations must be safe for concurrent use and
// must never return a partially written entry.
type Store interface {
	Load(ctx context.Context, key string) (*Entry, error) // nil, nil when absent
	Save(ctx context.Context, key string, entry *Entry) error
}

// Result describes where a value came from
type Result struct {
	Fresh bool          // served from cache within TTL
	Stale bool          // recomputation failed, last good value returned
	Age   time.Duration // age of the returned value
}

// Loader fronts a Store with typed get-or-compute semantics. Concurrent misses
// on the same key share one computation.
type Loader[T any] struct {
	store Store
	clock clock.Clock
	ttl   time.Duration
	group singleflight.Group
}

// NewLoader creates a loader over store with the given freshness TTL
func NewLoader[T any](store Store, clk clock.Clock, ttl time.Duration) *Loader[T] {
	return &Loader[T]{
		store: store,
		clock: clk,
		ttl:   ttl,
	}
}

// GetOrCompute returns the cached value for key if younger than the TTL,
// otherwise runs compute and stores its output. When compute fails and an
// older value exists, that value is returned with Result.Stale set and a nil
// error; the compute error is returned only when nothing was ever cached.
//
// compute is shared by every concurrent caller on key, so it runs without the
// caller's cancellation and must bound its own work. A caller whose ctx ends
// first stops waiting and gets the stale value or ctx's error.
func (l *Loader[T]) GetOrCompute(ctx context.Context, key string, compute func(context.Context) (T, error)) (T, Result, error) {
	var zero T

	entry, err := l.store.Load(ctx, key)
	if err != nil {
		// a broken store should not block the caller; treat as a miss
		entry = nil
	}

	if entry != nil {
		age := l.clock.Since(entry.StoredAt)
		if age < l.ttl {
			var v T
			if err := json.Unmarshal(entry.Value, &v); err == nil {
				return v, Result{Fresh: true, Age: age}, nil
			}
		}
	}

	shared := context.WithoutCancel(ctx)
	flight := l.group.DoChan(key, func() (interface{}, error) {
		v, err := compute(shared)
		if err != nil {
			return nil, err
		}

		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode cache value: %w", err)
		}
		// a failed save still returns the computed value
		_ = l.store.Save(shared, key, &Entry{Value: raw, StoredAt: l.clock.Now()})

		return v, nil
	})

	var res singleflight.Result
	select {
	case res = <-flight:
	case <-ctx.Done():
		res = singleflight.Result{Err: ctx.Err()}
	}
	err = res.Err
	if err == nil {
		return res.Val.(T), Result{}, nil
	}

	if entry != nil {
		var v T
		if jsonErr := json.Unmarshal(entry.Value, &v); jsonErr == nil {
			return v, Result{Stale: true, Age: l.clock.Since(entry.StoredAt)}, nil
		}
	}

	return zero, Result{}, err
}

// Invalidate is a convenience for tests and admin tooling that forces the next
// GetOrCompute on key to recompute.
func (l *Loader[T]) Invalidate(ctx context.Context, key string) error {
	entry, err := l.store.Load(ctx, key)
	if err != nil || entry == nil {
		return err
	}
	entry.StoredAt = time.Time{}
	return l.store.Save(ctx, key, entry)
}
