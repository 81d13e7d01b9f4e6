// Package resource caches expensive, long-lived values such as connection
// pools per concurrency scope.
package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/singleflight"
)

// DefaultScope is used when no scope is attached to the context.
const DefaultScope = "process"

type scopeKey struct{}

// WithScope sets the concurrency scope resources are cached under. Callers
// that must not share pools (separate event loops, test cases) use distinct
// scopes.
func WithScope(ctx context.Context, scope string) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

// ScopeFrom returns the scope in ctx, or DefaultScope.
func ScopeFrom(ctx context.Context) string {
	if s, ok := ctx.Value(scopeKey{}).(string); ok && s != "" {
		return s
	}
	return DefaultScope
}

// Key identifies a cached value. Scope must return the scope the key was
// built for; String must be unique per distinct key.
type Key interface {
	comparable
	Scope() string
	String() string
}

// Cache maps keys to values created at most once per key. Entries live until
// Release or Close.
type Cache[K Key, V any] struct {
	mu      sync.RWMutex
	entries map[K]V
	group   singleflight.Group
}

// NewCache returns an empty cache.
func NewCache[K Key, V any]() *Cache[K, V] {
	return &Cache[K, V]{entries: map[K]V{}}
}

// LookupOrCreate returns the value for key, calling create on a miss.
// Concurrent misses for the same key share one create call. create runs
// without the caller's cancellation so that one caller giving up does not
// fail the others waiting on the same key; a caller whose ctx ends stops
// waiting and gets ctx.Err(). A failed create is not cached.
func (c *Cache[K, V]) LookupOrCreate(ctx context.Context, key K, create func(context.Context) (V, error)) (V, error) {
	var zero V
	if v, ok := c.lookup(key); ok {
		return v, nil
	}

	buildCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key.String(), func() (any, error) {
		// Another caller may have stored it between our lookup and DoChan.
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		v, err := create(buildCtx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = v
		c.mu.Unlock()
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	}
}

func (c *Cache[K, V]) lookup(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok
}

// Len returns the number of cached entries.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Release removes every entry of scope and closes values that implement
// io.Closer.
func (c *Cache[K, V]) Release(scope string) error {
	return c.evict(func(k K) bool { return k.Scope() == scope })
}

// Close removes and closes every entry.
func (c *Cache[K, V]) Close() error {
	return c.evict(func(K) bool { return true })
}

func (c *Cache[K, V]) evict(match func(K) bool) error {
	c.mu.Lock()
	var released []V
	for k, v := range c.entries {
		if match(k) {
			released = append(released, v)
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, v := range released {
		if cl, ok := any(v).(io.Closer); ok {
			if err := cl.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close resource: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}
