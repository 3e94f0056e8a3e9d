package catalog

import (
	"context"
	"sync"
)

// Resolver reports whether a kind of content exists for an item and how to fetch it.
type Resolver interface {
	Resolve(ctx context.Context, item Item, kind Kind) (Handle, bool, error)
}

type resolution struct {
	handle    Handle
	available bool
}

// CachedResolver memoizes availability answers for the lifetime of the value.
// Errors are not cached.
type CachedResolver struct {
	next Resolver

	mu    sync.Mutex
	cache map[Key]resolution
}

func NewCachedResolver(next Resolver) *CachedResolver {
	return &CachedResolver{next: next, cache: make(map[Key]resolution)}
}

func (c *CachedResolver) Resolve(ctx context.Context, item Item, kind Kind) (Handle, bool, error) {
	key := Key{ItemID: item.ID, Kind: kind}

	c.mu.Lock()
	res, ok := c.cache[key]
	c.mu.Unlock()

	if ok {
		return res.handle, res.available, nil
	}

	handle, available, err := c.next.Resolve(ctx, item, kind)
	if err != nil {
		return Handle{}, false, err
	}

	c.mu.Lock()
	c.cache[key] = resolution{handle: handle, available: available}
	c.mu.Unlock()

	return handle, available, nil
}

// Forget drops the cached answer for a key.
func (c *CachedResolver) Forget(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.cache, key)
}

// ResolverFunc adapts a function to a Resolver.
type ResolverFunc func(ctx context.Context, item Item, kind Kind) (Handle, bool, error)

func (f ResolverFunc) Resolve(ctx context.Context, item Item, kind Kind) (Handle, bool, error) {
	return f(ctx, item, kind)
}
