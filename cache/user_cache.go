// Package cache fronts the user repository with a TTL cache so per-request
// user resolution does not hit the store every time. Cached copies are
// still untrusted until their checksum validates; a stale copy simply fails
// validation and is evicted.
package cache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"go.tradekit.io/authcore/domain"
)

// UserCache is a read-through TTL cache over a UserRepository.
type UserCache struct {
	users domain.UserRepository
	cache *ttlcache.Cache[int64, *domain.User]
}

// NewUserCache creates the cache and starts its expiry loop.
func NewUserCache(users domain.UserRepository, ttl time.Duration) *UserCache {
	c := &UserCache{
		users: users,
		cache: ttlcache.New[int64, *domain.User](
			ttlcache.WithTTL[int64, *domain.User](ttl),
		),
	}
	go c.cache.Start()
	return c
}

// Get returns the user by id, loading from the repository on a miss. The
// returned user is a private copy; the cached instance is never handed out,
// so callers may mutate their copy without racing other requests.
func (c *UserCache) Get(ctx context.Context, id int64) (*domain.User, error) {
	if item := c.cache.Get(id); item != nil {
		return item.Value().Clone(), nil
	}

	user, err := c.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	c.cache.Set(id, user, ttlcache.DefaultTTL)
	return user.Clone(), nil
}

// Invalidate drops a cached user after its record has been mutated.
func (c *UserCache) Invalidate(id int64) {
	c.cache.Delete(id)
}

// Stop terminates the expiry loop.
func (c *UserCache) Stop() {
	c.cache.Stop()
}
