// Package semaphore serializes concurrent requests sharing a session or
// client address through named advisory locks held in Redis, so the
// guarantee survives multi-process and multi-host deployment.
package semaphore

import (
	"context"
	"crypto/md5" //nolint:gosec // md5 only shortens the IP into a stable key
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"go.tradekit.io/authcore/errors"
	"go.tradekit.io/authcore/internal/metrics"
)

// Store is the subset of redis commands the locker needs. *redis.Client
// satisfies it.
type Store interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// releaseScript deletes the lock key only when this locker still owns it.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// Policy decides what happens when the resource is already held.
type Policy struct {
	Block bool
	Wait  time.Duration
}

// Reject fails immediately when another holder is present.
var Reject = Policy{}

// BlockFor waits up to the given bound for the holder to release.
func BlockFor(wait time.Duration) Policy {
	return Policy{Block: true, Wait: wait}
}

// Locker acquires named advisory locks. The TTL bounds how long a crashed
// holder can wedge a resource.
type Locker struct {
	store      Store
	ttl        time.Duration
	retryEvery time.Duration
}

// NewLocker creates a Locker. ttl <= 0 defaults to 30s.
func NewLocker(store Store, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{
		store:      store,
		ttl:        ttl,
		retryEvery: 50 * time.Millisecond,
	}
}

// Lock is a held advisory lock. It must be released on every exit path of
// the request that acquired it.
type Lock struct {
	store    Store
	resource string
	owner    string
	released bool
}

// Acquire obtains the named lock under the given policy. Contention fails
// with CONCURRENT_REQUEST_BLOCKED (reject policy) or
// CONCURRENT_REQUEST_TIMEOUT (block policy past its wait bound).
func (l *Locker) Acquire(ctx context.Context, resource string, p Policy) (*Lock, error) {
	owner := uuid.NewString()
	key := "semaphore:" + resource

	deadline := time.Now().Add(p.Wait)
	for {
		ok, err := l.store.SetNX(ctx, key, owner, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("semaphore store error for %q: %w", resource, err)
		}
		if ok {
			return &Lock{store: l.store, resource: key, owner: owner}, nil
		}

		if !p.Block {
			metrics.LockContentionTotal.WithLabelValues("rejected").Inc()
			return nil, errors.NewConcurrency(errors.CodeConcurrentRequestBlocked)
		}
		if time.Now().After(deadline) {
			metrics.LockContentionTotal.WithLabelValues("timeout").Inc()
			return nil, errors.NewConcurrency(errors.CodeConcurrentRequestTimeout)
		}

		select {
		case <-ctx.Done():
			metrics.LockContentionTotal.WithLabelValues("timeout").Inc()
			return nil, errors.NewConcurrency(errors.CodeConcurrentRequestTimeout)
		case <-time.After(l.retryEvery):
		}
	}
}

// Release frees the lock if still owned. It is idempotent and safe to defer.
func (lk *Lock) Release(ctx context.Context) {
	if lk == nil || lk.released {
		return
	}
	lk.released = true

	if _, err := lk.store.Eval(ctx, releaseScript, []string{lk.resource}, lk.owner).Result(); err != nil {
		// The TTL will reclaim the key; log and move on.
		log.Warn().Err(err).Str("resource", lk.resource).Msg("Failed to release semaphore lock")
	}
}

// SessionResource names the lock serializing requests of one session.
func SessionResource(sessionID int64) string {
	return fmt.Sprintf("public_api_sess_%d", sessionID)
}

// IPResource names the lock serializing requests of one client address.
func IPResource(ip string) string {
	return fmt.Sprintf("public_api_ip_%x", md5.Sum([]byte(ip)))
}
