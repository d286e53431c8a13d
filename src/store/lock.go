package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// LockService implements the three scoped locks of the store (per-thing
// commit locks, per-query-identity locks, per-batch cache-aside locks) on top
// of the cache's add-if-absent primitive. Each acquired lock carries a random
// owner token so a holder never releases a lock that expired and was
// re-acquired by someone else.
type LockService struct {
	cache   Cache
	logger  *slog.Logger
	ttl     time.Duration
	timeout time.Duration
	poll    time.Duration
}

func NewLockService(cache Cache, logger *slog.Logger) *LockService {
	return &LockService{
		cache:   cache,
		logger:  logger,
		ttl:     30 * time.Second,
		timeout: 30 * time.Second,
		poll:    100 * time.Millisecond,
	}
}

// WithTimeouts overrides the lock timings. Batch jobs that prefer failing
// fast, and tests, shorten them.
func (ls *LockService) WithTimeouts(ttl, timeout, poll time.Duration) *LockService {
	ls.ttl = ttl
	ls.timeout = timeout
	ls.poll = poll
	return ls
}

// LockGuard is a held lock. Release it on every exit path.
type LockGuard struct {
	svc   *LockService
	key   string
	owner string
}

// Acquire polls until the lock is free or the timeout expires. A timeout is
// surfaced as ErrLockTimeout so the caller can decide whether to retry.
func (ls *LockService) Acquire(ctx context.Context, name string) (*LockGuard, error) {
	key := "lock:" + name
	owner := uuid.NewString()
	deadline := time.Now().Add(ls.timeout)

	for {
		ok, err := ls.cache.Add(ctx, key, owner, ls.ttl)
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", name, err)
		}
		if ok {
			return &LockGuard{svc: ls, key: key, owner: owner}, nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock %s: %w", name, ErrLockTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock %s: %w", name, ctx.Err())
		case <-time.After(ls.poll):
		}
	}
}

// Release deletes the lock key if this guard still owns it. Failures are
// logged, not returned: an unreleased lock expires with its TTL.
func (g *LockGuard) Release(ctx context.Context) {
	value, found, err := g.svc.cache.Get(ctx, g.key)
	if err != nil {
		g.svc.logger.Warn("lock release check failed", "key", g.key, "error", err)
		return
	}
	if !found || value != g.owner {
		// expired or taken over; nothing to release
		return
	}
	if err := g.svc.cache.Delete(ctx, g.key); err != nil {
		g.svc.logger.Warn("lock release failed", "key", g.key, "error", err)
	}
}
