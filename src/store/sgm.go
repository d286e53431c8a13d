package store

import (
	"context"
	"crypto/md5"
	"fmt"
	"sort"
	"strings"
)

// missFn computes the values for cache keys that missed. It must return an
// entry for every key it could resolve; keys it omits stay absent.
type missFn func(ctx context.Context, missing []string) (map[string]string, error)

// safeGetMulti is the cache-aside batch loader: get_multi the cache, compute
// the misses under a lock scoped to the missing key set, re-check the cache
// after acquiring (another caller may have just populated it), and write the
// newly computed values back with a bounded TTL.
//
// Cache failures are not fatal — the loader degrades to computing everything
// from the backing store. Compute failures propagate and nothing is cached.
func (s *Store) safeGetMulti(ctx context.Context, namespace string, keys []string, miss missFn) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}

	cached, err := s.cache.GetMulti(ctx, keys)
	if err != nil {
		s.logger.Warn("cache get_multi failed, recomputing full batch",
			"namespace", namespace, "error", err)
		return miss(ctx, keys)
	}

	missing := missingKeys(keys, cached)
	s.countLookup(namespace, len(cached), len(missing))
	if len(missing) == 0 {
		return cached, nil
	}

	guard, err := s.locks.Acquire(ctx, batchLockName(namespace, missing))
	if err != nil {
		return nil, err
	}
	defer guard.Release(ctx)

	// somebody else may have filled the gap while we waited for the lock
	refreshed, err := s.cache.GetMulti(ctx, missing)
	if err == nil {
		for k, v := range refreshed {
			cached[k] = v
		}
		missing = missingKeys(missing, refreshed)
		if len(missing) == 0 {
			return cached, nil
		}
	}

	computed, err := miss(ctx, missing)
	if err != nil {
		return nil, err
	}
	for k, v := range computed {
		cached[k] = v
	}

	if len(computed) > 0 {
		if err := s.cache.SetMulti(ctx, computed, s.cacheTTL); err != nil {
			s.logger.Warn("cache write-back failed", "namespace", namespace, "error", err)
		}
	}

	return cached, nil
}

func missingKeys(keys []string, have map[string]string) []string {
	var missing []string
	for _, k := range keys {
		if _, ok := have[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

// batchLockName derives a stable lock name from the set of missing keys so
// that identical concurrent batches serialize on one lock.
func batchLockName(namespace string, missing []string) string {
	sorted := make([]string, len(missing))
	copy(sorted, missing)
	sort.Strings(sorted)
	sum := md5.Sum([]byte(strings.Join(sorted, "\x00")))
	return fmt.Sprintf("sgm:%s:%x", namespace, sum)
}
