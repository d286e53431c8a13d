package store

import (
	"log/slog"
	"time"
)

// CacheStats receives hit/miss counts from cache-aside batch loads.
type CacheStats interface {
	CacheLookup(namespace string, hits, misses int)
}

// Store is the entity/relation persistence layer: a relational backing store
// behind a distributed cache, with uniform create/load/mutate/commit
// semantics for every registered kind.
type Store struct {
	backend  Backend
	cache    Cache
	registry *Registry
	locks    *LockService
	logger   *slog.Logger

	listeners []CommitListener
	stats     CacheStats

	cacheTTL time.Duration
	queryTTL time.Duration
}

// Option customizes a Store at construction.
type Option func(*Store)

// WithCommitListener subscribes a listener to successful-commit events.
func WithCommitListener(l CommitListener) Option {
	return func(s *Store) {
		s.listeners = append(s.listeners, l)
	}
}

// WithCacheStats installs a hit/miss statistics callback.
func WithCacheStats(stats CacheStats) Option {
	return func(s *Store) {
		s.stats = stats
	}
}

// WithCacheTTL bounds how long cached things and relations live.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.cacheTTL = ttl
	}
}

// WithQueryTTL bounds how long cached query results live.
func WithQueryTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.queryTTL = ttl
	}
}

func New(backend Backend, cache Cache, registry *Registry, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		backend:  backend,
		cache:    cache,
		registry: registry,
		locks:    NewLockService(cache, logger),
		logger:   logger,
		cacheTTL: 1 * time.Hour,
		queryTTL: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry exposes the kind registry, e.g. for fullname round trips.
func (s *Store) Registry() *Registry {
	return s.registry
}

func (s *Store) countLookup(namespace string, hits, misses int) {
	if s.stats != nil {
		s.stats.CacheLookup(namespace, hits, misses)
	}
}
