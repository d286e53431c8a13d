package fakes

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemCache is an in-memory store.Cache for tests. TTLs are recorded but only
// honored when the test advances Clock manually; entries never expire on
// their own, keeping tests deterministic.
type MemCache struct {
	mu      sync.Mutex
	entries map[string]memEntry

	// Clock is compared against each entry's deadline. Zero disables expiry.
	Clock time.Time

	// Fail* inject cache outages per operation.
	FailGet      error
	FailGetMulti error
	FailSet      error
	FailSetMulti error
	FailAdd      error
	FailIncr     error
	FailDelete   error

	// Calls counts cache round trips per method name.
	Calls map[string]int
}

type memEntry struct {
	value    string
	deadline time.Time
}

func NewMemCache() *MemCache {
	return &MemCache{
		entries: map[string]memEntry{},
		Calls:   map[string]int{},
	}
}

func (c *MemCache) count(method string) {
	c.Calls[method]++
}

func (c *MemCache) expired(e memEntry) bool {
	return !c.Clock.IsZero() && !e.deadline.IsZero() && c.Clock.After(e.deadline)
}

func (c *MemCache) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 || c.Clock.IsZero() {
		return time.Time{}
	}
	return c.Clock.Add(ttl)
}

func (c *MemCache) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count("Get")

	if c.FailGet != nil {
		return "", false, c.FailGet
	}
	e, ok := c.entries[key]
	if !ok || c.expired(e) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (c *MemCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count("Set")

	if c.FailSet != nil {
		return c.FailSet
	}
	c.entries[key] = memEntry{value: value, deadline: c.deadline(ttl)}
	return nil
}

func (c *MemCache) GetMulti(ctx context.Context, keys []string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count("GetMulti")

	if c.FailGetMulti != nil {
		return nil, c.FailGetMulti
	}
	result := map[string]string{}
	for _, key := range keys {
		if e, ok := c.entries[key]; ok && !c.expired(e) {
			result[key] = e.value
		}
	}
	return result, nil
}

func (c *MemCache) SetMulti(ctx context.Context, values map[string]string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count("SetMulti")

	if c.FailSetMulti != nil {
		return c.FailSetMulti
	}
	for key, value := range values {
		c.entries[key] = memEntry{value: value, deadline: c.deadline(ttl)}
	}
	return nil
}

func (c *MemCache) Add(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count("Add")

	if c.FailAdd != nil {
		return false, c.FailAdd
	}
	if e, ok := c.entries[key]; ok && !c.expired(e) {
		return false, nil
	}
	c.entries[key] = memEntry{value: value, deadline: c.deadline(ttl)}
	return true, nil
}

func (c *MemCache) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count("Incr")

	if c.FailIncr != nil {
		return 0, c.FailIncr
	}
	var current int64
	if e, ok := c.entries[key]; ok && !c.expired(e) {
		current, _ = strconv.ParseInt(e.value, 10, 64)
	}
	current += delta
	c.entries[key] = memEntry{value: strconv.FormatInt(current, 10)}
	return current, nil
}

func (c *MemCache) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count("Delete")

	if c.FailDelete != nil {
		return c.FailDelete
	}
	for _, key := range keys {
		delete(c.entries, key)
	}
	return nil
}

// Contains reports whether a live entry exists for key.
func (c *MemCache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && !c.expired(e)
}

// Peek returns the raw cached value without counting a call.
func (c *MemCache) Peek(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.expired(e) {
		return "", false
	}
	return e.value, true
}

// Flush drops every entry.
func (c *MemCache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string]memEntry{}
}
