package cache

import (
	"fmt"
	"sync"
	"time"
)

// Key identifies a translation. Equality is structural.
type Key struct {
	Text       string
	SourceLang string
	TargetLang string
}

type entry struct {
	value      string
	insertedAt time.Time
	seq        uint64
}

type Stats struct {
	Size   int   `json:"size"`
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// ConfigError reports an invalid cache construction parameter.
type ConfigError struct {
	Field string
	Value any
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid cache config: %s must be positive, got %v", e.Field, e.Value)
}

// InvalidKeyError is returned by Set for keys with empty text.
type InvalidKeyError struct {
	SourceLang string
	TargetLang string
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("invalid cache key %s->%s: text is empty", e.SourceLang, e.TargetLang)
}

// Option customises a TranslationCache.
type Option func(*TranslationCache)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *TranslationCache) {
		if now != nil {
			c.now = now
		}
	}
}

// TranslationCache is a bounded TTL cache of translations.
// Overflow evicts the oldest-inserted entry; reads do not refresh entries.
type TranslationCache struct {
	maxSize int
	ttl     time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[Key]entry
	seq     uint64
	hits    int64
	misses  int64
}

func New(maxSize int, ttl time.Duration, opts ...Option) (*TranslationCache, error) {
	if maxSize <= 0 {
		return nil, &ConfigError{Field: "maxSize", Value: maxSize}
	}
	if ttl <= 0 {
		return nil, &ConfigError{Field: "ttl", Value: ttl}
	}
	c := &TranslationCache{
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[Key]entry, maxSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *TranslationCache) Get(key Key) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return "", false
	}
	if c.expiredLocked(e, c.now()) {
		delete(c.entries, key)
		c.misses++
		return "", false
	}
	c.hits++
	return e.value, true
}

func (c *TranslationCache) Set(key Key, value string) error {
	if key.Text == "" {
		return &InvalidKeyError{SourceLang: key.SourceLang, TargetLang: key.TargetLang}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.purgeLocked(now)
		if len(c.entries) >= c.maxSize {
			c.evictOldestLocked()
		}
	}
	c.seq++
	c.entries[key] = entry{value: value, insertedAt: now, seq: c.seq}
	return nil
}

func (c *TranslationCache) Delete(key Key) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear drops every entry and resets the hit/miss counters.
func (c *TranslationCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[Key]entry, c.maxSize)
	c.hits = 0
	c.misses = 0
	c.mu.Unlock()
}

func (c *TranslationCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *TranslationCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Size: len(c.entries), Hits: c.hits, Misses: c.misses}
}

// Purge removes expired entries and returns how many were dropped.
func (c *TranslationCache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeLocked(c.now())
}

func (c *TranslationCache) purgeLocked(now time.Time) int {
	removed := 0
	for k, e := range c.entries {
		if c.expiredLocked(e, now) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

func (c *TranslationCache) evictOldestLocked() {
	var (
		oldestKey Key
		oldestSeq uint64
		found     bool
	)
	// seq follows insertion order, so it also breaks ties between equal timestamps.
	for k, e := range c.entries {
		if !found || e.seq < oldestSeq {
			oldestKey, oldestSeq, found = k, e.seq, true
		}
	}
	if found {
		delete(c.entries, oldestKey)
	}
}

func (c *TranslationCache) expiredLocked(e entry, now time.Time) bool {
	return now.Sub(e.insertedAt) >= c.ttl
}
