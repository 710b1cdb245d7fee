// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package componentcache

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/bureau-foundation/syncshell/lib/clock"
	"github.com/bureau-foundation/syncshell/lib/compress"
	"github.com/bureau-foundation/syncshell/lib/modstate"
)

const shardCount = 16

// Default size budgets, in stored (compressed) bytes.
const (
	DefaultSoftLimit = 256 << 20
	DefaultHardLimit = 512 << 20
)

var (
	// ErrCacheExhausted is returned when storing would exceed the
	// hard limit even after evicting every unreferenced entry.
	ErrCacheExhausted = errors.New("componentcache: cache exhausted")

	// ErrHashMismatch is returned by Insert when the payload does not
	// hash to the expected content hash.
	ErrHashMismatch = errors.New("componentcache: content hash mismatch")
)

// Config holds cache parameters. Zero values select defaults.
type Config struct {
	// SoftLimit is the stored size above which unreferenced entries
	// are evicted after each insertion.
	SoftLimit int64

	// HardLimit is the stored size a new entry may never push the
	// cache past.
	HardLimit int64

	// Compression is "auto" (probe per payload), "none", "lz4", or
	// "zstd".
	Compression string
}

// Cache is a content-addressed store of component payloads. Identical
// payloads are stored once and reference counted; unreferenced,
// unpinned entries are evicted least recently used first once the
// soft limit is exceeded. Safe for concurrent use.
type Cache struct {
	clock     clock.Clock
	logger    *slog.Logger
	softLimit int64
	hardLimit int64
	auto      bool
	preferred compress.Tag

	shards [shardCount]*shard

	// evictMu serializes evictions and capacity checks so two
	// inserts cannot both pass the hard limit check.
	evictMu sync.Mutex

	storedSize atomic.Int64
	rawSize    atomic.Int64
	hits       atomic.Uint64
	misses     atomic.Uint64
	evictions  atomic.Uint64
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	hash          string
	componentType string
	identifier    string
	payload       []byte
	tag           compress.Tag
	size          int
	firstSeen     time.Time

	// lastAccessed is Unix nanoseconds; updated under the shard read
	// lock.
	lastAccessed atomic.Int64

	// Guarded by the shard lock.
	references int
	pins       int
}

// Info describes a cached entry.
type Info struct {
	Hash           string
	Type           string
	Identifier     string
	Size           int
	StoredSize     int
	Compression    compress.Tag
	FirstSeen      time.Time
	LastAccessed   time.Time
	ReferenceCount int
	PinCount       int
}

// New returns an empty cache.
func New(config Config, clk clock.Clock, logger *slog.Logger) (*Cache, error) {
	if config.SoftLimit <= 0 {
		config.SoftLimit = DefaultSoftLimit
	}
	if config.HardLimit <= 0 {
		config.HardLimit = max(DefaultHardLimit, config.SoftLimit)
	}
	if config.HardLimit < config.SoftLimit {
		return nil, fmt.Errorf("componentcache: hard limit %d below soft limit %d", config.HardLimit, config.SoftLimit)
	}
	cache := &Cache{
		clock:     clk,
		logger:    logger,
		softLimit: config.SoftLimit,
		hardLimit: config.HardLimit,
	}
	switch config.Compression {
	case "", "auto":
		cache.auto = true
	default:
		tag, err := compress.ParseTag(config.Compression)
		if err != nil {
			return nil, fmt.Errorf("componentcache: %w", err)
		}
		cache.preferred = tag
	}
	for index := range cache.shards {
		cache.shards[index] = &shard{entries: make(map[string]*entry)}
	}
	return cache, nil
}

func (c *Cache) shardFor(hash string) *shard {
	return c.shards[xxhash.Sum64String(hash)%shardCount]
}

func (c *Cache) touch(e *entry) {
	e.lastAccessed.Store(c.clock.Now().UnixNano())
}

// Store adds a payload and returns its content hash. If the content
// is already cached, nothing is stored and its reference count is
// incremented instead. Every successful Store must be balanced by a
// Release.
func (c *Cache) Store(componentType, identifier string, data []byte) (string, error) {
	hash := modstate.HashContent(data)
	if err := c.store(hash, componentType, identifier, data); err != nil {
		return "", err
	}
	return hash, nil
}

// Insert is Store for a payload received from a peer under an
// expected hash. The payload is rejected with ErrHashMismatch unless
// it hashes to expectedHash.
func (c *Cache) Insert(expectedHash, componentType, identifier string, data []byte) error {
	if actual := modstate.HashContent(data); actual != expectedHash {
		return fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, expectedHash, actual)
	}
	return c.store(expectedHash, componentType, identifier, data)
}

func (c *Cache) store(hash, componentType, identifier string, data []byte) error {
	if c.Acquire(hash) {
		return nil
	}

	var payload []byte
	var tag compress.Tag
	var err error
	if c.auto {
		payload, tag, err = compress.Auto(data)
	} else {
		payload, tag, err = compress.WithPreference(data, c.preferred)
	}
	if err != nil {
		return fmt.Errorf("componentcache: compressing %s: %w", hash, err)
	}
	if tag == compress.None {
		payload = slices.Clone(data)
	}

	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	if c.storedSize.Load()+int64(len(payload)) > c.hardLimit {
		c.evictLocked(c.hardLimit - int64(len(payload)))
		if c.storedSize.Load()+int64(len(payload)) > c.hardLimit {
			return fmt.Errorf("%w: %d bytes stored, %d more would exceed the hard limit of %d",
				ErrCacheExhausted, c.storedSize.Load(), len(payload), c.hardLimit)
		}
	}

	now := c.clock.Now()
	s := c.shardFor(hash)
	s.mu.Lock()
	if existing, ok := s.entries[hash]; ok {
		// Another goroutine stored the same content meanwhile.
		existing.references++
		s.mu.Unlock()
		c.touch(existing)
		return nil
	}
	e := &entry{
		hash:          hash,
		componentType: componentType,
		identifier:    identifier,
		payload:       payload,
		tag:           tag,
		size:          len(data),
		firstSeen:     now,
		references:    1,
	}
	e.lastAccessed.Store(now.UnixNano())
	s.entries[hash] = e
	s.mu.Unlock()

	c.storedSize.Add(int64(len(payload)))
	c.rawSize.Add(int64(len(data)))
	c.logger.Debug("cached component", "hash", hash, "type", componentType,
		"size", len(data), "stored_size", len(payload), "compression", tag.String())

	if c.storedSize.Load() > c.softLimit {
		c.evictLocked(c.softLimit)
	}
	return nil
}

// Has reports whether hash is cached. Lookups are counted toward the
// hit rate.
func (c *Cache) Has(hash string) bool {
	s := c.shardFor(hash)
	s.mu.RLock()
	_, ok := s.entries[hash]
	s.mu.RUnlock()
	c.record(ok)
	return ok
}

func (c *Cache) record(hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
}

// Get returns the decompressed payload for hash.
func (c *Cache) Get(hash string) ([]byte, bool) {
	s := c.shardFor(hash)
	s.mu.RLock()
	e, ok := s.entries[hash]
	var payload []byte
	var tag compress.Tag
	var size int
	if ok {
		payload, tag, size = e.payload, e.tag, e.size
		c.touch(e)
	}
	s.mu.RUnlock()
	c.record(ok)
	if !ok {
		return nil, false
	}

	data, err := compress.Decompress(payload, tag, size)
	if err != nil {
		c.logger.Error("cached component failed to decompress", "hash", hash, "error", err)
		return nil, false
	}
	if tag == compress.None {
		data = slices.Clone(data)
	}
	return data, true
}

// Lookup returns an entry's metadata without touching it or counting
// toward the hit rate.
func (c *Cache) Lookup(hash string) (Info, bool) {
	s := c.shardFor(hash)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[hash]
	if !ok {
		return Info{}, false
	}
	return Info{
		Hash:           e.hash,
		Type:           e.componentType,
		Identifier:     e.identifier,
		Size:           e.size,
		StoredSize:     len(e.payload),
		Compression:    e.tag,
		FirstSeen:      e.firstSeen,
		LastAccessed:   time.Unix(0, e.lastAccessed.Load()),
		ReferenceCount: e.references,
		PinCount:       e.pins,
	}, true
}

// Acquire increments hash's reference count. Returns false if hash is
// not cached.
func (c *Cache) Acquire(hash string) bool {
	return c.adjust(hash, func(e *entry) { e.references++ })
}

// Release decrements hash's reference count. The entry becomes
// evictable once both its references and pins reach zero.
func (c *Cache) Release(hash string) bool {
	return c.adjust(hash, func(e *entry) {
		if e.references > 0 {
			e.references--
		}
	})
}

// Pin protects hash from eviction. Pins are held for applied and
// historical states, independently of declaration references.
func (c *Cache) Pin(hash string) bool {
	return c.adjust(hash, func(e *entry) { e.pins++ })
}

// Unpin releases a pin taken by Pin.
func (c *Cache) Unpin(hash string) bool {
	return c.adjust(hash, func(e *entry) {
		if e.pins > 0 {
			e.pins--
		}
	})
}

func (c *Cache) adjust(hash string, change func(*entry)) bool {
	s := c.shardFor(hash)
	s.mu.Lock()
	e, ok := s.entries[hash]
	if ok {
		change(e)
	}
	s.mu.Unlock()
	if ok {
		c.touch(e)
	}
	return ok
}

// ReferenceCount returns hash's reference count, or zero if absent.
func (c *Cache) ReferenceCount(hash string) int {
	info, _ := c.Lookup(hash)
	return info.ReferenceCount
}

// Evict removes unreferenced, unpinned entries, least recently used
// first, until the stored size is within the soft limit. Returns the
// number removed.
func (c *Cache) Evict() int {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()
	return c.evictLocked(c.softLimit)
}

type candidate struct {
	hash         string
	lastAccessed int64
}

// evictLocked evicts until storedSize <= target. Caller holds evictMu.
func (c *Cache) evictLocked(target int64) int {
	if c.storedSize.Load() <= target {
		return 0
	}
	var candidates []candidate
	for _, s := range c.shards {
		s.mu.RLock()
		for hash, e := range s.entries {
			if e.references == 0 && e.pins == 0 {
				candidates = append(candidates, candidate{hash: hash, lastAccessed: e.lastAccessed.Load()})
			}
		}
		s.mu.RUnlock()
	}
	slices.SortFunc(candidates, func(a, b candidate) int {
		if c := cmp.Compare(a.lastAccessed, b.lastAccessed); c != 0 {
			return c
		}
		return cmp.Compare(a.hash, b.hash)
	})

	removed := 0
	for _, victim := range candidates {
		if c.storedSize.Load() <= target {
			break
		}
		s := c.shardFor(victim.hash)
		s.mu.Lock()
		e, ok := s.entries[victim.hash]
		// Re-check: the entry may have been acquired since the scan.
		if ok && e.references == 0 && e.pins == 0 {
			delete(s.entries, victim.hash)
			c.storedSize.Add(-int64(len(e.payload)))
			c.rawSize.Add(-int64(e.size))
			removed++
		}
		s.mu.Unlock()
	}
	if removed > 0 {
		c.evictions.Add(uint64(removed))
		c.logger.Debug("evicted components", "removed", removed, "stored_size", c.storedSize.Load())
	}
	return removed
}

// Stats is a point-in-time summary of the cache.
type Stats struct {
	Entries    int
	Size       int64
	StoredSize int64
	Hits       uint64
	Misses     uint64
	Evictions  uint64
}

// HitRate returns hits / (hits + misses), or zero before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	entries := 0
	for _, s := range c.shards {
		s.mu.RLock()
		entries += len(s.entries)
		s.mu.RUnlock()
	}
	return Stats{
		Entries:    entries,
		Size:       c.rawSize.Load(),
		StoredSize: c.storedSize.Load(),
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Evictions:  c.evictions.Load(),
	}
}
