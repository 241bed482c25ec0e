// Package cache provides an LRU cache of encoded responses with disk
// persistence. The server keys it by the digest of a request body so that
// resubmitting the same task skips the deobfuscation.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrKeyNotFound is returned when a key is not found in the cache.
var ErrKeyNotFound = errors.New("key not found")

// Key returns the cache key of a request body.
func Key(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Entry is one cached response.
type Entry struct {
	Key        string    `msgpack:"key"`
	Value      []byte    `msgpack:"value"`
	AccessedAt time.Time `msgpack:"accessed_at"`
	CreatedAt  time.Time `msgpack:"created_at"`
}

// listItem is a node of the recency list.
type listItem struct {
	Entry
	prev *listItem
	next *listItem
}

// list is a doubly-linked list, most recently used at the head.
type list struct {
	head *listItem
	tail *listItem
	len  int
}

func (l *list) unlink(item *listItem) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		l.head = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		l.tail = item.prev
	}
	item.prev, item.next = nil, nil
	l.len--
}

func (l *list) pushFront(item *listItem) {
	item.next = l.head
	item.prev = nil
	if l.head != nil {
		l.head.prev = item
	}
	l.head = item
	if l.tail == nil {
		l.tail = item
	}
	l.len++
}

func (l *list) moveToFront(item *listItem) {
	if item == l.head {
		return
	}
	l.unlink(item)
	l.pushFront(item)
}

// Options configures the cache.
type Options struct {
	// MaxSize is the maximum number of entries. 0 means unlimited.
	MaxSize int

	// MaxBytes bounds the summed size of the values. 0 means unlimited.
	MaxBytes int64

	// OnEvict is called when an entry is evicted for space.
	OnEvict func(key string, value []byte)
}

// Stats are the cache counters.
type Stats struct {
	Length       int   `json:"length"`
	CurrentBytes int64 `json:"current_bytes"`
	HitCount     int64 `json:"hit_count"`
	MissCount    int64 `json:"miss_count"`
	Evictions    int64 `json:"evictions"`
}

// LRUCache is an in-memory LRU cache safe for concurrent use.
type LRUCache struct {
	mu           sync.Mutex
	items        map[string]*listItem
	lru          *list
	maxSize      int
	maxBytes     int64
	currentBytes int64
	onEvict      func(key string, value []byte)

	hits, misses, evictions int64
}

// New creates a cache with the given options.
func New(opts Options) *LRUCache {
	return &LRUCache{
		items:    make(map[string]*listItem),
		lru:      &list{},
		maxSize:  opts.MaxSize,
		maxBytes: opts.MaxBytes,
		onEvict:  opts.OnEvict,
	}
}

// Get returns the value stored under key.
func (c *LRUCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, found := c.items[key]
	if !found {
		c.misses++
		return nil, false
	}
	c.hits++
	item.AccessedAt = time.Now()
	c.lru.moveToFront(item)
	return item.Value, true
}

// Lookup is Get with an error for missing keys.
func (c *LRUCache) Lookup(key string) ([]byte, error) {
	v, ok := c.Get(key)
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrKeyNotFound)
	}
	return v, nil
}

// Set stores value under key, evicting least recently used entries when a
// limit is exceeded. A value larger than MaxBytes is not stored.
func (c *LRUCache) Set(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxBytes > 0 && int64(len(value)) > c.maxBytes {
		return
	}
	now := time.Now()
	if item, exists := c.items[key]; exists {
		c.currentBytes += int64(len(value) - len(item.Value))
		item.Value = value
		item.AccessedAt = now
		c.lru.moveToFront(item)
		c.evictIfNeeded()
		return
	}

	item := &listItem{Entry: Entry{Key: key, Value: value, AccessedAt: now, CreatedAt: now}}
	c.items[key] = item
	c.lru.pushFront(item)
	c.currentBytes += int64(len(value))
	c.evictIfNeeded()
}

// Delete removes key.
func (c *LRUCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, found := c.items[key]
	if !found {
		return
	}
	c.lru.unlink(item)
	delete(c.items, key)
	c.currentBytes -= int64(len(item.Value))
}

// Clear removes every entry. Counters are kept.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

// Len returns the number of entries.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns a snapshot of the counters.
func (c *LRUCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Length:       len(c.items),
		CurrentBytes: c.currentBytes,
		HitCount:     c.hits,
		MissCount:    c.misses,
		Evictions:    c.evictions,
	}
}

// HitRate returns hits over lookups, 0 before the first lookup.
func (c *LRUCache) HitRate() float64 {
	s := c.Stats()
	total := s.HitCount + s.MissCount
	if total == 0 {
		return 0
	}
	return float64(s.HitCount) / float64(total)
}

func (c *LRUCache) reset() {
	c.items = make(map[string]*listItem)
	c.lru = &list{}
	c.currentBytes = 0
}

func (c *LRUCache) evictIfNeeded() {
	for c.shouldEvict() {
		item := c.lru.tail
		if item == nil {
			return
		}
		c.lru.unlink(item)
		delete(c.items, item.Key)
		c.currentBytes -= int64(len(item.Value))
		c.evictions++
		if c.onEvict != nil {
			c.onEvict(item.Key, item.Value)
		}
	}
}

func (c *LRUCache) shouldEvict() bool {
	if c.maxSize > 0 && c.lru.len > c.maxSize {
		return true
	}
	return c.maxBytes > 0 && c.currentBytes > c.maxBytes
}

// Save writes the entries with msgpack, most recently used first.
func (c *LRUCache) Save(w io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := make([]Entry, 0, len(c.items))
	for item := c.lru.head; item != nil; item = item.next {
		entries = append(entries, item.Entry)
	}
	return msgpack.NewEncoder(w).Encode(entries)
}

// Load replaces the contents with entries written by Save, keeping their
// recency order. Limits are applied afterwards.
func (c *LRUCache) Load(r io.Reader) error {
	var entries []Entry
	if err := msgpack.NewDecoder(r).Decode(&entries); err != nil {
		return fmt.Errorf("failed to decode cache: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
	for i := len(entries) - 1; i >= 0; i-- {
		item := &listItem{Entry: entries[i]}
		if old, dup := c.items[item.Key]; dup {
			c.lru.unlink(old)
			c.currentBytes -= int64(len(old.Value))
		}
		c.items[item.Key] = item
		c.lru.pushFront(item)
		c.currentBytes += int64(len(item.Value))
	}
	c.evictIfNeeded()
	return nil
}

// PersistToFile saves the cache to path.
func PersistToFile(c *LRUCache, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create cache file: %w", err)
	}
	if err := c.Save(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadFromFile loads the cache from path. A missing file is not an error.
func LoadFromFile(c *LRUCache, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open cache file: %w", err)
	}
	defer f.Close()
	return c.Load(f)
}
