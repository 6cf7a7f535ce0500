package render

import (
	"time"
)

// tmutex is a channel-backed mutex supporting a bounded-wait acquire,
// the Go equivalent of Python's threading.Lock.acquire(timeout=...)
// used throughout the original TaskCache/manager lock.
type tmutex chan struct{}

func newTMutex() tmutex {
	m := make(tmutex, 1)
	m <- struct{}{}
	return m
}

func (m tmutex) Lock(timeout time.Duration) error {
	select {
	case <-m:
		return nil
	case <-time.After(timeout):
		return ErrLockTimeout
	}
}

func (m tmutex) Unlock() {
	m <- struct{}{}
}

type cacheEntry struct {
	expiry time.Time
	task   *Task
}

// TaskCache is the TTL-keyed (session_id -> Task) store from spec.md
// §4.1. All operations serialize on a single lock with a bounded wait;
// a caller that cannot acquire it within LockTimeout gets ErrLockTimeout
// rather than blocking forever.
type TaskCache struct {
	lockTimeout time.Duration
	mu          tmutex
	base        map[string]cacheEntry
}

// NewTaskCache builds an empty cache. lockTimeout is normally
// render.LockTimeout; tests may pass a shorter one.
func NewTaskCache(lockTimeout time.Duration) *TaskCache {
	return &TaskCache{
		lockTimeout: lockTimeout,
		mu:          newTMutex(),
		base:        make(map[string]cacheEntry),
	}
}

// Put inserts or overwrites key with the given ttl. Returns
// ErrLockTimeout if the internal lock cannot be acquired in time.
func (c *TaskCache) Put(key string, task *Task, ttl time.Duration) error {
	if err := c.mu.Lock(c.lockTimeout); err != nil {
		return err
	}
	defer c.mu.Unlock()
	c.base[key] = cacheEntry{expiry: time.Now().Add(ttl), task: task}
	return nil
}

// TryGet returns the task for key if present and unexpired. An expired
// entry is removed as a side effect and (nil, false) is returned, same
// as an absent key.
func (c *TaskCache) TryGet(key string) (*Task, bool) {
	if err := c.mu.Lock(c.lockTimeout); err != nil {
		return nil, false
	}
	defer c.mu.Unlock()
	entry, ok := c.base[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiry) || time.Now().Equal(entry.expiry) {
		delete(c.base, key)
		return nil, false
	}
	return entry.task, true
}

// Keep extends key's expiry to now+ttl if present, returning whether an
// entry existed to extend.
func (c *TaskCache) Keep(key string, ttl time.Duration) bool {
	if err := c.mu.Lock(c.lockTimeout); err != nil {
		return false
	}
	defer c.mu.Unlock()
	entry, ok := c.base[key]
	if !ok {
		return false
	}
	entry.expiry = time.Now().Add(ttl)
	c.base[key] = entry
	return true
}

// Delete removes key if present, returning whether it was present.
func (c *TaskCache) Delete(key string) bool {
	if err := c.mu.Lock(c.lockTimeout); err != nil {
		return false
	}
	defer c.mu.Unlock()
	if _, ok := c.base[key]; !ok {
		return false
	}
	delete(c.base, key)
	return true
}

// Clean sweeps every expired entry.
func (c *TaskCache) Clean() {
	if err := c.mu.Lock(c.lockTimeout); err != nil {
		return
	}
	defer c.mu.Unlock()
	now := time.Now()
	for key, entry := range c.base {
		if !now.Before(entry.expiry) {
			delete(c.base, key)
		}
	}
}

// Clear removes every entry.
func (c *TaskCache) Clear() {
	if err := c.mu.Lock(c.lockTimeout); err != nil {
		return
	}
	defer c.mu.Unlock()
	c.base = make(map[string]cacheEntry)
}

// Len reports the number of entries currently held, expired or not.
func (c *TaskCache) Len() int {
	if err := c.mu.Lock(c.lockTimeout); err != nil {
		return 0
	}
	defer c.mu.Unlock()
	return len(c.base)
}
