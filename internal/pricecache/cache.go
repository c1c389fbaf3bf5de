package pricecache

import (
	"sync"

	"marketOpenBot/internal/domain"
)

// Cache holds the latest tick per epic. Readers never observe a torn tick:
// each update replaces the whole value under the write lock.
type Cache struct {
	mu     sync.RWMutex
	ticks  map[string]domain.PriceTick
	subs   map[int]chan struct{}
	nextID int
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{
		ticks: make(map[string]domain.PriceTick),
		subs:  make(map[int]chan struct{}),
	}
}

// Update stores tick as the latest for its epic and wakes subscribers.
// Older ticks than the stored one are ignored. Returns false if tick was dropped.
func (c *Cache) Update(tick domain.PriceTick) bool {
	if !tick.IsValid() {
		return false
	}

	c.mu.Lock()
	if prev, ok := c.ticks[tick.Epic]; ok && tick.Timestamp.Before(prev.Timestamp) {
		c.mu.Unlock()
		return false
	}
	c.ticks[tick.Epic] = tick
	notify := make([]chan struct{}, 0, len(c.subs))
	for _, ch := range c.subs {
		notify = append(notify, ch)
	}
	c.mu.Unlock()

	for _, ch := range notify {
		select {
		case ch <- struct{}{}:
		default: // Subscriber already has a pending wake-up
		}
	}
	return true
}

// Snapshot returns the latest tick for epic.
func (c *Cache) Snapshot(epic string) (domain.PriceTick, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.ticks[epic]
	return t, ok
}

// Subscribe returns a channel that receives a signal after each update.
// Bursts coalesce into one pending signal; readers call Snapshot for the latest value.
func (c *Cache) Subscribe() (<-chan struct{}, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	ch := make(chan struct{}, 1)
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// Len returns the number of epics cached.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ticks)
}
