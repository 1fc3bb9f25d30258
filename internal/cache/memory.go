package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryClient is an in-process Client and PubSub for single-node
// deployments and tests. When full, the entry closest to expiry is evicted.
type MemoryClient struct {
	mu      sync.RWMutex
	data    map[string]memoryEntry
	maxSize int
	now     func() time.Time

	subMu sync.Mutex
	subs  map[string][]chan []byte

	stop     chan struct{}
	stopOnce sync.Once
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryClient creates a memory client holding at most maxSize entries
// (10000 when maxSize <= 0).
func NewMemoryClient(maxSize int) *MemoryClient {
	if maxSize <= 0 {
		maxSize = 10000
	}
	c := &MemoryClient{
		data:    make(map[string]memoryEntry),
		maxSize: maxSize,
		now:     time.Now,
		subs:    make(map[string][]chan []byte),
		stop:    make(chan struct{}),
	}
	go c.sweep(time.Minute)
	return c
}

func (c *MemoryClient) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.lookup(key); ok {
		return v, nil
	}
	return nil, ErrCacheMiss
}

func (c *MemoryClient) GetMany(ctx context.Context, keys []string) ([][]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i], _ = c.lookup(k)
	}
	return out, nil
}

func (c *MemoryClient) lookup(key string) ([]byte, bool) {
	e, ok := c.data[key]
	if !ok || c.now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

func (c *MemoryClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(key, value, ttl)
	return nil
}

func (c *MemoryClient) SetMany(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range items {
		c.store(k, v, ttl)
	}
	return nil
}

func (c *MemoryClient) store(key string, value []byte, ttl time.Duration) {
	if _, exists := c.data[key]; !exists && len(c.data) >= c.maxSize {
		c.evictSoonest()
	}
	c.data[key] = memoryEntry{value: value, expiresAt: c.now().Add(ttl)}
}

// Len returns the number of stored entries, expired or not.
func (c *MemoryClient) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Close stops the sweeper and closes every subscription.
func (c *MemoryClient) Close() error {
	c.stopOnce.Do(func() {
		close(c.stop)

		c.subMu.Lock()
		for _, list := range c.subs {
			for _, ch := range list {
				close(ch)
			}
		}
		c.subs = make(map[string][]chan []byte)
		c.subMu.Unlock()
	})
	return nil
}

// Publish delivers a JSON-encoded message to in-process subscribers.
// A subscriber with a full buffer misses the message.
func (c *MemoryClient) Publish(ctx context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs[channel] {
		select {
		case ch <- data:
		default:
		}
	}
	return nil
}

func (c *MemoryClient) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 16)

	c.subMu.Lock()
	c.subs[channel] = append(c.subs[channel], ch)
	c.subMu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			c.subMu.Lock()
			defer c.subMu.Unlock()
			list := c.subs[channel]
			for i, existing := range list {
				if existing == ch {
					c.subs[channel] = append(list[:i], list[i+1:]...)
					close(ch)
					return
				}
			}
		})
	}
	return ch, unsubscribe, nil
}

func (c *MemoryClient) evictSoonest() {
	var key string
	var soonest time.Time
	for k, e := range c.data {
		if key == "" || e.expiresAt.Before(soonest) {
			key, soonest = k, e.expiresAt
		}
	}
	if key != "" {
		delete(c.data, key)
	}
}

func (c *MemoryClient) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := c.now()
			for k, e := range c.data {
				if now.After(e.expiresAt) {
					delete(c.data, k)
				}
			}
			c.mu.Unlock()
		}
	}
}

var (
	_ Client = (*MemoryClient)(nil)
	_ PubSub = (*MemoryClient)(nil)
)
