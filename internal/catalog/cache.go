package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/cache"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/observability"
)

// RefreshHook observes every refresh attempt.
type RefreshHook func(snap *Snapshot, err error)

// Cache holds the current Snapshot of the active catalog version. Readers
// never block on a refresh and never see a partially built snapshot.
type Cache struct {
	store   Store
	logger  *observability.Logger
	current atomic.Pointer[Snapshot]
	refresh sync.Mutex
	trigger chan struct{}
	hook    RefreshHook
	now     func() time.Time
}

// NewCache creates an empty cache over store. Call Refresh before serving.
func NewCache(store Store, logger *observability.Logger) *Cache {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Cache{
		store:   store,
		logger:  logger.WithOperation("catalog_cache"),
		trigger: make(chan struct{}, 1),
		now:     time.Now,
	}
}

// OnRefresh registers a hook called after each refresh attempt.
func (c *Cache) OnRefresh(hook RefreshHook) {
	c.hook = hook
}

// Snapshot returns the published snapshot, or nil before the first
// successful refresh.
func (c *Cache) Snapshot() *Snapshot {
	return c.current.Load()
}

// Refresh builds a new snapshot from the store and publishes it. On failure
// the previous snapshot stays in place.
func (c *Cache) Refresh(ctx context.Context) error {
	c.refresh.Lock()
	defer c.refresh.Unlock()

	start := c.now()
	version, entries, err := c.store.ListActive(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Catalog cache refresh failed, keeping previous snapshot")
		c.notify(nil, err)
		return fmt.Errorf("list active catalog: %w", err)
	}

	snap := NewSnapshot(version, entries, c.now())
	prev := c.current.Swap(snap)

	evt := c.logger.Info().
		Str("version", version).
		Int("entries", snap.Len()).
		Dur("duration", c.now().Sub(start))
	if prev != nil {
		evt = evt.Str("previous_version", prev.Version)
	}
	evt.Msg("Catalog cache refreshed")

	c.notify(snap, nil)
	return nil
}

// Trigger requests an asynchronous refresh from Run. Multiple triggers
// before the refresh starts collapse into one.
func (c *Cache) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Run refreshes on every interval tick and on Trigger until ctx is done.
func (c *Cache) Run(ctx context.Context, interval, timeout time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info().Dur("interval", interval).Msg("Catalog cache refresher started")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("Catalog cache refresher stopped")
			return
		case <-ticker.C:
		case <-c.trigger:
		}

		refreshCtx, cancel := context.WithTimeout(ctx, timeout)
		_ = c.Refresh(refreshCtx)
		cancel()
	}
}

// WatchActivations triggers a refresh for every activation event published
// on channel. It blocks until ctx is done or the subscription closes.
func (c *Cache) WatchActivations(ctx context.Context, ps cache.PubSub, channel string) error {
	msgs, unsubscribe, err := ps.Subscribe(ctx, channel)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var evt ActivationEvent
			if err := json.Unmarshal(msg, &evt); err != nil {
				c.logger.Warn().Err(err).Msg("Ignoring malformed activation event")
				continue
			}
			current := c.Snapshot()
			if current != nil && current.Version == evt.Version {
				continue
			}
			c.logger.Info().Str("version", evt.Version).Msg("Catalog activation received, refreshing")
			c.Trigger()
		}
	}
}

func (c *Cache) notify(snap *Snapshot, err error) {
	if c.hook != nil {
		c.hook(snap, err)
	}
}
