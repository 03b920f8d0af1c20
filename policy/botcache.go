package policy

import (
	"context"
	"sync"

	"github.com/golang/glog"

	"github.com/doed/messenger/store"
)

// BotCache is a read-mostly cache of bot-flagged user ids. It loads
// lazily on first use and stays as-is until Invalidate is called, so a
// bot created afterwards is invisible to the mute-bypass rule until an
// explicit reload.
type BotCache struct {
	sync.RWMutex

	store  store.IStore
	ids    map[int64]bool
	loaded bool
}

func NewBotCache(s store.IStore) *BotCache {
	return &BotCache{store: s}
}

// Contains reports whether id belongs to a bot account.
func (c *BotCache) Contains(ctx context.Context, id int64) (bool, error) {
	c.RLock()
	if c.loaded {
		ok := c.ids[id]
		c.RUnlock()
		return ok, nil
	}
	c.RUnlock()

	if err := c.load(ctx); err != nil {
		return false, err
	}

	c.RLock()
	ok := c.ids[id]
	c.RUnlock()
	return ok, nil
}

// IDs returns the cached bot ids, loading them when necessary.
func (c *BotCache) IDs(ctx context.Context) ([]int64, error) {
	c.RLock()
	if !c.loaded {
		c.RUnlock()
		if err := c.load(ctx); err != nil {
			return nil, err
		}
		c.RLock()
	}
	out := make([]int64, 0, len(c.ids))
	for id := range c.ids {
		out = append(out, id)
	}
	c.RUnlock()
	return out, nil
}

// Invalidate drops the cached set. The next Contains or IDs call
// re-reads it from the store.
func (c *BotCache) Invalidate() {
	c.Lock()
	c.ids = nil
	c.loaded = false
	c.Unlock()
	glog.Info("bot cache invalidated")
}

func (c *BotCache) load(ctx context.Context) error {
	ids, err := c.store.ListBotIDs(ctx)
	if err != nil {
		glog.Errorf("bot cache load err: %v", err)
		return err
	}

	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}

	c.Lock()
	// A concurrent load may have won; overwriting with an equally
	// fresh set is fine.
	c.ids = set
	c.loaded = true
	c.Unlock()

	glog.V(5).Infof("bot cache loaded %d ids", len(ids))
	return nil
}
