package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/code-vibe/cryptotrade-exchange/internal/storage"
)

type PairStore interface {
	ListTradingPairs(ctx context.Context, activeOnly bool) ([]storage.TradingPair, error)
}

// PairCache keeps trading pair reference data in memory. Pairs change
// rarely; a periodic Refresh keeps the cache close enough to the database.
type PairCache struct {
	mu          sync.RWMutex
	pairs       map[string]storage.TradingPair
	byID        map[uuid.UUID]storage.TradingPair
	lastRefresh time.Time
}

func NewPairCache() *PairCache {
	return &PairCache{
		pairs: make(map[string]storage.TradingPair),
		byID:  make(map[uuid.UUID]storage.TradingPair),
	}
}

func (c *PairCache) Load(ctx context.Context, store PairStore) error {
	pairs, err := store.ListTradingPairs(ctx, false)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.pairs = make(map[string]storage.TradingPair, len(pairs))
	c.byID = make(map[uuid.UUID]storage.TradingPair, len(pairs))
	for _, pair := range pairs {
		symbol := strings.ToUpper(strings.TrimSpace(pair.Symbol))
		if symbol == "" {
			continue
		}
		pair.Symbol = symbol
		c.pairs[symbol] = pair
		c.byID[pair.ID] = pair
	}
	c.lastRefresh = time.Now().UTC()
	return nil
}

func (c *PairCache) Refresh(ctx context.Context, store PairStore) error {
	return c.Load(ctx, store)
}

func (c *PairCache) GetPair(symbol string) (*storage.TradingPair, bool) {
	key := strings.ToUpper(strings.TrimSpace(symbol))
	if key == "" {
		return nil, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	pair, ok := c.pairs[key]
	if !ok {
		return nil, false
	}
	copy := pair
	return &copy, true
}

func (c *PairCache) GetPairByID(id uuid.UUID) (*storage.TradingPair, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	pair, ok := c.byID[id]
	if !ok {
		return nil, false
	}
	copy := pair
	return &copy, true
}

func (c *PairCache) ListPairs() []storage.TradingPair {
	c.mu.RLock()
	defer c.mu.RUnlock()

	pairs := make([]storage.TradingPair, 0, len(c.pairs))
	for _, pair := range c.pairs {
		pairs = append(pairs, pair)
	}
	return pairs
}

func (c *PairCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pairs)
}

func (c *PairCache) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefresh
}
