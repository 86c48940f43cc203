package validation

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"example.com/campaign-payments/services/donation/internal/domain"
)

type cachedFundraiser struct {
	f        *domain.Fundraiser
	loadedAt time.Time
}

// CachedFundraiserLookup кэширует сборы с TTL. Параллельные промахи по одному ID
// схлопываются в один запрос к источнику. Ошибки и «не найдено» не кэшируются.
type CachedFundraiserLookup struct {
	next  FundraiserLookup
	ttl   time.Duration
	now   func() time.Time
	mu    sync.RWMutex
	items map[string]cachedFundraiser
	group singleflight.Group
}

// NewCachedFundraiserLookup оборачивает источник кэшем.
func NewCachedFundraiserLookup(next FundraiserLookup, ttl time.Duration) *CachedFundraiserLookup {
	return &CachedFundraiserLookup{
		next:  next,
		ttl:   ttl,
		now:   time.Now,
		items: make(map[string]cachedFundraiser),
	}
}

// Get возвращает сбор из кэша или источника.
func (c *CachedFundraiserLookup) Get(ctx context.Context, id string) (*domain.Fundraiser, error) {
	c.mu.RLock()
	item, ok := c.items[id]
	c.mu.RUnlock()
	if ok && c.now().Sub(item.loadedAt) < c.ttl {
		return item.f, nil
	}

	v, err, _ := c.group.Do(id, func() (any, error) {
		f, err := c.next.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.items[id] = cachedFundraiser{f: f, loadedAt: c.now()}
		c.mu.Unlock()
		return f, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Fundraiser), nil
}

// Invalidate удаляет сбор из кэша.
func (c *CachedFundraiserLookup) Invalidate(id string) {
	c.mu.Lock()
	delete(c.items, id)
	c.mu.Unlock()
}
