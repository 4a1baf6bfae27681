package store

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"schedflow/internal/domain"
)

// ScheduleCache is a read-through cache of schedules keyed by id. Writers
// must call Invalidate after changing a schedule.
type ScheduleCache struct {
	store *Store
	lru   *expirable.LRU[string, domain.Schedule]
}

func NewScheduleCache(s *Store, size int, ttl time.Duration) *ScheduleCache {
	if size <= 0 {
		size = 1024
	}
	return &ScheduleCache{store: s, lru: expirable.NewLRU[string, domain.Schedule](size, nil, ttl)}
}

func (c *ScheduleCache) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	if sc, ok := c.lru.Get(id); ok {
		return sc, nil
	}
	sc, err := c.store.GetSchedule(ctx, id)
	if err != nil {
		return domain.Schedule{}, err
	}
	c.lru.Add(id, sc)
	return sc, nil
}

func (c *ScheduleCache) Invalidate(id string) { c.lru.Remove(id) }
