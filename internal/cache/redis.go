// Package cache keeps resolved pages in Redis between writes.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"logbook/api/internal/content"
	"logbook/api/internal/sections"
)

type SectionCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewSectionCache(client *redis.Client, ttl time.Duration) *SectionCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &SectionCache{client: client, prefix: "logbook:sections:", ttl: ttl}
}

// genKey holds the page's generation counter. It carries no TTL, so a
// generation never goes back to an earlier value while Redis keeps data.
func (c *SectionCache) genKey(logbookID string, pageType sections.PageType) string {
	return c.prefix + logbookID + ":" + string(pageType) + ":gen"
}

func (c *SectionCache) dataKey(logbookID string, pageType sections.PageType, generation int64) string {
	return c.prefix + logbookID + ":" + string(pageType) + ":" + strconv.FormatInt(generation, 10)
}

func (c *SectionCache) generation(ctx context.Context, logbookID string, pageType sections.PageType) (int64, error) {
	gen, err := c.client.Get(ctx, c.genKey(logbookID, pageType)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read section generation: %w", err)
	}
	return gen, nil
}

func (c *SectionCache) Get(ctx context.Context, logbookID string, pageType sections.PageType) ([]content.EffectiveSection, int64, bool, error) {
	gen, err := c.generation(ctx, logbookID, pageType)
	if err != nil {
		return nil, 0, false, err
	}
	raw, err := c.client.Get(ctx, c.dataKey(logbookID, pageType, gen)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, gen, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("read cached sections: %w", err)
	}
	var items []content.EffectiveSection
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, 0, false, fmt.Errorf("decode cached sections: %w", err)
	}
	return items, gen, true, nil
}

// Set stores items under the given generation. A write for a generation that
// Invalidate has already retired lands on a key Get no longer reads and
// expires with the TTL.
func (c *SectionCache) Set(ctx context.Context, logbookID string, pageType sections.PageType, generation int64, items []content.EffectiveSection) error {
	payload, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode sections: %w", err)
	}
	if err := c.client.Set(ctx, c.dataKey(logbookID, pageType, generation), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("write cached sections: %w", err)
	}
	return nil
}

func (c *SectionCache) Invalidate(ctx context.Context, logbookID string, pageType sections.PageType) error {
	gen, err := c.client.Incr(ctx, c.genKey(logbookID, pageType)).Result()
	if err != nil {
		return fmt.Errorf("invalidate cached sections: %w", err)
	}
	if err := c.client.Del(ctx, c.dataKey(logbookID, pageType, gen-1)).Err(); err != nil {
		return fmt.Errorf("drop retired sections: %w", err)
	}
	return nil
}
