package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openclob/marketsync/internal/domain"
	"github.com/openclob/marketsync/internal/market"
)

// BarCache implements domain.BarCache. The latest published bar per
// (market, timeframe) is stored as JSON at key "bar:{market}:{timeframe}".
type BarCache struct {
	rdb *redis.Client
}

// NewBarCache creates a BarCache backed by the given Client.
func NewBarCache(c *Client) *BarCache {
	return &BarCache{rdb: c.Underlying()}
}

func barKey(m string, timeframe time.Duration) string {
	return "bar:" + m + ":" + market.TimeframeLabel(timeframe)
}

// SetLatestBar stores the latest bar for a (market, timeframe) pair.
func (bc *BarCache) SetLatestBar(ctx context.Context, m string, timeframe time.Duration, bar domain.Bar) error {
	data, err := json.Marshal(bar)
	if err != nil {
		return fmt.Errorf("redis: marshal bar %s: %w", m, err)
	}
	if err := bc.rdb.Set(ctx, barKey(m, timeframe), data, 0).Err(); err != nil {
		return fmt.Errorf("redis: set bar %s: %w", m, err)
	}
	return nil
}

// GetLatestBar returns the latest published bar, or domain.ErrNotFound when
// nothing has been published for the pair.
func (bc *BarCache) GetLatestBar(ctx context.Context, m string, timeframe time.Duration) (domain.Bar, error) {
	data, err := bc.rdb.Get(ctx, barKey(m, timeframe)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Bar{}, domain.ErrNotFound
		}
		return domain.Bar{}, fmt.Errorf("redis: get bar %s: %w", m, err)
	}

	var bar domain.Bar
	if err := json.Unmarshal(data, &bar); err != nil {
		return domain.Bar{}, fmt.Errorf("redis: unmarshal bar %s: %w", m, err)
	}
	return bar, nil
}

// Compile-time interface check.
var _ domain.BarCache = (*BarCache)(nil)
