package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openclob/marketsync/internal/domain"
)

// TickerCache implements domain.TickerCache using Redis hashes. Each
// market's ticker is stored at key "ticker:{market}" with fields "last",
// "change", "has_change", and "ts" (Unix nanosecond timestamp).
type TickerCache struct {
	rdb *redis.Client
}

// NewTickerCache creates a TickerCache backed by the given Client.
func NewTickerCache(c *Client) *TickerCache {
	return &TickerCache{rdb: c.Underlying()}
}

func tickerKey(market string) string {
	return "ticker:" + market
}

// SetTicker stores the last published ticker value for a market.
func (tc *TickerCache) SetTicker(ctx context.Context, market string, v domain.TickerValue) error {
	fields := map[string]interface{}{
		"last":       strconv.FormatInt(v.LastPrice, 10),
		"change":     strconv.FormatFloat(v.PriceChange, 'f', -1, 64),
		"has_change": strconv.FormatBool(v.HasChange),
		"ts":         strconv.FormatInt(v.UpdatedAt.UnixNano(), 10),
	}
	if err := tc.rdb.HSet(ctx, tickerKey(market), fields).Err(); err != nil {
		return fmt.Errorf("redis: set ticker %s: %w", market, err)
	}
	return nil
}

// GetTicker returns the last published ticker value for a market, or
// domain.ErrNotFound when nothing has been published yet.
func (tc *TickerCache) GetTicker(ctx context.Context, market string) (domain.TickerValue, error) {
	vals, err := tc.rdb.HGetAll(ctx, tickerKey(market)).Result()
	if err != nil {
		return domain.TickerValue{}, fmt.Errorf("redis: get ticker %s: %w", market, err)
	}
	if len(vals) == 0 {
		return domain.TickerValue{}, domain.ErrNotFound
	}

	var v domain.TickerValue
	if v.LastPrice, err = strconv.ParseInt(vals["last"], 10, 64); err != nil {
		return domain.TickerValue{}, fmt.Errorf("redis: parse ticker last %s: %w", market, err)
	}
	if v.PriceChange, err = strconv.ParseFloat(vals["change"], 64); err != nil {
		return domain.TickerValue{}, fmt.Errorf("redis: parse ticker change %s: %w", market, err)
	}
	if v.HasChange, err = strconv.ParseBool(vals["has_change"]); err != nil {
		return domain.TickerValue{}, fmt.Errorf("redis: parse ticker has_change %s: %w", market, err)
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.TickerValue{}, fmt.Errorf("redis: parse ticker ts %s: %w", market, err)
	}
	v.UpdatedAt = time.Unix(0, tsNano)

	return v, nil
}

// Compile-time interface check.
var _ domain.TickerCache = (*TickerCache)(nil)
