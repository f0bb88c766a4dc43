// Package history maintains the durable memoization of fetched ledger data:
// which block ranges have been fetched per market, and the ticks inside
// them. All reads of historical ticks go through the RangeCache, so the same
// on-chain logs are never fetched twice.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openclob/marketsync/internal/domain"
)

// RangeCache fronts the tick and range stores with gap-filling fetch logic.
// Mutations of one market's range set are serialized on a per-market lock,
// so coalescing never interleaves and never loses an update; distinct
// markets proceed independently.
type RangeCache struct {
	ticks  domain.TickStore
	ranges domain.RangeStore
	ledger domain.Ledger
	logger *slog.Logger

	mu      sync.Mutex
	markets map[string]*sync.Mutex
}

// New creates a RangeCache over the given stores and ledger.
func New(ticks domain.TickStore, ranges domain.RangeStore, ledger domain.Ledger, logger *slog.Logger) *RangeCache {
	return &RangeCache{
		ticks:   ticks,
		ranges:  ranges,
		ledger:  ledger,
		logger:  logger.With(slog.String("component", "range_cache")),
		markets: make(map[string]*sync.Mutex),
	}
}

func (c *RangeCache) marketLock(market string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	mu, ok := c.markets[market]
	if !ok {
		mu = &sync.Mutex{}
		c.markets[market] = mu
	}
	return mu
}

// Ticks returns the market's ticks for the inclusive block range, fetching
// any uncovered sub-intervals from the ledger first.
func (c *RangeCache) Ticks(ctx context.Context, market string, fromBlock, toBlock uint64) ([]domain.Tick, error) {
	if err := c.EnsureRangeFetched(ctx, market, fromBlock, toBlock); err != nil {
		return nil, err
	}
	return c.ticks.GetTicks(ctx, market, fromBlock, toBlock)
}

// AddCoveredRange records [fromBlock, toBlock] as fetched, coalescing with
// any intersecting or adjacent stored ranges so the set stays disjoint and
// non-adjacent.
func (c *RangeCache) AddCoveredRange(ctx context.Context, market string, fromBlock, toBlock uint64) error {
	mu := c.marketLock(market)
	mu.Lock()
	defer mu.Unlock()
	return c.addCoveredRangeLocked(ctx, market, fromBlock, toBlock)
}

// addCoveredRangeLocked performs the coalescing insert. The caller must hold
// the market lock. Querying [fromBlock-1, toBlock+1] makes adjacency count
// as intersection, so touching ranges merge too.
func (c *RangeCache) addCoveredRangeLocked(ctx context.Context, market string, fromBlock, toBlock uint64) error {
	if fromBlock > toBlock {
		return fmt.Errorf("history: add covered range [%d,%d]: %w", fromBlock, toBlock, domain.ErrInvalidRange)
	}

	lookFrom := fromBlock
	if lookFrom > 0 {
		lookFrom--
	}
	lookTo := toBlock + 1

	existing, err := c.ranges.GetCoveredRanges(ctx, market, lookFrom, lookTo)
	if err != nil {
		return err
	}

	merged := domain.CoveredRange{Market: market, From: fromBlock, To: toBlock}
	var absorbed []uint64
	for _, r := range existing {
		// GetCoveredRanges also returns the range just past lookTo; skip it.
		if r.From > lookTo || r.To < lookFrom {
			continue
		}
		if r.From < merged.From {
			merged.From = r.From
		}
		if r.To > merged.To {
			merged.To = r.To
		}
		absorbed = append(absorbed, r.To)
	}

	return c.ranges.ReplaceRanges(ctx, market, absorbed, merged)
}

// EnsureRangeFetched walks the covered ranges over [fromBlock, toBlock]
// left to right and fetches every uncovered sub-interval from the ledger:
// one fetch pass per gap, never re-fetching covered blocks.
func (c *RangeCache) EnsureRangeFetched(ctx context.Context, market string, fromBlock, toBlock uint64) error {
	if fromBlock > toBlock {
		return fmt.Errorf("history: ensure range [%d,%d]: %w", fromBlock, toBlock, domain.ErrInvalidRange)
	}

	mu := c.marketLock(market)
	mu.Lock()
	defer mu.Unlock()

	covered, err := c.ranges.GetCoveredRanges(ctx, market, fromBlock, toBlock)
	if err != nil {
		return err
	}

	cursor := fromBlock
	for _, r := range covered {
		if r.From > toBlock {
			break
		}
		if r.To < cursor {
			continue
		}
		if r.From > cursor {
			gapTo := r.From - 1
			if gapTo > toBlock {
				gapTo = toBlock
			}
			if err := c.fetchGap(ctx, market, cursor, gapTo); err != nil {
				return err
			}
		}
		if r.To+1 > cursor {
			cursor = r.To + 1
		}
		if cursor > toBlock {
			return nil
		}
	}

	if cursor <= toBlock {
		return c.fetchGap(ctx, market, cursor, toBlock)
	}
	return nil
}

// fetchGap fetches one uncovered interval, chunked by the ledger's maximum
// log span. Each chunk is persisted and marked covered before the next is
// fetched, so an interrupted fill keeps its progress.
func (c *RangeCache) fetchGap(ctx context.Context, market string, fromBlock, toBlock uint64) error {
	span := c.ledger.MaxLogSpan()
	stamps := make(map[uint64]time.Time)

	for lo := fromBlock; lo <= toBlock; {
		hi := lo + span - 1
		if hi > toBlock {
			hi = toBlock
		}

		events, err := c.ledger.GetLogs(ctx, market, lo, hi)
		if err != nil {
			return fmt.Errorf("history: fetch gap %s [%d,%d]: %w", market, lo, hi, err)
		}

		var ticks []domain.Tick
		for _, ev := range events {
			if ev.Kind != domain.EventOrderFilled {
				continue
			}
			ts, ok := stamps[ev.Block]
			if !ok {
				ts, err = c.ledger.BlockTimestamp(ctx, ev.Block)
				if err != nil {
					return fmt.Errorf("history: stamp block %d: %w", ev.Block, err)
				}
				stamps[ev.Block] = ts
			}
			ticks = append(ticks, domain.Tick{
				Market:    market,
				Block:     ev.Block,
				LogIndex:  ev.LogIndex,
				Timestamp: ts,
				Price:     ev.Price,
			})
		}

		if err := c.ticks.PutTicks(ctx, ticks); err != nil {
			return err
		}
		if err := c.addCoveredRangeLocked(ctx, market, lo, hi); err != nil {
			return err
		}

		c.logger.Debug("filled gap chunk",
			slog.String("market", market),
			slog.Uint64("from", lo),
			slog.Uint64("to", hi),
			slog.Int("ticks", len(ticks)),
		)

		lo = hi + 1
	}
	return nil
}
