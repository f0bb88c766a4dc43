package market

import (
	"context"
	"log/slog"
	"time"

	"github.com/openclob/marketsync/internal/domain"
	"github.com/openclob/marketsync/internal/history"
	"github.com/openclob/marketsync/internal/source"
)

// retryDelay paces recovery attempts inside view goroutines. Failures are
// transient by assumption (provider hiccups); cancellation is the only exit.
const retryDelay = 5 * time.Second

// syncHeight forces a poll cycle and returns the observed head, retrying
// until it succeeds or ctx is cancelled.
func syncHeight(ctx context.Context, src *source.Source, logger *slog.Logger) (uint64, bool) {
	for {
		err := src.ForceUpdate(ctx)
		if err == nil {
			return src.LastHeight(), true
		}
		if ctx.Err() != nil {
			return 0, false
		}
		logger.Warn("height sync failed", slog.String("error", err.Error()))
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return 0, false
		}
	}
}

// runLive switches a view from its synced state to the live feed without
// skipping or double-applying an event. The feed buffers from the moment it
// is opened; the gap between the synced height and the poller's head is
// filled from storage; buffered feed events at or below the filled height
// are then discarded as duplicates of the fill.
func runLive(
	ctx context.Context,
	src *source.Source,
	market string,
	synced uint64,
	fill func(ctx context.Context, fromBlock, toBlock uint64) error,
	apply func(domain.MarketEvent),
	logger *slog.Logger,
) {
	feed := src.Feed(ctx, market)

	for {
		if err := src.ForceUpdate(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("sync poll failed", slog.String("error", err.Error()))
		} else if head := src.LastHeight(); head > synced {
			if err := fill(ctx, synced+1, head); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("backlog fill failed",
					slog.Uint64("from", synced+1),
					slog.Uint64("to", head),
					slog.String("error", err.Error()),
				)
			} else {
				synced = head
				break
			}
		} else {
			break
		}
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return
		}
	}

	for ev := range feed {
		if ev.Block <= synced {
			continue
		}
		apply(ev)
	}
}

// scanBack walks the market's ticks backward from height in fixed-size block
// windows, returning them ascending. The walk stops at the first tick (in
// backward order) for which done reports true; that boundary tick is kept as
// the first element so callers that need a one-step-stale front have it. The
// walk never descends past the market's creation block.
func scanBack(
	ctx context.Context,
	cache *history.RangeCache,
	m domain.Market,
	height, window uint64,
	done func(domain.Tick) bool,
) ([]domain.Tick, error) {
	var acc []domain.Tick
	hi := height
	for hi >= m.CreatedBlock {
		lo := m.CreatedBlock
		if hi >= m.CreatedBlock+window {
			lo = hi - window + 1
		}
		ticks, err := cache.Ticks(ctx, m.Address, lo, hi)
		if err != nil {
			return nil, err
		}

		cut := -1
		for i := len(ticks) - 1; i >= 0; i-- {
			if done(ticks[i]) {
				cut = i
				break
			}
		}
		if cut >= 0 {
			return append(ticks[cut:len(ticks):len(ticks)], acc...), nil
		}
		acc = append(ticks[:len(ticks):len(ticks)], acc...)

		if lo == m.CreatedBlock {
			break
		}
		hi = lo - 1
	}
	return acc, nil
}
