package market

import (
	"context"
	"time"

	"github.com/openclob/marketsync/internal/domain"
	"github.com/openclob/marketsync/internal/history"
)

// Replay yields a market's finalized OHLC bars newest-first, paging the
// underlying ticks backward in fixed-size block windows. It is restartable
// via Reset and safe to abandon at any point; every page it touches is
// persisted by the range cache, so a re-run reads from storage.
//
// The oldest bucket of each window is held back as pending rather than
// yielded: a deeper window may still contribute older ticks to the same
// bucket. Pending is finalized only when a window produces a strictly older
// bucket (or the scan reaches the creation block), and merged when the next
// window's newest bucket matches its start.
type Replay struct {
	cache     *history.RangeCache
	market    domain.Market
	timeframe time.Duration
	window    uint64
	top       uint64

	cursor  uint64
	pending *domain.Bar
	queue   []domain.Bar
	done    bool
}

func newReplay(cache *history.RangeCache, m domain.Market, timeframe time.Duration, window, top uint64) *Replay {
	r := &Replay{
		cache:     cache,
		market:    m,
		timeframe: timeframe,
		window:    window,
		top:       top,
	}
	r.Reset()
	return r
}

// Reset rewinds the replay to the height it was created at.
func (r *Replay) Reset() {
	r.cursor = r.top
	r.pending = nil
	r.queue = nil
	r.done = r.top < r.market.CreatedBlock
}

// Next returns the next bar, newest first. ok is false once the replay has
// walked past the market's creation block and drained the pending bucket.
func (r *Replay) Next(ctx context.Context) (bar domain.Bar, ok bool, err error) {
	for {
		if len(r.queue) > 0 {
			bar = r.queue[0]
			r.queue = r.queue[1:]
			return bar, true, nil
		}
		if r.done {
			if r.pending != nil {
				bar = *r.pending
				r.pending = nil
				return bar, true, nil
			}
			return domain.Bar{}, false, nil
		}
		if err := r.advance(ctx); err != nil {
			return domain.Bar{}, false, err
		}
	}
}

// advance fetches the next window below the cursor and folds its ticks into
// bars.
func (r *Replay) advance(ctx context.Context) error {
	lo := r.market.CreatedBlock
	if r.cursor >= r.market.CreatedBlock+r.window {
		lo = r.cursor - r.window + 1
	}

	ticks, err := r.cache.Ticks(ctx, r.market.Address, lo, r.cursor)
	if err != nil {
		return err
	}
	if lo == r.market.CreatedBlock {
		r.done = true
	} else {
		r.cursor = lo - 1
	}

	bars := bucketBars(ticks, r.timeframe)
	if len(bars) == 0 {
		// An empty window finalizes nothing; pending stays held.
		return nil
	}

	if r.pending != nil {
		if bars[0].Start.Equal(r.pending.Start) {
			// The window's newest ticks are older than pending's: its open
			// moves back, its close stays.
			merged := bars[0]
			merged.Close = r.pending.Close
			if r.pending.High > merged.High {
				merged.High = r.pending.High
			}
			if r.pending.Low < merged.Low {
				merged.Low = r.pending.Low
			}
			bars[0] = merged
		} else {
			bars = append([]domain.Bar{*r.pending}, bars...)
		}
		r.pending = nil
	}

	last := bars[len(bars)-1]
	r.pending = &last
	r.queue = append(r.queue, bars[:len(bars)-1]...)
	return nil
}

// bucketBars folds ascending ticks into per-bucket bars and returns them
// newest first.
func bucketBars(ticks []domain.Tick, timeframe time.Duration) []domain.Bar {
	var bars []domain.Bar
	for _, t := range ticks {
		start := domain.BucketStart(t.Timestamp, timeframe)
		if n := len(bars); n > 0 && bars[n-1].Start.Equal(start) {
			bars[n-1].Apply(t)
			continue
		}
		bars = append(bars, domain.NewBar(t, timeframe))
	}
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars
}
