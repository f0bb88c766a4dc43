package market

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclob/marketsync/internal/domain"
	"github.com/openclob/marketsync/internal/history"
	"github.com/openclob/marketsync/internal/source"
)

// BarUpdate is the payload of live-bar notifications: "added" when a new
// bucket opens, "updated" when a tick folds into the current one.
type BarUpdate struct {
	Market    string        `json:"market"`
	Timeframe time.Duration `json:"-"`
	Bar       domain.Bar    `json:"bar"`
}

// LiveBar tracks the in-progress OHLC bar of one (market, timeframe) pair.
// While observed, it follows the live feed; on activation it reconstructs
// the current bar by scanning backward from the head only until a tick from
// an earlier bucket shows up.
type LiveBar struct {
	src        *source.Source
	cache      *history.RangeCache
	ledger     domain.Ledger
	market     domain.Market
	timeframe  time.Duration
	scanWindow uint64
	logger     *slog.Logger

	obs *observers

	mu      sync.Mutex
	current *domain.Bar
}

func newLiveBar(
	lifetime context.Context,
	src *source.Source,
	cache *history.RangeCache,
	ledger domain.Ledger,
	m domain.Market,
	timeframe time.Duration,
	scanWindow uint64,
	logger *slog.Logger,
) *LiveBar {
	b := &LiveBar{
		src:        src,
		cache:      cache,
		ledger:     ledger,
		market:     m,
		timeframe:  timeframe,
		scanWindow: scanWindow,
		logger: logger.With(
			slog.String("component", "live_bar"),
			slog.String("market", m.Address),
			slog.String("timeframe", TimeframeLabel(timeframe)),
		),
	}
	b.obs = newObservers(lifetime, b)
	return b
}

// Subscribe registers a callback for one notification kind. The first
// subscriber starts the view's synchronization.
func (b *LiveBar) Subscribe(kind ViewEvent, fn func(BarUpdate)) uuid.UUID {
	return b.obs.Subscribe(kind, func(p any) { fn(p.(BarUpdate)) })
}

// Unsubscribe removes a callback; the last one suspends the view.
func (b *LiveBar) Unsubscribe(kind ViewEvent, id uuid.UUID) {
	b.obs.Unsubscribe(kind, id)
}

// Current returns the in-progress bar, if one exists.
func (b *LiveBar) Current() (domain.Bar, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return domain.Bar{}, false
	}
	return *b.current, true
}

func (b *LiveBar) onActivate(ctx context.Context) {
	go b.run(ctx)
}

func (b *LiveBar) onDeactivate() {
	b.logger.Debug("suspended")
}

func (b *LiveBar) run(ctx context.Context) {
	head, ok := syncHeight(ctx, b.src, b.logger)
	if !ok {
		return
	}

	for {
		if err := b.load(ctx, head); err == nil {
			break
		} else {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("bar reconstruction failed", slog.String("error", err.Error()))
		}
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return
		}
	}

	runLive(ctx, b.src, b.market.Address, head, b.fill, func(ev domain.MarketEvent) {
		b.apply(ctx, ev)
	}, b.logger)
}

// load rebuilds the bar at the given head. The backward scan stops at the
// first tick from an earlier bucket; everything newer belongs to the current
// bar.
func (b *LiveBar) load(ctx context.Context, head uint64) error {
	var bucket time.Time
	done := func(t domain.Tick) bool {
		start := domain.BucketStart(t.Timestamp, b.timeframe)
		if bucket.IsZero() {
			bucket = start
			return false
		}
		return start.Before(bucket)
	}

	ticks, err := scanBack(ctx, b.cache, b.market, head, b.scanWindow, done)
	if err != nil {
		return err
	}
	// Drop the earlier-bucket boundary tick when the scan found one.
	if len(ticks) > 0 && domain.BucketStart(ticks[0].Timestamp, b.timeframe).Before(bucket) {
		ticks = ticks[1:]
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = nil
	for _, t := range ticks {
		if b.current == nil {
			bar := domain.NewBar(t, b.timeframe)
			b.current = &bar
			continue
		}
		b.current.Apply(t)
	}
	return nil
}

func (b *LiveBar) fill(ctx context.Context, fromBlock, toBlock uint64) error {
	ticks, err := b.cache.Ticks(ctx, b.market.Address, fromBlock, toBlock)
	if err != nil {
		return err
	}
	for _, t := range ticks {
		b.applyTick(t)
	}
	return nil
}

func (b *LiveBar) apply(ctx context.Context, ev domain.MarketEvent) {
	if ev.Kind != domain.EventOrderFilled {
		return
	}
	ts, err := b.ledger.BlockTimestamp(ctx, ev.Block)
	if err != nil {
		b.logger.Warn("timestamp lookup failed",
			slog.Uint64("block", ev.Block),
			slog.String("error", err.Error()),
		)
		return
	}
	b.applyTick(domain.Tick{
		Market:    ev.Market,
		Block:     ev.Block,
		LogIndex:  ev.LogIndex,
		Timestamp: ts,
		Price:     ev.Price,
	})
}

func (b *LiveBar) applyTick(t domain.Tick) {
	bucket := domain.BucketStart(t.Timestamp, b.timeframe)

	b.mu.Lock()
	var kind ViewEvent
	switch {
	case b.current == nil || bucket.After(b.current.Start):
		bar := domain.NewBar(t, b.timeframe)
		b.current = &bar
		kind = EventAdded
	case bucket.Equal(b.current.Start):
		b.current.Apply(t)
		kind = EventUpdated
	default:
		// A tick from an already-closed bucket; historical replay will see
		// it, the live bar does not rewrite the past.
		b.mu.Unlock()
		b.logger.Warn("tick for closed bucket dropped",
			slog.Uint64("block", t.Block),
			slog.Time("bucket", bucket),
		)
		return
	}
	bar := *b.current
	b.mu.Unlock()

	b.obs.emit(kind, BarUpdate{Market: b.market.Address, Timeframe: b.timeframe, Bar: bar})
}

// TimeframeLabel renders a timeframe the way channel names and cache keys
// spell it: "1m", "15m", "1h", "24h".
func TimeframeLabel(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return fmt.Sprintf("%ds", int(d/time.Second))
	}
}
