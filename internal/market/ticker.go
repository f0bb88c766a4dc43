package market

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclob/marketsync/internal/domain"
	"github.com/openclob/marketsync/internal/history"
	"github.com/openclob/marketsync/internal/source"
)

// TickerUpdate is the payload of "changed" ticker notifications.
type TickerUpdate struct {
	Market string             `json:"market"`
	Value  domain.TickerValue `json:"value"`
}

// Ticker maintains one market's rolling-window last price and relative
// change. The window's front element is kept one step stale: it is the
// newest tick at or before the window start, so PriceChange always compares
// against the price in force when the window opened. Eviction is driven by
// a self-scheduled timer armed for the next instant the window contents can
// change, not by periodic polling.
type Ticker struct {
	src        *source.Source
	cache      *history.RangeCache
	ledger     domain.Ledger
	market     domain.Market
	window     time.Duration
	scanWindow uint64
	logger     *slog.Logger
	now        func() time.Time

	obs *observers

	mu    sync.Mutex
	ticks []domain.Tick
	value domain.TickerValue
	timer *time.Timer
}

func newTicker(
	lifetime context.Context,
	src *source.Source,
	cache *history.RangeCache,
	ledger domain.Ledger,
	m domain.Market,
	window time.Duration,
	scanWindow uint64,
	logger *slog.Logger,
) *Ticker {
	t := &Ticker{
		src:        src,
		cache:      cache,
		ledger:     ledger,
		market:     m,
		window:     window,
		scanWindow: scanWindow,
		now:        time.Now,
		logger: logger.With(
			slog.String("component", "ticker"),
			slog.String("market", m.Address),
		),
	}
	t.obs = newObservers(lifetime, t)
	return t
}

// Subscribe registers a callback for "changed" notifications. The first
// subscriber starts the view's synchronization.
func (t *Ticker) Subscribe(kind ViewEvent, fn func(TickerUpdate)) uuid.UUID {
	return t.obs.Subscribe(kind, func(p any) { fn(p.(TickerUpdate)) })
}

// Unsubscribe removes a callback; the last one suspends the view.
func (t *Ticker) Unsubscribe(kind ViewEvent, id uuid.UUID) {
	t.obs.Unsubscribe(kind, id)
}

// Value returns the current ticker value.
func (t *Ticker) Value() domain.TickerValue {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}

func (t *Ticker) onActivate(ctx context.Context) {
	go t.run(ctx)
}

func (t *Ticker) onDeactivate() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.ticks = nil
	t.mu.Unlock()
	t.logger.Debug("suspended")
}

func (t *Ticker) run(ctx context.Context) {
	head, ok := syncHeight(ctx, t.src, t.logger)
	if !ok {
		return
	}

	for {
		if err := t.load(ctx, head); err == nil {
			break
		} else {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("window reconstruction failed", slog.String("error", err.Error()))
		}
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return
		}
	}

	runLive(ctx, t.src, t.market.Address, head, t.fill(ctx), func(ev domain.MarketEvent) {
		t.apply(ctx, ev)
	}, t.logger)
}

// load rebuilds the window at the given head. The backward scan stops at the
// first tick outside the window and keeps it as the stale front.
func (t *Ticker) load(ctx context.Context, head uint64) error {
	cutoff := t.now().Add(-t.window)
	done := func(tk domain.Tick) bool {
		return !tk.Timestamp.After(cutoff)
	}

	ticks, err := scanBack(ctx, t.cache, t.market, head, t.scanWindow, done)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.ticks = ticks
	changed, v := t.refreshLocked(ctx)
	t.mu.Unlock()
	if changed {
		t.obs.emit(EventChanged, TickerUpdate{Market: t.market.Address, Value: v})
	}
	return nil
}

func (t *Ticker) fill(ctx context.Context) func(context.Context, uint64, uint64) error {
	return func(fillCtx context.Context, fromBlock, toBlock uint64) error {
		ticks, err := t.cache.Ticks(fillCtx, t.market.Address, fromBlock, toBlock)
		if err != nil {
			return err
		}
		for _, tk := range ticks {
			t.applyTick(ctx, tk)
		}
		return nil
	}
}

func (t *Ticker) apply(ctx context.Context, ev domain.MarketEvent) {
	if ev.Kind != domain.EventOrderFilled {
		return
	}
	ts, err := t.ledger.BlockTimestamp(ctx, ev.Block)
	if err != nil {
		t.logger.Warn("timestamp lookup failed",
			slog.Uint64("block", ev.Block),
			slog.String("error", err.Error()),
		)
		return
	}
	t.applyTick(ctx, domain.Tick{
		Market:    ev.Market,
		Block:     ev.Block,
		LogIndex:  ev.LogIndex,
		Timestamp: ts,
		Price:     ev.Price,
	})
}

func (t *Ticker) applyTick(ctx context.Context, tk domain.Tick) {
	t.mu.Lock()
	t.ticks = append(t.ticks, tk)
	changed, v := t.refreshLocked(ctx)
	t.mu.Unlock()
	if changed {
		t.obs.emit(EventChanged, TickerUpdate{Market: t.market.Address, Value: v})
	}
}

// refreshLocked evicts expired ticks, recomputes the value, and re-arms the
// wake-up timer. The front tick is evicted only once its successor has also
// left the window, which keeps the window-start price populated.
func (t *Ticker) refreshLocked(ctx context.Context) (bool, domain.TickerValue) {
	cutoff := t.now().Add(-t.window)
	for len(t.ticks) >= 2 && !t.ticks[1].Timestamp.After(cutoff) {
		t.ticks = t.ticks[1:]
	}

	v := domain.TickerValue{UpdatedAt: t.now()}
	if n := len(t.ticks); n > 0 {
		v.LastPrice = t.ticks[n-1].Price
		if n >= 2 {
			v.PriceChange = float64(v.LastPrice)/float64(t.ticks[0].Price) - 1
			v.HasChange = true
		}
	}

	changed := v.LastPrice != t.value.LastPrice ||
		v.PriceChange != t.value.PriceChange ||
		v.HasChange != t.value.HasChange
	t.value = v

	t.scheduleLocked(ctx)
	return changed, v
}

// scheduleLocked arms the timer for the next instant an eviction can alter
// the window: the front tick's expiry while it is still inside, or its
// successor's expiry. With no future expiries the timer stays unarmed until
// the next tick arrives.
func (t *Ticker) scheduleLocked(ctx context.Context) {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}

	now := t.now()
	var next time.Time
	for i := 0; i < len(t.ticks) && i < 2; i++ {
		e := t.ticks[i].Timestamp.Add(t.window)
		if e.After(now) && (next.IsZero() || e.Before(next)) {
			next = e
		}
	}
	if next.IsZero() {
		return
	}

	d := next.Sub(now)
	t.timer = time.AfterFunc(d, func() {
		if ctx.Err() != nil {
			return
		}
		t.mu.Lock()
		changed, v := t.refreshLocked(ctx)
		t.mu.Unlock()
		if changed {
			t.obs.emit(EventChanged, TickerUpdate{Market: t.market.Address, Value: v})
		}
	})
}
