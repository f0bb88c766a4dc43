package market

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openclob/marketsync/internal/domain"
	"github.com/openclob/marketsync/internal/history"
	"github.com/openclob/marketsync/internal/source"
)

// Config holds the view-construction knobs.
type Config struct {
	// Timeframes lists the OHLC widths served for bars and history.
	Timeframes []time.Duration
	// DepthLimit is the number of levels per side observers see.
	DepthLimit int
	// DepthPageSize is the page size for depth snapshot pagination.
	DepthPageSize int
	// TickerWindow is the rolling ticker's sliding window width.
	TickerWindow time.Duration
	// ReplayWindow is the block span fetched per backward page.
	ReplayWindow uint64
}

// Engine is the view factory. Live views (depth, bar, ticker) are memoized
// per key so every caller shares one instance and the lazy-activation
// reference count spans all of them; history replays are cheap stateful
// cursors and a fresh one is handed to each caller.
type Engine struct {
	src    *source.Source
	cache  *history.RangeCache
	ledger domain.Ledger
	cfg    Config
	logger *slog.Logger

	// lifetime bounds every view's activation context.
	lifetime context.Context

	mu      sync.Mutex
	markets map[string]domain.Market
	depths  map[string]*Depth
	bars    map[barKey]*LiveBar
	tickers map[string]*Ticker
}

type barKey struct {
	market    string
	timeframe time.Duration
}

// NewEngine creates an engine over the given watched markets.
func NewEngine(
	lifetime context.Context,
	src *source.Source,
	cache *history.RangeCache,
	ledger domain.Ledger,
	markets []domain.Market,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	byAddr := make(map[string]domain.Market, len(markets))
	for _, m := range markets {
		byAddr[m.Address] = m
	}
	return &Engine{
		src:      src,
		cache:    cache,
		ledger:   ledger,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "engine")),
		lifetime: lifetime,
		markets:  byAddr,
		depths:   make(map[string]*Depth),
		bars:     make(map[barKey]*LiveBar),
		tickers:  make(map[string]*Ticker),
	}
}

// Markets returns the watched markets.
func (e *Engine) Markets() []domain.Market {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Market, 0, len(e.markets))
	for _, m := range e.markets {
		out = append(out, m)
	}
	return out
}

// Market resolves an address to its watched market.
func (e *Engine) Market(address string) (domain.Market, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.markets[address]
	if !ok {
		return domain.Market{}, fmt.Errorf("market: %s: %w", address, domain.ErrUnknownMarket)
	}
	return m, nil
}

// Timeframes returns the configured OHLC widths.
func (e *Engine) Timeframes() []time.Duration {
	return e.cfg.Timeframes
}

func (e *Engine) checkTimeframe(timeframe time.Duration) error {
	for _, tf := range e.cfg.Timeframes {
		if tf == timeframe {
			return nil
		}
	}
	return fmt.Errorf("market: %s: %w", TimeframeLabel(timeframe), domain.ErrBadTimeframe)
}

// PricePoints returns the market's shared depth view.
func (e *Engine) PricePoints(address string) (*Depth, error) {
	m, err := e.Market(address)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if d, ok := e.depths[address]; ok {
		return d, nil
	}
	d := newDepth(e.lifetime, e.src, e.ledger, m, e.cfg.DepthLimit, e.cfg.DepthPageSize, e.logger)
	e.depths[address] = d
	return d, nil
}

// LiveBar returns the market's shared live bar view for a timeframe.
func (e *Engine) LiveBar(address string, timeframe time.Duration) (*LiveBar, error) {
	m, err := e.Market(address)
	if err != nil {
		return nil, err
	}
	if err := e.checkTimeframe(timeframe); err != nil {
		return nil, err
	}
	key := barKey{market: address, timeframe: timeframe}
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.bars[key]; ok {
		return b, nil
	}
	b := newLiveBar(e.lifetime, e.src, e.cache, e.ledger, m, timeframe, e.cfg.ReplayWindow, e.logger)
	e.bars[key] = b
	return b, nil
}

// PriceTicker returns the market's shared rolling ticker view.
func (e *Engine) PriceTicker(address string) (*Ticker, error) {
	m, err := e.Market(address)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.tickers[address]; ok {
		return t, nil
	}
	t := newTicker(e.lifetime, e.src, e.cache, e.ledger, m, e.cfg.TickerWindow, e.cfg.ReplayWindow, e.logger)
	e.tickers[address] = t
	return t, nil
}

// PriceHistory returns a fresh newest-first bar replay anchored at the
// current head.
func (e *Engine) PriceHistory(ctx context.Context, address string, timeframe time.Duration) (*Replay, error) {
	m, err := e.Market(address)
	if err != nil {
		return nil, err
	}
	if err := e.checkTimeframe(timeframe); err != nil {
		return nil, err
	}

	head := e.src.LastHeight()
	if head == 0 {
		if err := e.src.ForceUpdate(ctx); err != nil {
			return nil, fmt.Errorf("market: anchor history: %w", err)
		}
		head = e.src.LastHeight()
	}
	return newReplay(e.cache, m, timeframe, e.cfg.ReplayWindow, head), nil
}
