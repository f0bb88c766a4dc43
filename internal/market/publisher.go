package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/openclob/marketsync/internal/domain"
)

// Signal channel naming. Other processes subscribe to these through the bus.
const (
	chanBarPrefix    = "ch:bar:"
	chanDepthPrefix  = "ch:depth:"
	chanTickerPrefix = "ch:ticker:"
)

// BarChannel returns the signal channel for a market's bars at a timeframe.
func BarChannel(market string, timeframe time.Duration) string {
	return chanBarPrefix + market + ":" + TimeframeLabel(timeframe)
}

// DepthChannel returns the signal channel for a market's depth updates.
func DepthChannel(market string) string {
	return chanDepthPrefix + market
}

// TickerChannel returns the signal channel for a market's ticker updates.
func TickerChannel(market string) string {
	return chanTickerPrefix + market
}

// BarSignal is the JSON payload published on bar channels.
type BarSignal struct {
	Event     ViewEvent  `json:"event"`
	Market    string     `json:"market"`
	Timeframe string     `json:"timeframe"`
	Bar       domain.Bar `json:"bar"`
}

// DepthSignal is the JSON payload published on depth channels.
type DepthSignal struct {
	Event  ViewEvent         `json:"event"`
	Market string            `json:"market"`
	Side   domain.Side       `json:"side"`
	Index  int               `json:"index"`
	Level  domain.PriceLevel `json:"level"`
}

// TickerSignal is the JSON payload published on ticker channels.
type TickerSignal struct {
	Event  ViewEvent          `json:"event"`
	Market string             `json:"market"`
	Value  domain.TickerValue `json:"value"`
}

// Publisher keeps every watched market's live views active and republishes
// their notifications to the signal bus, refreshing the hot caches along the
// way. It is the only permanent observer; API consumers come and go.
type Publisher struct {
	engine  *Engine
	bus     domain.SignalBus
	bars    domain.BarCache
	tickers domain.TickerCache
	logger  *slog.Logger
}

// NewPublisher creates a publisher over the engine's views.
func NewPublisher(engine *Engine, bus domain.SignalBus, bars domain.BarCache, tickers domain.TickerCache, logger *slog.Logger) *Publisher {
	return &Publisher{
		engine:  engine,
		bus:     bus,
		bars:    bars,
		tickers: tickers,
		logger:  logger.With(slog.String("component", "publisher")),
	}
}

// Run subscribes to every market's views and blocks until ctx is cancelled,
// then detaches so the views can suspend.
func (p *Publisher) Run(ctx context.Context) error {
	var unsubs []func()
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()

	for _, m := range p.engine.Markets() {
		market := m.Address

		depth, err := p.engine.PricePoints(market)
		if err != nil {
			return fmt.Errorf("market: attach depth %s: %w", market, err)
		}
		for _, kind := range []ViewEvent{EventAdded, EventUpdated, EventRemoved} {
			kind := kind
			id := depth.Subscribe(kind, func(u DepthUpdate) {
				p.publishDepth(ctx, kind, u)
			})
			unsubs = append(unsubs, func() { depth.Unsubscribe(kind, id) })
		}

		for _, tf := range p.engine.Timeframes() {
			bar, err := p.engine.LiveBar(market, tf)
			if err != nil {
				return fmt.Errorf("market: attach bar %s %s: %w", market, TimeframeLabel(tf), err)
			}
			for _, kind := range []ViewEvent{EventAdded, EventUpdated} {
				kind := kind
				id := bar.Subscribe(kind, func(u BarUpdate) {
					p.publishBar(ctx, kind, u)
				})
				unsubs = append(unsubs, func() { bar.Unsubscribe(kind, id) })
			}
		}

		ticker, err := p.engine.PriceTicker(market)
		if err != nil {
			return fmt.Errorf("market: attach ticker %s: %w", market, err)
		}
		id := ticker.Subscribe(EventChanged, func(u TickerUpdate) {
			p.publishTicker(ctx, u)
		})
		unsubs = append(unsubs, func() { ticker.Unsubscribe(EventChanged, id) })
	}

	p.logger.Info("publishing", slog.Int("markets", len(p.engine.Markets())))
	<-ctx.Done()
	p.logger.Info("publisher stopped")
	return nil
}

func (p *Publisher) publishBar(ctx context.Context, kind ViewEvent, u BarUpdate) {
	if err := p.bars.SetLatestBar(ctx, u.Market, u.Timeframe, u.Bar); err != nil {
		p.logger.Warn("bar cache write failed",
			slog.String("market", u.Market),
			slog.String("error", err.Error()),
		)
	}
	p.publish(ctx, BarChannel(u.Market, u.Timeframe), BarSignal{
		Event:     kind,
		Market:    u.Market,
		Timeframe: TimeframeLabel(u.Timeframe),
		Bar:       u.Bar,
	})
}

func (p *Publisher) publishDepth(ctx context.Context, kind ViewEvent, u DepthUpdate) {
	p.publish(ctx, DepthChannel(u.Market), DepthSignal{
		Event:  kind,
		Market: u.Market,
		Side:   u.Side,
		Index:  u.Index,
		Level:  u.Level,
	})
}

func (p *Publisher) publishTicker(ctx context.Context, u TickerUpdate) {
	if err := p.tickers.SetTicker(ctx, u.Market, u.Value); err != nil {
		p.logger.Warn("ticker cache write failed",
			slog.String("market", u.Market),
			slog.String("error", err.Error()),
		)
	}
	p.publish(ctx, TickerChannel(u.Market), TickerSignal{
		Event:  EventChanged,
		Market: u.Market,
		Value:  u.Value,
	})
}

func (p *Publisher) publish(ctx context.Context, channel string, payload any) {
	if ctx.Err() != nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("signal marshal failed", slog.String("error", err.Error()))
		return
	}
	if err := p.bus.Publish(ctx, channel, data); err != nil {
		p.logger.Warn("signal publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}
