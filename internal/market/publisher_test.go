package market

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/openclob/marketsync/internal/domain"
)

type publishedSignal struct {
	channel string
	payload []byte
}

type memSignalBus struct {
	mu        sync.Mutex
	published []publishedSignal
}

func (b *memSignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	b.published = append(b.published, publishedSignal{channel: channel, payload: cp})
	return nil
}

func (b *memSignalBus) Subscribe(context.Context, string) (<-chan domain.Signal, error) {
	return make(chan domain.Signal), nil
}

func (b *memSignalBus) onChannel(channel string) []publishedSignal {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []publishedSignal
	for _, s := range b.published {
		if s.channel == channel {
			out = append(out, s)
		}
	}
	return out
}

type memBarCache struct {
	mu   sync.Mutex
	bars map[string]domain.Bar
}

func (c *memBarCache) SetLatestBar(_ context.Context, market string, timeframe time.Duration, bar domain.Bar) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bars == nil {
		c.bars = make(map[string]domain.Bar)
	}
	c.bars[market+":"+TimeframeLabel(timeframe)] = bar
	return nil
}

func (c *memBarCache) GetLatestBar(_ context.Context, market string, timeframe time.Duration) (domain.Bar, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bar, ok := c.bars[market+":"+TimeframeLabel(timeframe)]
	if !ok {
		return domain.Bar{}, domain.ErrNotFound
	}
	return bar, nil
}

type memTickerCache struct {
	mu     sync.Mutex
	values map[string]domain.TickerValue
}

func (c *memTickerCache) SetTicker(_ context.Context, market string, v domain.TickerValue) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = make(map[string]domain.TickerValue)
	}
	c.values[market] = v
	return nil
}

func (c *memTickerCache) GetTicker(_ context.Context, market string) (domain.TickerValue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[market]
	if !ok {
		return domain.TickerValue{}, domain.ErrNotFound
	}
	return v, nil
}

func TestChannelNames(t *testing.T) {
	if got := BarChannel("0xabc", time.Hour); got != "ch:bar:0xabc:1h" {
		t.Errorf("bar channel = %s", got)
	}
	if got := DepthChannel("0xabc"); got != "ch:depth:0xabc" {
		t.Errorf("depth channel = %s", got)
	}
	if got := TickerChannel("0xabc"); got != "ch:ticker:0xabc" {
		t.Errorf("ticker channel = %s", got)
	}
}

// The publisher holds every view active and mirrors notifications to the bus
// and the hot caches.
func TestPublisherMirrorsViewNotifications(t *testing.T) {
	ledger := newFakeLedger(50)
	ledger.addFill(48, 0, 100)
	ledger.depth[domain.SideSell] = []domain.PriceLevel{{Price: 100, Amount: 10}}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	src := newTestSource(ledger)
	cache := newTestCache(ledger)
	eng := NewEngine(ctx, src, cache, ledger,
		[]domain.Market{testMarket()},
		Config{
			Timeframes:    []time.Duration{time.Hour},
			DepthLimit:    5,
			DepthPageSize: 50,
			TickerWindow:  24 * time.Hour,
			ReplayWindow:  100,
		}, discardLogger())

	bus := &memSignalBus{}
	bars := &memBarCache{}
	tickers := &memTickerCache{}
	pub := NewPublisher(eng, bus, bars, tickers, discardLogger())

	done := make(chan error, 1)
	go func() { done <- pub.Run(ctx) }()

	// Wait for the views to finish their initial synchronization.
	depth, err := eng.PricePoints("mkt")
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	waitFor(t, "depth snapshot", func() bool {
		return len(depth.Levels(domain.SideSell)) == 1
	})
	bar, err := eng.LiveBar("mkt", time.Hour)
	if err != nil {
		t.Fatalf("bar: %v", err)
	}
	waitFor(t, "bar reconstruction", func() bool {
		_, ok := bar.Current()
		return ok
	})

	// One live fill in block 48's hour bucket touches all three views.
	ledger.addEvent(domain.MarketEvent{
		Market: "mkt", Kind: domain.EventOrderFilled, Side: domain.SideSell,
		Block: 51, Price: 100, Amount: 2,
	})
	ledger.setHeight(51)
	if err := src.ForceUpdate(ctx); err != nil {
		t.Fatalf("force update: %v", err)
	}

	waitFor(t, "bar signal", func() bool {
		return len(bus.onChannel("ch:bar:mkt:1h")) > 0
	})
	waitFor(t, "ticker signal", func() bool {
		return len(bus.onChannel("ch:ticker:mkt")) > 0
	})
	waitFor(t, "depth signal", func() bool {
		return len(bus.onChannel("ch:depth:mkt")) > 0
	})

	var barSig BarSignal
	sig := bus.onChannel("ch:bar:mkt:1h")[0]
	if err := json.Unmarshal(sig.payload, &barSig); err != nil {
		t.Fatalf("decode bar signal: %v", err)
	}
	if barSig.Market != "mkt" || barSig.Timeframe != "1h" || barSig.Bar.Close != 100 {
		t.Fatalf("bar signal = %+v", barSig)
	}

	// Hot caches track the latest published state.
	cachedBar, err := bars.GetLatestBar(ctx, "mkt", time.Hour)
	if err != nil || cachedBar.Close != 100 {
		t.Fatalf("cached bar = %+v err=%v", cachedBar, err)
	}
	cachedTicker, err := tickers.GetTicker(ctx, "mkt")
	if err != nil || cachedTicker.LastPrice != 100 {
		t.Fatalf("cached ticker = %+v err=%v", cachedTicker, err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("publisher run: %v", err)
	}
}
