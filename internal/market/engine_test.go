package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openclob/marketsync/internal/domain"
)

func newTestEngine(ledger *fakeLedger) *Engine {
	src := newTestSource(ledger)
	cache := newTestCache(ledger)
	return NewEngine(context.Background(), src, cache, ledger,
		[]domain.Market{testMarket()},
		Config{
			Timeframes:    []time.Duration{time.Minute, time.Hour},
			DepthLimit:    5,
			DepthPageSize: 50,
			TickerWindow:  24 * time.Hour,
			ReplayWindow:  100,
		}, discardLogger())
}

func TestEngineUnknownMarket(t *testing.T) {
	e := newTestEngine(newFakeLedger(10))

	if _, err := e.PricePoints("nope"); !errors.Is(err, domain.ErrUnknownMarket) {
		t.Fatalf("depth err = %v, want ErrUnknownMarket", err)
	}
	if _, err := e.PriceTicker("nope"); !errors.Is(err, domain.ErrUnknownMarket) {
		t.Fatalf("ticker err = %v, want ErrUnknownMarket", err)
	}
	if _, err := e.LiveBar("nope", time.Hour); !errors.Is(err, domain.ErrUnknownMarket) {
		t.Fatalf("bar err = %v, want ErrUnknownMarket", err)
	}
}

func TestEngineRejectsUnknownTimeframe(t *testing.T) {
	e := newTestEngine(newFakeLedger(10))

	if _, err := e.LiveBar("mkt", 7*time.Minute); !errors.Is(err, domain.ErrBadTimeframe) {
		t.Fatalf("bar err = %v, want ErrBadTimeframe", err)
	}
	if _, err := e.PriceHistory(context.Background(), "mkt", 7*time.Minute); !errors.Is(err, domain.ErrBadTimeframe) {
		t.Fatalf("history err = %v, want ErrBadTimeframe", err)
	}
}

// Live views are shared: the same key always resolves to the same instance,
// so the activation refcount spans every caller.
func TestEngineMemoizesLiveViews(t *testing.T) {
	e := newTestEngine(newFakeLedger(10))

	d1, err := e.PricePoints("mkt")
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	d2, _ := e.PricePoints("mkt")
	if d1 != d2 {
		t.Fatal("depth views for one market must be shared")
	}

	b1, err := e.LiveBar("mkt", time.Hour)
	if err != nil {
		t.Fatalf("bar: %v", err)
	}
	b2, _ := e.LiveBar("mkt", time.Hour)
	if b1 != b2 {
		t.Fatal("bar views for one (market, timeframe) must be shared")
	}
	bOther, _ := e.LiveBar("mkt", time.Minute)
	if b1 == bOther {
		t.Fatal("distinct timeframes must get distinct views")
	}

	t1, err := e.PriceTicker("mkt")
	if err != nil {
		t.Fatalf("ticker: %v", err)
	}
	t2, _ := e.PriceTicker("mkt")
	if t1 != t2 {
		t.Fatal("ticker views for one market must be shared")
	}
}

// History replays are cursors, not shared views: each call gets a fresh one.
func TestEngineHistoryIsFreshPerCall(t *testing.T) {
	ledger := newFakeLedger(10)
	ledger.addFill(5, 0, 42)
	e := newTestEngine(ledger)

	r1, err := e.PriceHistory(context.Background(), "mkt", time.Hour)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	r2, err := e.PriceHistory(context.Background(), "mkt", time.Hour)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if r1 == r2 {
		t.Fatal("each history call must return its own replay")
	}

	// The replay anchors at the polled head even before the poller loop runs.
	bar, ok, err := r1.Next(context.Background())
	if err != nil || !ok {
		t.Fatalf("next = ok=%v err=%v, want a bar", ok, err)
	}
	if bar.Close != 42 {
		t.Fatalf("bar close = %d, want 42", bar.Close)
	}
}
