package market

import (
	"context"
	"testing"

	"github.com/openclob/marketsync/internal/domain"
)

type depthHarness struct {
	ledger *fakeLedger
	depth  *Depth
	notes  chan DepthUpdate
	cancel context.CancelFunc
}

// startDepth builds a depth view over a scripted ledger, subscribes to all
// three notification kinds, and waits for the snapshot to land.
func startDepth(t *testing.T, ledger *fakeLedger, limit int, wantSells int) *depthHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	src := newTestSource(ledger)
	d := newDepth(ctx, src, ledger, testMarket(), limit, 2, discardLogger())

	notes := make(chan DepthUpdate, 64)
	for _, kind := range []ViewEvent{EventAdded, EventUpdated, EventRemoved} {
		d.Subscribe(kind, func(u DepthUpdate) { notes <- u })
	}

	waitFor(t, "depth snapshot", func() bool {
		return len(d.Levels(domain.SideSell)) >= wantSells
	})
	return &depthHarness{ledger: ledger, depth: d, notes: notes, cancel: cancel}
}

// push seeds one live event at the next block and advances the head. The
// event reaches the view either through the feed or the backlog fill,
// whichever side of the subscription race it lands on.
func (h *depthHarness) push(t *testing.T, ev domain.MarketEvent) {
	t.Helper()
	h.ledger.mu.Lock()
	block := h.ledger.height + 1
	h.ledger.mu.Unlock()
	ev.Market = "mkt"
	ev.Block = block
	h.ledger.addEvent(ev)
	h.ledger.setHeight(block)
	if err := h.depth.src.ForceUpdate(context.Background()); err != nil {
		t.Fatalf("force update: %v", err)
	}
}

func wantNote(t *testing.T, got DepthUpdate, side domain.Side, index int, price, amount int64) {
	t.Helper()
	if got.Side != side || got.Index != index || got.Level.Price != price || got.Level.Amount != amount {
		t.Fatalf("note = %+v, want side=%s index=%d level={%d,%d}", got, side, index, price, amount)
	}
}

func TestDepthSnapshotThenLiveUpdate(t *testing.T) {
	ledger := newFakeLedger(50)
	ledger.depth[domain.SideSell] = []domain.PriceLevel{{Price: 100, Amount: 10}}
	h := startDepth(t, ledger, 5, 1)

	h.push(t, domain.MarketEvent{
		Kind:   domain.EventOrderPlaced,
		Side:   domain.SideSell,
		Price:  100,
		Amount: 5,
	})

	note := recv(t, h.notes, "updated note")
	wantNote(t, note, domain.SideSell, 0, 100, 15)

	levels := h.depth.Levels(domain.SideSell)
	if len(levels) != 1 || levels[0] != (domain.PriceLevel{Price: 100, Amount: 15}) {
		t.Fatalf("levels = %v, want [{100 15}]", levels)
	}
}

func TestDepthWindowBoundedByLimit(t *testing.T) {
	ledger := newFakeLedger(50)
	ledger.depth[domain.SideSell] = []domain.PriceLevel{
		{Price: 100, Amount: 10}, {Price: 101, Amount: 5}, {Price: 102, Amount: 7},
	}
	h := startDepth(t, ledger, 2, 2)

	levels := h.depth.Levels(domain.SideSell)
	if len(levels) != 2 {
		t.Fatalf("window holds %d levels, want 2", len(levels))
	}
	if levels[0].Price != 100 || levels[1].Price != 101 {
		t.Fatalf("window = %v, want best two asks", levels)
	}
}

// Inserting a better ask pushes the worst visible level out of the window;
// the eviction is reported at index == limit.
func TestDepthInsertEvictsWindowEdge(t *testing.T) {
	ledger := newFakeLedger(50)
	ledger.depth[domain.SideSell] = []domain.PriceLevel{
		{Price: 100, Amount: 10}, {Price: 101, Amount: 5}, {Price: 102, Amount: 7},
	}
	h := startDepth(t, ledger, 2, 2)

	h.push(t, domain.MarketEvent{
		Kind:   domain.EventOrderPlaced,
		Side:   domain.SideSell,
		Price:  99,
		Amount: 3,
	})

	added := recv(t, h.notes, "added note")
	wantNote(t, added, domain.SideSell, 0, 99, 3)
	removed := recv(t, h.notes, "removed note")
	wantNote(t, removed, domain.SideSell, 2, 101, 5)

	levels := h.depth.Levels(domain.SideSell)
	if len(levels) != 2 || levels[0].Price != 99 || levels[1].Price != 100 {
		t.Fatalf("window = %v, want [{99 3} {100 10}]", levels)
	}
}

// Emptying a visible level pulls the best hidden level into the window; the
// entry is reported at index == limit-1.
func TestDepthRemoveRevealsHiddenLevel(t *testing.T) {
	ledger := newFakeLedger(50)
	ledger.depth[domain.SideSell] = []domain.PriceLevel{
		{Price: 100, Amount: 10}, {Price: 101, Amount: 5}, {Price: 102, Amount: 7},
	}
	h := startDepth(t, ledger, 2, 2)

	h.push(t, domain.MarketEvent{
		Kind:   domain.EventOrderCanceled,
		Side:   domain.SideSell,
		Price:  100,
		Amount: 10,
	})

	removed := recv(t, h.notes, "removed note")
	wantNote(t, removed, domain.SideSell, 0, 100, 0)
	added := recv(t, h.notes, "added note")
	wantNote(t, added, domain.SideSell, 1, 102, 7)

	levels := h.depth.Levels(domain.SideSell)
	if len(levels) != 2 || levels[0].Price != 101 || levels[1].Price != 102 {
		t.Fatalf("window = %v, want [{101 5} {102 7}]", levels)
	}
}

// Buys sort best-first descending; an insertion above the best bid lands at
// index zero.
func TestDepthBuySideOrdering(t *testing.T) {
	ledger := newFakeLedger(50)
	ledger.depth[domain.SideBuy] = []domain.PriceLevel{
		{Price: 98, Amount: 4}, {Price: 97, Amount: 6},
	}
	h := startDepth(t, ledger, 5, 0)
	waitFor(t, "buy snapshot", func() bool {
		return len(h.depth.Levels(domain.SideBuy)) == 2
	})

	h.push(t, domain.MarketEvent{
		Kind:   domain.EventOrderPlaced,
		Side:   domain.SideBuy,
		Price:  99,
		Amount: 2,
	})

	added := recv(t, h.notes, "added note")
	wantNote(t, added, domain.SideBuy, 0, 99, 2)

	levels := h.depth.Levels(domain.SideBuy)
	if len(levels) != 3 || levels[0].Price != 99 || levels[2].Price != 97 {
		t.Fatalf("bids = %v, want descending from 99", levels)
	}
}

// A fill for a level that was never seen is dropped without disturbing the
// book.
func TestDepthUnknownLevelDecreaseIgnored(t *testing.T) {
	ledger := newFakeLedger(50)
	ledger.depth[domain.SideSell] = []domain.PriceLevel{{Price: 100, Amount: 10}}
	h := startDepth(t, ledger, 5, 1)

	h.push(t, domain.MarketEvent{
		Kind:   domain.EventOrderFilled,
		Side:   domain.SideSell,
		Price:  500,
		Amount: 3,
	})
	// A follow-up update on a known level proves the unknown one produced no
	// notification of its own.
	h.push(t, domain.MarketEvent{
		Kind:   domain.EventOrderPlaced,
		Side:   domain.SideSell,
		Price:  100,
		Amount: 1,
	})

	note := recv(t, h.notes, "updated note")
	wantNote(t, note, domain.SideSell, 0, 100, 11)

	levels := h.depth.Levels(domain.SideSell)
	if len(levels) != 1 {
		t.Fatalf("levels = %v, want the single known level", levels)
	}
}
