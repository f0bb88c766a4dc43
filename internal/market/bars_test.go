package market

import (
	"context"
	"testing"
	"time"

	"github.com/openclob/marketsync/internal/domain"
)

func newIdleLiveBar(timeframe time.Duration) *LiveBar {
	return newLiveBar(context.Background(), nil, nil, nil, testMarket(), timeframe, 100, discardLogger())
}

func TestLiveBarTickTransitions(t *testing.T) {
	b := newIdleLiveBar(time.Hour)
	at := func(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

	if _, ok := b.Current(); ok {
		t.Fatal("fresh view should have no bar")
	}

	// First tick opens the bar.
	b.applyTick(domain.Tick{Market: "mkt", Block: 1, Timestamp: at(3700), Price: 100})
	bar, ok := b.Current()
	if !ok || !bar.Start.Equal(at(3600)) || bar.Open != 100 {
		t.Fatalf("bar = %+v ok=%v, want opened at 3600 with 100", bar, ok)
	}

	// Same bucket folds in.
	b.applyTick(domain.Tick{Market: "mkt", Block: 2, Timestamp: at(3800), Price: 130})
	b.applyTick(domain.Tick{Market: "mkt", Block: 3, Timestamp: at(3900), Price: 90})
	bar, _ = b.Current()
	if bar.Open != 100 || bar.High != 130 || bar.Low != 90 || bar.Close != 90 {
		t.Fatalf("bar = %+v, want O100 H130 L90 C90", bar)
	}

	// A newer bucket replaces the bar.
	b.applyTick(domain.Tick{Market: "mkt", Block: 4, Timestamp: at(7300), Price: 110})
	bar, _ = b.Current()
	if !bar.Start.Equal(at(7200)) || bar.Open != 110 || bar.High != 110 {
		t.Fatalf("bar = %+v, want fresh bucket at 7200", bar)
	}

	// A straggler from a closed bucket is dropped.
	b.applyTick(domain.Tick{Market: "mkt", Block: 5, Timestamp: at(3950), Price: 1})
	bar, _ = b.Current()
	if !bar.Start.Equal(at(7200)) || bar.Low != 110 {
		t.Fatalf("bar = %+v, closed-bucket tick must not rewrite it", bar)
	}
}

func TestLiveBarNotificationKinds(t *testing.T) {
	ledger := newFakeLedger(20)
	ledger.addFill(18, 0, 50) // bucket 10800, reconstructed on activation
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	src := newTestSource(ledger)
	cache := newTestCache(ledger)
	b := newLiveBar(ctx, src, cache, ledger, testMarket(), time.Hour, 100, discardLogger())

	kinds := make(chan ViewEvent, 8)
	b.Subscribe(EventAdded, func(BarUpdate) { kinds <- EventAdded })
	b.Subscribe(EventUpdated, func(BarUpdate) { kinds <- EventUpdated })
	waitFor(t, "bar reconstruction", func() bool {
		_, ok := b.Current()
		return ok
	})

	at := func(sec int64) time.Time { return time.Unix(sec, 0).UTC() }
	b.applyTick(domain.Tick{Market: "mkt", Block: 24, Timestamp: at(14500), Price: 100})
	b.applyTick(domain.Tick{Market: "mkt", Block: 25, Timestamp: at(14600), Price: 101})
	b.applyTick(domain.Tick{Market: "mkt", Block: 30, Timestamp: at(18100), Price: 102})

	want := []ViewEvent{EventAdded, EventUpdated, EventAdded}
	for i, w := range want {
		if got := recv(t, kinds, "bar notification"); got != w {
			t.Fatalf("notification %d = %s, want %s", i, got, w)
		}
	}
}

// load reconstructs only the head bucket: the backward scan stops at the
// first tick from an earlier bucket and that boundary tick stays out of the
// bar.
func TestLiveBarLoadStopsAtBucketBoundary(t *testing.T) {
	ledger := newFakeLedger(20)
	ledger.addFill(5, 0, 11)  // bucket 0, previous
	ledger.addFill(8, 0, 20)  // bucket 3600
	ledger.addFill(10, 0, 25) // bucket 3600
	cache := newTestCache(ledger)

	b := newLiveBar(context.Background(), nil, cache, ledger, testMarket(), time.Hour, 100, discardLogger())
	if err := b.load(context.Background(), 10); err != nil {
		t.Fatalf("load: %v", err)
	}

	bar, ok := b.Current()
	if !ok {
		t.Fatal("want a reconstructed bar")
	}
	if !bar.Start.Equal(time.Unix(3600, 0).UTC()) || bar.Open != 20 || bar.Close != 25 {
		t.Fatalf("bar = %+v, want bucket 3600 with O20 C25", bar)
	}
}

func TestLiveBarLoadEmptyHistory(t *testing.T) {
	ledger := newFakeLedger(20)
	cache := newTestCache(ledger)

	b := newLiveBar(context.Background(), nil, cache, ledger, testMarket(), time.Hour, 100, discardLogger())
	if err := b.load(context.Background(), 20); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := b.Current(); ok {
		t.Fatal("no ticks should leave no bar")
	}
}

func TestLiveBarFollowsFeed(t *testing.T) {
	ledger := newFakeLedger(50)
	ledger.addFill(48, 0, 100)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	src := newTestSource(ledger)
	cache := newTestCache(ledger)
	b := newLiveBar(ctx, src, cache, ledger, testMarket(), time.Hour, 100, discardLogger())

	updates := make(chan BarUpdate, 16)
	b.Subscribe(EventAdded, func(u BarUpdate) { updates <- u })
	b.Subscribe(EventUpdated, func(u BarUpdate) { updates <- u })

	waitFor(t, "bar reconstruction", func() bool {
		_, ok := b.Current()
		return ok
	})

	// Block 51 stamps inside block 48's hour bucket, so the live tick folds
	// into the reconstructed bar.
	ledger.addFill(51, 0, 130)
	ledger.setHeight(51)
	if err := src.ForceUpdate(ctx); err != nil {
		t.Fatalf("force update: %v", err)
	}

	u := recv(t, updates, "bar update")
	if u.Bar.Open != 100 || u.Bar.High != 130 || u.Bar.Close != 130 {
		t.Fatalf("bar = %+v, want O100 H130 C130", u.Bar)
	}
}

func TestTimeframeLabel(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{time.Minute, "1m"},
		{15 * time.Minute, "15m"},
		{time.Hour, "1h"},
		{24 * time.Hour, "24h"},
		{90 * time.Second, "90s"},
	}
	for _, c := range cases {
		if got := TimeframeLabel(c.d); got != c.want {
			t.Errorf("TimeframeLabel(%v) = %q, want %q", c.d, got, c.want)
		}
	}
}
