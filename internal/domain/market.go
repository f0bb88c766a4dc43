// Package domain defines the core types of the market-data synchronization
// engine: on-chain market events, ticks, covered block ranges, OHLC bars,
// and depth price levels, plus the store and ledger interfaces implemented
// by the infrastructure packages.
package domain

import "time"

// Side identifies which side of the book a resting order belongs to.
type Side string

const (
	SideSell Side = "sell"
	SideBuy  Side = "buy"
)

// EventKind enumerates the order-lifecycle log events a market emits.
type EventKind string

const (
	EventOrderPlaced   EventKind = "placed"
	EventOrderFilled   EventKind = "filled"
	EventOrderCanceled EventKind = "canceled"
)

// Market describes one watched on-chain orderbook.
type Market struct {
	// Address is the hex-encoded contract address, the partition key for
	// ticks, ranges, and depth.
	Address string
	// CreatedBlock is the block the market contract was deployed in.
	// Backward scans never walk past it.
	CreatedBlock uint64
	// PriceScale is the fixed-point denominator for Price values
	// (price 1_500_000 at scale 1_000_000 is 1.5).
	PriceScale int64
}

// MarketEvent is one decoded log event for a market, positioned by
// (Block, LogIndex) in ledger order.
type MarketEvent struct {
	Market   string
	Kind     EventKind
	Side     Side
	Block    uint64
	LogIndex uint32
	Price    int64
	Amount   int64
	TxHash   string
	// Timestamp is the block timestamp. It is zero until stamped by the
	// fetch path; live-feed consumers that need it resolve it themselves.
	Timestamp time.Time
}

// Tick is one immutable filled-trade record, globally ordered by
// (Block, LogIndex) within its market.
type Tick struct {
	Market    string    `json:"market"`
	Block     uint64    `json:"block"`
	LogIndex  uint32    `json:"log_index"`
	Timestamp time.Time `json:"timestamp"`
	Price     int64     `json:"price"`
}

// CoveredRange is an inclusive block interval whose logs have already been
// fetched and cached for a market. The stored set of ranges for one market
// is always pairwise disjoint and non-adjacent.
type CoveredRange struct {
	Market string
	From   uint64
	To     uint64
}

// Contains reports whether block b lies inside the range.
func (r CoveredRange) Contains(b uint64) bool {
	return r.From <= b && b <= r.To
}

// Bar is one OHLC candle. Start is the bucket start timestamp
// (tick timestamp minus its remainder modulo the timeframe width).
type Bar struct {
	Start time.Time `json:"start"`
	Open  int64     `json:"open"`
	High  int64     `json:"high"`
	Low   int64     `json:"low"`
	Close int64     `json:"close"`
}

// Apply folds a tick into the bar. The tick must belong to the bar's bucket
// and arrive in ledger order, so Close always tracks the latest tick.
func (b *Bar) Apply(t Tick) {
	b.Close = t.Price
	if t.Price > b.High {
		b.High = t.Price
	}
	if t.Price < b.Low {
		b.Low = t.Price
	}
}

// NewBar opens a bar at the tick's bucket for the given timeframe width.
func NewBar(t Tick, timeframe time.Duration) Bar {
	return Bar{
		Start: BucketStart(t.Timestamp, timeframe),
		Open:  t.Price,
		High:  t.Price,
		Low:   t.Price,
		Close: t.Price,
	}
}

// BucketStart floors ts to the start of its timeframe bucket.
func BucketStart(ts time.Time, timeframe time.Duration) time.Time {
	secs := int64(timeframe / time.Second)
	if secs <= 0 {
		secs = 1
	}
	u := ts.Unix()
	return time.Unix(u-u%secs, 0).UTC()
}

// PriceLevel is one resting aggregate depth level.
type PriceLevel struct {
	Price  int64 `json:"price"`
	Amount int64 `json:"amount"`
}

// TickerValue is the derived state of the rolling 24h ticker. PriceChange
// is LastPrice / price-at-window-start - 1; HasChange is false while the
// window holds fewer than two ticks.
type TickerValue struct {
	LastPrice   int64     `json:"last_price"`
	PriceChange float64   `json:"price_change"`
	HasChange   bool      `json:"has_change"`
	UpdatedAt   time.Time `json:"updated_at"`
}
