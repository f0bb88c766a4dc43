package domain

import (
	"context"
	"time"
)

// TickStore persists immutable tick records keyed by (market, block, log index).
type TickStore interface {
	// PutTicks writes a batch of ticks. Re-writing an existing tick is a
	// no-op, never an error, so overlapping fetches stay idempotent.
	PutTicks(ctx context.Context, ticks []Tick) error
	// GetTicks returns all ticks for the market in [fromBlock, toBlock],
	// ordered ascending by (block, log index).
	GetTicks(ctx context.Context, market string, fromBlock, toBlock uint64) ([]Tick, error)
	// DeleteBefore removes ticks with timestamps strictly before the cutoff
	// and returns the number removed. Used by the cold-storage archiver.
	DeleteBefore(ctx context.Context, market string, before time.Time) (int64, error)
	// ListBefore returns ticks with timestamps strictly before the cutoff,
	// ascending, for archival export.
	ListBefore(ctx context.Context, market string, before time.Time) ([]Tick, error)
}

// RangeStore persists the covered-range set per market, keyed by
// (market, to_block).
type RangeStore interface {
	// GetCoveredRanges returns, ascending by From, every stored range that
	// intersects [fromBlock, toBlock] plus the range immediately following
	// toBlock when one exists.
	GetCoveredRanges(ctx context.Context, market string, fromBlock, toBlock uint64) ([]CoveredRange, error)
	// ReplaceRanges atomically deletes the ranges identified by their
	// to_block keys and inserts the merged range in one transaction.
	ReplaceRanges(ctx context.Context, market string, deleteToBlocks []uint64, insert CoveredRange) error
}

// BarCache is a hot-path cache of the most recently published bar per
// (market, timeframe).
type BarCache interface {
	SetLatestBar(ctx context.Context, market string, timeframe time.Duration, bar Bar) error
	// GetLatestBar returns ErrNotFound when nothing has been published yet.
	GetLatestBar(ctx context.Context, market string, timeframe time.Duration) (Bar, error)
}

// TickerCache is a hot-path cache of the last published ticker value per market.
type TickerCache interface {
	SetTicker(ctx context.Context, market string, v TickerValue) error
	// GetTicker returns ErrNotFound when nothing has been published yet.
	GetTicker(ctx context.Context, market string) (TickerValue, error)
}

// Signal is one message delivered by a bus subscription. Channel is the
// concrete channel the message was published on, even when the subscription
// was made with a glob pattern.
type Signal struct {
	Channel string
	Payload []byte
}

// SignalBus carries view notifications between processes. Channels follow
// the "ch:{view}:{market}" convention and payloads are JSON.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns a channel that emits signals until ctx is
	// cancelled, at which point it is closed. The channel argument may be
	// a glob pattern such as "ch:bar:*".
	Subscribe(ctx context.Context, channel string) (<-chan Signal, error)
}

// BlobWriter uploads archive objects to cold storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
}
