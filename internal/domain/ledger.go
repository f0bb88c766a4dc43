package domain

import (
	"context"
	"time"
)

// Ledger is the read-only view of the chain the engine consumes. The
// implementation in internal/chain talks JSON-RPC via go-ethereum; tests use
// in-memory fakes.
//
// The engine assumes the ledger never un-confirms a block it has reported.
type Ledger interface {
	// CurrentHeight returns the latest confirmed block number.
	CurrentHeight(ctx context.Context) (uint64, error)

	// GetLogs returns the market's decoded log events for the inclusive
	// block range, in ledger order. The span must not exceed MaxLogSpan;
	// callers chunk larger requests.
	GetLogs(ctx context.Context, market string, fromBlock, toBlock uint64) ([]MarketEvent, error)

	// BlockTimestamp resolves a block number to its timestamp.
	BlockTimestamp(ctx context.Context, block uint64) (time.Time, error)

	// DepthPage reads one page of resting levels for a side of the book,
	// sorted best-first. A page shorter than limit signals end-of-list.
	DepthPage(ctx context.Context, market string, side Side, offset, limit int) ([]PriceLevel, error)

	// MaxLogSpan is the provider's maximum block span per log query.
	MaxLogSpan() uint64
}
