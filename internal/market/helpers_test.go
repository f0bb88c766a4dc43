package market

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/openclob/marketsync/internal/domain"
	"github.com/openclob/marketsync/internal/history"
	"github.com/openclob/marketsync/internal/source"
)

// ---------------------------------------------------------------------------
// In-memory fakes shared by the view tests
// ---------------------------------------------------------------------------

// fakeLedger is a scripted ledger: tests set its height, seed events per
// block, and provide depth levels for snapshots. Block timestamps default to
// ten minutes per block so hour-wide buckets span six blocks.
type fakeLedger struct {
	mu     sync.Mutex
	height uint64
	span   uint64
	events map[uint64][]domain.MarketEvent
	depth  map[domain.Side][]domain.PriceLevel
	stamp  func(block uint64) time.Time
}

func newFakeLedger(height uint64) *fakeLedger {
	return &fakeLedger{
		height: height,
		span:   1000,
		events: make(map[uint64][]domain.MarketEvent),
		depth:  make(map[domain.Side][]domain.PriceLevel),
		stamp: func(block uint64) time.Time {
			return time.Unix(int64(block)*600, 0).UTC()
		},
	}
}

func (l *fakeLedger) setHeight(h uint64) {
	l.mu.Lock()
	l.height = h
	l.mu.Unlock()
}

func (l *fakeLedger) addEvent(ev domain.MarketEvent) {
	l.mu.Lock()
	l.events[ev.Block] = append(l.events[ev.Block], ev)
	l.mu.Unlock()
}

func (l *fakeLedger) addFill(block uint64, logIdx uint32, price int64) {
	l.addEvent(domain.MarketEvent{
		Market:   "mkt",
		Kind:     domain.EventOrderFilled,
		Block:    block,
		LogIndex: logIdx,
		Price:    price,
	})
}

func (l *fakeLedger) CurrentHeight(context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.height, nil
}

func (l *fakeLedger) GetLogs(_ context.Context, _ string, fromBlock, toBlock uint64) ([]domain.MarketEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.MarketEvent
	for b := fromBlock; b <= toBlock; b++ {
		out = append(out, l.events[b]...)
	}
	return out, nil
}

func (l *fakeLedger) BlockTimestamp(_ context.Context, block uint64) (time.Time, error) {
	return l.stamp(block), nil
}

func (l *fakeLedger) DepthPage(_ context.Context, _ string, side domain.Side, offset, limit int) ([]domain.PriceLevel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	levels := l.depth[side]
	if offset >= len(levels) {
		return nil, nil
	}
	end := offset + limit
	if end > len(levels) {
		end = len(levels)
	}
	out := make([]domain.PriceLevel, end-offset)
	copy(out, levels[offset:end])
	return out, nil
}

func (l *fakeLedger) MaxLogSpan() uint64 {
	return l.span
}

type memTickStore struct {
	mu    sync.Mutex
	ticks map[string]map[[2]uint64]domain.Tick
}

func newMemTickStore() *memTickStore {
	return &memTickStore{ticks: make(map[string]map[[2]uint64]domain.Tick)}
}

func (s *memTickStore) PutTicks(_ context.Context, ticks []domain.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range ticks {
		m := s.ticks[t.Market]
		if m == nil {
			m = make(map[[2]uint64]domain.Tick)
			s.ticks[t.Market] = m
		}
		key := [2]uint64{t.Block, uint64(t.LogIndex)}
		if _, ok := m[key]; !ok {
			m[key] = t
		}
	}
	return nil
}

func (s *memTickStore) GetTicks(_ context.Context, market string, fromBlock, toBlock uint64) ([]domain.Tick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Tick
	for _, t := range s.ticks[market] {
		if t.Block >= fromBlock && t.Block <= toBlock {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Block != out[j].Block {
			return out[i].Block < out[j].Block
		}
		return out[i].LogIndex < out[j].LogIndex
	})
	return out, nil
}

func (s *memTickStore) DeleteBefore(_ context.Context, market string, before time.Time) (int64, error) {
	return 0, nil
}

func (s *memTickStore) ListBefore(_ context.Context, market string, before time.Time) ([]domain.Tick, error) {
	return nil, nil
}

type memRangeStore struct {
	mu     sync.Mutex
	ranges map[string][]domain.CoveredRange
}

func newMemRangeStore() *memRangeStore {
	return &memRangeStore{ranges: make(map[string][]domain.CoveredRange)}
}

func (s *memRangeStore) GetCoveredRanges(_ context.Context, market string, fromBlock, toBlock uint64) ([]domain.CoveredRange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.CoveredRange
	var after *domain.CoveredRange
	for _, r := range s.ranges[market] {
		r := r
		if r.From <= toBlock && r.To >= fromBlock {
			out = append(out, r)
		} else if r.From > toBlock && (after == nil || r.From < after.From) {
			after = &r
		}
	}
	if after != nil {
		out = append(out, *after)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].From < out[j].From })
	return out, nil
}

func (s *memRangeStore) ReplaceRanges(_ context.Context, market string, deleteToBlocks []uint64, insert domain.CoveredRange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := make(map[uint64]bool, len(deleteToBlocks))
	for _, b := range deleteToBlocks {
		drop[b] = true
	}
	var kept []domain.CoveredRange
	for _, r := range s.ranges[market] {
		if !drop[r.To] {
			kept = append(kept, r)
		}
	}
	kept = append(kept, insert)
	sort.Slice(kept, func(i, j int) bool { return kept[i].From < kept[j].From })
	s.ranges[market] = kept
	return nil
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMarket() domain.Market {
	return domain.Market{Address: "mkt", CreatedBlock: 1, PriceScale: 1_000_000}
}

func newTestCache(ledger domain.Ledger) *history.RangeCache {
	return history.New(newMemTickStore(), newMemRangeStore(), ledger, discardLogger())
}

func newTestSource(ledger domain.Ledger) *source.Source {
	// A long interval: tests drive polling with ForceUpdate.
	return source.New(ledger, time.Minute, 8, discardLogger())
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// recv takes one value off ch or fails the test.
func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}
