// Package source implements the shared ledger poller: a single loop that
// observes the chain height on a fixed interval, fetches the log delta for
// every watched market, and fans events out to per-market subscribers.
package source

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclob/marketsync/internal/domain"
)

// Callback receives one decoded market event. Callbacks for one market fire
// in ledger order; there is no ordering guarantee across markets.
type Callback func(domain.MarketEvent)

type subscription struct {
	id uuid.UUID
	fn Callback
}

// Source is the process-wide event poller. One instance is shared by every
// view; views register callbacks with On/Off or consume a Feed.
type Source struct {
	ledger   domain.Ledger
	interval time.Duration
	feedBuf  int
	logger   *slog.Logger

	// pollMu serializes poll cycles so a ForceUpdate caller observes a
	// fully-applied cycle on return even while the timer loop is running.
	pollMu sync.Mutex

	mu          sync.RWMutex
	listeners   map[string][]subscription
	lastHeight  uint64
	initialized bool
}

// New creates a Source polling the ledger at the given interval. feedBuf is
// the initial capacity of per-feed event buffers.
func New(ledger domain.Ledger, interval time.Duration, feedBuf int, logger *slog.Logger) *Source {
	if feedBuf < 1 {
		feedBuf = 1
	}
	return &Source{
		ledger:    ledger,
		interval:  interval,
		feedBuf:   feedBuf,
		logger:    logger.With(slog.String("component", "source")),
		listeners: make(map[string][]subscription),
	}
}

// On registers a callback for a market's events and returns its handle.
func (s *Source) On(market string, fn Callback) uuid.UUID {
	id := uuid.New()
	s.mu.Lock()
	s.listeners[market] = append(s.listeners[market], subscription{id: id, fn: fn})
	s.mu.Unlock()
	return id
}

// Off removes a previously registered callback. Unknown handles are ignored.
func (s *Source) Off(market string, id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.listeners[market]
	for i, sub := range subs {
		if sub.id == id {
			s.listeners[market] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(s.listeners[market]) == 0 {
		delete(s.listeners, market)
	}
}

// LastHeight returns the most recently observed chain height, or zero before
// the first successful poll.
func (s *Source) LastHeight() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHeight
}

// ForceUpdate runs one poll cycle immediately, bypassing the timer. Other
// components call it to establish a precise synchronization point before
// reading LastHeight.
func (s *Source) ForceUpdate(ctx context.Context) error {
	return s.poll(ctx)
}

// Run polls the ledger until ctx is cancelled. A failed cycle is logged and
// the loop reschedules; only cancellation stops it.
func (s *Source) Run(ctx context.Context) error {
	// Prime the height immediately so early subscribers do not wait a full
	// interval for the first observation.
	if err := s.poll(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("initial poll failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("poller stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.poll(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Warn("poll cycle failed", slog.String("error", err.Error()))
			}
		}
	}
}

// poll performs one cycle: fetch the current height and, if it advanced,
// fetch and dispatch the log delta for every watched market. A height fetch
// failure is returned to the caller; per-market log failures are logged and
// swallowed so one market cannot starve the others.
func (s *Source) poll(ctx context.Context) error {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	height, err := s.ledger.CurrentHeight(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if !s.initialized {
		// First observation: record the height, nothing to replay.
		s.lastHeight = height
		s.initialized = true
		s.mu.Unlock()
		return nil
	}
	last := s.lastHeight
	if height <= last {
		s.mu.Unlock()
		return nil
	}
	s.lastHeight = height
	markets := make([]string, 0, len(s.listeners))
	for m := range s.listeners {
		markets = append(markets, m)
	}
	s.mu.Unlock()

	for _, market := range markets {
		events, err := s.fetchDelta(ctx, market, last+1, height)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("delta fetch failed",
				slog.String("market", market),
				slog.Uint64("from", last+1),
				slog.Uint64("to", height),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.dispatch(market, events)
	}
	return nil
}

// fetchDelta fetches logs for [from, to], chunking by the ledger's maximum
// log span.
func (s *Source) fetchDelta(ctx context.Context, market string, from, to uint64) ([]domain.MarketEvent, error) {
	span := s.ledger.MaxLogSpan()
	var all []domain.MarketEvent
	for lo := from; lo <= to; {
		hi := lo + span - 1
		if hi > to {
			hi = to
		}
		events, err := s.ledger.GetLogs(ctx, market, lo, hi)
		if err != nil {
			return nil, err
		}
		all = append(all, events...)
		lo = hi + 1
	}
	return all, nil
}

// dispatch delivers events to the market's subscribers in ledger order.
// The subscriber list is snapshotted so callbacks may call On/Off freely.
func (s *Source) dispatch(market string, events []domain.MarketEvent) {
	if len(events) == 0 {
		return
	}
	s.mu.RLock()
	subs := make([]subscription, len(s.listeners[market]))
	copy(subs, s.listeners[market])
	s.mu.RUnlock()

	for _, ev := range events {
		for _, sub := range subs {
			sub.fn(ev)
		}
	}
}
