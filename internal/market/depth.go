package market

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclob/marketsync/internal/domain"
	"github.com/openclob/marketsync/internal/source"
)

// DepthUpdate is the payload of depth notifications. Index is the level's
// position within the observed window; a "removed" with Index == limit names
// the level that an insertion pushed out of the window.
type DepthUpdate struct {
	Market string            `json:"market"`
	Side   domain.Side       `json:"side"`
	Index  int               `json:"index"`
	Level  domain.PriceLevel `json:"level"`
}

// Depth tracks both sides of one market's book. Internally it holds every
// resting level so that evictions out of and re-entries into the observed
// window are exact; observers only ever see the best `limit` levels per
// side. On activation it takes a paginated snapshot from the ledger and then
// follows the live feed.
type Depth struct {
	src      *source.Source
	ledger   domain.Ledger
	market   domain.Market
	limit    int
	pageSize int
	logger   *slog.Logger

	obs *observers

	mu    sync.Mutex
	sells []domain.PriceLevel // ascending by price, best first
	buys  []domain.PriceLevel // descending by price, best first
}

func newDepth(
	lifetime context.Context,
	src *source.Source,
	ledger domain.Ledger,
	m domain.Market,
	limit, pageSize int,
	logger *slog.Logger,
) *Depth {
	d := &Depth{
		src:      src,
		ledger:   ledger,
		market:   m,
		limit:    limit,
		pageSize: pageSize,
		logger: logger.With(
			slog.String("component", "depth"),
			slog.String("market", m.Address),
		),
	}
	d.obs = newObservers(lifetime, d)
	return d
}

// Subscribe registers a callback for one notification kind. The first
// subscriber starts the view's synchronization.
func (d *Depth) Subscribe(kind ViewEvent, fn func(DepthUpdate)) uuid.UUID {
	return d.obs.Subscribe(kind, func(p any) { fn(p.(DepthUpdate)) })
}

// Unsubscribe removes a callback; the last one suspends the view.
func (d *Depth) Unsubscribe(kind ViewEvent, id uuid.UUID) {
	d.obs.Unsubscribe(kind, id)
}

// Levels returns a copy of the observed window for one side, best first.
func (d *Depth) Levels(side domain.Side) []domain.PriceLevel {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.sells
	if side == domain.SideBuy {
		list = d.buys
	}
	n := len(list)
	if n > d.limit {
		n = d.limit
	}
	out := make([]domain.PriceLevel, n)
	copy(out, list[:n])
	return out
}

func (d *Depth) onActivate(ctx context.Context) {
	go d.run(ctx)
}

func (d *Depth) onDeactivate() {
	d.logger.Debug("suspended")
}

func (d *Depth) run(ctx context.Context) {
	// The snapshot height is recorded before paging; the contract is read at
	// or after it, so replaying deltas from the next block is safe as long
	// as pagination completes within the poll interval.
	head, ok := syncHeight(ctx, d.src, d.logger)
	if !ok {
		return
	}

	for {
		if err := d.snapshot(ctx); err == nil {
			break
		} else {
			if ctx.Err() != nil {
				return
			}
			d.logger.Warn("depth snapshot failed", slog.String("error", err.Error()))
		}
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return
		}
	}

	runLive(ctx, d.src, d.market.Address, head, d.fill, d.apply, d.logger)
}

func (d *Depth) snapshot(ctx context.Context) error {
	sells, err := d.loadSide(ctx, domain.SideSell)
	if err != nil {
		return err
	}
	buys, err := d.loadSide(ctx, domain.SideBuy)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.sells = sells
	d.buys = buys
	d.mu.Unlock()

	d.logger.Debug("snapshot loaded",
		slog.Int("sells", len(sells)),
		slog.Int("buys", len(buys)),
	)
	return nil
}

// loadSide pages one side of the book until a short page signals the end.
func (d *Depth) loadSide(ctx context.Context, side domain.Side) ([]domain.PriceLevel, error) {
	var levels []domain.PriceLevel
	for offset := 0; ; offset += d.pageSize {
		page, err := d.ledger.DepthPage(ctx, d.market.Address, side, offset, d.pageSize)
		if err != nil {
			return nil, err
		}
		levels = append(levels, page...)
		if len(page) < d.pageSize {
			return levels, nil
		}
	}
}

// fill replays deltas from the ledger's raw logs; depth needs placed and
// canceled events too, which the tick cache does not carry.
func (d *Depth) fill(ctx context.Context, fromBlock, toBlock uint64) error {
	span := d.ledger.MaxLogSpan()
	for lo := fromBlock; lo <= toBlock; {
		hi := lo + span - 1
		if hi > toBlock {
			hi = toBlock
		}
		events, err := d.ledger.GetLogs(ctx, d.market.Address, lo, hi)
		if err != nil {
			return err
		}
		for _, ev := range events {
			d.apply(ev)
		}
		lo = hi + 1
	}
	return nil
}

func (d *Depth) apply(ev domain.MarketEvent) {
	switch ev.Kind {
	case domain.EventOrderPlaced:
		d.adjust(ev.Side, ev.Price, ev.Amount)
	case domain.EventOrderFilled, domain.EventOrderCanceled:
		d.adjust(ev.Side, ev.Price, -ev.Amount)
	}
}

type depthNote struct {
	kind  ViewEvent
	index int
	level domain.PriceLevel
}

// adjust applies one signed amount delta to a side and raises window
// notifications: changes at indexes past the limit are silent, an insertion
// that pushes a level out raises "removed" for it, and a removal that pulls
// a hidden level in raises "added" for it.
func (d *Depth) adjust(side domain.Side, price, delta int64) {
	d.mu.Lock()
	list := &d.sells
	if side == domain.SideBuy {
		list = &d.buys
	}

	var notes []depthNote
	idx, found := findLevel(*list, side, price)
	switch {
	case found:
		(*list)[idx].Amount += delta
		if (*list)[idx].Amount <= 0 {
			if (*list)[idx].Amount < 0 {
				d.logger.Error("depth level below zero",
					slog.String("side", string(side)),
					slog.Int64("price", price),
					slog.String("error", domain.ErrNegativeLevel.Error()),
				)
			}
			removed := domain.PriceLevel{Price: price, Amount: 0}
			*list = append((*list)[:idx], (*list)[idx+1:]...)
			if idx < d.limit {
				notes = append(notes, depthNote{EventRemoved, idx, removed})
				if len(*list) >= d.limit {
					notes = append(notes, depthNote{EventAdded, d.limit - 1, (*list)[d.limit-1]})
				}
			}
		} else if idx < d.limit {
			notes = append(notes, depthNote{EventUpdated, idx, (*list)[idx]})
		}
	case delta > 0:
		lvl := domain.PriceLevel{Price: price, Amount: delta}
		*list = append(*list, domain.PriceLevel{})
		copy((*list)[idx+1:], (*list)[idx:])
		(*list)[idx] = lvl
		if idx < d.limit {
			notes = append(notes, depthNote{EventAdded, idx, lvl})
			if len(*list) > d.limit {
				notes = append(notes, depthNote{EventRemoved, d.limit, (*list)[d.limit]})
			}
		}
	default:
		// A decrease for a level we never saw means an event was missed
		// upstream; the next snapshot reconciles.
		d.logger.Warn("delta for unknown level dropped",
			slog.String("side", string(side)),
			slog.Int64("price", price),
			slog.Int64("delta", delta),
		)
	}
	d.mu.Unlock()

	for _, n := range notes {
		d.obs.emit(n.kind, DepthUpdate{
			Market: d.market.Address,
			Side:   side,
			Index:  n.index,
			Level:  n.level,
		})
	}
}

// findLevel locates price in a best-first sorted side: sells ascend, buys
// descend. When absent, the returned index is the insertion point.
func findLevel(list []domain.PriceLevel, side domain.Side, price int64) (int, bool) {
	idx := sort.Search(len(list), func(i int) bool {
		if side == domain.SideSell {
			return list[i].Price >= price
		}
		return list[i].Price <= price
	})
	if idx < len(list) && list[idx].Price == price {
		return idx, true
	}
	return idx, false
}
