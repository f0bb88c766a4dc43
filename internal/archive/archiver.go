// Package archive ships aged ticks to cold storage. Rows older than the
// retention window are exported per market as JSON-lines objects and then
// pruned from the primary store; the covered-range set is left untouched, so
// the engine still knows those blocks were fetched.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/openclob/marketsync/internal/domain"
)

// Config holds the archiver's schedule and layout.
type Config struct {
	// Interval is the pause between archival sweeps.
	Interval time.Duration
	// Retention is how long ticks stay in the primary store.
	Retention time.Duration
	// PathPrefix is the object key prefix, e.g. "ticks".
	PathPrefix string
}

// Archiver runs the periodic export-and-prune sweep.
type Archiver struct {
	ticks   domain.TickStore
	blobs   domain.BlobWriter
	markets []domain.Market
	cfg     Config
	logger  *slog.Logger
}

// New creates an Archiver over the given markets.
func New(ticks domain.TickStore, blobs domain.BlobWriter, markets []domain.Market, cfg Config, logger *slog.Logger) *Archiver {
	return &Archiver{
		ticks:   ticks,
		blobs:   blobs,
		markets: markets,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "archiver")),
	}
}

// Run sweeps on the configured interval until ctx is cancelled. A failed
// sweep is logged and the loop reschedules.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("archiver stopped")
			return ctx.Err()
		case <-ticker.C:
			a.sweep(ctx)
		}
	}
}

// sweep archives one batch per market. Per-market failures are logged and
// skipped; the rows stay in the store for the next sweep.
func (a *Archiver) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-a.cfg.Retention).UTC()
	for _, m := range a.markets {
		if err := a.archiveMarket(ctx, m.Address, cutoff); err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("archive sweep failed",
				slog.String("market", m.Address),
				slog.String("error", err.Error()),
			)
		}
	}
}

// archiveMarket exports the market's ticks older than the cutoff and prunes
// them. The object is written before the delete, so a crash in between
// leaves duplicate archive rows, never lost ones.
func (a *Archiver) archiveMarket(ctx context.Context, market string, cutoff time.Time) error {
	ticks, err := a.ticks.ListBefore(ctx, market, cutoff)
	if err != nil {
		return err
	}
	if len(ticks) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, t := range ticks {
		if err := enc.Encode(t); err != nil {
			return fmt.Errorf("archive: encode tick: %w", err)
		}
	}

	path := fmt.Sprintf("%s/%s/%d-%d.jsonl",
		a.cfg.PathPrefix, market, ticks[0].Block, ticks[len(ticks)-1].Block)
	if err := a.blobs.Put(ctx, path, buf.Bytes(), "application/x-ndjson"); err != nil {
		return err
	}

	deleted, err := a.ticks.DeleteBefore(ctx, market, cutoff)
	if err != nil {
		return err
	}

	a.logger.Info("archived ticks",
		slog.String("market", market),
		slog.String("path", path),
		slog.Int("exported", len(ticks)),
		slog.Int64("pruned", deleted),
	)
	return nil
}
