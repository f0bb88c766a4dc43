package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openclob/marketsync/internal/domain"
)

// TickStore implements domain.TickStore using PostgreSQL.
type TickStore struct {
	pool *pgxpool.Pool
}

// NewTickStore creates a TickStore backed by the given connection pool.
func NewTickStore(pool *pgxpool.Pool) *TickStore {
	return &TickStore{pool: pool}
}

const tickSelectCols = `market, block, log_idx, ts, price`

func scanTickRows(rows pgx.Rows) ([]domain.Tick, error) {
	var ticks []domain.Tick
	for rows.Next() {
		var t domain.Tick
		if err := rows.Scan(&t.Market, &t.Block, &t.LogIndex, &t.Timestamp, &t.Price); err != nil {
			return nil, err
		}
		ticks = append(ticks, t)
	}
	return ticks, rows.Err()
}

// PutTicks inserts ticks using a pgx batch. Ticks are immutable, so rows
// that already exist are skipped via ON CONFLICT DO NOTHING and overlapping
// fetches stay idempotent.
func (s *TickStore) PutTicks(ctx context.Context, ticks []domain.Tick) error {
	if len(ticks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO ticks (market, block, log_idx, ts, price)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (market, block, log_idx) DO NOTHING`

	for _, t := range ticks {
		batch.Queue(query, t.Market, t.Block, t.LogIndex, t.Timestamp, t.Price)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range ticks {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert tick batch item %d: %w", i, err)
		}
	}
	return nil
}

// GetTicks returns the market's ticks in [fromBlock, toBlock], ascending by
// ledger position.
func (s *TickStore) GetTicks(ctx context.Context, market string, fromBlock, toBlock uint64) ([]domain.Tick, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tickSelectCols+`
		 FROM ticks
		 WHERE market = $1 AND block >= $2 AND block <= $3
		 ORDER BY block ASC, log_idx ASC`,
		market, fromBlock, toBlock,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: get ticks %s [%d,%d]: %w", market, fromBlock, toBlock, err)
	}
	defer rows.Close()

	ticks, err := scanTickRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan ticks: %w", err)
	}
	return ticks, nil
}

// ListBefore returns the market's ticks with timestamps strictly before the
// cutoff, ascending, for archival export.
func (s *TickStore) ListBefore(ctx context.Context, market string, before time.Time) ([]domain.Tick, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tickSelectCols+`
		 FROM ticks
		 WHERE market = $1 AND ts < $2
		 ORDER BY block ASC, log_idx ASC`,
		market, before,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ticks before: %w", err)
	}
	defer rows.Close()

	ticks, err := scanTickRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan ticks before: %w", err)
	}
	return ticks, nil
}

// DeleteBefore removes the market's ticks older than the cutoff and returns
// the number deleted.
func (s *TickStore) DeleteBefore(ctx context.Context, market string, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM ticks WHERE market = $1 AND ts < $2`,
		market, before,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete ticks before: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.TickStore = (*TickStore)(nil)
