package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openclob/marketsync/internal/domain"
)

// RangeStore implements domain.RangeStore using PostgreSQL.
type RangeStore struct {
	pool *pgxpool.Pool
}

// NewRangeStore creates a RangeStore backed by the given connection pool.
func NewRangeStore(pool *pgxpool.Pool) *RangeStore {
	return &RangeStore{pool: pool}
}

// GetCoveredRanges returns every stored range intersecting
// [fromBlock, toBlock] plus the range immediately following toBlock, so the
// caller can detect a gap that starts before toBlock but ends after it.
func (s *RangeStore) GetCoveredRanges(ctx context.Context, market string, fromBlock, toBlock uint64) ([]domain.CoveredRange, error) {
	rows, err := s.pool.Query(ctx, `
		(SELECT market, from_block, to_block
		 FROM covered_ranges
		 WHERE market = $1 AND from_block <= $3 AND to_block >= $2)
		UNION ALL
		(SELECT market, from_block, to_block
		 FROM covered_ranges
		 WHERE market = $1 AND from_block > $3
		 ORDER BY from_block ASC
		 LIMIT 1)
		ORDER BY from_block ASC`,
		market, fromBlock, toBlock,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: get covered ranges %s [%d,%d]: %w", market, fromBlock, toBlock, err)
	}
	defer rows.Close()

	var ranges []domain.CoveredRange
	for rows.Next() {
		var r domain.CoveredRange
		if err := rows.Scan(&r.Market, &r.From, &r.To); err != nil {
			return nil, fmt.Errorf("postgres: scan covered range: %w", err)
		}
		ranges = append(ranges, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: covered ranges rows: %w", err)
	}
	return ranges, nil
}

// ReplaceRanges deletes the absorbed ranges and inserts the merged range in
// one transaction, so a coalescing update is never observed half-applied.
func (s *RangeStore) ReplaceRanges(ctx context.Context, market string, deleteToBlocks []uint64, insert domain.CoveredRange) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin replace ranges: %w", err)
	}
	defer tx.Rollback(ctx)

	if len(deleteToBlocks) > 0 {
		keys := make([]int64, len(deleteToBlocks))
		for i, b := range deleteToBlocks {
			keys[i] = int64(b)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM covered_ranges WHERE market = $1 AND to_block = ANY($2)`,
			market, keys,
		); err != nil {
			return fmt.Errorf("postgres: delete absorbed ranges: %w", err)
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO covered_ranges (market, to_block, from_block) VALUES ($1, $2, $3)`,
		market, insert.To, insert.From,
	); err != nil {
		return fmt.Errorf("postgres: insert merged range: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit replace ranges: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.RangeStore = (*RangeStore)(nil)
