package persistence

import (
	"PrivateMarkets/internal/compute"
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// PostgresRetiredStore is the durable tier of the retired-handle set.
type PostgresRetiredStore struct {
	db *sql.DB
}

func NewPostgresRetiredStore(db *sql.DB) *PostgresRetiredStore {
	return &PostgresRetiredStore{db: db}
}

func (s *PostgresRetiredStore) IsRetired(ctx context.Context, handle uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM compute.retired_handles WHERE handle = $1)`,
		handle,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check retired handle: %w", err)
	}
	return exists, nil
}

// MarkRetired is idempotent: retiring a handle twice keeps the first record.
func (s *PostgresRetiredStore) MarkRetired(ctx context.Context, r compute.RetiredRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO compute.retired_handles (handle, market_id, kind, status, retired_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (handle) DO NOTHING`,
		r.Handle, r.MarketID, string(r.Kind), r.Status.String(), r.RetiredAt,
	)
	if err != nil {
		return fmt.Errorf("mark handle retired: %w", err)
	}
	return nil
}

// RecentRetired returns the most recently retired handles, newest first.
// Used to warm the in-memory tier on startup.
func (s *PostgresRetiredStore) RecentRetired(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT handle FROM compute.retired_handles ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load recent retired handles: %w", err)
	}
	defer rows.Close()

	var handles []uuid.UUID
	for rows.Next() {
		var h uuid.UUID
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, rows.Err()
}

// PurgeOlderThan deletes retired handles recorded before the cutoff
// (unix seconds). Returns the number of rows removed.
func (s *PostgresRetiredStore) PurgeOlderThan(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM compute.retired_handles WHERE retired_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("purge retired handles: %w", err)
	}
	return res.RowsAffected()
}
