package postgres

import (
	"PrivateMarkets/internal/market"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MarketStore implements market.Repository and market.RecordReader.
// Markets are stored as their fixed-layout record plus the columns needed
// for indexing and the optimistic version check.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

func (s *MarketStore) RawMarket(ctx context.Context, id uuid.UUID) ([]byte, error) {
	var rec []byte
	err := s.pool.QueryRow(ctx,
		`SELECT record FROM markets.markets WHERE market_id = $1`, id,
	).Scan(&rec)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, market.ErrMarketNotFound.With("market %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return rec, nil
}

func (s *MarketStore) GetMarket(ctx context.Context, id uuid.UUID) (*market.Market, error) {
	rec, err := s.RawMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	var m market.Market
	if err := m.UnmarshalBinary(rec); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMarkets returns markets in creation order. limit <= 0 returns all.
func (s *MarketStore) ListMarkets(ctx context.Context, limit int) ([]*market.Market, error) {
	query := `SELECT record FROM markets.markets ORDER BY created_at, market_id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	var out []*market.Market
	for rows.Next() {
		var rec []byte
		if err := rows.Scan(&rec); err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		var m market.Market
		if err := m.UnmarshalBinary(rec); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *MarketStore) ListDueForClear(ctx context.Context, now int64) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market_id FROM markets.markets
		 WHERE state = $1 AND next_batch_clear <= $2
		 ORDER BY next_batch_clear`,
		int16(market.StateActive), now,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list due markets: %w", err)
	}
	defer rows.Close()

	var due []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		due = append(due, id)
	}
	return due, rows.Err()
}

const resolverColumns = `market_id, authority, stake_amount, has_attested,
	attestation_commitment, sealed_attestation, staked_at, attested_at`

func scanResolver(row pgx.Row) (*market.Resolver, error) {
	var (
		r          market.Resolver
		stake      int64
		commitment []byte
	)
	if err := row.Scan(
		&r.MarketID, &r.Authority, &stake, &r.HasAttested,
		&commitment, &r.SealedAttestation, &r.StakedAt, &r.AttestedAt,
	); err != nil {
		return nil, err
	}
	r.StakeAmount = uint64(stake)
	copy(r.AttestationCommitment[:], commitment)
	return &r, nil
}

func (s *MarketStore) GetResolver(ctx context.Context, marketID uuid.UUID, authority string) (*market.Resolver, error) {
	r, err := scanResolver(s.pool.QueryRow(ctx,
		`SELECT `+resolverColumns+` FROM markets.resolvers WHERE market_id = $1 AND authority = $2`,
		marketID, authority,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, market.ErrResolverNotFound.With("resolver %s on market %s", authority, marketID)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get resolver: %w", err)
	}
	return r, nil
}

// ListResolvers returns resolvers in staking order.
func (s *MarketStore) ListResolvers(ctx context.Context, marketID uuid.UUID) ([]*market.Resolver, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+resolverColumns+` FROM markets.resolvers WHERE market_id = $1 ORDER BY staked_at, authority`,
		marketID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list resolvers: %w", err)
	}
	defer rows.Close()

	var out []*market.Resolver
	for rows.Next() {
		r, err := scanResolver(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan resolver: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *MarketStore) ListBatchOrders(ctx context.Context, marketID uuid.UUID, epoch uint64) ([]*market.BatchOrder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT number, commitment, sealed, submitter, submitted_at
		 FROM markets.batch_orders
		 WHERE market_id = $1 AND epoch = $2
		 ORDER BY number`,
		marketID, int64(epoch),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list batch orders: %w", err)
	}
	defer rows.Close()

	var out []*market.BatchOrder
	for rows.Next() {
		var (
			o          = &market.BatchOrder{MarketID: marketID, Epoch: epoch}
			number     int32
			commitment []byte
		)
		if err := rows.Scan(&number, &commitment, &o.Sealed, &o.Submitter, &o.SubmittedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan batch order: %w", err)
		}
		o.Number = uint32(number)
		copy(o.Commitment[:], commitment)
		out = append(out, o)
	}
	return out, rows.Err()
}

// Commit writes a changeset in one transaction. On success cs.Market.Version
// is the new stored version.
func (s *MarketStore) Commit(ctx context.Context, cs market.Changeset) error {
	m := cs.Market
	next := *m
	next.Version = m.Version + 1
	rec, err := next.MarshalBinary()
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin commit: %w", err)
	}
	defer tx.Rollback(ctx)

	if cs.Create {
		tag, err := tx.Exec(ctx,
			`INSERT INTO markets.markets
			 (market_id, authority, state, next_batch_clear, version, record, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (market_id) DO NOTHING`,
			m.ID, m.Authority, int16(next.State), next.NextBatchClear, int64(next.Version), rec, m.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("postgres: insert market %s: %w", m.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return market.ErrMarketAlreadyExists.With("market %s", m.ID)
		}
	} else {
		tag, err := tx.Exec(ctx,
			`UPDATE markets.markets
			 SET state = $2, next_batch_clear = $3, version = $4, record = $5, updated_at = NOW()
			 WHERE market_id = $1 AND version = $6`,
			m.ID, int16(next.State), next.NextBatchClear, int64(next.Version), rec, int64(m.Version),
		)
		if err != nil {
			return fmt.Errorf("postgres: update market %s: %w", m.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return s.conflict(ctx, tx, m)
		}
	}

	for _, r := range cs.Resolvers {
		if _, err := tx.Exec(ctx,
			`INSERT INTO markets.resolvers (`+resolverColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (market_id, authority) DO UPDATE SET
				stake_amount           = EXCLUDED.stake_amount,
				has_attested           = EXCLUDED.has_attested,
				attestation_commitment = EXCLUDED.attestation_commitment,
				sealed_attestation     = EXCLUDED.sealed_attestation,
				attested_at            = EXCLUDED.attested_at`,
			r.MarketID, r.Authority, int64(r.StakeAmount), r.HasAttested,
			r.AttestationCommitment[:], r.SealedAttestation, r.StakedAt, r.AttestedAt,
		); err != nil {
			return fmt.Errorf("postgres: upsert resolver %s: %w", r.Authority, err)
		}
	}

	if len(cs.BatchOrders) > 0 {
		batch := &pgx.Batch{}
		for _, o := range cs.BatchOrders {
			batch.Queue(
				`INSERT INTO markets.batch_orders
				 (market_id, epoch, number, commitment, sealed, submitter, submitted_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				o.MarketID, int64(o.Epoch), int32(o.Number), o.Commitment[:], o.Sealed, o.Submitter, o.SubmittedAt,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("postgres: insert batch orders: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit market %s: %w", m.ID, err)
	}
	m.Version = next.Version
	return nil
}

// conflict explains a zero-row version-checked update.
func (s *MarketStore) conflict(ctx context.Context, tx pgx.Tx, m *market.Market) error {
	var stored int64
	err := tx.QueryRow(ctx, `SELECT version FROM markets.markets WHERE market_id = $1`, m.ID).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return market.ErrMarketNotFound.With("market %s", m.ID)
	}
	if err != nil {
		return fmt.Errorf("postgres: read version of %s: %w", m.ID, err)
	}
	return market.ErrConcurrentModification.With("market %s at version %d, write based on %d", m.ID, stored, m.Version)
}
