package query

import (
	"PrivateMarkets/internal/core"
	"PrivateMarkets/internal/market"
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RecordSource serves the authoritative market record. *core.Engine
// satisfies it.
type RecordSource interface {
	Record(ctx context.Context, id uuid.UUID) ([]byte, error)
}

// RecordCache caches market records by version. *redis.RecordCache
// satisfies it.
type RecordCache interface {
	Get(ctx context.Context, id uuid.UUID) ([]byte, bool, error)
	Put(ctx context.Context, id uuid.UUID, version uint64, record []byte) error
}

// QueryService provides read-only access to projection tables and the
// event log. All projection responses include as_of_sequence for
// freshness semantics.
type QueryService struct {
	db      *sql.DB
	records RecordSource
	cache   RecordCache
	updates chan core.Output
	logger  zerolog.Logger
}

// NewQueryService builds the read side. cache may be nil.
func NewQueryService(db *sql.DB, records RecordSource, cache RecordCache, logger zerolog.Logger) *QueryService {
	return &QueryService{
		db:      db,
		records: records,
		cache:   cache,
		updates: make(chan core.Output, 1024),
		logger:  logger.With().Str("component", "query").Logger(),
	}
}

// GetMarket returns the projected view of one market.
func (qs *QueryService) GetMarket(ctx context.Context, id uuid.UUID) (*MarketResponse, error) {
	rows, err := qs.db.QueryContext(ctx, marketSelect+` WHERE market_id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, market.ErrMarketNotFound.With("market %s", id)
	}
	return scanMarket(rows)
}

// ListMarkets returns up to limit markets, newest first. An empty state
// matches every state.
func (qs *QueryService) ListMarkets(ctx context.Context, state string, limit int) ([]*MarketResponse, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := qs.db.QueryContext(ctx,
		marketSelect+` WHERE ($1 = '' OR state = $1) ORDER BY last_sequence DESC LIMIT $2`, state, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*MarketResponse{}
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const marketSelect = `
	SELECT market_id, authority, question, state, end_time, fee_bps,
	       yes_reserves, no_reserves, total_volume, collateral_locked,
	       batch_epoch, last_clearing_price, next_batch_clear,
	       resolver_count, attestation_count, resolver_quorum,
	       final_outcome, confidence, last_sequence
	FROM projections.markets`

func scanMarket(rows *sql.Rows) (*MarketResponse, error) {
	var (
		m         MarketResponse
		lastPrice int64
	)
	if err := rows.Scan(
		&m.MarketID, &m.Authority, &m.Question, &m.State, &m.EndTime, &m.FeeBps,
		&m.YesReserves, &m.NoReserves, &m.TotalVolume, &m.CollateralLocked,
		&m.BatchEpoch, &lastPrice, &m.NextBatchClear,
		&m.ResolverCount, &m.AttestationCount, &m.ResolverQuorum,
		&m.FinalOutcome, &m.Confidence, &m.AsOfSequence,
	); err != nil {
		return nil, err
	}
	m.YesPrice, m.NoPrice = ImpliedPrices(m.YesReserves, m.NoReserves)
	m.LastClearingPrice = Price(uint64(lastPrice))
	return &m, nil
}

// MarketEvents pages a market's event history in sequence order.
func (qs *QueryService) MarketEvents(ctx context.Context, id uuid.UUID, afterSeq int64, limit int) ([]EventResponse, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, timestamp, payload, state_hash
		FROM event_log.events
		WHERE market_id = $1 AND sequence > $2
		ORDER BY sequence LIMIT $3`, id, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []EventResponse{}
	for rows.Next() {
		var (
			e    EventResponse
			hash []byte
		)
		if err := rows.Scan(&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Timestamp, &e.Payload, &hash); err != nil {
			return nil, err
		}
		e.StateHash = hex.EncodeToString(hash)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Record returns the raw fixed-layout record of a market, read through
// the cache when one is configured.
func (qs *QueryService) Record(ctx context.Context, id uuid.UUID) ([]byte, error) {
	if qs.cache != nil {
		rec, ok, err := qs.cache.Get(ctx, id)
		if err != nil {
			qs.logger.Warn().Err(err).Str("market_id", id.String()).Msg("record cache get")
		} else if ok {
			return rec, nil
		}
	}

	rec, err := qs.records.Record(ctx, id)
	if err != nil {
		return nil, err
	}
	if qs.cache != nil {
		var m market.Market
		if err := m.UnmarshalBinary(rec); err == nil {
			if err := qs.cache.Put(ctx, id, m.Version, rec); err != nil {
				qs.logger.Warn().Err(err).Str("market_id", id.String()).Msg("record cache put")
			}
		}
	}
	return rec, nil
}

// Observe refreshes cached records from persisted outputs. It never
// blocks; a dropped update leaves the older version cached until the
// entry expires.
func (qs *QueryService) Observe(outs []core.Output) {
	if qs.cache == nil {
		return
	}
	for _, out := range outs {
		select {
		case qs.updates <- out:
		default:
		}
	}
}

// RunCacheUpdates applies observed records to the cache until ctx ends.
func (qs *QueryService) RunCacheUpdates(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out := <-qs.updates:
			var m market.Market
			if err := m.UnmarshalBinary(out.Record); err != nil {
				continue
			}
			if err := qs.cache.Put(ctx, m.ID, m.Version, out.Record); err != nil && ctx.Err() == nil {
				qs.logger.Warn().Err(err).Str("market_id", m.ID.String()).Msg("record cache refresh")
			}
		}
	}
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity and that every asset sums
// to zero across all accounts.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND (e2.sequence IS NULL OR e1.prev_hash != e2.state_hash)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			rows.Close()
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset, SUM(balance) AS total
		FROM projections.balances
		GROUP BY asset
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.Asset, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context, worker string) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = $1
	`, worker).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read watermark %s: %w", worker, err)
	}
	return seq, nil
}
