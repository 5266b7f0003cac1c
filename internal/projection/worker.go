package projection

import (
	"PrivateMarkets/internal/core"
	"PrivateMarkets/internal/ledger"
	"PrivateMarkets/internal/market"
	"PrivateMarkets/internal/observability"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const (
	watermarkMarkets  = "markets"
	watermarkBalances = "balances"
)

// Worker keeps the projection tables up to date.
//
// Outputs arriving on the projection channel update the markets table
// straight away. The channel drops when full, so a periodic catch-up pass
// reads the persisted event log and journal from each watermark and fills
// any gap. Balances are only ever built from the persisted journal.
type Worker struct {
	db       *sql.DB
	input    <-chan core.Output
	interval time.Duration
	pageSize int
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

type Config struct {
	DB           *sql.DB
	Input        <-chan core.Output
	CatchUpEvery time.Duration
	PageSize     int
	Metrics      *observability.Metrics
	Logger       zerolog.Logger
}

func NewWorker(cfg Config) *Worker {
	if cfg.CatchUpEvery <= 0 {
		cfg.CatchUpEvery = time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	return &Worker{
		db:       cfg.DB,
		input:    cfg.Input,
		interval: cfg.CatchUpEvery,
		pageSize: cfg.PageSize,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With().Str("component", "projection").Logger(),
	}
}

// Run starts the projection worker loop.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-w.input:
			if !ok {
				w.input = nil
				continue
			}
			if err := w.applyOutput(ctx, out); err != nil {
				// Continue: the catch-up pass repairs the row from the event log.
				w.logger.Warn().Err(err).Int64("seq", out.Envelope.Sequence).Msg("projection update failed")
			}

		case <-ticker.C:
			if err := w.CatchUp(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn().Err(err).Msg("projection catch-up failed")
			}
		}
	}
}

func (w *Worker) applyOutput(ctx context.Context, out core.Output) error {
	var m market.Market
	if err := m.UnmarshalBinary(out.Record); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	started := time.Now()
	err := upsertMarket(ctx, w.db, &m, out.Envelope.Sequence)
	w.observe(watermarkMarkets, started)
	return err
}

// CatchUp applies every persisted event and journal past the watermarks.
func (w *Worker) CatchUp(ctx context.Context) error {
	for {
		n, err := w.catchUpMarkets(ctx)
		if err != nil {
			return fmt.Errorf("markets: %w", err)
		}
		if n < w.pageSize {
			break
		}
	}
	for {
		n, err := w.catchUpBalances(ctx)
		if err != nil {
			return fmt.Errorf("balances: %w", err)
		}
		if n < w.pageSize {
			return nil
		}
	}
}

func (w *Worker) catchUpMarkets(ctx context.Context) (int, error) {
	started := time.Now()
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	wm, err := watermark(ctx, tx, watermarkMarkets)
	if err != nil {
		return 0, err
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT sequence, record FROM event_log.events
		 WHERE sequence > $1 ORDER BY sequence LIMIT $2`, wm, w.pageSize)
	if err != nil {
		return 0, err
	}
	type rec struct {
		seq    int64
		record []byte
	}
	var recs []rec
	for rows.Next() {
		var r rec
		if err := rows.Scan(&r.seq, &r.record); err != nil {
			rows.Close()
			return 0, err
		}
		recs = append(recs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}

	for _, r := range recs {
		var m market.Market
		if err := m.UnmarshalBinary(r.record); err != nil {
			return 0, fmt.Errorf("decode record seq=%d: %w", r.seq, err)
		}
		if err := upsertMarket(ctx, tx, &m, r.seq); err != nil {
			return 0, err
		}
	}
	if err := setWatermark(ctx, tx, watermarkMarkets, recs[len(recs)-1].seq); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	w.observe(watermarkMarkets, started)
	return len(recs), nil
}

// catchUpBalances pages whole ledger batches: a batch's journals share a
// sequence and are never split across pages.
func (w *Worker) catchUpBalances(ctx context.Context) (int, error) {
	started := time.Now()
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	wm, err := watermark(ctx, tx, watermarkBalances)
	if err != nil {
		return 0, err
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT sequence, debit_account, credit_account, amount FROM event_log.journal
		 WHERE sequence IN (
		     SELECT DISTINCT sequence FROM event_log.journal
		     WHERE sequence > $1 ORDER BY sequence LIMIT $2)
		 ORDER BY sequence, journal_id`, wm, w.pageSize)
	if err != nil {
		return 0, err
	}
	type entry struct {
		seq           int64
		debit, credit string
		amount        int64
	}
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.seq, &e.debit, &e.credit, &e.amount); err != nil {
			rows.Close()
			return 0, err
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	batches := 0
	var last int64 = -1
	for _, e := range entries {
		if e.seq != last {
			batches++
			last = e.seq
		}
		// Debit account: balance increases. Credit account: decreases.
		if err := addBalance(ctx, tx, e.debit, e.amount, e.seq); err != nil {
			return 0, err
		}
		if err := addBalance(ctx, tx, e.credit, -e.amount, e.seq); err != nil {
			return 0, err
		}
	}
	if err := setWatermark(ctx, tx, watermarkBalances, last); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	w.observe(watermarkBalances, started)
	return batches, nil
}

func (w *Worker) observe(projection string, started time.Time) {
	if w.metrics == nil {
		return
	}
	w.metrics.ProjectionUpdateDur.WithLabelValues(projection).Observe(time.Since(started).Seconds())
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func upsertMarket(ctx context.Context, ex execer, m *market.Market, seq int64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.markets (
			market_id, authority, question, state, end_time, fee_bps,
			yes_reserves, no_reserves, total_volume, collateral_locked,
			batch_epoch, last_clearing_price, next_batch_clear,
			resolver_count, attestation_count, resolver_quorum,
			final_outcome, confidence, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, NOW())
		ON CONFLICT (market_id) DO UPDATE SET
			state = EXCLUDED.state,
			yes_reserves = EXCLUDED.yes_reserves,
			no_reserves = EXCLUDED.no_reserves,
			total_volume = EXCLUDED.total_volume,
			collateral_locked = EXCLUDED.collateral_locked,
			batch_epoch = EXCLUDED.batch_epoch,
			last_clearing_price = EXCLUDED.last_clearing_price,
			next_batch_clear = EXCLUDED.next_batch_clear,
			resolver_count = EXCLUDED.resolver_count,
			attestation_count = EXCLUDED.attestation_count,
			final_outcome = EXCLUDED.final_outcome,
			confidence = EXCLUDED.confidence,
			last_sequence = EXCLUDED.last_sequence,
			updated_at = NOW()
		WHERE projections.markets.last_sequence < EXCLUDED.last_sequence`,
		m.ID, m.Authority, m.Question, m.State.String(), m.EndTime, int(m.FeeBps),
		int64(m.YesReserves), int64(m.NoReserves), int64(m.TotalVolume), int64(m.CollateralLocked),
		int64(m.BatchEpoch), int64(m.LastClearingPrice), m.NextBatchClear,
		int(m.ResolverCount), int(m.AttestationCount), int(m.ResolverQuorum),
		m.FinalOutcome.String(), int64(m.Confidence), seq,
	)
	return err
}

func addBalance(ctx context.Context, ex execer, path string, delta, seq int64) error {
	key, err := ledger.ParseAccountPath(path)
	if err != nil {
		return err
	}
	owner := ""
	if key.Scope == ledger.AccountScopeUser {
		owner = key.Owner
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, owner, asset, balance, last_sequence)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance + $4, last_sequence = $5`,
		path, owner, key.Asset.String(), delta, seq)
	return err
}

func watermark(ctx context.Context, ex execer, worker string) (int64, error) {
	var seq int64
	err := ex.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE worker_id = $1`, worker).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

func setWatermark(ctx context.Context, ex execer, worker string, seq int64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()`,
		worker, seq)
	return err
}

// Rebuild truncates the projection tables and replays them from the
// event log and journal.
func (w *Worker) Rebuild(ctx context.Context) error {
	for _, stmt := range []string{
		`TRUNCATE projections.markets`,
		`TRUNCATE projections.balances`,
		`DELETE FROM projections.watermark`,
	} {
		if _, err := w.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}
	if err := w.CatchUp(ctx); err != nil {
		return err
	}
	w.logger.Info().Msg("projection rebuild complete")
	return nil
}
