package persistence

import (
	"PrivateMarkets/internal/core"
	"PrivateMarkets/internal/ledger"
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// EventLogReader reads the event log back for recovery and queries.
type EventLogReader struct {
	db *sql.DB
}

func NewEventLogReader(db *sql.DB) *EventLogReader {
	return &EventLogReader{db: db}
}

// LatestSequence returns the highest persisted event sequence, or -1 when
// the log is empty.
func (r *EventLogReader) LatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := r.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("latest sequence: %w", err)
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// LoadChain returns up to limit chain links starting at fromSeq.
func (r *EventLogReader) LoadChain(ctx context.Context, fromSeq int64, limit int) ([]core.ChainLink, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT sequence, record, state_hash, prev_hash
		 FROM event_log.events
		 WHERE sequence >= $1
		 ORDER BY sequence ASC
		 LIMIT $2`,
		fromSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load chain from %d: %w", fromSeq, err)
	}
	defer rows.Close()

	var links []core.ChainLink
	for rows.Next() {
		var (
			l          core.ChainLink
			state, prv []byte
		)
		if err := rows.Scan(&l.Sequence, &l.Record, &state, &prv); err != nil {
			return nil, err
		}
		if len(state) != 32 || len(prv) != 32 {
			return nil, fmt.Errorf("event %d: malformed hash column", l.Sequence)
		}
		l.StateHash = [32]byte(state)
		l.PrevHash = [32]byte(prv)
		links = append(links, l)
	}
	return links, rows.Err()
}

// VerifyChain re-verifies the whole persisted chain page by page and
// returns where the emitter should resume.
func (r *EventLogReader) VerifyChain(ctx context.Context, pageSize int) (nextSeq int64, tip [32]byte, err error) {
	if pageSize <= 0 {
		pageSize = 1000
	}
	v := core.NewChainVerifier(0, [32]byte{})
	from := int64(0)
	for {
		links, err := r.LoadChain(ctx, from, pageSize)
		if err != nil {
			return 0, tip, err
		}
		for _, l := range links {
			if err := v.Verify(l); err != nil {
				return 0, tip, fmt.Errorf("event chain corrupt: %w", err)
			}
		}
		if len(links) < pageSize {
			break
		}
		from = links[len(links)-1].Sequence + 1
	}
	nextSeq, tip = v.Tip()
	return nextSeq, tip, nil
}

// LoadBatches rebuilds ledger batches from the journal in sequence order,
// calling fn for each. Balances are recovered by replaying them.
func (r *EventLogReader) LoadBatches(ctx context.Context, fn func(*ledger.Batch) error) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT journal_id, batch_id, event_ref, sequence, debit_account, credit_account,
		        asset, amount, journal_type, timestamp
		 FROM event_log.journal
		 ORDER BY sequence ASC, journal_id ASC`,
	)
	if err != nil {
		return fmt.Errorf("load journal: %w", err)
	}
	defer rows.Close()

	var cur *ledger.Batch
	for rows.Next() {
		var (
			row JournalRow
			jt  int32
		)
		if err := rows.Scan(
			&row.JournalID, &row.BatchID, &row.EventRef, &row.Sequence,
			&row.DebitAccount, &row.CreditAccount, &row.Asset, &row.Amount,
			&jt, &row.Timestamp,
		); err != nil {
			return err
		}
		row.JournalType = jt

		j, err := journalFromRow(row)
		if err != nil {
			return err
		}
		if cur != nil && cur.BatchID != row.BatchID {
			if err := fn(cur); err != nil {
				return err
			}
			cur = nil
		}
		if cur == nil {
			cur = &ledger.Batch{
				BatchID:   row.BatchID,
				EventRef:  row.EventRef,
				Sequence:  row.Sequence,
				Timestamp: row.Timestamp,
			}
		}
		cur.Journals = append(cur.Journals, j)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if cur != nil {
		return fn(cur)
	}
	return nil
}

// MarketEvents returns the persisted events of one market in order.
func (r *EventLogReader) MarketEvents(ctx context.Context, marketID uuid.UUID, afterSeq int64, limit int) ([]EventRow, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT sequence, event_type, idempotency_key, market_id, payload, record, state_hash, prev_hash, timestamp
		 FROM event_log.events
		 WHERE market_id = $1 AND sequence > $2
		 ORDER BY sequence ASC
		 LIMIT $3`,
		marketID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("market events %s: %w", marketID, err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.MarketID,
			&e.Payload, &e.Record, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// journalFromRow is the inverse of JournalRowsFrom for a single row.
func journalFromRow(row JournalRow) (ledger.Journal, error) {
	debit, err := ledger.ParseAccountPath(row.DebitAccount)
	if err != nil {
		return ledger.Journal{}, fmt.Errorf("journal %s: %w", row.JournalID, err)
	}
	credit, err := ledger.ParseAccountPath(row.CreditAccount)
	if err != nil {
		return ledger.Journal{}, fmt.Errorf("journal %s: %w", row.JournalID, err)
	}
	asset, err := ledger.ParseAsset(row.Asset)
	if err != nil {
		return ledger.Journal{}, fmt.Errorf("journal %s: %w", row.JournalID, err)
	}
	return ledger.Journal{
		JournalID:     row.JournalID,
		BatchID:       row.BatchID,
		EventRef:      row.EventRef,
		Sequence:      row.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Asset:         asset,
		Amount:        row.Amount,
		JournalType:   ledger.JournalType(row.JournalType),
		Timestamp:     row.Timestamp,
	}, nil
}
