package query

import (
	"context"
	"fmt"
)

// GetBalances returns every wallet balance held by owner.
func (qs *QueryService) GetBalances(ctx context.Context, owner string) (*BalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx, "balances")
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT asset, balance FROM projections.balances
		WHERE owner = $1 AND account_path LIKE 'user:%'
		ORDER BY asset`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &BalanceResponse{Owner: owner, Balances: []AssetBalance{}, AsOfSequence: asOfSeq}
	for rows.Next() {
		var b AssetBalance
		if err := rows.Scan(&b.Asset, &b.Balance); err != nil {
			return nil, err
		}
		resp.Balances = append(resp.Balances, b)
	}
	return resp, rows.Err()
}

// GetJournalHistory returns journal entries touching owner's wallets,
// newest first. afterSequence pages backwards.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	owner string,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("user:%s:%%", owner)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []any{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
