package query

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MarketResponse is the public view of a market, read from the markets
// projection. Prices are fractions of one unit of collateral.
type MarketResponse struct {
	MarketID          uuid.UUID       `json:"market_id"`
	Authority         string          `json:"authority"`
	Question          string          `json:"question"`
	State             string          `json:"state"`
	EndTime           int64           `json:"end_time"`
	FeeBps            int             `json:"fee_bps"`
	YesReserves       int64           `json:"yes_reserves"`
	NoReserves        int64           `json:"no_reserves"`
	YesPrice          decimal.Decimal `json:"yes_price"`
	NoPrice           decimal.Decimal `json:"no_price"`
	TotalVolume       int64           `json:"total_volume"`
	CollateralLocked  int64           `json:"collateral_locked"`
	BatchEpoch        int64           `json:"batch_epoch"`
	LastClearingPrice decimal.Decimal `json:"last_clearing_price"`
	NextBatchClear    int64           `json:"next_batch_clear"`
	ResolverCount     int             `json:"resolver_count"`
	AttestationCount  int             `json:"attestation_count"`
	ResolverQuorum    int             `json:"resolver_quorum"`
	FinalOutcome      string          `json:"final_outcome"`
	Confidence        int64           `json:"confidence"`
	AsOfSequence      int64           `json:"as_of_sequence"`
}

// AssetBalance is one asset held by an owner.
type AssetBalance struct {
	Asset   string `json:"asset"`
	Balance int64  `json:"balance"`
}

// BalanceResponse lists an owner's wallet balances from the balances
// projection.
type BalanceResponse struct {
	Owner        string         `json:"owner"`
	Balances     []AssetBalance `json:"balances"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

// EventResponse is one entry of a market's event history.
type EventResponse struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Timestamp      int64           `json:"timestamp"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        int64  `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Imbalance int64  `json:"imbalance"`
}
