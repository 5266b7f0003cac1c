// internal/event/market.go
package event

type MarketCreated struct {
	Base
	Authority      string `json:"authority"`
	Question       string `json:"question"`
	EndTime        int64  `json:"end_time"`
	FeeBps         uint16 `json:"fee_bps"`
	BatchInterval  int64  `json:"batch_interval"`
	NextBatchClear int64  `json:"next_batch_clear"`
	ResolverQuorum uint8  `json:"resolver_quorum"`
	YesReserves    uint64 `json:"yes_reserves"`
	NoReserves     uint64 `json:"no_reserves"`
}

func (*MarketCreated) EventType() EventType { return EventTypeMarketCreated }

type CollateralDeposited struct {
	Base
	Depositor        string `json:"depositor"`
	Amount           uint64 `json:"amount"`
	CollateralLocked uint64 `json:"collateral_locked"`
}

func (*CollateralDeposited) EventType() EventType { return EventTypeCollateralDeposited }

type OutcomeTokensMinted struct {
	Base
	Recipient string `json:"recipient"`
	Amount    uint64 `json:"amount"`
}

func (*OutcomeTokensMinted) EventType() EventType { return EventTypeOutcomeTokensMinted }

type TokensRedeemed struct {
	Base
	Holder       string `json:"holder"`
	Side         string `json:"side"`
	Amount       uint64 `json:"amount"`
	VaultBalance uint64 `json:"vault_balance"`
}

func (*TokensRedeemed) EventType() EventType { return EventTypeTokensRedeemed }
