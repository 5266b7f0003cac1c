// internal/event/trade.go
package event

import "github.com/google/uuid"

type TradeQueued struct {
	Base
	Handle      uuid.UUID `json:"handle"`
	Trader      string    `json:"trader"`
	MaxPrice    uint64    `json:"max_price"`
	YesReserves uint64    `json:"yes_reserves"`
	NoReserves  uint64    `json:"no_reserves"`
}

func (*TradeQueued) EventType() EventType { return EventTypeTradeQueued }

// TradeExecuted carries signed reserve deltas of one applied trade.
type TradeExecuted struct {
	Base
	Handle          uuid.UUID `json:"handle"`
	DeltaYes        int64     `json:"delta_yes"`
	DeltaNo         int64     `json:"delta_no"`
	Volume          uint64    `json:"volume"`
	Price           uint64    `json:"price"`
	YesReserves     uint64    `json:"yes_reserves"`
	NoReserves      uint64    `json:"no_reserves"`
	StateCommitment string    `json:"state_commitment"`
}

func (*TradeExecuted) EventType() EventType { return EventTypeTradeExecuted }

type CfmmStateUpdated struct {
	Base
	DeltaYes        int64  `json:"delta_yes"`
	DeltaNo         int64  `json:"delta_no"`
	Volume          uint64 `json:"volume"`
	YesReserves     uint64 `json:"yes_reserves"`
	NoReserves      uint64 `json:"no_reserves"`
	StateCommitment string `json:"state_commitment"`
}

func (*CfmmStateUpdated) EventType() EventType { return EventTypeCfmmStateUpdated }
