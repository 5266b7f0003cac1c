// internal/event/batch.go
package event

import "github.com/google/uuid"

type BatchOrderSubmitted struct {
	Base
	Epoch       uint64 `json:"epoch"`
	OrderNumber uint32 `json:"order_number"`
	Commitment  string `json:"commitment"`
	OrderRoot   string `json:"order_root"`
}

func (*BatchOrderSubmitted) EventType() EventType { return EventTypeBatchOrderSubmitted }

type BatchClearQueued struct {
	Base
	Handle     uuid.UUID `json:"handle"`
	Epoch      uint64    `json:"epoch"`
	OrderCount uint32    `json:"order_count"`
}

func (*BatchClearQueued) EventType() EventType { return EventTypeBatchClearQueued }

// BatchCleared is emitted once per epoch. Handle is nil for an empty batch
// cleared locally or a clear applied directly by the authority.
type BatchCleared struct {
	Base
	Handle          *uuid.UUID `json:"handle,omitempty"`
	Epoch           uint64     `json:"epoch"`
	OrderCount      uint32     `json:"order_count"`
	ClearingPrice   uint64     `json:"clearing_price"`
	FilledYes       uint64     `json:"filled_yes"`
	FilledNo        uint64     `json:"filled_no"`
	YesReserves     uint64     `json:"yes_reserves"`
	NoReserves      uint64     `json:"no_reserves"`
	StateCommitment string     `json:"state_commitment"`
	NextBatchClear  int64      `json:"next_batch_clear"`
}

func (*BatchCleared) EventType() EventType { return EventTypeBatchCleared }
