// internal/event/resolution.go
package event

import "github.com/google/uuid"

type ResolverStaked struct {
	Base
	Resolver      string `json:"resolver"`
	Stake         uint64 `json:"stake"`
	ResolverCount uint8  `json:"resolver_count"`
}

func (*ResolverStaked) EventType() EventType { return EventTypeResolverStaked }

type AttestationSubmitted struct {
	Base
	Resolver         string `json:"resolver"`
	Commitment       string `json:"commitment"`
	AttestationCount uint8  `json:"attestation_count"`
	State            string `json:"state"`
}

func (*AttestationSubmitted) EventType() EventType { return EventTypeAttestationSubmitted }

type QuorumReached struct {
	Base
	AttestationCount uint8 `json:"attestation_count"`
	Quorum           uint8 `json:"quorum"`
}

func (*QuorumReached) EventType() EventType { return EventTypeQuorumReached }

type ResolutionQueued struct {
	Base
	Handle uuid.UUID `json:"handle"`
	Retry  bool      `json:"retry"`
}

func (*ResolutionQueued) EventType() EventType { return EventTypeResolutionQueued }

type MarketResolved struct {
	Base
	Outcome    string     `json:"outcome"`
	Confidence uint64     `json:"confidence"`
	Handle     *uuid.UUID `json:"handle,omitempty"`
}

func (*MarketResolved) EventType() EventType { return EventTypeMarketResolved }

// ComputationFailed makes a failed, aborted, rejected or undeliverable
// computation observable.
type ComputationFailed struct {
	Base
	Handle uuid.UUID `json:"handle"`
	Kind   string    `json:"kind"`
	Status string    `json:"status"`
	Reason string    `json:"reason"`
}

func (*ComputationFailed) EventType() EventType { return EventTypeComputationFailed }
