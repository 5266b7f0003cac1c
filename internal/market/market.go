package market

import (
	"encoding/hex"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	MaxQuestionLen   = 200
	MaxResolvers     = 10
	MinFeeBps        = 10
	MaxFeeBps        = 1000
	MinBatchInterval = 300   // seconds
	MaxBatchInterval = 86400 // seconds
	MinQuorum        = 1

	CFMMPrecision   uint64 = 1_000_000
	InitialReserves uint64 = 1_000_000 * CFMMPrecision

	// PriceScale is the fixed-point scale for prices: 1000 = 100%.
	PriceScale uint64 = 1000

	MaxIdentityLen = 64
)

// State is the market lifecycle state. Transitions only move forward.
type State uint8

const (
	StateActive State = iota
	StateAwaitingAttestation
	StateComputing
	StateResolved
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateAwaitingAttestation:
		return "awaiting_attestation"
	case StateComputing:
		return "computing"
	case StateResolved:
		return "resolved"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Outcome is the ternary final outcome of a market.
type Outcome uint8

const (
	OutcomeUnresolved Outcome = iota
	OutcomeNo
	OutcomeYes
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNo:
		return "no"
	case OutcomeYes:
		return "yes"
	default:
		return "unresolved"
	}
}

// Side of an order or an outcome token.
type Side uint8

const (
	SideNo Side = iota
	SideYes
)

func (s Side) String() string {
	if s == SideYes {
		return "yes"
	}
	return "no"
}

func (s Side) Valid() bool {
	return s == SideNo || s == SideYes
}

// Outcome returns the outcome this side wins on.
func (s Side) Outcome() Outcome {
	if s == SideYes {
		return OutcomeYes
	}
	return OutcomeNo
}

// ParseSide accepts "yes"/"no" (any case handled by callers).
func ParseSide(s string) (Side, error) {
	switch s {
	case "yes", "YES":
		return SideYes, nil
	case "no", "NO":
		return SideNo, nil
	}
	return SideNo, ErrInvalidSide.With("unknown side %q", s)
}

// Commitment is an opaque fixed-size token standing in for private state.
// Its production and verification belong to the compute cluster.
type Commitment [32]byte

func (c Commitment) IsZero() bool {
	return c == Commitment{}
}

func (c Commitment) String() string {
	return hex.EncodeToString(c[:])
}

// Fold XORs other into the commitment. Used as the batch order accumulator,
// so the result does not depend on submission order.
func (c Commitment) Fold(other Commitment) Commitment {
	var out Commitment
	for i := range c {
		out[i] = c[i] ^ other[i]
	}
	return out
}

// ParseCommitment decodes a 64-char hex string.
func ParseCommitment(s string) (Commitment, error) {
	var c Commitment
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(c) {
		return c, ErrInvalidCommitment.With("commitment must be 32 hex-encoded bytes")
	}
	copy(c[:], b)
	return c, nil
}

// Params are the inputs of create_market.
type Params struct {
	Question       string
	EndTime        int64 // unix seconds
	FeeBps         uint16
	BatchInterval  int64 // seconds
	ResolverQuorum uint8
}

// Validate checks creation bounds against the ledger time now.
func (p Params) Validate(now int64) error {
	if len(p.Question) > MaxQuestionLen {
		return ErrQuestionTooLong.With("question is %d bytes, max %d", len(p.Question), MaxQuestionLen)
	}
	if !utf8.ValidString(p.Question) {
		return ErrQuestionTooLong.With("question is not valid utf-8")
	}
	if p.EndTime <= now {
		return ErrInvalidEndTime.With("end_time %d must be after %d", p.EndTime, now)
	}
	if p.FeeBps < MinFeeBps || p.FeeBps > MaxFeeBps {
		return ErrInvalidFeeBps.With("fee_bps %d outside [%d,%d]", p.FeeBps, MinFeeBps, MaxFeeBps)
	}
	if p.BatchInterval < MinBatchInterval || p.BatchInterval > MaxBatchInterval {
		return ErrInvalidBatchInterval.With("batch_interval %d outside [%d,%d]",
			p.BatchInterval, MinBatchInterval, MaxBatchInterval)
	}
	if p.ResolverQuorum < MinQuorum || p.ResolverQuorum > MaxResolvers {
		return ErrInvalidQuorum.With("resolver_quorum %d outside [%d,%d]", p.ResolverQuorum, MinQuorum, MaxResolvers)
	}
	return nil
}

// Market is the central entity, one per prediction question.
// All times are unix seconds taken from the ledger clock.
type Market struct {
	ID        uuid.UUID
	Authority string
	Question  string

	EndTime        int64
	FeeBps         uint16
	BatchInterval  int64
	NextBatchClear int64

	ResolverQuorum   uint8
	ResolverCount    uint8
	AttestationCount uint8

	StateCommitment Commitment
	YesReserves     uint64
	NoReserves      uint64
	TotalVolume     uint64

	BatchOrderRoot    Commitment
	BatchOrderCount   uint32
	BatchEpoch        uint64
	LastClearingPrice uint64

	CollateralLocked uint64

	State        State
	FinalOutcome Outcome
	Confidence   uint64

	CreatedAt  int64
	ResolvedAt int64

	// Version increments on every committed change.
	Version uint64
}

// New builds a market in Active state. It does not persist anything.
func New(id uuid.UUID, authority string, p Params, now int64) (*Market, error) {
	if err := ValidateIdentity(authority); err != nil {
		return nil, err
	}
	if err := p.Validate(now); err != nil {
		return nil, err
	}
	return &Market{
		ID:             id,
		Authority:      authority,
		Question:       p.Question,
		EndTime:        p.EndTime,
		FeeBps:         p.FeeBps,
		BatchInterval:  p.BatchInterval,
		NextBatchClear: now + p.BatchInterval,
		ResolverQuorum: p.ResolverQuorum,
		YesReserves:    InitialReserves,
		NoReserves:     InitialReserves,
		State:          StateActive,
		FinalOutcome:   OutcomeUnresolved,
		CreatedAt:      now,
	}, nil
}

// Clone returns an independent copy. Operations mutate clones and only
// commit them when every step has succeeded.
func (m *Market) Clone() *Market {
	c := *m
	return &c
}

// Require fails with ErrInvalidState unless the market is in one of allowed.
func (m *Market) Require(op string, allowed ...State) error {
	for _, s := range allowed {
		if m.State == s {
			return nil
		}
	}
	if m.State == StateResolved {
		return ErrMarketAlreadyResolved.With("%s not allowed: market %s is resolved", op, m.ID)
	}
	return ErrInvalidState.With("%s requires %v, market %s is %s", op, allowed, m.ID, m.State)
}

// RequireOpen fails once end_time has been reached.
func (m *Market) RequireOpen(op string, now int64) error {
	if now >= m.EndTime {
		return ErrMarketEnded.With("%s not allowed: market ended at %d (now %d)", op, m.EndTime, now)
	}
	return nil
}

// RequireEnded fails before end_time.
func (m *Market) RequireEnded(op string, now int64) error {
	if now < m.EndTime {
		return ErrMarketNotEnded.With("%s not allowed before end_time %d (now %d)", op, m.EndTime, now)
	}
	return nil
}

// RequireAuthority fails unless caller created the market.
func (m *Market) RequireAuthority(op, caller string) error {
	if caller != m.Authority {
		return ErrUnauthorized.With("%s requires market authority", op)
	}
	return nil
}

// Transition moves the market forward. Regression is an invariant breach.
func (m *Market) Transition(to State) error {
	if to < m.State {
		return ErrInvalidState.With("cannot move market %s from %s back to %s", m.ID, m.State, to)
	}
	m.State = to
	return nil
}

// ResetBatch clears the batch accumulator after a clear.
func (m *Market) ResetBatch(clearTime int64, price uint64) {
	m.NextBatchClear = clearTime + m.BatchInterval
	m.BatchOrderRoot = Commitment{}
	m.BatchOrderCount = 0
	m.BatchEpoch++
	m.LastClearingPrice = price
}

// ValidateIdentity checks a caller identity fits the fixed record layout.
func ValidateIdentity(id string) error {
	if id == "" {
		return ErrUnauthorized.With("caller identity is empty")
	}
	if len(id) > MaxIdentityLen {
		return ErrUnauthorized.With("caller identity longer than %d bytes", MaxIdentityLen)
	}
	return nil
}

// Resolver is one staking party on one market.
type Resolver struct {
	MarketID    uuid.UUID
	Authority   string
	StakeAmount uint64
	HasAttested bool

	AttestationCommitment Commitment
	// SealedAttestation is the encrypted vote, only readable by the compute cluster.
	SealedAttestation []byte

	StakedAt   int64
	AttestedAt int64
}

func (r *Resolver) Clone() *Resolver {
	c := *r
	if r.SealedAttestation != nil {
		c.SealedAttestation = append([]byte(nil), r.SealedAttestation...)
	}
	return &c
}

// Attest records the attestation once. The commitment is the leading 32 bytes
// of the sealed payload, zero padded.
func (r *Resolver) Attest(sealed []byte, now int64) error {
	if r.HasAttested {
		return ErrAlreadyAttested.With("resolver %s already attested on market %s", r.Authority, r.MarketID)
	}
	if len(sealed) == 0 {
		return ErrEmptyPayload.With("attestation payload is empty")
	}
	var c Commitment
	copy(c[:], sealed)
	r.AttestationCommitment = c
	r.SealedAttestation = append([]byte(nil), sealed...)
	r.HasAttested = true
	r.AttestedAt = now
	return nil
}

// BatchOrder is a sealed order collected during one batch epoch.
type BatchOrder struct {
	MarketID    uuid.UUID
	Epoch       uint64
	Number      uint32
	Commitment  Commitment
	Sealed      []byte
	Submitter   string
	SubmittedAt int64
}
