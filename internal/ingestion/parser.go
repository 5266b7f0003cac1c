package ingestion

import (
	"PrivateMarkets/internal/compute"
	"PrivateMarkets/internal/market"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Op names a market operation carried by a command.
type Op string

const (
	OpCreateMarket    Op = "create_market"
	OpFund            Op = "fund"
	OpDeposit         Op = "deposit"
	OpMint            Op = "mint"
	OpTrade           Op = "trade"
	OpUpdateCfmm      Op = "cfmm"
	OpBatchOrder      Op = "batch_order"
	OpBatchClear      Op = "batch_clear"
	OpApplyBatchClear Op = "apply_batch_clear"
	OpStake           Op = "stake"
	OpAttest          Op = "attest"
	OpRetryResolution Op = "retry_resolution"
	OpResolve         Op = "resolve"
	OpRedeem          Op = "redeem"
)

var knownOps = map[Op]bool{
	OpCreateMarket: true, OpFund: true, OpDeposit: true, OpMint: true,
	OpTrade: true, OpUpdateCfmm: true, OpBatchOrder: true, OpBatchClear: true,
	OpApplyBatchClear: true, OpStake: true, OpAttest: true,
	OpRetryResolution: true, OpResolve: true, OpRedeem: true,
}

// Command is a parsed, typed request for one market operation. Only the
// fields its Op reads are set.
type Command struct {
	Op       Op
	Caller   string
	MarketID uuid.UUID

	Amount     uint64
	Side       market.Side
	Sealed     []byte
	MaxPrice   uint64
	Commitment market.Commitment
	DeltaYes   int64
	DeltaNo    int64
	Price      uint64
	DemandYes  uint64
	DemandNo   uint64
	Outcome    market.Outcome
	Proof      []byte
	Owner      string
	Params     market.Params
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Byte fields are
// base64 (encoding/json's []byte form); commitments are 64 hex chars.

type commandJSON struct {
	Caller         string `json:"caller"`
	MarketID       string `json:"market_id"`
	Amount         uint64 `json:"amount"`
	Side           string `json:"side"`
	Sealed         []byte `json:"sealed"`
	MaxPrice       uint64 `json:"max_price"`
	Commitment     string `json:"commitment"`
	DeltaYes       int64  `json:"delta_yes"`
	DeltaNo        int64  `json:"delta_no"`
	Price          uint64 `json:"price"`
	DemandYes      uint64 `json:"demand_yes"`
	DemandNo       uint64 `json:"demand_no"`
	Outcome        string `json:"outcome"`
	Proof          []byte `json:"proof"`
	Owner          string `json:"owner"`
	Question       string `json:"question"`
	EndTime        int64  `json:"end_time"`
	FeeBps         uint16 `json:"fee_bps"`
	BatchInterval  int64  `json:"batch_interval"`
	ResolverQuorum uint8  `json:"resolver_quorum"`
}

// OpFromSubject extracts the op from "pm.commands.<op>[.<anything>]".
func OpFromSubject(subject string) (Op, error) {
	rest, ok := strings.CutPrefix(subject, CommandSubjectPrefix)
	if !ok {
		return "", fmt.Errorf("subject %q is not a command subject", subject)
	}
	op, _, _ := strings.Cut(rest, ".")
	if !knownOps[Op(op)] {
		return "", market.ErrInvalidPayload.With("unknown command %q", op)
	}
	return Op(op), nil
}

// ParseCommand decodes the JSON body of op. A marketID other than
// uuid.Nil overrides the body's market_id (HTTP paths carry it).
func ParseCommand(op Op, data []byte, marketID uuid.UUID) (Command, error) {
	if !knownOps[op] {
		return Command{}, market.ErrInvalidPayload.With("unknown command %q", op)
	}
	var j commandJSON
	if len(data) > 0 {
		if err := json.Unmarshal(data, &j); err != nil {
			return Command{}, market.ErrInvalidPayload.With("parse %s: %v", op, err)
		}
	}

	cmd := Command{
		Op:        op,
		Caller:    j.Caller,
		MarketID:  marketID,
		Amount:    j.Amount,
		Sealed:    j.Sealed,
		MaxPrice:  j.MaxPrice,
		DeltaYes:  j.DeltaYes,
		DeltaNo:   j.DeltaNo,
		Price:     j.Price,
		DemandYes: j.DemandYes,
		DemandNo:  j.DemandNo,
		Proof:     j.Proof,
		Owner:     j.Owner,
		Params: market.Params{
			Question:       j.Question,
			EndTime:        j.EndTime,
			FeeBps:         j.FeeBps,
			BatchInterval:  j.BatchInterval,
			ResolverQuorum: j.ResolverQuorum,
		},
	}

	if op != OpCreateMarket && op != OpFund && cmd.MarketID == uuid.Nil {
		id, err := uuid.Parse(j.MarketID)
		if err != nil {
			return Command{}, market.ErrInvalidPayload.With("parse market_id: %v", err)
		}
		cmd.MarketID = id
	}

	switch op {
	case OpRedeem:
		side, err := market.ParseSide(j.Side)
		if err != nil {
			return Command{}, err
		}
		cmd.Side = side
	case OpUpdateCfmm, OpApplyBatchClear:
		c, err := market.ParseCommitment(j.Commitment)
		if err != nil {
			return Command{}, err
		}
		cmd.Commitment = c
	case OpResolve:
		side, err := market.ParseSide(j.Outcome)
		if err != nil {
			return Command{}, market.ErrInvalidOutcome.With("unknown outcome %q", j.Outcome)
		}
		cmd.Outcome = side.Outcome()
	case OpBatchOrder:
		if j.Commitment != "" {
			c, err := market.ParseCommitment(j.Commitment)
			if err != nil {
				return Command{}, err
			}
			cmd.Commitment = c
		}
	}
	return cmd, nil
}

// CallbackJSON is the wire form of a cluster callback.
type CallbackJSON struct {
	Handle    string `json:"handle"`
	Status    string `json:"status"`
	Payload   string `json:"payload"` // hex
	Reason    string `json:"reason,omitempty"`
	Signature string `json:"signature,omitempty"` // hex, 65 bytes
}

// ParseCallback decodes a callback message.
func ParseCallback(data []byte) (compute.Callback, error) {
	var j CallbackJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return compute.Callback{}, market.ErrInvalidPayload.With("parse callback: %v", err)
	}
	return j.Callback()
}

// Callback converts the wire form.
func (j CallbackJSON) Callback() (compute.Callback, error) {
	handle, err := uuid.Parse(j.Handle)
	if err != nil {
		return compute.Callback{}, market.ErrInvalidPayload.With("parse handle: %v", err)
	}
	status, ok := compute.ParseStatus(j.Status)
	if !ok {
		return compute.Callback{}, market.ErrInvalidPayload.With("unknown callback status %q", j.Status)
	}
	payload, err := decodeHex(j.Payload)
	if err != nil {
		return compute.Callback{}, market.ErrInvalidPayload.With("parse payload: %v", err)
	}
	sig, err := decodeHex(j.Signature)
	if err != nil {
		return compute.Callback{}, market.ErrInvalidPayload.With("parse signature: %v", err)
	}
	return compute.Callback{
		Handle:    handle,
		Outcome:   compute.Outcome{Status: status, Payload: payload, Reason: j.Reason},
		Signature: sig,
	}, nil
}

// CallbackToJSON is the inverse of CallbackJSON.Callback.
func CallbackToJSON(cb compute.Callback) CallbackJSON {
	j := CallbackJSON{
		Handle:  cb.Handle.String(),
		Status:  cb.Outcome.Status.String(),
		Payload: hex.EncodeToString(cb.Outcome.Payload),
		Reason:  cb.Outcome.Reason,
	}
	if len(cb.Signature) > 0 {
		j.Signature = hex.EncodeToString(cb.Signature)
	}
	return j
}

// RequestJSON is the wire form of a computation request sent to the cluster.
type RequestJSON struct {
	Handle        string   `json:"handle"`
	MarketID      string   `json:"market_id"`
	Kind          string   `json:"kind"`
	Caller        string   `json:"caller"`
	PublicArgs    []byte   `json:"public_args"`
	EncryptedArgs [][]byte `json:"encrypted_args"`
	QueuedAt      int64    `json:"queued_at"`
}

func RequestToJSON(p *compute.Pending) RequestJSON {
	return RequestJSON{
		Handle:        p.Handle.String(),
		MarketID:      p.MarketID.String(),
		Kind:          string(p.Kind),
		Caller:        p.Caller,
		PublicArgs:    p.PublicArgs,
		EncryptedArgs: p.EncryptedArgs,
		QueuedAt:      p.QueuedAt,
	}
}

func decodeHex(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}
