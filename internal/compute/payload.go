package compute

import (
	"PrivateMarkets/internal/market"
	"encoding/binary"
	"sort"
)

// Result payload sizes, registered as the schema of each kind.
const (
	TradeResultSize      = 32 + 1 + 8
	BatchClearResultSize = 32 + 8 + 8 + 8
	ResolutionResultSize = 1 + 8

	TradeArgsSize = 8 + 8 + 32 + 8 + 1
	BatchArgsSize = 8 + 4 + 32 + 8 + 8

	TradeOrderSize  = 1 + 8
	BatchOrderSize  = 1 + 8 + 8
	AttestationSize = 1
)

var le = binary.LittleEndian

// --- results (cluster -> ledger) ---

// TradeResult is the revealed outcome of one private trade.
type TradeResult struct {
	Commitment market.Commitment
	Side       market.Side
	Amount     uint64
}

func (r TradeResult) Marshal() []byte {
	buf := make([]byte, TradeResultSize)
	copy(buf, r.Commitment[:])
	buf[32] = byte(r.Side)
	le.PutUint64(buf[33:], r.Amount)
	return buf
}

func UnmarshalTradeResult(b []byte) (TradeResult, error) {
	var r TradeResult
	if len(b) != TradeResultSize {
		return r, market.ErrInvalidPayload.With("trade result is %d bytes", len(b))
	}
	copy(r.Commitment[:], b[:32])
	r.Side = market.Side(b[32])
	if !r.Side.Valid() {
		return r, market.ErrInvalidSide.With("trade result side %d", b[32])
	}
	r.Amount = le.Uint64(b[33:])
	return r, nil
}

// BatchClearResult carries aggregate demand; the ledger recomputes the
// clearing price and rejects a mismatch.
type BatchClearResult struct {
	Commitment    market.Commitment
	ClearingPrice uint64
	DemandYes     uint64
	DemandNo      uint64
}

func (r BatchClearResult) Marshal() []byte {
	buf := make([]byte, BatchClearResultSize)
	copy(buf, r.Commitment[:])
	le.PutUint64(buf[32:], r.ClearingPrice)
	le.PutUint64(buf[40:], r.DemandYes)
	le.PutUint64(buf[48:], r.DemandNo)
	return buf
}

func UnmarshalBatchClearResult(b []byte) (BatchClearResult, error) {
	var r BatchClearResult
	if len(b) != BatchClearResultSize {
		return r, market.ErrInvalidPayload.With("batch clear result is %d bytes", len(b))
	}
	copy(r.Commitment[:], b[:32])
	r.ClearingPrice = le.Uint64(b[32:])
	r.DemandYes = le.Uint64(b[40:])
	r.DemandNo = le.Uint64(b[48:])
	return r, nil
}

// ResolutionResult is the aggregated vote. Outcome byte: 0=NO, 1=YES.
type ResolutionResult struct {
	Outcome    market.Outcome
	Confidence uint64
}

func (r ResolutionResult) Marshal() []byte {
	buf := make([]byte, ResolutionResultSize)
	buf[0] = market.OutcomeToWire(r.Outcome)
	le.PutUint64(buf[1:], r.Confidence)
	return buf
}

func UnmarshalResolutionResult(b []byte) (ResolutionResult, error) {
	var r ResolutionResult
	if len(b) != ResolutionResultSize {
		return r, market.ErrInvalidPayload.With("resolution result is %d bytes", len(b))
	}
	o, err := market.OutcomeFromWire(b[0])
	if err != nil {
		return r, err
	}
	r.Outcome = o
	r.Confidence = le.Uint64(b[1:])
	return r, nil
}

// --- public args (ledger -> cluster) ---

// TradeArgs is the reserve snapshot a trade computation runs against.
type TradeArgs struct {
	YesReserves     uint64
	NoReserves      uint64
	StateCommitment market.Commitment
	MaxPrice        uint64
	OppositeSide    bool
}

func (a TradeArgs) Marshal() []byte {
	buf := make([]byte, TradeArgsSize)
	le.PutUint64(buf[0:], a.YesReserves)
	le.PutUint64(buf[8:], a.NoReserves)
	copy(buf[16:48], a.StateCommitment[:])
	le.PutUint64(buf[48:], a.MaxPrice)
	if a.OppositeSide {
		buf[56] = 1
	}
	return buf
}

func UnmarshalTradeArgs(b []byte) (TradeArgs, error) {
	var a TradeArgs
	if len(b) != TradeArgsSize {
		return a, market.ErrInvalidPayload.With("trade args are %d bytes", len(b))
	}
	a.YesReserves = le.Uint64(b[0:])
	a.NoReserves = le.Uint64(b[8:])
	copy(a.StateCommitment[:], b[16:48])
	a.MaxPrice = le.Uint64(b[48:])
	a.OppositeSide = b[56] == 1
	return a, nil
}

// BatchArgs identifies the epoch being cleared.
type BatchArgs struct {
	Epoch       uint64
	OrderCount  uint32
	OrderRoot   market.Commitment
	YesReserves uint64
	NoReserves  uint64
}

func (a BatchArgs) Marshal() []byte {
	buf := make([]byte, BatchArgsSize)
	le.PutUint64(buf[0:], a.Epoch)
	le.PutUint32(buf[8:], a.OrderCount)
	copy(buf[12:44], a.OrderRoot[:])
	le.PutUint64(buf[44:], a.YesReserves)
	le.PutUint64(buf[52:], a.NoReserves)
	return buf
}

func UnmarshalBatchArgs(b []byte) (BatchArgs, error) {
	var a BatchArgs
	if len(b) != BatchArgsSize {
		return a, market.ErrInvalidPayload.With("batch args are %d bytes", len(b))
	}
	a.Epoch = le.Uint64(b[0:])
	a.OrderCount = le.Uint32(b[8:])
	copy(a.OrderRoot[:], b[12:44])
	a.YesReserves = le.Uint64(b[44:])
	a.NoReserves = le.Uint64(b[52:])
	return a, nil
}

// ResolverWeight pairs a resolver with its stake.
type ResolverWeight struct {
	Authority string
	Weight    uint64
}

// ResolutionArgs lists attesting resolvers sorted by authority. The
// encrypted args carry their sealed votes in the same order.
type ResolutionArgs struct {
	Resolvers []ResolverWeight
}

// SortResolvers orders weights and sealed votes together by authority.
func SortResolvers(weights []ResolverWeight, sealed [][]byte) {
	idx := make([]int, len(weights))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return weights[idx[a]].Authority < weights[idx[b]].Authority })
	w2 := make([]ResolverWeight, len(weights))
	s2 := make([][]byte, len(sealed))
	for i, j := range idx {
		w2[i] = weights[j]
		if j < len(sealed) {
			s2[i] = sealed[j]
		}
	}
	copy(weights, w2)
	copy(sealed, s2)
}

func (a ResolutionArgs) Marshal() []byte {
	buf := []byte{byte(len(a.Resolvers))}
	for _, r := range a.Resolvers {
		buf = append(buf, byte(len(r.Authority)))
		buf = append(buf, r.Authority...)
		buf = le.AppendUint64(buf, r.Weight)
	}
	return buf
}

func UnmarshalResolutionArgs(b []byte) (ResolutionArgs, error) {
	var a ResolutionArgs
	if len(b) < 1 {
		return a, market.ErrInvalidPayload.With("resolution args are empty")
	}
	n := int(b[0])
	off := 1
	for i := 0; i < n; i++ {
		if off >= len(b) {
			return a, market.ErrInvalidPayload.With("resolution args truncated at resolver %d", i)
		}
		l := int(b[off])
		off++
		if off+l+8 > len(b) {
			return a, market.ErrInvalidPayload.With("resolution args truncated at resolver %d", i)
		}
		a.Resolvers = append(a.Resolvers, ResolverWeight{
			Authority: string(b[off : off+l]),
			Weight:    le.Uint64(b[off+l:]),
		})
		off += l + 8
	}
	if off != len(b) {
		return a, market.ErrInvalidPayload.With("resolution args have %d trailing bytes", len(b)-off)
	}
	return a, nil
}

// --- sealed plaintexts (client -> cluster) ---

// TradeOrder is the plaintext inside a sealed trade order.
type TradeOrder struct {
	Side   market.Side
	Amount uint64
}

func (o TradeOrder) Marshal() []byte {
	buf := make([]byte, TradeOrderSize)
	buf[0] = byte(o.Side)
	le.PutUint64(buf[1:], o.Amount)
	return buf
}

func UnmarshalTradeOrder(b []byte) (TradeOrder, error) {
	if len(b) != TradeOrderSize {
		return TradeOrder{}, market.ErrInvalidPayload.With("trade order is %d bytes", len(b))
	}
	o := TradeOrder{Side: market.Side(b[0]), Amount: le.Uint64(b[1:])}
	if !o.Side.Valid() {
		return o, market.ErrInvalidSide.With("trade order side %d", b[0])
	}
	return o, nil
}

// BatchOrderPlain is the plaintext inside a sealed batch order.
type BatchOrderPlain struct {
	Side       market.Side
	Amount     uint64
	LimitPrice uint64
}

func (o BatchOrderPlain) Marshal() []byte {
	buf := make([]byte, BatchOrderSize)
	buf[0] = byte(o.Side)
	le.PutUint64(buf[1:], o.Amount)
	le.PutUint64(buf[9:], o.LimitPrice)
	return buf
}

func UnmarshalBatchOrder(b []byte) (BatchOrderPlain, error) {
	if len(b) != BatchOrderSize {
		return BatchOrderPlain{}, market.ErrInvalidPayload.With("batch order is %d bytes", len(b))
	}
	o := BatchOrderPlain{Side: market.Side(b[0]), Amount: le.Uint64(b[1:]), LimitPrice: le.Uint64(b[9:])}
	if !o.Side.Valid() {
		return o, market.ErrInvalidSide.With("batch order side %d", b[0])
	}
	return o, nil
}

// Vote is the plaintext inside a sealed attestation: 1 = YES, 0 = NO.
type Vote bool

func (v Vote) Marshal() []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

func UnmarshalVote(b []byte) (Vote, error) {
	if len(b) != AttestationSize || b[0] > 1 {
		return false, market.ErrInvalidPayload.With("attestation plaintext invalid")
	}
	return b[0] == 1, nil
}
