package market

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Fixed record layout of a market. All integers are little-endian.
// External readers address the reserve and commitment fields directly by
// offset, so published offsets never move; new fields go at the end and
// bump LayoutVersion.
const (
	OffsetDiscriminator     = 0   // [8]byte
	OffsetLayoutVersion     = 8   // u8
	OffsetState             = 9   // u8
	OffsetFinalOutcome      = 10  // u8: 0=NO, 1=YES, 255=unresolved
	OffsetResolverQuorum    = 11  // u8
	OffsetResolverCount     = 12  // u8
	OffsetAttestationCount  = 13  // u8
	OffsetFeeBps            = 14  // u16
	OffsetMarketID          = 16  // [16]byte
	OffsetYesReserves       = 32  // u64
	OffsetNoReserves        = 40  // u64
	OffsetStateCommitment   = 48  // [32]byte
	OffsetTotalVolume       = 80  // u64
	OffsetEndTime           = 88  // i64
	OffsetBatchInterval     = 96  // i64
	OffsetNextBatchClear    = 104 // i64
	OffsetBatchOrderRoot    = 112 // [32]byte
	OffsetBatchOrderCount   = 144 // u32
	OffsetBatchEpoch        = 148 // u64
	OffsetLastClearingPrice = 156 // u64
	OffsetConfidence        = 164 // u64
	OffsetCollateralLocked  = 172 // u64
	OffsetCreatedAt         = 180 // i64
	OffsetResolvedAt        = 188 // i64
	OffsetRecordVersion     = 196 // u64
	OffsetAuthority         = 204 // u8 len + [64]byte
	OffsetQuestion          = 269 // u16 len + [200]byte

	RecordSize = OffsetQuestion + 2 + MaxQuestionLen

	LayoutVersion = 1

	// WireUnresolved is the final outcome byte of an unresolved market.
	WireUnresolved byte = 255
)

// Discriminator tags a market record.
var Discriminator = [8]byte{'P', 'M', 'M', 'A', 'R', 'K', 'E', 'T'}

// OutcomeToWire maps the ternary outcome onto its record byte.
func OutcomeToWire(o Outcome) byte {
	switch o {
	case OutcomeNo:
		return 0
	case OutcomeYes:
		return 1
	default:
		return WireUnresolved
	}
}

// OutcomeFromWire is the inverse of OutcomeToWire.
func OutcomeFromWire(b byte) (Outcome, error) {
	switch b {
	case 0:
		return OutcomeNo, nil
	case 1:
		return OutcomeYes, nil
	case WireUnresolved:
		return OutcomeUnresolved, nil
	}
	return OutcomeUnresolved, ErrInvalidOutcome.With("outcome byte %d", b)
}

// MarshalBinary encodes the market into its fixed-size record.
func (m *Market) MarshalBinary() ([]byte, error) {
	if len(m.Authority) > MaxIdentityLen {
		return nil, ErrUnauthorized.With("authority longer than %d bytes", MaxIdentityLen)
	}
	if len(m.Question) > MaxQuestionLen {
		return nil, ErrQuestionTooLong.With("question is %d bytes", len(m.Question))
	}

	buf := make([]byte, RecordSize)
	le := binary.LittleEndian

	copy(buf[OffsetDiscriminator:], Discriminator[:])
	buf[OffsetLayoutVersion] = LayoutVersion
	buf[OffsetState] = byte(m.State)
	buf[OffsetFinalOutcome] = OutcomeToWire(m.FinalOutcome)
	buf[OffsetResolverQuorum] = m.ResolverQuorum
	buf[OffsetResolverCount] = m.ResolverCount
	buf[OffsetAttestationCount] = m.AttestationCount
	le.PutUint16(buf[OffsetFeeBps:], m.FeeBps)
	copy(buf[OffsetMarketID:], m.ID[:])
	le.PutUint64(buf[OffsetYesReserves:], m.YesReserves)
	le.PutUint64(buf[OffsetNoReserves:], m.NoReserves)
	copy(buf[OffsetStateCommitment:], m.StateCommitment[:])
	le.PutUint64(buf[OffsetTotalVolume:], m.TotalVolume)
	le.PutUint64(buf[OffsetEndTime:], uint64(m.EndTime))
	le.PutUint64(buf[OffsetBatchInterval:], uint64(m.BatchInterval))
	le.PutUint64(buf[OffsetNextBatchClear:], uint64(m.NextBatchClear))
	copy(buf[OffsetBatchOrderRoot:], m.BatchOrderRoot[:])
	le.PutUint32(buf[OffsetBatchOrderCount:], m.BatchOrderCount)
	le.PutUint64(buf[OffsetBatchEpoch:], m.BatchEpoch)
	le.PutUint64(buf[OffsetLastClearingPrice:], m.LastClearingPrice)
	le.PutUint64(buf[OffsetConfidence:], m.Confidence)
	le.PutUint64(buf[OffsetCollateralLocked:], m.CollateralLocked)
	le.PutUint64(buf[OffsetCreatedAt:], uint64(m.CreatedAt))
	le.PutUint64(buf[OffsetResolvedAt:], uint64(m.ResolvedAt))
	le.PutUint64(buf[OffsetRecordVersion:], m.Version)

	buf[OffsetAuthority] = byte(len(m.Authority))
	copy(buf[OffsetAuthority+1:], m.Authority)
	le.PutUint16(buf[OffsetQuestion:], uint16(len(m.Question)))
	copy(buf[OffsetQuestion+2:], m.Question)

	return buf, nil
}

// UnmarshalBinary decodes a record produced by MarshalBinary.
func (m *Market) UnmarshalBinary(buf []byte) error {
	if err := checkRecord(buf); err != nil {
		return err
	}
	le := binary.LittleEndian

	outcome, err := OutcomeFromWire(buf[OffsetFinalOutcome])
	if err != nil {
		return err
	}
	id, err := uuid.FromBytes(buf[OffsetMarketID : OffsetMarketID+16])
	if err != nil {
		return fmt.Errorf("market record: id: %w", err)
	}
	authLen := int(buf[OffsetAuthority])
	qLen := int(le.Uint16(buf[OffsetQuestion:]))
	if authLen > MaxIdentityLen || qLen > MaxQuestionLen {
		return ErrInvalidPayload.With("market record: corrupt length prefix")
	}

	*m = Market{
		ID:                id,
		Authority:         string(buf[OffsetAuthority+1 : OffsetAuthority+1+authLen]),
		Question:          string(buf[OffsetQuestion+2 : OffsetQuestion+2+qLen]),
		EndTime:           int64(le.Uint64(buf[OffsetEndTime:])),
		FeeBps:            le.Uint16(buf[OffsetFeeBps:]),
		BatchInterval:     int64(le.Uint64(buf[OffsetBatchInterval:])),
		NextBatchClear:    int64(le.Uint64(buf[OffsetNextBatchClear:])),
		ResolverQuorum:    buf[OffsetResolverQuorum],
		ResolverCount:     buf[OffsetResolverCount],
		AttestationCount:  buf[OffsetAttestationCount],
		YesReserves:       le.Uint64(buf[OffsetYesReserves:]),
		NoReserves:        le.Uint64(buf[OffsetNoReserves:]),
		TotalVolume:       le.Uint64(buf[OffsetTotalVolume:]),
		BatchOrderCount:   le.Uint32(buf[OffsetBatchOrderCount:]),
		BatchEpoch:        le.Uint64(buf[OffsetBatchEpoch:]),
		LastClearingPrice: le.Uint64(buf[OffsetLastClearingPrice:]),
		CollateralLocked:  le.Uint64(buf[OffsetCollateralLocked:]),
		State:             State(buf[OffsetState]),
		FinalOutcome:      outcome,
		Confidence:        le.Uint64(buf[OffsetConfidence:]),
		CreatedAt:         int64(le.Uint64(buf[OffsetCreatedAt:])),
		ResolvedAt:        int64(le.Uint64(buf[OffsetResolvedAt:])),
		Version:           le.Uint64(buf[OffsetRecordVersion:]),
	}
	copy(m.StateCommitment[:], buf[OffsetStateCommitment:])
	copy(m.BatchOrderRoot[:], buf[OffsetBatchOrderRoot:])
	return nil
}

// ReadReserves reads the public reserves straight from a record.
func ReadReserves(record []byte) (yes, no uint64, err error) {
	if err := checkRecord(record); err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint64(record[OffsetYesReserves:]),
		binary.LittleEndian.Uint64(record[OffsetNoReserves:]), nil
}

// ReadStateCommitment reads the reserve commitment straight from a record.
func ReadStateCommitment(record []byte) (Commitment, error) {
	var c Commitment
	if err := checkRecord(record); err != nil {
		return c, err
	}
	copy(c[:], record[OffsetStateCommitment:OffsetStateCommitment+32])
	return c, nil
}

func checkRecord(buf []byte) error {
	if len(buf) != RecordSize {
		return ErrInvalidPayload.With("market record is %d bytes, want %d", len(buf), RecordSize)
	}
	if [8]byte(buf[:8]) != Discriminator {
		return ErrInvalidPayload.With("market record: bad discriminator")
	}
	if buf[OffsetLayoutVersion] != LayoutVersion {
		return ErrInvalidPayload.With("market record: layout version %d", buf[OffsetLayoutVersion])
	}
	return nil
}
