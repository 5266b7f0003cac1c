package market

import (
	"errors"
	"fmt"
)

// Category classifies a rejected operation. Every error returned by the
// engine carries exactly one category.
type Category uint8

const (
	CategoryUnknown Category = iota
	CategoryValidation
	CategoryState
	CategoryArithmetic
	CategoryAuthorization
	CategoryComputation
	CategoryNotFound
)

func (c Category) String() string {
	switch c {
	case CategoryValidation:
		return "validation"
	case CategoryState:
		return "state"
	case CategoryArithmetic:
		return "arithmetic"
	case CategoryAuthorization:
		return "authorization"
	case CategoryComputation:
		return "computation"
	case CategoryNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is a domain error. Two errors match under errors.Is when their
// codes are equal, regardless of detail.
type Error struct {
	Category Category
	Code     string
	Detail   string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Category, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Category, e.Code, e.Detail)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// With returns a copy of e carrying a formatted detail naming the
// violated precondition.
func (e *Error) With(format string, args ...any) *Error {
	return &Error{Category: e.Category, Code: e.Code, Detail: fmt.Sprintf(format, args...)}
}

// CategoryOf returns the category of the first domain error in err's chain.
func CategoryOf(err error) Category {
	var de *Error
	if errors.As(err, &de) {
		return de.Category
	}
	return CategoryUnknown
}

func validation(code string) *Error    { return &Error{Category: CategoryValidation, Code: code} }
func state(code string) *Error         { return &Error{Category: CategoryState, Code: code} }
func arithmetic(code string) *Error    { return &Error{Category: CategoryArithmetic, Code: code} }
func authorization(code string) *Error { return &Error{Category: CategoryAuthorization, Code: code} }
func computation(code string) *Error   { return &Error{Category: CategoryComputation, Code: code} }
func notFound(code string) *Error      { return &Error{Category: CategoryNotFound, Code: code} }

// Validation
var (
	ErrQuestionTooLong      = validation("question_too_long")
	ErrInvalidEndTime       = validation("invalid_end_time")
	ErrInvalidFeeBps        = validation("invalid_fee_bps")
	ErrInvalidBatchInterval = validation("invalid_batch_interval")
	ErrInvalidQuorum        = validation("invalid_quorum")
	ErrZeroAmount           = validation("zero_amount")
	ErrInsufficientStake    = validation("insufficient_stake")
	ErrEmptyPayload         = validation("empty_payload")
	ErrInvalidCommitment    = validation("invalid_state_commitment")
	ErrInvalidOutcome       = validation("invalid_outcome")
	ErrInvalidSide          = validation("invalid_side")
	ErrPriceMismatch        = validation("price_mismatch")
	ErrInvalidPayload       = validation("invalid_payload")
	ErrSlippageExceeded     = validation("slippage_exceeded")
	ErrInsufficientFunds    = validation("insufficient_funds")
)

// State preconditions
var (
	ErrMarketEnded            = state("market_ended")
	ErrMarketNotEnded         = state("market_not_ended")
	ErrMarketAlreadyResolved  = state("market_already_resolved")
	ErrMarketNotResolved      = state("market_not_resolved")
	ErrInvalidState           = state("invalid_state")
	ErrBatchWindowOpen        = state("batch_window_open")
	ErrBatchWindowClosed      = state("batch_window_closed")
	ErrResolverAlreadyStaked  = state("resolver_already_staked")
	ErrAlreadyAttested        = state("already_attested")
	ErrResolverSlotsExhausted = state("resolver_slots_exhausted")
	ErrComputationOutstanding = state("computation_outstanding")
	ErrOutcomeMismatch        = state("outcome_mismatch")
	ErrQuorumNotReached       = state("quorum_not_reached")
	ErrConcurrentModification = state("concurrent_modification")
	ErrMarketAlreadyExists    = state("market_already_exists")
)

// Arithmetic
var (
	ErrOverflow         = arithmetic("overflow")
	ErrInvalidCFMMState = arithmetic("invalid_cfmm_state")
)

// Authorization
var (
	ErrUnauthorized             = authorization("unauthorized")
	ErrInvalidCallbackSignature = authorization("invalid_callback_signature")
)

// Computation outcome
var (
	ErrComputationFailed  = computation("computation_failed")
	ErrComputationAborted = computation("computation_aborted")
	ErrUnknownHandle      = computation("unknown_handle")
	ErrHandleRetired      = computation("handle_retired")
	ErrCallbackInProgress = computation("callback_in_progress")
	ErrKindNotRegistered  = computation("kind_not_registered")
	ErrHandleInUse        = computation("handle_in_use")
)

// Lookups
var (
	ErrMarketNotFound   = notFound("market_not_found")
	ErrResolverNotFound = notFound("resolver_not_found")
)
