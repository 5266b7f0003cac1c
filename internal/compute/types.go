package compute

import (
	"PrivateMarkets/internal/market"
	"context"

	"github.com/google/uuid"
)

// Kind names a confidential computation the cluster knows how to run.
type Kind string

const (
	KindTrade      Kind = "trade"
	KindBatchClear Kind = "batch_clear"
	KindResolution Kind = "resolution"
)

// Schema is registered once per kind.
type Schema struct {
	// AllowedStates are the market states a request may be queued in.
	AllowedStates []market.State
	// PayloadSize is the exact size of a success payload. Zero accepts any
	// non-empty payload.
	PayloadSize int
}

func (s Schema) allows(st market.State) bool {
	for _, a := range s.AllowedStates {
		if a == st {
			return true
		}
	}
	return false
}

// Request describes one computation to queue.
type Request struct {
	MarketID uuid.UUID
	Kind     Kind
	// State is the market state at queue time.
	State market.State
	// Handle is optional; a zero handle gets a fresh one.
	Handle uuid.UUID
	Caller string

	PublicArgs    []byte
	EncryptedArgs [][]byte
}

// Pending correlates a queued request with the applier waiting on it.
// It lives only inside the Gateway until its callback is delivered.
type Pending struct {
	Handle        uuid.UUID
	MarketID      uuid.UUID
	Kind          Kind
	Caller        string
	PublicArgs    []byte
	EncryptedArgs [][]byte
	QueuedAt      int64
	Dispatched    bool

	applier    Applier
	delivering bool
}

type Status uint8

const (
	StatusSuccess Status = iota
	StatusFailure
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ParseStatus maps wire text onto a status.
func ParseStatus(s string) (Status, bool) {
	switch s {
	case "success":
		return StatusSuccess, true
	case "failure":
		return StatusFailure, true
	case "aborted":
		return StatusAborted, true
	}
	return StatusFailure, false
}

type Outcome struct {
	Status  Status
	Payload []byte
	// Reason is free text from the cluster for failures.
	Reason string
}

// Callback is what the cluster delivers for a handle.
type Callback struct {
	Handle    uuid.UUID
	Outcome   Outcome
	Signature []byte
}

// Applier receives the result of a computation. Apply runs at most once
// per successful callback. Errors carrying a market.Error category are
// domain rejections and retire the handle; any other error is treated as
// infrastructure failure and leaves the handle pending for redelivery.
type Applier interface {
	Apply(ctx context.Context, p *Pending, payload []byte) error
	Fail(ctx context.Context, p *Pending, cause error) error
}

// Dispatcher hands a pending computation to the cluster.
type Dispatcher interface {
	Dispatch(ctx context.Context, p *Pending) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, p *Pending) error

func (f DispatcherFunc) Dispatch(ctx context.Context, p *Pending) error { return f(ctx, p) }

// Verifier authenticates callbacks.
type Verifier interface {
	Verify(cb Callback) error
}
