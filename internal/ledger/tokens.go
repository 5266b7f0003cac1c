package ledger

import (
	"context"
	"errors"
	"fmt"
	stdmath "math"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("amount must be positive and fit in int64")
)

// TokenLedger is the fungible-token capability the engine depends on.
// Amounts are conserved; a Debit or Burn beyond the balance fails with
// ErrInsufficientBalance and changes nothing.
type TokenLedger interface {
	Credit(ctx context.Context, ref string, account AccountKey, amount uint64) error
	Debit(ctx context.Context, ref string, account AccountKey, amount uint64) error
	MintPaired(ctx context.Context, ref, owner string, market uuid.UUID, amount uint64) error
	Burn(ctx context.Context, ref, owner string, asset Asset, amount uint64) error
	AccountBalance(key AccountKey) int64
}

// ClearingAccount holds value between a Debit and its matching Credit.
func ClearingAccount(asset Asset) AccountKey {
	return NewSystemAccountKey(uuid.Nil, SubTypeSystemClearing, asset)
}

func issuanceAccount(asset Asset) AccountKey {
	return NewSystemAccountKey(asset.Market, SubTypeSystemIssuance, asset)
}

// Ledger is the in-process double-entry TokenLedger.
type Ledger struct {
	mu       sync.Mutex
	tracker  *BalanceTracker
	sequence int64
	now      func() int64
	sink     chan<- *Batch
}

// NewLedger creates an empty ledger. sink, when non-nil, receives every
// applied batch for persistence.
func NewLedger(now func() int64, sink chan<- *Batch) *Ledger {
	return &Ledger{
		tracker: NewBalanceTracker(),
		now:     now,
		sink:    sink,
	}
}

// Replay applies a persisted batch during recovery. It does not reach the
// sink and advances the sequence to the batch's.
func (l *Ledger) Replay(b *Batch) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b.Sequence <= l.sequence {
		return fmt.Errorf("replay batch %d: ledger already at %d", b.Sequence, l.sequence)
	}
	if err := l.tracker.ApplyBatch(b); err != nil {
		return err
	}
	l.sequence = b.Sequence
	return nil
}

// Sequence is the sequence of the last applied batch.
func (l *Ledger) Sequence() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sequence
}

// Fund moves collateral from the external boundary into a wallet.
func (l *Ledger) Fund(ctx context.Context, ref, owner string, amount uint64) error {
	return l.post(ctx, ref, JournalTypeFund, transfer{
		to:   NewUserAccountKey(owner, Collateral),
		from: NewExternalAccountKey(SubTypeExternalDeposits, Collateral),
	}, amount, false)
}

// Debit removes amount from account into the clearing account.
func (l *Ledger) Debit(ctx context.Context, ref string, account AccountKey, amount uint64) error {
	return l.post(ctx, ref, JournalTypeDebit, transfer{
		to:   ClearingAccount(account.Asset),
		from: account,
	}, amount, true)
}

// Credit adds amount to account out of the clearing account.
func (l *Ledger) Credit(ctx context.Context, ref string, account AccountKey, amount uint64) error {
	return l.post(ctx, ref, JournalTypeCredit, transfer{
		to:   account,
		from: ClearingAccount(account.Asset),
	}, amount, false)
}

// MintPaired issues amount YES and amount NO tokens of market to owner.
func (l *Ledger) MintPaired(ctx context.Context, ref, owner string, market uuid.UUID, amount uint64) error {
	yes, no := YesToken(market), NoToken(market)
	return l.post(ctx, ref, JournalTypeMint,
		transfer{to: NewUserAccountKey(owner, yes), from: issuanceAccount(yes)},
		amount, false,
		transfer{to: NewUserAccountKey(owner, no), from: issuanceAccount(no)},
	)
}

// Burn retires amount outcome tokens held by owner.
func (l *Ledger) Burn(ctx context.Context, ref, owner string, asset Asset, amount uint64) error {
	if asset.Kind == AssetCollateral {
		return fmt.Errorf("burn: %s is not an outcome token", asset)
	}
	return l.post(ctx, ref, JournalTypeBurn, transfer{
		to:   issuanceAccount(asset),
		from: NewUserAccountKey(owner, asset),
	}, amount, true)
}

// Balance returns the wallet balance of owner in asset.
func (l *Ledger) Balance(owner string, asset Asset) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tracker.GetBalance(NewUserAccountKey(owner, asset))
}

// AccountBalance returns the balance of any account.
func (l *Ledger) AccountBalance(key AccountKey) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tracker.GetBalance(key)
}

// Balances returns all non-zero wallet balances of owner.
func (l *Ledger) Balances(owner string) map[Asset]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tracker.OwnerBalances(owner)
}

// Validate runs the global zero-sum check.
func (l *Ledger) Validate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return NewInvariantValidator(l.tracker).ValidateGlobalBalance()
}

type transfer struct {
	to, from AccountKey
}

func (l *Ledger) post(ctx context.Context, ref string, jt JournalType, first transfer, amount uint64, checkFrom bool, rest ...transfer) error {
	if amount == 0 || amount > stdmath.MaxInt64 {
		return ErrInvalidAmount
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	legs := append([]transfer{first}, rest...)

	l.mu.Lock()
	if checkFrom {
		for _, leg := range legs {
			if have := l.tracker.GetBalance(leg.from); have < int64(amount) {
				l.mu.Unlock()
				return fmt.Errorf("%w: %s has %d, need %d", ErrInsufficientBalance, leg.from.AccountPath(), have, amount)
			}
		}
	}

	l.sequence++
	ts := l.now()
	batch := &Batch{
		BatchID:   uuid.New(),
		EventRef:  ref,
		Sequence:  l.sequence,
		Timestamp: ts,
		Journals:  make([]Journal, 0, len(legs)),
	}
	for _, leg := range legs {
		batch.Journals = append(batch.Journals, Journal{
			JournalID:     uuid.New(),
			BatchID:       batch.BatchID,
			EventRef:      ref,
			Sequence:      l.sequence,
			DebitAccount:  leg.to,
			CreditAccount: leg.from,
			Asset:         leg.to.Asset,
			Amount:        int64(amount),
			JournalType:   jt,
			Timestamp:     ts,
		})
	}
	if err := l.tracker.ApplyBatch(batch); err != nil {
		l.sequence--
		l.mu.Unlock()
		return err
	}
	l.mu.Unlock()

	// Blocking: the batch is already applied and must reach persistence.
	if l.sink != nil {
		l.sink <- batch
	}
	return nil
}
