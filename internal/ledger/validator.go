package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateGlobalBalance verifies every asset is zero-sum.
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for asset, total := range totals {
		if total != 0 {
			return fmt.Errorf("global balance for %s is non-zero: %d", asset, total)
		}
	}

	return nil
}

// ValidateClearingZero verifies no completed operation left value in transit.
func (v *InvariantValidator) ValidateClearingZero(asset Asset) error {
	if balance := v.tracker.GetBalance(ClearingAccount(asset)); balance != 0 {
		return fmt.Errorf("clearing account for %s has non-zero balance: %d", asset, balance)
	}
	return nil
}

// ValidatePairedSupply verifies YES and NO supply of a market are equal
// while no redemption has happened, i.e. both issuance accounts match.
func (v *InvariantValidator) ValidatePairedSupply(market uuid.UUID) error {
	yes := v.tracker.GetBalance(NewSystemAccountKey(market, SubTypeSystemIssuance, YesToken(market)))
	no := v.tracker.GetBalance(NewSystemAccountKey(market, SubTypeSystemIssuance, NoToken(market)))
	if yes != no {
		return fmt.Errorf("market %s paired supply diverged: yes=%d no=%d", market, -yes, -no)
	}
	return nil
}
