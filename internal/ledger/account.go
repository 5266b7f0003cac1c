package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet AccountSubType = iota

	// System sub-types, one per market
	SubTypeSystemVault
	SubTypeSystemStakeVault
	SubTypeSystemIssuance
	SubTypeSystemClearing

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

// AssetKind distinguishes collateral from the two outcome tokens of a market.
type AssetKind uint8

const (
	AssetCollateral AssetKind = iota
	AssetYes
	AssetNo
)

// Asset is collateral, or the YES/NO token of one market.
type Asset struct {
	Kind   AssetKind
	Market uuid.UUID // zero for collateral
}

var Collateral = Asset{Kind: AssetCollateral}

func YesToken(market uuid.UUID) Asset { return Asset{Kind: AssetYes, Market: market} }
func NoToken(market uuid.UUID) Asset  { return Asset{Kind: AssetNo, Market: market} }

func (a Asset) String() string {
	switch a.Kind {
	case AssetYes:
		return "YES:" + a.Market.String()
	case AssetNo:
		return "NO:" + a.Market.String()
	default:
		return "collateral"
	}
}

// ParseAsset is the inverse of Asset.String.
func ParseAsset(s string) (Asset, error) {
	if s == "collateral" {
		return Collateral, nil
	}
	var kind AssetKind
	var rest string
	switch {
	case len(s) > 4 && s[:4] == "YES:":
		kind, rest = AssetYes, s[4:]
	case len(s) > 3 && s[:3] == "NO:":
		kind, rest = AssetNo, s[3:]
	default:
		return Asset{}, fmt.Errorf("unknown asset %q", s)
	}
	id, err := uuid.Parse(rest)
	if err != nil {
		return Asset{}, fmt.Errorf("asset %q: %w", s, err)
	}
	return Asset{Kind: kind, Market: id}, nil
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope   AccountScope
	Owner   string // caller identity for users, market id for system accounts
	SubType AccountSubType
	Asset   Asset
}

// NewUserAccountKey creates a key for a caller's wallet
func NewUserAccountKey(owner string, asset Asset) AccountKey {
	return AccountKey{
		Scope:   AccountScopeUser,
		Owner:   owner,
		SubType: SubTypeWallet,
		Asset:   asset,
	}
}

// NewSystemAccountKey creates a key for a market-scoped system account
func NewSystemAccountKey(market uuid.UUID, subType AccountSubType, asset Asset) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		Owner:   market.String(),
		SubType: subType,
		Asset:   asset,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, asset Asset) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		Asset:   asset,
	}
}

func VaultAccount(market uuid.UUID) AccountKey {
	return NewSystemAccountKey(market, SubTypeSystemVault, Collateral)
}

func StakeVaultAccount(market uuid.UUID) AccountKey {
	return NewSystemAccountKey(market, SubTypeSystemStakeVault, Collateral)
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s", k.Owner, k.Asset)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s:%s", k.Owner, k.subTypeName(), k.Asset)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), k.Asset)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypeSystemVault:
		return "vault"
	case SubTypeSystemStakeVault:
		return "stake_vault"
	case SubTypeSystemIssuance:
		return "issuance"
	case SubTypeSystemClearing:
		return "clearing"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}

var subTypesByName = map[string]AccountSubType{
	"wallet":      SubTypeWallet,
	"vault":       SubTypeSystemVault,
	"stake_vault": SubTypeSystemStakeVault,
	"issuance":    SubTypeSystemIssuance,
	"clearing":    SubTypeSystemClearing,
	"deposits":    SubTypeExternalDeposits,
	"withdrawals": SubTypeExternalWithdrawals,
}

// ParseAccountPath is the inverse of AccountPath. Owners may contain
// colons, so the asset is split off the end.
func ParseAccountPath(p string) (AccountKey, error) {
	scope, rest, ok := strings.Cut(p, ":")
	if !ok {
		return AccountKey{}, fmt.Errorf("account path %q: no scope", p)
	}
	var head, assetText string
	if strings.HasSuffix(rest, ":collateral") {
		head, assetText = strings.TrimSuffix(rest, ":collateral"), "collateral"
	} else {
		i := strings.LastIndex(rest, ":")
		if i < 0 {
			return AccountKey{}, fmt.Errorf("account path %q: no asset", p)
		}
		j := strings.LastIndex(rest[:i], ":")
		if j < 0 {
			return AccountKey{}, fmt.Errorf("account path %q: no asset", p)
		}
		head, assetText = rest[:j], rest[j+1:]
	}
	asset, err := ParseAsset(assetText)
	if err != nil {
		return AccountKey{}, fmt.Errorf("account path %q: %w", p, err)
	}

	switch scope {
	case "user":
		return NewUserAccountKey(head, asset), nil
	case "system":
		owner, sub, ok := strings.Cut(head, ":")
		st, known := subTypesByName[sub]
		if !ok || !known {
			return AccountKey{}, fmt.Errorf("account path %q: bad system account", p)
		}
		return AccountKey{Scope: AccountScopeSystem, Owner: owner, SubType: st, Asset: asset}, nil
	case "external":
		st, known := subTypesByName[head]
		if !known {
			return AccountKey{}, fmt.Errorf("account path %q: bad external account", p)
		}
		return NewExternalAccountKey(st, asset), nil
	}
	return AccountKey{}, fmt.Errorf("account path %q: unknown scope", p)
}
