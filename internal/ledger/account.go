package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeMarket
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeCollateral AccountSubType = iota

	// Market sub-types
	SubTypeFeePool
	SubTypeAMM // vAMM counterparty: the other side of realized PnL
	SubTypeBadDebt

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

// AccountKey identifies a quote-asset balance. MarketID is set only for
// market-scoped accounts.
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte
	MarketID string
	SubType  AccountSubType
}

// UserCollateral is the trader's collateral account; its balance mirrors
// CollateralAccount.Total.
func UserCollateral(owner uuid.UUID) AccountKey {
	return AccountKey{Scope: AccountScopeUser, EntityID: owner, SubType: SubTypeCollateral}
}

// MarketAccount creates a key for one of a market's system accounts
func MarketAccount(marketID string, subType AccountSubType) AccountKey {
	return AccountKey{Scope: AccountScopeMarket, MarketID: marketID, SubType: subType}
}

// ExternalAccount creates a key for external boundary accounts
func ExternalAccount(subType AccountSubType) AccountKey {
	return AccountKey{Scope: AccountScopeExternal, SubType: subType}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s", uuid.UUID(k.EntityID).String(), k.subTypeName())
	case AccountScopeMarket:
		return fmt.Sprintf("market:%s:%s", k.MarketID, k.subTypeName())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s", k.subTypeName())
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeCollateral:
		return "collateral"
	case SubTypeFeePool:
		return "fee_pool"
	case SubTypeAMM:
		return "amm"
	case SubTypeBadDebt:
		return "bad_debt"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}
