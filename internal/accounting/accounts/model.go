package accounts

import (
	"fmt"

	"github.com/odyssey-erp/odyssey-books/internal/platform/httpx"
)

// AccountType enumerates CoA categories.
type AccountType string

const (
	AccountTypeAsset     AccountType = "ASSET"
	AccountTypeLiability AccountType = "LIABILITY"
	AccountTypeEquity    AccountType = "EQUITY"
	AccountTypeRevenue   AccountType = "REVENUE"
	AccountTypeExpense   AccountType = "EXPENSE"
)

// Account models a chart of accounts node.
type Account struct {
	Code     string      `json:"code"`
	Name     string      `json:"name"`
	Type     AccountType `json:"type"`
	IsActive bool        `json:"is_active"`
}

// AccountMapping links a module role key to a ledger account code.
type AccountMapping struct {
	Module      string `json:"module"`
	Key         string `json:"key"`
	AccountCode string `json:"account_code"`
}

// Snapshot is the cached view of the chart and its mappings.
type Snapshot struct {
	Accounts []Account        `json:"accounts"`
	Mappings []AccountMapping `json:"mappings"`
}

var (
	// ErrUnknownAccount indicates a code missing from the chart or inactive.
	ErrUnknownAccount = fmt.Errorf("accounts: unknown account: %w", httpx.ErrUnprocessable)
	// ErrMappingNotFound indicates account mapping missing.
	ErrMappingNotFound = fmt.Errorf("accounts: account mapping not found: %w", httpx.ErrUnprocessable)
)
