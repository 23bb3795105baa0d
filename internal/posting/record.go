// Package posting turns tagged business transactions into balanced journal
// entries and hands them to the ledger.
package posting

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-books/internal/accounting"
	"github.com/odyssey-erp/odyssey-books/internal/platform/httpx"
)

// Kind is the source transaction type of a posting request.
type Kind string

const (
	KindSale            Kind = "sales_transaction"
	KindExpense         Kind = "expense"
	KindTaxPayment      Kind = "tax_payment"
	KindInternalUsage   Kind = "internal_usage"
	KindStockAdjustment Kind = "stock_adjustment"
)

// Sale transaction types.
const (
	SaleGoods   = "Barang"
	SaleService = "Jasa"
)

// Stock adjustment types.
const (
	AdjustStockIn  = "stock_in"
	AdjustStockOut = "stock_out"
	AdjustManual   = "adjustment"
)

// Role names an account slot in a posting template. Roles double as the
// account_mappings key under the POSTING module.
type Role string

const (
	RoleCash           Role = "cash"
	RoleBank           Role = "bank"
	RoleReceivable     Role = "receivable"
	RoleRevenueGoods   Role = "revenue_goods"
	RoleRevenueService Role = "revenue_service"
	RoleVATOut         Role = "vat_out"
	RoleVATIn          Role = "vat_in"
	RoleCOGS           Role = "cogs"
	RoleInventory      Role = "inventory"
	RoleExpense        Role = "expense"
	RoleTaxLiability   Role = "tax_liability"
	RoleOtherIncome    Role = "other_income"
	RoleOtherExpense   Role = "other_expense"
)

// MappingModule is the account_mappings module for posting roles.
const MappingModule = "POSTING"

// DefaultAccounts holds the chart codes used when neither the record nor
// account_mappings name an account for a role.
var DefaultAccounts = map[Role]string{
	RoleCash:           "1-1100",
	RoleBank:           "1-1200",
	RoleReceivable:     "1-1300",
	RoleInventory:      "1-1400",
	RoleVATIn:          "1-1500",
	RoleVATOut:         "2-1300",
	RoleTaxLiability:   "2-1400",
	RoleRevenueGoods:   "4-1100",
	RoleRevenueService: "4-1200",
	RoleOtherIncome:    "4-9100",
	RoleCOGS:           "5-1100",
	RoleExpense:        "6-1100",
	RoleOtherExpense:   "6-9100",
}

// Record is the transaction-specific payload. Which fields matter depends on
// the Kind; *_account_code fields override the mapped account for a role.
type Record struct {
	ID              string          `json:"id"`
	Date            accounting.Date `json:"transaction_date"`
	Description     string          `json:"description"`
	TransactionType string          `json:"transaction_type"`
	PaymentMethod   string          `json:"payment_method"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	TaxAmount       decimal.Decimal `json:"tax_amount"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	Amount          decimal.Decimal `json:"amount"`
	CogsAmount      decimal.Decimal `json:"cogs_amount"`
	Quantity        decimal.Decimal `json:"quantity"`
	UnitCost        decimal.Decimal `json:"unit_cost"`
	StockID         string          `json:"stock_id"`
	AdjustmentType  string          `json:"adjustment_type"`
	AdjustmentValue decimal.Decimal `json:"adjustment_value"`

	PaymentAccountCode    string `json:"payment_account_code"`
	RevenueAccountCode    string `json:"revenue_account_code"`
	TaxAccountCode        string `json:"tax_account_code"`
	ExpenseAccountCode    string `json:"expense_account_code"`
	CogsAccountCode       string `json:"cogs_account_code"`
	InventoryAccountCode  string `json:"inventory_account_code"`
	AdjustmentAccountCode string `json:"adjustment_account_code"`
}

// Hint returns the explicit account code the record carries for role.
func (r Record) Hint(role Role) string {
	switch role {
	case RoleCash, RoleBank, RoleReceivable:
		return r.PaymentAccountCode
	case RoleRevenueGoods, RoleRevenueService:
		return r.RevenueAccountCode
	case RoleVATOut, RoleVATIn, RoleTaxLiability:
		return r.TaxAccountCode
	case RoleExpense:
		return r.ExpenseAccountCode
	case RoleCOGS:
		return r.CogsAccountCode
	case RoleInventory:
		return r.InventoryAccountCode
	case RoleOtherIncome, RoleOtherExpense:
		return r.AdjustmentAccountCode
	}
	return ""
}

// Request is the auto-post payload.
type Request struct {
	Type   Kind   `json:"type" validate:"required,oneof=sales_transaction expense tax_payment internal_usage stock_adjustment"`
	Record Record `json:"record"`
}

// Result is returned to callers. Data-quality failures come back with
// Success false and a Code instead of an error.
type Result struct {
	Success       bool                     `json:"success"`
	Message       string                   `json:"message,omitempty"`
	TransactionID string                   `json:"transaction_id,omitempty"`
	Entries       []accounting.JournalLine `json:"entries,omitempty"`
	Error         string                   `json:"error,omitempty"`
	Code          string                   `json:"code,omitempty"`
}

// Data-quality codes.
const (
	CodeMissingUnitPrice      = "missing_unit_price"
	CodeMissingAccountMapping = "missing_account_mapping"
	CodeUnknownAccount        = "unknown_account"
	CodeUnknownStock          = "unknown_stock"
)

// DataQualityError reports a record that cannot be posted until its data is
// fixed. It is a result, not a failure of the service.
type DataQualityError struct {
	Code    string
	Message string
}

func (e *DataQualityError) Error() string {
	return e.Message
}

func dataQuality(code, format string, args ...any) error {
	return &DataQualityError{Code: code, Message: fmt.Sprintf(format, args...)}
}

var (
	// ErrInvalidRecord indicates a malformed posting record.
	ErrInvalidRecord = fmt.Errorf("posting: invalid record: %w", httpx.ErrValidation)
	// ErrStockNotFound indicates the referenced stock item does not exist.
	ErrStockNotFound = errors.New("posting: stock item not found")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRecord, fmt.Sprintf(format, args...))
}

// paymentRole maps a payment method onto the account role receiving or
// paying the money. Credit methods are only meaningful for sales.
func paymentRole(method string, allowCredit bool) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(method)) {
	case "", "tunai", "cash":
		return RoleCash, nil
	case "transfer", "qris", "debit", "bank":
		return RoleBank, nil
	case "kredit", "tempo", "piutang":
		if allowCredit {
			return RoleReceivable, nil
		}
	}
	return "", invalid("unsupported payment_method %q", method)
}
