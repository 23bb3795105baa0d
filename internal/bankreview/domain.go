// Package bankreview gates imported bank statement lines behind human
// approval and matches approved lines against the ledger.
package bankreview

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-books/internal/accounting"
	"github.com/odyssey-erp/odyssey-books/internal/platform/httpx"
)

// ReviewStatus enumerates bank mutation review states.
type ReviewStatus string

const (
	StatusRequired ReviewStatus = "REQUIRED"
	StatusAuto     ReviewStatus = "AUTO"
	StatusApproved ReviewStatus = "APPROVED"
	StatusRejected ReviewStatus = "REJECTED"
)

// MatchStatus tracks ledger matching after approval.
type MatchStatus string

const (
	MatchPending MatchStatus = "PENDING"
	MatchMatched MatchStatus = "MATCHED"
	MatchFailed  MatchStatus = "FAILED"
)

// Mutation is one imported bank statement line.
type Mutation struct {
	ID                  int64           `json:"id"`
	Date                accounting.Date `json:"date"`
	Description         string          `json:"description"`
	Debit               decimal.Decimal `json:"debit"`
	Credit              decimal.Decimal `json:"credit"`
	Balance             decimal.Decimal `json:"balance"`
	BankAccountID       int64           `json:"bank_account_id"`
	BankAccountCode     string          `json:"bank_account_code,omitempty"`
	ReviewStatus        ReviewStatus    `json:"review_status"`
	IsAmbiguous         bool            `json:"is_ambiguous"`
	SuggestedDebitCode  string          `json:"suggested_debit_code,omitempty"`
	SuggestedCreditCode string          `json:"suggested_credit_code,omitempty"`
	Confidence          float64         `json:"confidence"`
	SelectedAccountCode string          `json:"selected_account_code,omitempty"`
	ReviewedBy          string          `json:"reviewed_by,omitempty"`
	ReviewedAt          *time.Time      `json:"reviewed_at,omitempty"`
	RejectReason        string          `json:"reject_reason,omitempty"`
	MatchStatus         MatchStatus     `json:"match_status,omitempty"`
	MatchError          string          `json:"match_error,omitempty"`
}

// Pending reports whether the line still awaits a review decision.
func (m Mutation) Pending() bool {
	return m.ReviewStatus == StatusRequired || m.ReviewStatus == StatusAuto
}

// MoneyIn reports whether the line credits the bank account.
func (m Mutation) MoneyIn() bool {
	return m.Credit.IsPositive()
}

// Amount is the absolute value moved by the line.
func (m Mutation) Amount() decimal.Decimal {
	if m.MoneyIn() {
		return m.Credit
	}
	return m.Debit
}

// Review captures an approve or reject decision to persist.
type Review struct {
	Status       ReviewStatus
	SelectedCode string
	DebitCode    string
	CreditCode   string
	Reviewer     string
	ReviewedAt   time.Time
	RejectReason string
}

// ApproveInput carries approve parameters.
type ApproveInput struct {
	ID          int64
	AccountCode string
	Actor       string
}

// RejectInput carries reject parameters.
type RejectInput struct {
	ID     int64
	Reason string
	Actor  string
}

// ApproveResult reports the two-step outcome. Approved is true whenever the
// status change committed, even if matching did not succeed.
type ApproveResult struct {
	Approved    bool     `json:"approved"`
	Matched     bool     `json:"matched"`
	Warning     string   `json:"warning,omitempty"`
	RetryQueued bool     `json:"retry_queued"`
	Mutation    Mutation `json:"mutation"`
}

// ListFilter narrows listings.
type ListFilter struct {
	Statuses      []ReviewStatus
	BankAccountID int64
	Limit         int
}

// Suggestion is a proposed classification for a line.
type Suggestion struct {
	DebitCode  string  `json:"debit_code"`
	CreditCode string  `json:"credit_code"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// ambiguityThreshold marks suggestions below this confidence as ambiguous.
const ambiguityThreshold = 0.7

var (
	// ErrMutationNotFound indicates a missing staging row.
	ErrMutationNotFound = fmt.Errorf("bankreview: mutation not found: %w", httpx.ErrNotFound)
	// ErrInvalidTransition indicates the line was already reviewed.
	ErrInvalidTransition = fmt.Errorf("bankreview: mutation already reviewed: %w", httpx.ErrConflict)
	// ErrAccountRequired indicates an ambiguous line approved without an account.
	ErrAccountRequired = fmt.Errorf("bankreview: account code required for ambiguous mutation: %w", httpx.ErrValidation)
	// ErrSuggestionsDisabled indicates no LLM collaborator is configured.
	ErrSuggestionsDisabled = fmt.Errorf("bankreview: suggestions disabled: %w", httpx.ErrUnavailable)
)
