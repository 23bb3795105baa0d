package accounting

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-books/internal/platform/httpx"
)

// PeriodStatus enumerates valid period states.
type PeriodStatus string

const (
	PeriodStatusOpen   PeriodStatus = "OPEN"
	PeriodStatusClosed PeriodStatus = "CLOSED"
	PeriodStatusLocked PeriodStatus = "LOCKED"
)

// JournalStatus enumerates journal lifecycle values.
type JournalStatus string

const (
	// JournalStatusPosted is a live entry.
	JournalStatusPosted JournalStatus = "POSTED"
	// JournalStatusReversed is an entry cancelled by a mirrored reversal.
	JournalStatusReversed JournalStatus = "REVERSED"
	// JournalStatusReversal is the mirrored entry created by a cancel.
	JournalStatusReversal JournalStatus = "REVERSAL"
)

// JournalEntry captures posting metadata and its lines. TransactionID groups
// the lines belonging to one business event.
type JournalEntry struct {
	TransactionID string        `json:"transaction_id"`
	Date          Date          `json:"date"`
	SourceType    string        `json:"source_type"`
	SourceID      string        `json:"source_id,omitempty"`
	Description   string        `json:"description"`
	CreatedBy     string        `json:"created_by"`
	Status        JournalStatus `json:"status"`
	ReversalOf    string        `json:"reversal_of,omitempty"`
	ReversedBy    string        `json:"reversed_by,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	Lines         []JournalLine `json:"lines,omitempty"`
}

// JournalLine stores debit or credit amount for an account.
type JournalLine struct {
	LineNo      int             `json:"line_no"`
	AccountCode string          `json:"account_code"`
	AccountName string          `json:"account_name"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
	Description string          `json:"description,omitempty"`
}

// PostingLineInput describes a journal line for posting request.
type PostingLineInput struct {
	AccountCode string
	AccountName string
	Debit       decimal.Decimal
	Credit      decimal.Decimal
	Description string
}

// PostingInput groups fields required to create a journal entry. An empty
// TransactionID is assigned by the service; an empty SourceID posts an entry
// that is not linked to any source record.
type PostingInput struct {
	TransactionID string
	Date          time.Time
	SourceType    string
	SourceID      string
	Description   string
	CreatedBy     string
	Lines         []PostingLineInput
}

// CancelInput wraps parameters for cancel_journal.
type CancelInput struct {
	TransactionID string
	Actor         string
	Reason        string
}

// CancelResult pairs the cancelled entry with its reversal.
type CancelResult struct {
	Original JournalEntry `json:"original"`
	Reversal JournalEntry `json:"reversal"`
}

// ListFilter narrows journal listings.
type ListFilter struct {
	SourceType string
	Status     JournalStatus
	Limit      int
}

var (
	// ErrUnbalanced indicates debit != credit.
	ErrUnbalanced = fmt.Errorf("accounting: journal lines must balance: %w", httpx.ErrUnprocessable)
	// ErrTooFewLines indicates less than two lines.
	ErrTooFewLines = fmt.Errorf("accounting: journal requires at least two lines: %w", httpx.ErrUnprocessable)
	// ErrInvalidLine indicates a malformed journal line.
	ErrInvalidLine = fmt.Errorf("accounting: invalid journal line: %w", httpx.ErrValidation)
	// ErrSourceTypeRequired indicates a posting without source type.
	ErrSourceTypeRequired = fmt.Errorf("accounting: source type required: %w", httpx.ErrValidation)
	// ErrSourceAlreadyLinked indicates the source record already has a live journal.
	ErrSourceAlreadyLinked = fmt.Errorf("accounting: source already linked: %w", httpx.ErrDuplicate)
	// ErrSourceNotFound indicates the source row to mark does not exist.
	ErrSourceNotFound = fmt.Errorf("accounting: source record not found: %w", httpx.ErrNotFound)
	// ErrJournalNotFound indicates missing entry.
	ErrJournalNotFound = fmt.Errorf("accounting: journal entry not found: %w", httpx.ErrNotFound)
	// ErrPeriodLocked indicates locked period.
	ErrPeriodLocked = fmt.Errorf("accounting: period locked: %w", httpx.ErrConflict)
	// ErrAlreadyReversed indicates a second cancel of the same entry.
	ErrAlreadyReversed = fmt.Errorf("accounting: journal already reversed: %w", httpx.ErrConflict)
	// ErrInvalidStatus indicates action can't proceed.
	ErrInvalidStatus = fmt.Errorf("accounting: invalid status transition: %w", httpx.ErrConflict)
)

// errSourceConflict is returned by repositories when the source link unique
// constraint fires; the service translates it into ErrSourceAlreadyLinked.
var errSourceConflict = errors.New("accounting: source link conflict")

// Validate ensures posting input meets minimum criteria.
func (in PostingInput) Validate() error {
	if in.SourceType == "" {
		return ErrSourceTypeRequired
	}
	if len(in.Lines) < 2 {
		return ErrTooFewLines
	}
	for idx, line := range in.Lines {
		if line.AccountCode == "" {
			return fmt.Errorf("%w: line %d missing account", ErrInvalidLine, idx+1)
		}
		if line.Debit.IsNegative() || line.Credit.IsNegative() {
			return fmt.Errorf("%w: line %d negative amount", ErrInvalidLine, idx+1)
		}
		if line.Debit.IsPositive() && line.Credit.IsPositive() {
			return fmt.Errorf("%w: line %d cannot be both debit and credit", ErrInvalidLine, idx+1)
		}
		if line.Debit.IsZero() && line.Credit.IsZero() {
			return fmt.Errorf("%w: line %d has no amount", ErrInvalidLine, idx+1)
		}
	}
	debit, credit := Totals(in.Lines)
	if !Balanced(debit, credit) {
		return fmt.Errorf("%w: debit %s credit %s", ErrUnbalanced, debit.StringFixed(2), credit.StringFixed(2))
	}
	return nil
}
