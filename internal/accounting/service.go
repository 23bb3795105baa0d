package accounting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/odyssey-erp/odyssey-books/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetJournal(ctx context.Context, transactionID string) (JournalEntry, error)
	ListJournals(ctx context.Context, filter ListFilter) ([]JournalEntry, error)
}

// AuditPort records ledger events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service coordinates posting and reversing journal entries.
type Service struct {
	repo   RepositoryPort
	audit  AuditPort
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewService constructs the ledger service.
func NewService(repo RepositoryPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger, now: time.Now, newID: NewTransactionID}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// NewTransactionID returns a sortable journal transaction identifier.
func NewTransactionID() string {
	return "JRN-" + ulid.Make().String()
}

// PostJournal validates and persists a new journal entry. Header, lines,
// source link and the source record's journaled flag are written in one
// transaction.
func (s *Service) PostJournal(ctx context.Context, input PostingInput) (JournalEntry, error) {
	if err := input.Validate(); err != nil {
		return JournalEntry{}, err
	}
	if input.TransactionID == "" {
		input.TransactionID = s.newID()
	}
	if input.Date.IsZero() {
		input.Date = s.now()
	}
	if input.CreatedBy == "" {
		input.CreatedBy = shared.SystemActor
	}
	entry := JournalEntry{
		TransactionID: input.TransactionID,
		Date:          NewDate(input.Date),
		SourceType:    input.SourceType,
		SourceID:      input.SourceID,
		Description:   input.Description,
		CreatedBy:     input.CreatedBy,
		Status:        JournalStatusPosted,
		CreatedAt:     s.now(),
		Lines:         toJournalLines(input.Lines),
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.IsPeriodLocked(ctx, entry.Date.Time)
		if err != nil {
			return err
		}
		if locked {
			return ErrPeriodLocked
		}
		if err := tx.InsertJournalEntry(ctx, entry); err != nil {
			return err
		}
		if err := tx.InsertJournalLines(ctx, entry.TransactionID, entry.Lines); err != nil {
			return err
		}
		if entry.SourceID == "" {
			return nil
		}
		if err := tx.LinkSource(ctx, entry.SourceType, entry.SourceID, entry.TransactionID); err != nil {
			if errors.Is(err, errSourceConflict) {
				return ErrSourceAlreadyLinked
			}
			return err
		}
		return tx.MarkSourceJournaled(ctx, entry.SourceType, entry.SourceID, entry.TransactionID)
	})
	if err != nil {
		return JournalEntry{}, err
	}
	s.record(ctx, shared.AuditLog{
		Actor:    entry.CreatedBy,
		Action:   "journal.post",
		Entity:   "journal_entry",
		EntityID: entry.TransactionID,
		Meta: map[string]any{
			"source_type": entry.SourceType,
			"source_id":   entry.SourceID,
			"lines":       len(entry.Lines),
		},
	})
	return entry, nil
}

// CancelJournal reverses a posted entry as a whole: a mirrored REVERSAL entry
// is inserted, the original is marked REVERSED and its source record is
// released so it can be journaled again. The reversal keeps the original date
// unless that period is locked, in which case it is dated today.
func (s *Service) CancelJournal(ctx context.Context, input CancelInput) (CancelResult, error) {
	if input.TransactionID == "" {
		return CancelResult{}, fmt.Errorf("%w: transaction id required", ErrInvalidLine)
	}
	actor := input.Actor
	if actor == "" {
		actor = shared.SystemActor
	}
	var result CancelResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		original, err := tx.GetJournalForUpdate(ctx, input.TransactionID)
		if err != nil {
			return err
		}
		switch original.Status {
		case JournalStatusPosted:
		case JournalStatusReversed:
			return ErrAlreadyReversed
		default:
			return ErrInvalidStatus
		}
		date, err := s.reversalDate(ctx, tx, original.Date)
		if err != nil {
			return err
		}
		reversal := JournalEntry{
			TransactionID: s.newID(),
			Date:          date,
			SourceType:    original.SourceType,
			SourceID:      original.SourceID,
			Description:   reversalDescription(original, input.Reason),
			CreatedBy:     actor,
			Status:        JournalStatusReversal,
			ReversalOf:    original.TransactionID,
			CreatedAt:     s.now(),
			Lines:         mirrorLines(original.Lines),
		}
		if err := tx.InsertJournalEntry(ctx, reversal); err != nil {
			return err
		}
		if err := tx.InsertJournalLines(ctx, reversal.TransactionID, reversal.Lines); err != nil {
			return err
		}
		if err := tx.UpdateJournalStatus(ctx, original.TransactionID, JournalStatusReversed, reversal.TransactionID); err != nil {
			return err
		}
		if original.SourceID != "" {
			if err := tx.UnlinkSource(ctx, original.SourceType, original.SourceID); err != nil {
				return err
			}
			if err := tx.MarkSourceJournaled(ctx, original.SourceType, original.SourceID, ""); err != nil && !errors.Is(err, ErrSourceNotFound) {
				return err
			}
		}
		original.Status = JournalStatusReversed
		original.ReversedBy = reversal.TransactionID
		result = CancelResult{Original: original, Reversal: reversal}
		return nil
	})
	if err != nil {
		return CancelResult{}, err
	}
	s.record(ctx, shared.AuditLog{
		Actor:    actor,
		Action:   "journal.cancel",
		Entity:   "journal_entry",
		EntityID: result.Original.TransactionID,
		Meta: map[string]any{
			"reversal_id": result.Reversal.TransactionID,
			"reason":      input.Reason,
		},
	})
	return result, nil
}

// GetJournal returns an entry with its lines.
func (s *Service) GetJournal(ctx context.Context, transactionID string) (JournalEntry, error) {
	return s.repo.GetJournal(ctx, transactionID)
}

// ListJournals returns recent entries without lines.
func (s *Service) ListJournals(ctx context.Context, filter ListFilter) ([]JournalEntry, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	return s.repo.ListJournals(ctx, filter)
}

func (s *Service) reversalDate(ctx context.Context, tx TxRepository, original Date) (Date, error) {
	locked, err := tx.IsPeriodLocked(ctx, original.Time)
	if err != nil {
		return Date{}, err
	}
	if !locked {
		return original, nil
	}
	today := NewDate(s.now())
	locked, err = tx.IsPeriodLocked(ctx, today.Time)
	if err != nil {
		return Date{}, err
	}
	if locked {
		return Date{}, ErrPeriodLocked
	}
	return today, nil
}

func (s *Service) record(ctx context.Context, log shared.AuditLog) {
	if s.audit == nil {
		return
	}
	log.At = s.now()
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("audit record failed", slog.String("action", log.Action), slog.String("entity_id", log.EntityID), slog.Any("error", err))
	}
}

func toJournalLines(lines []PostingLineInput) []JournalLine {
	out := make([]JournalLine, 0, len(lines))
	for i, l := range lines {
		out = append(out, JournalLine{
			LineNo:      i + 1,
			AccountCode: l.AccountCode,
			AccountName: l.AccountName,
			Debit:       Round2(l.Debit),
			Credit:      Round2(l.Credit),
			Description: l.Description,
		})
	}
	return out
}

func mirrorLines(lines []JournalLine) []JournalLine {
	out := make([]JournalLine, 0, len(lines))
	for i, l := range lines {
		out = append(out, JournalLine{
			LineNo:      i + 1,
			AccountCode: l.AccountCode,
			AccountName: l.AccountName,
			Debit:       l.Credit,
			Credit:      l.Debit,
			Description: l.Description,
		})
	}
	return out
}

func reversalDescription(original JournalEntry, reason string) string {
	desc := "Pembatalan " + original.TransactionID
	if reason != "" {
		desc += ": " + shared.SanitizeText(reason)
	}
	return desc
}
