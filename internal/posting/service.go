package posting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-books/internal/accounting"
	"github.com/odyssey-erp/odyssey-books/internal/accounting/accounts"
	"github.com/odyssey-erp/odyssey-books/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-books/internal/shared"
)

const idempotencyModule = "posting"

// Ledger persists balanced journal entries.
type Ledger interface {
	PostJournal(ctx context.Context, input accounting.PostingInput) (accounting.JournalEntry, error)
}

// AccountResolver resolves posting roles to chart accounts.
type AccountResolver interface {
	Resolve(ctx context.Context, module, key, hint, fallback string) (accounts.Account, error)
}

// IdempotencyStore guards against replayed requests.
type IdempotencyStore interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

// Observer receives posting outcomes.
type Observer interface {
	ObservePosting(kind, outcome string)
}

// Options carries per-request metadata.
type Options struct {
	Actor          string
	IdempotencyKey string
}

// Service derives and posts journals for source transactions.
type Service struct {
	ledger   Ledger
	accounts AccountResolver
	stock    StockRepository
	idem     IdempotencyStore
	observer Observer
	logger   *slog.Logger
}

// NewService wires the posting engine. idem and observer may be nil.
func NewService(ledger Ledger, resolver AccountResolver, stock StockRepository, idem IdempotencyStore, observer Observer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ledger: ledger, accounts: resolver, stock: stock, idem: idem, observer: observer, logger: logger}
}

// AutoPost composes the template for req and posts it. Data-quality problems
// return a Result with Success false and a nil error; validation, integrity
// and storage failures return an error and nothing is written.
func (s *Service) AutoPost(ctx context.Context, req Request, opts Options) (Result, error) {
	res, err := s.autoPost(ctx, req, opts)
	var dq *DataQualityError
	switch {
	case errors.As(err, &dq):
		s.observe(req.Type, "data_quality")
		s.logger.Warn("posting skipped", slog.String("type", string(req.Type)), slog.String("record_id", req.Record.ID), slog.String("code", dq.Code), slog.String("reason", dq.Message))
		return Result{Success: false, Error: dq.Message, Code: dq.Code}, nil
	case err != nil:
		outcome := "rejected"
		if httpx.StatusFor(err) == http.StatusInternalServerError {
			outcome = "error"
		}
		s.observe(req.Type, outcome)
		return Result{}, err
	}
	s.observe(req.Type, "posted")
	return res, nil
}

func (s *Service) autoPost(ctx context.Context, req Request, opts Options) (Result, error) {
	if err := httpx.Validate(req); err != nil {
		return Result{}, err
	}
	rec := req.Record
	if rec.ID == "" {
		return Result{}, invalid("record.id required")
	}
	unitPrice, err := s.unitPrice(ctx, req.Type, rec)
	if err != nil {
		return Result{}, err
	}
	draft, err := Compose(req.Type, rec, unitPrice)
	if err != nil {
		return Result{}, err
	}
	accts, err := s.resolve(ctx, draft, rec)
	if err != nil {
		return Result{}, err
	}
	lines, err := draft.Bind(accts)
	if err != nil {
		return Result{}, err
	}
	if opts.IdempotencyKey != "" && s.idem != nil {
		if err := s.idem.CheckAndInsert(ctx, opts.IdempotencyKey, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return Result{}, fmt.Errorf("%w: %v", httpx.ErrDuplicate, err)
			}
			return Result{}, err
		}
	}
	entry, err := s.ledger.PostJournal(ctx, accounting.PostingInput{
		Date:        rec.Date.Time,
		SourceType:  string(req.Type),
		SourceID:    rec.ID,
		Description: shared.SanitizeText(draft.Description),
		CreatedBy:   opts.Actor,
		Lines:       lines,
	})
	if err != nil {
		if opts.IdempotencyKey != "" && s.idem != nil {
			if delErr := s.idem.Delete(ctx, opts.IdempotencyKey, idempotencyModule); delErr != nil {
				s.logger.Warn("release idempotency key", slog.Any("error", delErr))
			}
		}
		return Result{}, err
	}
	return Result{
		Success:       true,
		Message:       fmt.Sprintf("Jurnal %s berhasil dibuat", entry.TransactionID),
		TransactionID: entry.TransactionID,
		Entries:       entry.Lines,
	}, nil
}

func (s *Service) unitPrice(ctx context.Context, kind Kind, rec Record) (decimal.Decimal, error) {
	if rec.UnitCost.IsPositive() {
		return rec.UnitCost, nil
	}
	needsStock := kind == KindInternalUsage || kind == KindStockAdjustment ||
		(kind == KindSale && rec.CogsAmount.IsZero() && rec.Quantity.IsPositive())
	if !needsStock || rec.StockID == "" || s.stock == nil {
		return decimal.Zero, nil
	}
	price, err := s.stock.UnitPrice(ctx, rec.StockID)
	if errors.Is(err, ErrStockNotFound) {
		return decimal.Zero, dataQuality(CodeUnknownStock, "stock item %s not found", rec.StockID)
	}
	return price, err
}

func (s *Service) resolve(ctx context.Context, draft Draft, rec Record) (map[Role]accounts.Account, error) {
	out := make(map[Role]accounts.Account, len(draft.Lines))
	for _, role := range draft.Roles() {
		acct, err := s.accounts.Resolve(ctx, MappingModule, string(role), rec.Hint(role), DefaultAccounts[role])
		switch {
		case errors.Is(err, accounts.ErrMappingNotFound):
			return nil, dataQuality(CodeMissingAccountMapping, "no account mapped for %s", role)
		case errors.Is(err, accounts.ErrUnknownAccount):
			return nil, dataQuality(CodeUnknownAccount, "account for %s: %v", role, err)
		case err != nil:
			return nil, err
		}
		out[role] = acct
	}
	return out, nil
}

func (s *Service) observe(kind Kind, outcome string) {
	if s.observer != nil {
		s.observer.ObservePosting(string(kind), outcome)
	}
}
