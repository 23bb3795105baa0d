package bankreview

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/odyssey-erp/odyssey-books/internal/accounting/accounts"
	"github.com/odyssey-erp/odyssey-books/internal/shared"
)

// ApprovalModule is the approvals history module for bank mutations.
const ApprovalModule = "BANK_MUTATION"

// Matcher matches an approved line against ledger entries.
type Matcher interface {
	Match(ctx context.Context, id int64) (bool, error)
}

// RetryQueue schedules a later auto-match attempt.
type RetryQueue interface {
	EnqueueAutoMatch(ctx context.Context, id int64) error
}

// Chart validates and lists accounts.
type Chart interface {
	Lookup(ctx context.Context, code string) (accounts.Account, error)
	List(ctx context.Context, activeOnly bool) ([]accounts.Account, error)
}

// History records review decisions.
type History interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
	List(ctx context.Context, module, ref string) ([]shared.ApprovalLog, error)
}

// Observer receives review decisions.
type Observer interface {
	ObserveReview(action string)
}

// Service implements the review state machine.
type Service struct {
	repo      Repository
	chart     Chart
	matcher   Matcher
	queue     RetryQueue
	suggester Suggester
	history   History
	observer  Observer
	logger    *slog.Logger
	now       func() time.Time
}

// Deps groups optional collaborators.
type Deps struct {
	Queue     RetryQueue
	Suggester Suggester
	History   History
	Observer  Observer
}

// NewService wires the review service.
func NewService(repo Repository, chart Chart, matcher Matcher, deps Deps, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		chart:     chart,
		matcher:   matcher,
		queue:     deps.Queue,
		suggester: deps.Suggester,
		history:   deps.History,
		observer:  deps.Observer,
		logger:    logger,
		now:       time.Now,
	}
}

// ListPending returns lines awaiting review. Explicit statuses in filter
// override the pending default.
func (s *Service) ListPending(ctx context.Context, filter ListFilter) ([]Mutation, error) {
	if len(filter.Statuses) == 0 {
		filter.Statuses = []ReviewStatus{StatusRequired, StatusAuto}
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.repo.List(ctx, filter)
}

// Get returns one line.
func (s *Service) Get(ctx context.Context, id int64) (Mutation, error) {
	return s.repo.Get(ctx, id)
}

// History returns the review decisions recorded for a line.
func (s *Service) History(ctx context.Context, id int64) ([]shared.ApprovalLog, error) {
	if s.history == nil {
		return nil, nil
	}
	return s.history.List(ctx, ApprovalModule, strconv.FormatInt(id, 10))
}

// Approve commits the approval, then runs auto-match. A failed match does
// not undo the approval: the result carries a warning and a retry is queued.
func (s *Service) Approve(ctx context.Context, in ApproveInput) (ApproveResult, error) {
	var approved Mutation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		m, err := tx.GetForUpdate(ctx, in.ID)
		if err != nil {
			return err
		}
		if !m.Pending() {
			return ErrInvalidTransition
		}
		code := in.AccountCode
		if code == "" && !m.IsAmbiguous {
			code = counterpartSuggestion(m)
		}
		if code == "" {
			return ErrAccountRequired
		}
		if _, err := s.chart.Lookup(ctx, code); err != nil {
			return err
		}
		review := Review{
			Status:       StatusApproved,
			SelectedCode: code,
			Reviewer:     actorOrSystem(in.Actor),
			ReviewedAt:   s.now(),
		}
		if m.MoneyIn() {
			review.DebitCode, review.CreditCode = m.BankAccountCode, code
		} else {
			review.DebitCode, review.CreditCode = code, m.BankAccountCode
		}
		if err := tx.SaveReview(ctx, m.ID, review); err != nil {
			return err
		}
		approved = applyReview(m, review)
		return nil
	})
	if err != nil {
		return ApproveResult{}, err
	}
	s.recordDecision(ctx, approved.ID, shared.ApprovalApprove, approved.ReviewedBy, approved.SelectedAccountCode)

	result := ApproveResult{Approved: true, Mutation: approved}
	matched, matchErr := s.matcher.Match(ctx, approved.ID)
	if matchErr == nil && matched {
		result.Matched = true
		result.Mutation.MatchStatus = MatchMatched
		if err := s.repo.SetMatch(ctx, approved.ID, MatchMatched, ""); err != nil {
			s.logger.Warn("record match", slog.Int64("mutation_id", approved.ID), slog.Any("error", err))
		}
		return result, nil
	}
	result.Warning = "approved, but auto-match did not find a ledger entry"
	errText := "no matching ledger entry"
	if matchErr != nil {
		result.Warning = "approved, but auto-match failed: " + matchErr.Error()
		errText = matchErr.Error()
		s.logger.Warn("auto match failed", slog.Int64("mutation_id", approved.ID), slog.Any("error", matchErr))
	}
	result.Mutation.MatchStatus = MatchFailed
	result.Mutation.MatchError = errText
	if err := s.repo.SetMatch(ctx, approved.ID, MatchFailed, errText); err != nil {
		s.logger.Warn("record match failure", slog.Int64("mutation_id", approved.ID), slog.Any("error", err))
	}
	if s.queue != nil {
		if err := s.queue.EnqueueAutoMatch(ctx, approved.ID); err != nil {
			s.logger.Error("enqueue auto match retry", slog.Int64("mutation_id", approved.ID), slog.Any("error", err))
		} else {
			result.RetryQueued = true
		}
	}
	return result, nil
}

// RetryMatch re-runs auto-match for an approved line. It returns an error
// while no match is found so the caller can retry.
func (s *Service) RetryMatch(ctx context.Context, id int64) error {
	m, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if m.ReviewStatus != StatusApproved || m.MatchStatus == MatchMatched {
		return nil
	}
	matched, err := s.matcher.Match(ctx, id)
	if err != nil {
		if serr := s.repo.SetMatch(ctx, id, MatchFailed, err.Error()); serr != nil {
			s.logger.Warn("record match failure", slog.Int64("mutation_id", id), slog.Any("error", serr))
		}
		return err
	}
	if !matched {
		return fmt.Errorf("bankreview: mutation %d still unmatched", id)
	}
	return s.repo.SetMatch(ctx, id, MatchMatched, "")
}

// Reject marks a pending line as excluded from further processing.
func (s *Service) Reject(ctx context.Context, in RejectInput) (Mutation, error) {
	var rejected Mutation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		m, err := tx.GetForUpdate(ctx, in.ID)
		if err != nil {
			return err
		}
		if !m.Pending() {
			return ErrInvalidTransition
		}
		review := Review{
			Status:       StatusRejected,
			Reviewer:     actorOrSystem(in.Actor),
			ReviewedAt:   s.now(),
			RejectReason: shared.SanitizeText(in.Reason),
		}
		if err := tx.SaveReview(ctx, m.ID, review); err != nil {
			return err
		}
		rejected = applyReview(m, review)
		return nil
	})
	if err != nil {
		return Mutation{}, err
	}
	s.recordDecision(ctx, rejected.ID, shared.ApprovalReject, rejected.ReviewedBy, rejected.RejectReason)
	return rejected, nil
}

// Suggest asks the suggester for a classification and stores it without
// changing the review status.
func (s *Service) Suggest(ctx context.Context, id int64) (Mutation, error) {
	if s.suggester == nil {
		return Mutation{}, ErrSuggestionsDisabled
	}
	m, err := s.repo.Get(ctx, id)
	if err != nil {
		return Mutation{}, err
	}
	if !m.Pending() {
		return Mutation{}, ErrInvalidTransition
	}
	chart, err := s.chart.List(ctx, true)
	if err != nil {
		return Mutation{}, err
	}
	sug, err := s.suggester.Suggest(ctx, m, chart)
	if err != nil {
		return Mutation{}, err
	}
	ambiguous := sug.Confidence < ambiguityThreshold
	if err := s.repo.SaveSuggestion(ctx, id, sug, ambiguous); err != nil {
		return Mutation{}, err
	}
	m.SuggestedDebitCode = sug.DebitCode
	m.SuggestedCreditCode = sug.CreditCode
	m.Confidence = sug.Confidence
	m.IsAmbiguous = ambiguous
	return m, nil
}

func (s *Service) recordDecision(ctx context.Context, id int64, action shared.ApprovalAction, actor, note string) {
	if s.observer != nil {
		s.observer.ObserveReview(string(action))
	}
	if s.history == nil {
		return
	}
	err := s.history.Record(ctx, shared.ApprovalLog{
		Module: ApprovalModule,
		RefID:  strconv.FormatInt(id, 10),
		Actor:  actor,
		Action: action,
		Note:   note,
	})
	if err != nil {
		s.logger.Warn("record review history", slog.Int64("mutation_id", id), slog.Any("error", err))
	}
}

// counterpartSuggestion returns the suggested code on the non-bank side.
func counterpartSuggestion(m Mutation) string {
	if m.MoneyIn() {
		return m.SuggestedCreditCode
	}
	return m.SuggestedDebitCode
}

func applyReview(m Mutation, rv Review) Mutation {
	at := rv.ReviewedAt
	m.ReviewStatus = rv.Status
	m.ReviewedBy = rv.Reviewer
	m.ReviewedAt = &at
	m.RejectReason = rv.RejectReason
	if rv.Status == StatusApproved {
		m.SelectedAccountCode = rv.SelectedCode
		if rv.DebitCode != "" {
			m.SuggestedDebitCode = rv.DebitCode
		}
		if rv.CreditCode != "" {
			m.SuggestedCreditCode = rv.CreditCode
		}
		m.MatchStatus = MatchPending
	}
	return m
}

func actorOrSystem(actor string) string {
	if actor == "" {
		return shared.SystemActor
	}
	return actor
}
