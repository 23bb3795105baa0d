package bankreview

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-books/internal/accounting"
	"github.com/odyssey-erp/odyssey-books/internal/platform/db"
)

// Repository persists bank mutation review state.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Mutation, error)
	List(ctx context.Context, filter ListFilter) ([]Mutation, error)
	SetMatch(ctx context.Context, id int64, status MatchStatus, matchErr string) error
	SaveSuggestion(ctx context.Context, id int64, s Suggestion, ambiguous bool) error
}

// TxRepository exposes the locked read-modify-write used by reviews.
type TxRepository interface {
	GetForUpdate(ctx context.Context, id int64) (Mutation, error)
	SaveReview(ctx context.Context, id int64, review Review) error
}

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the pgx repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

const selectMutation = `SELECT m.id, m.date, m.description, m.debit::text, m.credit::text, COALESCE(m.balance, 0)::text,
m.bank_account_id, COALESCE(ba.account_code, ''), m.review_status, m.is_ambiguous,
COALESCE(m.suggested_debit_code, ''), COALESCE(m.suggested_credit_code, ''), COALESCE(m.confidence, 0)::float8,
COALESCE(m.selected_account_code, ''), COALESCE(m.reviewed_by, ''), m.reviewed_at, COALESCE(m.reject_reason, ''),
m.match_status, COALESCE(m.match_error, '')
FROM bank_mutations_staging m LEFT JOIN bank_accounts ba ON ba.id = m.bank_account_id`

func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithLockingTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{tx: tx})
	})
}

func (r *pgRepository) Get(ctx context.Context, id int64) (Mutation, error) {
	return scanMutation(r.pool.QueryRow(ctx, selectMutation+` WHERE m.id = $1`, id))
}

func (r *pgRepository) List(ctx context.Context, filter ListFilter) ([]Mutation, error) {
	statuses := make([]string, 0, len(filter.Statuses))
	for _, s := range filter.Statuses {
		statuses = append(statuses, string(s))
	}
	rows, err := r.pool.Query(ctx, selectMutation+`
WHERE m.review_status = ANY($1) AND ($2::bigint = 0 OR m.bank_account_id = $2)
ORDER BY m.date ASC, m.id ASC LIMIT $3`, statuses, filter.BankAccountID, filter.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Mutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *pgRepository) SetMatch(ctx context.Context, id int64, status MatchStatus, matchErr string) error {
	_, err := r.pool.Exec(ctx, `UPDATE bank_mutations_staging SET match_status = $2, match_error = NULLIF($3::text, ''), updated_at = NOW()
WHERE id = $1`, id, string(status), matchErr)
	return err
}

func (r *pgRepository) SaveSuggestion(ctx context.Context, id int64, s Suggestion, ambiguous bool) error {
	cmd, err := r.pool.Exec(ctx, `UPDATE bank_mutations_staging
SET suggested_debit_code = $2, suggested_credit_code = $3, confidence = $4, is_ambiguous = $5, updated_at = NOW()
WHERE id = $1 AND review_status IN ('REQUIRED', 'AUTO')`, id, s.DebitCode, s.CreditCode, s.Confidence, ambiguous)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetForUpdate(ctx context.Context, id int64) (Mutation, error) {
	return scanMutation(t.tx.QueryRow(ctx, selectMutation+` WHERE m.id = $1 FOR UPDATE OF m`, id))
}

func (t *pgTx) SaveReview(ctx context.Context, id int64, rv Review) error {
	_, err := t.tx.Exec(ctx, `UPDATE bank_mutations_staging
SET review_status = $2, selected_account_code = NULLIF($3::text, ''),
    suggested_debit_code = COALESCE(NULLIF($4::text, ''), suggested_debit_code),
    suggested_credit_code = COALESCE(NULLIF($5::text, ''), suggested_credit_code),
    reviewed_by = $6, reviewed_at = $7, reject_reason = NULLIF($8::text, ''),
    match_status = CASE WHEN $2 = 'APPROVED' THEN 'PENDING' ELSE match_status END,
    updated_at = NOW()
WHERE id = $1`, id, string(rv.Status), rv.SelectedCode, rv.DebitCode, rv.CreditCode, rv.Reviewer, rv.ReviewedAt, rv.RejectReason)
	return err
}

// SQLMatcher runs the auto_match_bank_mutation database function.
type SQLMatcher struct {
	pool *pgxpool.Pool
}

// NewSQLMatcher constructs the matcher.
func NewSQLMatcher(pool *pgxpool.Pool) *SQLMatcher {
	return &SQLMatcher{pool: pool}
}

// Match reports whether a ledger entry was matched to the mutation.
func (m *SQLMatcher) Match(ctx context.Context, id int64) (bool, error) {
	var matched bool
	err := m.pool.QueryRow(ctx, `SELECT auto_match_bank_mutation($1)`, id).Scan(&matched)
	return matched, err
}

func scanMutation(row pgx.Row) (Mutation, error) {
	var (
		m                      Mutation
		date                   time.Time
		debit, credit, balance string
		status, match          string
	)
	err := row.Scan(&m.ID, &date, &m.Description, &debit, &credit, &balance,
		&m.BankAccountID, &m.BankAccountCode, &status, &m.IsAmbiguous,
		&m.SuggestedDebitCode, &m.SuggestedCreditCode, &m.Confidence,
		&m.SelectedAccountCode, &m.ReviewedBy, &m.ReviewedAt, &m.RejectReason,
		&match, &m.MatchError)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Mutation{}, ErrMutationNotFound
		}
		return Mutation{}, err
	}
	m.Date = accounting.NewDate(date)
	m.ReviewStatus = ReviewStatus(status)
	m.MatchStatus = MatchStatus(match)
	if m.Debit, err = decimal.NewFromString(debit); err != nil {
		return Mutation{}, err
	}
	if m.Credit, err = decimal.NewFromString(credit); err != nil {
		return Mutation{}, err
	}
	if m.Balance, err = decimal.NewFromString(balance); err != nil {
		return Mutation{}, err
	}
	return m, nil
}
