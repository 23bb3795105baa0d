package accounting

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-books/internal/platform/db"
)

// Repository persists accounting entities.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	IsPeriodLocked(ctx context.Context, date time.Time) (bool, error)
	InsertJournalEntry(ctx context.Context, entry JournalEntry) error
	InsertJournalLines(ctx context.Context, transactionID string, lines []JournalLine) error
	LinkSource(ctx context.Context, sourceType, sourceID, transactionID string) error
	UnlinkSource(ctx context.Context, sourceType, sourceID string) error
	MarkSourceJournaled(ctx context.Context, sourceType, sourceID, transactionID string) error
	GetJournalForUpdate(ctx context.Context, transactionID string) (JournalEntry, error)
	UpdateJournalStatus(ctx context.Context, transactionID string, status JournalStatus, reversedBy string) error
}

// sourceTables maps posting source types onto the tables carrying the
// is_journaled flag. Only these names are ever interpolated into SQL.
var sourceTables = map[string]string{
	"sales_transaction": "sales_transactions",
	"expense":           "expenses",
	"tax_payment":       "tax_payments",
	"internal_usage":    "internal_usages",
	"stock_adjustment":  "stock_adjustments",
}

const uqSourceLinks = "uq_journal_source_links"

const selectEntry = `SELECT transaction_id, date, source_type, COALESCE(source_id, ''), description, created_by,
status, COALESCE(reversal_of, ''), COALESCE(reversed_by, ''), created_at FROM journal_entries`

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes fn within repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("accounting repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

func (r *txRepository) IsPeriodLocked(ctx context.Context, date time.Time) (bool, error) {
	var locked bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounting_periods
WHERE status = 'LOCKED' AND $1::date BETWEEN start_date AND end_date)`, date).Scan(&locked)
	return locked, err
}

func (r *txRepository) InsertJournalEntry(ctx context.Context, e JournalEntry) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO journal_entries (transaction_id, date, source_type, source_id, description, created_by, status, reversal_of, created_at)
VALUES ($1, $2, $3, NULLIF($4::text, ''), $5, $6, $7, NULLIF($8::text, ''), $9)`,
		e.TransactionID, e.Date.Time, e.SourceType, e.SourceID, e.Description, e.CreatedBy, string(e.Status), e.ReversalOf, e.CreatedAt)
	return err
}

func (r *txRepository) InsertJournalLines(ctx context.Context, transactionID string, lines []JournalLine) error {
	batch := &pgx.Batch{}
	for _, l := range lines {
		batch.Queue(`INSERT INTO journal_entry_lines (transaction_id, line_no, account_code, account_name, debit, credit, description)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, transactionID, l.LineNo, l.AccountCode, l.AccountName, l.Debit.StringFixed(2), l.Credit.StringFixed(2), l.Description)
	}
	return r.tx.SendBatch(ctx, batch).Close()
}

func (r *txRepository) LinkSource(ctx context.Context, sourceType, sourceID, transactionID string) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO journal_source_links (source_type, source_id, transaction_id) VALUES ($1, $2, $3)`, sourceType, sourceID, transactionID)
	if db.IsUniqueViolation(err, uqSourceLinks) {
		return errSourceConflict
	}
	return err
}

func (r *txRepository) UnlinkSource(ctx context.Context, sourceType, sourceID string) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM journal_source_links WHERE source_type = $1 AND source_id = $2`, sourceType, sourceID)
	return err
}

func (r *txRepository) MarkSourceJournaled(ctx context.Context, sourceType, sourceID, transactionID string) error {
	table, ok := sourceTables[sourceType]
	if !ok {
		return nil
	}
	ident := pgx.Identifier{table}.Sanitize()
	cmd, err := r.tx.Exec(ctx, `UPDATE `+ident+` SET is_journaled = ($2::text <> ''), journal_transaction_id = NULLIF($2::text, ''), updated_at = NOW() WHERE id = $1`, sourceID, transactionID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrSourceNotFound
	}
	return nil
}

func (r *txRepository) GetJournalForUpdate(ctx context.Context, transactionID string) (JournalEntry, error) {
	entry, err := scanEntry(r.tx.QueryRow(ctx, selectEntry+` WHERE transaction_id = $1 FOR UPDATE`, transactionID))
	if err != nil {
		return JournalEntry{}, err
	}
	entry.Lines, err = queryLines(ctx, r.tx, transactionID)
	if err != nil {
		return JournalEntry{}, err
	}
	return entry, nil
}

func (r *txRepository) UpdateJournalStatus(ctx context.Context, transactionID string, status JournalStatus, reversedBy string) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE journal_entries SET status = $2, reversed_by = NULLIF($3::text, '') WHERE transaction_id = $1`, transactionID, string(status), reversedBy)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrJournalNotFound
	}
	return nil
}

// GetJournal loads one entry with lines.
func (r *Repository) GetJournal(ctx context.Context, transactionID string) (JournalEntry, error) {
	entry, err := scanEntry(r.pool.QueryRow(ctx, selectEntry+` WHERE transaction_id = $1`, transactionID))
	if err != nil {
		return JournalEntry{}, err
	}
	entry.Lines, err = queryLines(ctx, r.pool, transactionID)
	if err != nil {
		return JournalEntry{}, err
	}
	return entry, nil
}

// ListJournals returns entry headers newest first.
func (r *Repository) ListJournals(ctx context.Context, filter ListFilter) ([]JournalEntry, error) {
	rows, err := r.pool.Query(ctx, selectEntry+`
WHERE ($1::text = '' OR source_type = $1) AND ($2::text = '' OR status = $2)
ORDER BY created_at DESC, transaction_id DESC LIMIT $3`, filter.SourceType, string(filter.Status), filter.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []JournalEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UnbalancedEntry reports a posted transaction whose totals differ.
type UnbalancedEntry struct {
	TransactionID string
	Debit         decimal.Decimal
	Credit        decimal.Decimal
}

// FindUnbalanced scans live entries for debit/credit drift beyond Tolerance.
func (r *Repository) FindUnbalanced(ctx context.Context) ([]UnbalancedEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT l.transaction_id, SUM(l.debit)::text, SUM(l.credit)::text
FROM journal_entry_lines l JOIN journal_entries e ON e.transaction_id = l.transaction_id
GROUP BY l.transaction_id
HAVING ABS(SUM(l.debit) - SUM(l.credit)) > 0.01
ORDER BY l.transaction_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UnbalancedEntry
	for rows.Next() {
		var u UnbalancedEntry
		var debit, credit string
		if err := rows.Scan(&u.TransactionID, &debit, &credit); err != nil {
			return nil, err
		}
		if u.Debit, err = decimal.NewFromString(debit); err != nil {
			return nil, err
		}
		if u.Credit, err = decimal.NewFromString(credit); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func scanEntry(row pgx.Row) (JournalEntry, error) {
	var e JournalEntry
	var date time.Time
	var status string
	err := row.Scan(&e.TransactionID, &date, &e.SourceType, &e.SourceID, &e.Description, &e.CreatedBy,
		&status, &e.ReversalOf, &e.ReversedBy, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return JournalEntry{}, ErrJournalNotFound
		}
		return JournalEntry{}, err
	}
	e.Date = NewDate(date)
	e.Status = JournalStatus(status)
	return e, nil
}

func queryLines(ctx context.Context, q querier, transactionID string) ([]JournalLine, error) {
	rows, err := q.Query(ctx, `SELECT line_no, account_code, account_name, debit::text, credit::text, description
FROM journal_entry_lines WHERE transaction_id = $1 ORDER BY line_no`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []JournalLine
	for rows.Next() {
		var l JournalLine
		var debit, credit string
		if err := rows.Scan(&l.LineNo, &l.AccountCode, &l.AccountName, &debit, &credit, &l.Description); err != nil {
			return nil, err
		}
		if l.Debit, err = decimal.NewFromString(debit); err != nil {
			return nil, err
		}
		if l.Credit, err = decimal.NewFromString(credit); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}
