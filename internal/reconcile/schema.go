package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-books/internal/shared"
)

// Extension modes.
const (
	ModeDirect = "direct"
	ModeQueue  = "queue"
)

// ColumnSpec is one column to add to an entity table.
type ColumnSpec struct {
	Table  string
	Column string
	Type   ColumnType
	Sample string
}

// ExtendResult reports what an Extender did with the requested columns.
type ExtendResult struct {
	Created  []string `json:"created,omitempty"`
	Queued   []string `json:"queued,omitempty"`
	Existing []string `json:"existing,omitempty"`
	Failed   []string `json:"failed,omitempty"`
}

// Extender adds columns for dynamic fields.
type Extender interface {
	Mode() string
	Extend(ctx context.Context, cols []ColumnSpec) (ExtendResult, error)
}

// SchemaStore reads and alters entity table columns.
type SchemaStore interface {
	Columns(ctx context.Context, table string) (map[string]bool, error)
	AddColumn(ctx context.Context, table, column string, typ ColumnType) error
}

// Allowlist restricts which tables may be extended.
type Allowlist map[string]bool

// NewAllowlist builds an Allowlist from table names.
func NewAllowlist(tables []string) Allowlist {
	out := Allowlist{}
	for _, t := range tables {
		if t = strings.TrimSpace(strings.ToLower(t)); t != "" {
			out[t] = true
		}
	}
	return out
}

// Check returns ErrTableNotAllowed for tables outside the list.
func (a Allowlist) Check(table string) error {
	if !a[table] {
		return fmt.Errorf("%w: %q", ErrTableNotAllowed, table)
	}
	return nil
}

// DirectExtender runs ADD COLUMN immediately. A failing column is logged
// and skipped.
type DirectExtender struct {
	store  SchemaStore
	allow  Allowlist
	logger *slog.Logger
}

// NewDirectExtender constructs a DirectExtender.
func NewDirectExtender(store SchemaStore, allow Allowlist, logger *slog.Logger) *DirectExtender {
	return &DirectExtender{store: store, allow: allow, logger: logger}
}

// Mode reports ModeDirect.
func (e *DirectExtender) Mode() string { return ModeDirect }

// Extend adds missing columns, grouping lookups per table.
func (e *DirectExtender) Extend(ctx context.Context, cols []ColumnSpec) (ExtendResult, error) {
	var res ExtendResult
	existing := map[string]map[string]bool{}
	for _, col := range cols {
		if err := e.allow.Check(col.Table); err != nil {
			return res, err
		}
		known, ok := existing[col.Table]
		if !ok {
			var err error
			known, err = e.store.Columns(ctx, col.Table)
			if err != nil {
				return res, fmt.Errorf("reconcile: list columns of %s: %w", col.Table, err)
			}
			existing[col.Table] = known
		}
		if known[col.Column] {
			res.Existing = append(res.Existing, col.Column)
			continue
		}
		if err := e.store.AddColumn(ctx, col.Table, col.Column, col.Type); err != nil {
			e.logger.Warn("add column failed", slog.String("table", col.Table), slog.String("column", col.Column), slog.Any("error", err))
			res.Failed = append(res.Failed, col.Column)
			continue
		}
		known[col.Column] = true
		res.Created = append(res.Created, col.Column)
	}
	return res, nil
}

// ChangeStatus tracks a schema change request.
type ChangeStatus string

const (
	ChangePending  ChangeStatus = "PENDING"
	ChangeApproved ChangeStatus = "APPROVED"
	ChangeApplied  ChangeStatus = "APPLIED"
	ChangeFailed   ChangeStatus = "FAILED"
	ChangeRejected ChangeStatus = "REJECTED"
)

// ChangeRequest is a queued column addition awaiting review.
type ChangeRequest struct {
	ID          string       `json:"id"`
	Table       string       `json:"table_name"`
	Column      string       `json:"column_name"`
	Type        ColumnType   `json:"column_type"`
	Sample      string       `json:"sample,omitempty"`
	Status      ChangeStatus `json:"status"`
	Error       string       `json:"error,omitempty"`
	RequestedAt time.Time    `json:"requested_at"`
	DecidedBy   string       `json:"decided_by,omitempty"`
	AppliedAt   *time.Time   `json:"applied_at,omitempty"`
}

// ChangeStore persists schema change requests.
type ChangeStore interface {
	// InsertPending stores requests, skipping columns that already have an
	// open request. It returns the requests actually inserted.
	InsertPending(ctx context.Context, reqs []ChangeRequest) ([]ChangeRequest, error)
	Get(ctx context.Context, id string) (ChangeRequest, error)
	List(ctx context.Context, status ChangeStatus, limit int) ([]ChangeRequest, error)
	// Transition moves id from one status to another and reports whether a
	// row changed.
	Transition(ctx context.Context, id string, from, to ChangeStatus, actor, errText string) (bool, error)
}

// QueueExtender records change requests instead of altering tables.
type QueueExtender struct {
	store  ChangeStore
	allow  Allowlist
	schema SchemaStore
	now    func() time.Time
}

// NewQueueExtender constructs a QueueExtender. schema may be nil, in which
// case existing columns are not filtered out.
func NewQueueExtender(store ChangeStore, schema SchemaStore, allow Allowlist) *QueueExtender {
	return &QueueExtender{store: store, schema: schema, allow: allow, now: time.Now}
}

// Mode reports ModeQueue.
func (e *QueueExtender) Mode() string { return ModeQueue }

// Extend stores one PENDING request per unseen column.
func (e *QueueExtender) Extend(ctx context.Context, cols []ColumnSpec) (ExtendResult, error) {
	var res ExtendResult
	reqs := make([]ChangeRequest, 0, len(cols))
	existing := map[string]map[string]bool{}
	for _, col := range cols {
		if err := e.allow.Check(col.Table); err != nil {
			return res, err
		}
		if e.schema != nil {
			known, ok := existing[col.Table]
			if !ok {
				var err error
				if known, err = e.schema.Columns(ctx, col.Table); err != nil {
					return res, fmt.Errorf("reconcile: list columns of %s: %w", col.Table, err)
				}
				existing[col.Table] = known
			}
			if known[col.Column] {
				res.Existing = append(res.Existing, col.Column)
				continue
			}
		}
		reqs = append(reqs, ChangeRequest{
			ID:          uuid.NewString(),
			Table:       col.Table,
			Column:      col.Column,
			Type:        col.Type,
			Sample:      col.Sample,
			Status:      ChangePending,
			RequestedAt: e.now().UTC(),
		})
	}
	if len(reqs) == 0 {
		return res, nil
	}
	inserted, err := e.store.InsertPending(ctx, reqs)
	if err != nil {
		return res, err
	}
	for _, r := range inserted {
		res.Queued = append(res.Queued, r.Column)
	}
	return res, nil
}

// ApplyQueue hands approved changes to the worker.
type ApplyQueue interface {
	EnqueueSchemaApply(ctx context.Context, id string) error
}

// ApprovalHistory records review decisions.
type ApprovalHistory interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
}

// SchemaChangeModule is the approvals module for schema changes.
const SchemaChangeModule = "SCHEMA_CHANGE"

// ChangeService reviews and applies queued schema changes.
type ChangeService struct {
	store   ChangeStore
	schema  SchemaStore
	allow   Allowlist
	queue   ApplyQueue
	history ApprovalHistory
	logger  *slog.Logger
}

// NewChangeService wires a ChangeService. queue and history may be nil.
func NewChangeService(store ChangeStore, schema SchemaStore, allow Allowlist, queue ApplyQueue, history ApprovalHistory, logger *slog.Logger) *ChangeService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeService{store: store, schema: schema, allow: allow, queue: queue, history: history, logger: logger}
}

// List returns requests in status, newest first.
func (s *ChangeService) List(ctx context.Context, status ChangeStatus, limit int) ([]ChangeRequest, error) {
	if status == "" {
		status = ChangePending
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.List(ctx, status, limit)
}

// Approve marks a pending request approved and queues it for the worker.
// Without a queue the column is applied inline. A failed enqueue returns the
// request to PENDING so it can be approved again.
func (s *ChangeService) Approve(ctx context.Context, id, actor string) (ChangeRequest, error) {
	ok, err := s.store.Transition(ctx, id, ChangePending, ChangeApproved, actorOrSystem(actor), "")
	if err != nil {
		return ChangeRequest{}, err
	}
	if !ok {
		return ChangeRequest{}, s.notPending(ctx, id)
	}
	if s.queue == nil {
		s.record(ctx, id, shared.ApprovalApprove, actor, "")
		if err := s.Apply(ctx, id); err != nil {
			s.logger.Warn("apply schema change", slog.String("id", id), slog.Any("error", err))
			if !errors.Is(err, ErrSchemaChangeFailed) {
				if merr := s.MarkFailed(ctx, id, err); merr != nil {
					s.logger.Error("mark schema change failed", slog.String("id", id), slog.Any("error", merr))
				}
			}
		}
		return s.store.Get(ctx, id)
	}
	if err := s.queue.EnqueueSchemaApply(ctx, id); err != nil {
		if _, rerr := s.store.Transition(ctx, id, ChangeApproved, ChangePending, "", ""); rerr != nil {
			s.logger.Error("reopen schema change", slog.String("id", id), slog.Any("error", rerr))
		}
		return ChangeRequest{}, fmt.Errorf("reconcile: enqueue schema change: %w", err)
	}
	s.record(ctx, id, shared.ApprovalApprove, actor, "")
	return s.store.Get(ctx, id)
}

// Reject closes a pending request.
func (s *ChangeService) Reject(ctx context.Context, id, actor, reason string) (ChangeRequest, error) {
	reason = shared.SanitizeText(reason)
	ok, err := s.store.Transition(ctx, id, ChangePending, ChangeRejected, actorOrSystem(actor), reason)
	if err != nil {
		return ChangeRequest{}, err
	}
	if !ok {
		return ChangeRequest{}, s.notPending(ctx, id)
	}
	s.record(ctx, id, shared.ApprovalReject, actor, reason)
	return s.store.Get(ctx, id)
}

// Apply runs the DDL for an approved request. Requests in any other status
// are ignored so redelivered tasks are harmless. Permanent failures mark the
// request FAILED and wrap ErrSchemaChangeFailed; other errors leave it
// APPROVED for another attempt.
func (s *ChangeService) Apply(ctx context.Context, id string) error {
	req, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if req.Status != ChangeApproved {
		return nil
	}
	if err := s.allow.Check(req.Table); err != nil {
		return s.fail(ctx, id, err)
	}
	if err := s.schema.AddColumn(ctx, req.Table, req.Column, req.Type); err != nil {
		if permanentDDLError(err) {
			return s.fail(ctx, id, err)
		}
		return err
	}
	_, err = s.store.Transition(ctx, id, ChangeApproved, ChangeApplied, "", "")
	return err
}

// MarkFailed closes an approved request after its last apply attempt.
func (s *ChangeService) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := "apply failed"
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.store.Transition(ctx, id, ChangeApproved, ChangeFailed, "", msg)
	return err
}

func (s *ChangeService) fail(ctx context.Context, id string, cause error) error {
	if err := s.MarkFailed(ctx, id, cause); err != nil {
		s.logger.Error("mark schema change failed", slog.String("id", id), slog.Any("error", err))
	}
	return fmt.Errorf("%w: %v", ErrSchemaChangeFailed, cause)
}

// permanentDDLError reports errors a retry cannot fix: syntax or access rule
// violations, data exceptions, integrity violations and unsupported features.
func permanentDDLError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || len(pgErr.Code) < 2 {
		return false
	}
	switch pgErr.Code[:2] {
	case "0A", "22", "23", "42":
		return true
	}
	return false
}

func (s *ChangeService) notPending(ctx context.Context, id string) error {
	if _, err := s.store.Get(ctx, id); err != nil {
		return err
	}
	return ErrChangeNotPending
}

func (s *ChangeService) record(ctx context.Context, id string, action shared.ApprovalAction, actor, note string) {
	if s.history == nil {
		return
	}
	err := s.history.Record(ctx, shared.ApprovalLog{
		Module: SchemaChangeModule,
		RefID:  id,
		Actor:  actorOrSystem(actor),
		Action: action,
		Note:   note,
	})
	if err != nil {
		s.logger.Warn("record schema change decision", slog.String("id", id), slog.Any("error", err))
	}
}

func actorOrSystem(actor string) string {
	if actor == "" {
		return shared.SystemActor
	}
	return actor
}

// PGSchemaStore alters tables through pgx with quoted identifiers.
type PGSchemaStore struct {
	pool *pgxpool.Pool
}

// NewPGSchemaStore constructs a PGSchemaStore.
func NewPGSchemaStore(pool *pgxpool.Pool) *PGSchemaStore {
	return &PGSchemaStore{pool: pool}
}

// Columns lists the columns of table in the public schema.
func (s *PGSchemaStore) Columns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT column_name FROM information_schema.columns
WHERE table_schema = current_schema() AND table_name = $1`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

// AddColumn runs ALTER TABLE ... ADD COLUMN IF NOT EXISTS.
func (s *PGSchemaStore) AddColumn(ctx context.Context, table, column string, typ ColumnType) error {
	if !allowedColumnTypes[typ] {
		return fmt.Errorf("reconcile: unsupported column type %q", typ)
	}
	if column == "" || ColumnName(column) != column {
		return fmt.Errorf("reconcile: unsafe column name %q", column)
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
		pgx.Identifier{table}.Sanitize(), pgx.Identifier{column}.Sanitize(), typ)
	_, err := s.pool.Exec(ctx, stmt)
	return err
}

// PGChangeStore keeps schema_change_requests in PostgreSQL.
type PGChangeStore struct {
	pool *pgxpool.Pool
}

// NewPGChangeStore constructs a PGChangeStore.
func NewPGChangeStore(pool *pgxpool.Pool) *PGChangeStore {
	return &PGChangeStore{pool: pool}
}

const selectChange = `SELECT id::text, table_name, column_name, column_type, COALESCE(sample, ''), status,
COALESCE(error, ''), requested_at, COALESCE(decided_by, ''), applied_at FROM schema_change_requests`

// InsertPending relies on the partial unique index over open requests.
func (s *PGChangeStore) InsertPending(ctx context.Context, reqs []ChangeRequest) ([]ChangeRequest, error) {
	batch := &pgx.Batch{}
	for _, r := range reqs {
		batch.Queue(`INSERT INTO schema_change_requests (id, table_name, column_name, column_type, sample, status, requested_at)
VALUES ($1, $2, $3, $4, NULLIF($5::text, ''), $6, $7)
ON CONFLICT (table_name, column_name) WHERE status IN ('PENDING', 'APPROVED') DO NOTHING`,
			r.ID, r.Table, r.Column, string(r.Type), r.Sample, string(r.Status), r.RequestedAt)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	var inserted []ChangeRequest
	for _, r := range reqs {
		tag, err := br.Exec()
		if err != nil {
			return nil, err
		}
		if tag.RowsAffected() == 1 {
			inserted = append(inserted, r)
		}
	}
	return inserted, nil
}

// Get loads one request.
func (s *PGChangeStore) Get(ctx context.Context, id string) (ChangeRequest, error) {
	if _, err := uuid.Parse(id); err != nil {
		return ChangeRequest{}, ErrChangeNotFound
	}
	return scanChange(s.pool.QueryRow(ctx, selectChange+` WHERE id = $1`, id))
}

// List returns requests in status.
func (s *PGChangeStore) List(ctx context.Context, status ChangeStatus, limit int) ([]ChangeRequest, error) {
	rows, err := s.pool.Query(ctx, selectChange+` WHERE status = $1 ORDER BY requested_at DESC LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChangeRequest
	for rows.Next() {
		r, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Transition performs a compare-and-set on status.
func (s *PGChangeStore) Transition(ctx context.Context, id string, from, to ChangeStatus, actor, errText string) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}
	tag, err := s.pool.Exec(ctx, `UPDATE schema_change_requests
SET status = $3,
    decided_by = COALESCE(NULLIF($4::text, ''), decided_by),
    error = NULLIF($5::text, ''),
    applied_at = CASE WHEN $3 = 'APPLIED' THEN NOW() ELSE applied_at END
WHERE id = $1 AND status = $2`, id, string(from), string(to), actor, errText)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func scanChange(row pgx.Row) (ChangeRequest, error) {
	var r ChangeRequest
	var typ, status string
	err := row.Scan(&r.ID, &r.Table, &r.Column, &typ, &r.Sample, &status, &r.Error, &r.RequestedAt, &r.DecidedBy, &r.AppliedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ChangeRequest{}, ErrChangeNotFound
		}
		return ChangeRequest{}, err
	}
	r.Type = ColumnType(typ)
	r.Status = ChangeStatus(status)
	return r, nil
}
