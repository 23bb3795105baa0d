package reconcile

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/odyssey-erp/odyssey-books/internal/shared"
)

var errBoom = errors.New("boom")

type memorySchema struct {
	columns map[string]map[string]bool
	failOn  map[string]bool
	failErr error
	added   []string
}

func newMemorySchema(table string, cols ...string) *memorySchema {
	s := &memorySchema{columns: map[string]map[string]bool{table: {}}, failOn: map[string]bool{}}
	for _, c := range cols {
		s.columns[table][c] = true
	}
	return s
}

func (s *memorySchema) Columns(_ context.Context, table string) (map[string]bool, error) {
	out := map[string]bool{}
	for c := range s.columns[table] {
		out[c] = true
	}
	return out, nil
}

func (s *memorySchema) AddColumn(_ context.Context, table, column string, _ ColumnType) error {
	if s.failOn[column] {
		if s.failErr != nil {
			return s.failErr
		}
		return errBoom
	}
	if s.columns[table] == nil {
		s.columns[table] = map[string]bool{}
	}
	s.columns[table][column] = true
	s.added = append(s.added, column)
	return nil
}

type memoryChanges struct {
	rows map[string]ChangeRequest
}

func newMemoryChanges() *memoryChanges {
	return &memoryChanges{rows: map[string]ChangeRequest{}}
}

func (m *memoryChanges) InsertPending(_ context.Context, reqs []ChangeRequest) ([]ChangeRequest, error) {
	var inserted []ChangeRequest
	for _, r := range reqs {
		open := false
		for _, existing := range m.rows {
			if existing.Table == r.Table && existing.Column == r.Column &&
				(existing.Status == ChangePending || existing.Status == ChangeApproved) {
				open = true
			}
		}
		if open {
			continue
		}
		m.rows[r.ID] = r
		inserted = append(inserted, r)
	}
	return inserted, nil
}

func (m *memoryChanges) Get(_ context.Context, id string) (ChangeRequest, error) {
	r, ok := m.rows[id]
	if !ok {
		return ChangeRequest{}, ErrChangeNotFound
	}
	return r, nil
}

func (m *memoryChanges) List(_ context.Context, status ChangeStatus, limit int) ([]ChangeRequest, error) {
	var out []ChangeRequest
	for _, r := range m.rows {
		if r.Status == status {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Column < out[j].Column })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryChanges) Transition(_ context.Context, id string, from, to ChangeStatus, actor, errText string) (bool, error) {
	r, ok := m.rows[id]
	if !ok || r.Status != from {
		return false, nil
	}
	r.Status = to
	if actor != "" {
		r.DecidedBy = actor
	}
	r.Error = errText
	m.rows[id] = r
	return true, nil
}

func (m *memoryChanges) only() ChangeRequest {
	for _, r := range m.rows {
		return r
	}
	return ChangeRequest{}
}

type recordingApplyQueue struct {
	ids []string
	err error
}

func (q *recordingApplyQueue) EnqueueSchemaApply(_ context.Context, id string) error {
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, id)
	return nil
}

type memoryApprovals struct {
	logs []shared.ApprovalLog
}

func (m *memoryApprovals) Record(_ context.Context, log shared.ApprovalLog) error {
	m.logs = append(m.logs, log)
	return nil
}

type recordKey struct{ typ, id string }

// memoryRecords serialises transactions with a mutex, standing in for the
// row lock taken by LockOrCreate.
type memoryRecords struct {
	mu    sync.Mutex
	rows  map[recordKey]Record
	saves int
}

func newMemoryRecords() *memoryRecords {
	return &memoryRecords{rows: map[recordKey]Record{}}
}

func (m *memoryRecords) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memoryRecordTx{parent: m, staged: map[recordKey]Record{}}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for k, v := range tx.staged {
		m.rows[k] = v
	}
	m.saves += tx.saves
	return nil
}

func (m *memoryRecords) Get(_ context.Context, typ, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[recordKey{typ, id}]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return rec, nil
}

type memoryRecordTx struct {
	parent *memoryRecords
	staged map[recordKey]Record
	saves  int
}

func (t *memoryRecordTx) LockOrCreate(_ context.Context, typ, id string) (Record, error) {
	rec, ok := t.parent.rows[recordKey{typ, id}]
	if !ok {
		rec = Record{EntityType: typ, EntityID: id, Data: Data{}, Meta: Meta{}}
	}
	return Record{EntityType: rec.EntityType, EntityID: rec.EntityID, Data: cloneData(rec.Data), Meta: cloneMeta(rec.Meta)}, nil
}

func (t *memoryRecordTx) Save(_ context.Context, rec Record) error {
	t.staged[recordKey{rec.EntityType, rec.EntityID}] = rec
	t.saves++
	return nil
}

type memoryAudit struct {
	logs []shared.AuditLog
}

func (m *memoryAudit) Record(_ context.Context, log shared.AuditLog) error {
	m.logs = append(m.logs, log)
	return nil
}

type countingObserver struct {
	merges  []map[string]int
	columns map[string]int
}

func (o *countingObserver) ObserveMerge(d map[string]int) { o.merges = append(o.merges, d) }

func (o *countingObserver) ObserveSchemaColumns(mode string, n int) {
	if o.columns == nil {
		o.columns = map[string]int{}
	}
	o.columns[mode] += n
}
