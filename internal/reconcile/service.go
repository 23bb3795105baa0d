package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-books/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-books/internal/shared"
)

// maxSampleLen bounds sample values stored with schema change requests.
const maxSampleLen = 120

// MergeRequest is the stateless merge input. SignUpData and SignUpMeta carry
// the caller's current record.
type MergeRequest struct {
	StructuredData     map[string]any     `json:"structured_data" validate:"required"`
	ConfidencePerField map[string]float64 `json:"confidence_per_field" validate:"omitempty,dive,gte=0,lte=1"`
	Confidence         *float64           `json:"confidence" validate:"omitempty,gte=0,lte=1"`
	DocumentType       string             `json:"document_type" validate:"required,max=64"`
	SignUpData         Data               `json:"signUpData"`
	SignUpMeta         Meta               `json:"signUpMeta"`
	AutoCreateColumns  bool               `json:"autoCreateColumns"`
	TargetTable        string             `json:"target_table" validate:"omitempty,max=63"`
}

// MergeResponse is returned by every merge flavour.
type MergeResponse struct {
	Success        bool           `json:"success"`
	SignUpData     Data           `json:"signUpData"`
	SignUpMeta     Meta           `json:"signUpMeta"`
	DynamicFields  []DynamicField `json:"dynamicFields"`
	NewFields      []string       `json:"newFields"`
	UpdatedFields  []string       `json:"updatedFields"`
	ColumnsCreated []string       `json:"columnsCreated"`
	ColumnsQueued  []string       `json:"columnsQueued,omitempty"`
	DroppedFields  []string       `json:"droppedFields,omitempty"`
	Stats          Stats          `json:"stats"`
}

// EditRequest carries user corrections.
type EditRequest struct {
	Fields       map[string]any `json:"fields" validate:"required,min=1"`
	DocumentType string         `json:"document_type" validate:"max=64"`
}

// AuditPort records user edits.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Observer receives merge counters.
type Observer interface {
	ObserveMerge(decisions map[string]int)
	ObserveSchemaColumns(mode string, n int)
}

// Options configures the Service.
type Options struct {
	Extender     Extender
	DefaultTable string
	Audit        AuditPort
	Observer     Observer
}

// Service runs merges and persists reconciled records.
type Service struct {
	repo         Repository
	extender     Extender
	defaultTable string
	audit        AuditPort
	observer     Observer
	logger       *slog.Logger
	now          func() time.Time
}

// NewService wires the reconcile service. repo may be nil when only the
// stateless Merge is used.
func NewService(repo Repository, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	table := opts.DefaultTable
	if table == "" {
		table = "users"
	}
	return &Service{
		repo:         repo,
		extender:     opts.Extender,
		defaultTable: table,
		audit:        opts.Audit,
		observer:     opts.Observer,
		logger:       logger,
		now:          time.Now,
	}
}

// Merge folds the extraction into the record supplied in the request.
func (s *Service) Merge(ctx context.Context, req MergeRequest) (MergeResponse, error) {
	if err := httpx.Validate(req); err != nil {
		return MergeResponse{}, err
	}
	res, norm := s.merge(req.SignUpData, req.SignUpMeta, req)
	return s.finish(ctx, req, res, norm), nil
}

// MergeEntity merges into the stored record for entityType/entityID,
// serialising concurrent merges on the same record.
func (s *Service) MergeEntity(ctx context.Context, entityType, entityID string, req MergeRequest) (MergeResponse, error) {
	if err := checkEntityKey(entityType, entityID); err != nil {
		return MergeResponse{}, err
	}
	if err := httpx.Validate(req); err != nil {
		return MergeResponse{}, err
	}
	var (
		res  MergeResult
		norm Normalized
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		rec, err := tx.LockOrCreate(ctx, entityType, entityID)
		if err != nil {
			return err
		}
		res, norm = s.merge(rec.Data, rec.Meta, req)
		if len(res.NewFields) == 0 && len(res.UpdatedFields) == 0 {
			return nil
		}
		rec.Data, rec.Meta = res.Data, res.Meta
		return tx.Save(ctx, rec)
	})
	if err != nil {
		return MergeResponse{}, err
	}
	return s.finish(ctx, req, res, norm), nil
}

// EditEntity applies user corrections to a stored record.
func (s *Service) EditEntity(ctx context.Context, entityType, entityID string, req EditRequest, actor string) (Record, []string, error) {
	if err := checkEntityKey(entityType, entityID); err != nil {
		return Record{}, nil, err
	}
	if err := httpx.Validate(req); err != nil {
		return Record{}, nil, err
	}
	edits := make(map[string]any, len(req.Fields))
	for raw, v := range req.Fields {
		name, ok := CanonicalName(raw)
		if !ok {
			name = ColumnName(raw)
		}
		if name == "" {
			return Record{}, nil, fmt.Errorf("%w: unusable field name %q", ErrInvalidRequest, raw)
		}
		edits[name] = v
	}
	var (
		saved   Record
		changed []string
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		rec, err := tx.LockOrCreate(ctx, entityType, entityID)
		if err != nil {
			return err
		}
		rec.Data, rec.Meta, changed = ApplyUserEdits(rec.Data, rec.Meta, edits, req.DocumentType, s.now().UTC())
		saved = rec
		if len(changed) == 0 {
			return nil
		}
		return tx.Save(ctx, rec)
	})
	if err != nil {
		return Record{}, nil, err
	}
	if len(changed) > 0 && s.audit != nil {
		err := s.audit.Record(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   "reconcile.edit",
			Entity:   entityType,
			EntityID: entityID,
			Meta:     map[string]any{"fields": changed},
		})
		if err != nil {
			s.logger.Warn("audit reconcile edit", slog.String("entity", entityType), slog.String("id", entityID), slog.Any("error", err))
		}
	}
	return saved, changed, nil
}

// GetEntity returns the stored record.
func (s *Service) GetEntity(ctx context.Context, entityType, entityID string) (Record, error) {
	if err := checkEntityKey(entityType, entityID); err != nil {
		return Record{}, err
	}
	return s.repo.Get(ctx, entityType, entityID)
}

func (s *Service) merge(data Data, meta Meta, req MergeRequest) (MergeResult, Normalized) {
	def := 0.0
	if req.Confidence != nil {
		def = *req.Confidence
	}
	norm := Normalize(req.StructuredData, req.ConfidencePerField, def)
	res := SmartMerge(data, meta, Extraction{
		Fields:       norm.Fields,
		Confidence:   norm.Confidence,
		Default:      def,
		Source:       SourceOCR,
		DocumentType: req.DocumentType,
		At:           s.now().UTC(),
	})
	return res, norm
}

// finish runs schema extension and builds the response. Extension errors are
// logged and never fail the merge.
func (s *Service) finish(ctx context.Context, req MergeRequest, res MergeResult, norm Normalized) MergeResponse {
	out := MergeResponse{
		Success:        true,
		SignUpData:     res.Data,
		SignUpMeta:     res.Meta,
		DynamicFields:  nonNil(norm.Dynamic),
		NewFields:      nonNil(res.NewFields),
		UpdatedFields:  nonNil(res.UpdatedFields),
		ColumnsCreated: []string{},
		DroppedFields:  norm.Dropped,
		Stats:          res.Stats,
	}
	if s.observer != nil {
		s.observer.ObserveMerge(res.Stats.Map())
	}
	if !req.AutoCreateColumns || s.extender == nil || len(norm.Dynamic) == 0 {
		return out
	}
	table := strings.ToLower(strings.TrimSpace(req.TargetTable))
	if table == "" {
		table = s.defaultTable
	}
	cols := make([]ColumnSpec, 0, len(norm.Dynamic))
	for _, df := range norm.Dynamic {
		if isEmpty(df.Value) {
			continue
		}
		cols = append(cols, ColumnSpec{Table: table, Column: df.Column, Type: df.Type, Sample: sample(df.Value)})
	}
	if len(cols) == 0 {
		return out
	}
	ext, err := s.extender.Extend(ctx, cols)
	if err != nil {
		s.logger.Warn("schema extension", slog.String("table", table), slog.String("mode", s.extender.Mode()), slog.Any("error", err))
	}
	out.ColumnsCreated = nonNil(ext.Created)
	out.ColumnsQueued = ext.Queued
	if s.observer != nil {
		s.observer.ObserveSchemaColumns(s.extender.Mode(), len(ext.Created)+len(ext.Queued))
	}
	return out
}

func checkEntityKey(entityType, entityID string) error {
	if entityType == "" || entityID == "" || len(entityType) > 64 || len(entityID) > 128 {
		return fmt.Errorf("%w: entity type and id required", ErrInvalidRequest)
	}
	return nil
}

func sample(v any) string {
	s := fmt.Sprint(v)
	if r := []rune(s); len(r) > maxSampleLen {
		s = string(r[:maxSampleLen])
	}
	return s
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
