// Package reconcile merges OCR-extracted document fields into an
// accumulating entity record without overwriting user corrections, and
// extends the entity schema for fields it has not seen before.
package reconcile

import (
	"fmt"
	"time"

	"github.com/odyssey-erp/odyssey-books/internal/platform/httpx"
)

// Source identifies who produced a field value.
type Source string

const (
	SourceUser Source = "user"
	SourceOCR  Source = "ocr"
)

// FieldMeta describes the provenance of one stored field.
type FieldMeta struct {
	Source        Source    `json:"source"`
	DocumentType  string    `json:"document_type,omitempty"`
	Confidence    float64   `json:"confidence"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// Data maps canonical field names to values.
type Data map[string]any

// Meta maps canonical field names to provenance.
type Meta map[string]FieldMeta

// Extraction is one batch of incoming values from a document.
type Extraction struct {
	Fields       map[string]any
	Confidence   map[string]float64
	Default      float64
	Source       Source
	DocumentType string
	At           time.Time
}

// confidence returns the per-field score, falling back to Default.
func (e Extraction) confidence(field string) float64 {
	if c, ok := e.Confidence[field]; ok {
		return c
	}
	return e.Default
}

// Stats counts merge decisions.
type Stats struct {
	Accepted      int `json:"accepted"`
	New           int `json:"new"`
	Protected     int `json:"protected"`
	LowConfidence int `json:"lowConfidence"`
	Empty         int `json:"empty"`
}

// Map returns the counters keyed by decision name.
func (s Stats) Map() map[string]int {
	return map[string]int{
		"accepted":       s.Accepted,
		"new":            s.New,
		"protected":      s.Protected,
		"low_confidence": s.LowConfidence,
		"empty":          s.Empty,
	}
}

// MergeResult is the outcome of SmartMerge. Data and Meta are fresh maps;
// the inputs are never modified.
type MergeResult struct {
	Data          Data
	Meta          Meta
	NewFields     []string
	UpdatedFields []string
	Stats         Stats
}

var (
	// ErrInvalidRequest indicates missing top-level merge input.
	ErrInvalidRequest = fmt.Errorf("reconcile: invalid request: %w", httpx.ErrValidation)
	// ErrTableNotAllowed indicates a schema change outside the allow-list.
	ErrTableNotAllowed = fmt.Errorf("reconcile: table not allowed for schema extension: %w", httpx.ErrValidation)
	// ErrRecordNotFound indicates a missing persisted entity.
	ErrRecordNotFound = fmt.Errorf("reconcile: record not found: %w", httpx.ErrNotFound)
	// ErrChangeNotFound indicates a missing schema change request.
	ErrChangeNotFound = fmt.Errorf("reconcile: schema change not found: %w", httpx.ErrNotFound)
	// ErrChangeNotPending indicates a schema change that was already decided.
	ErrChangeNotPending = fmt.Errorf("reconcile: schema change already decided: %w", httpx.ErrConflict)
	// ErrSchemaChangeFailed indicates DDL that cannot succeed on retry.
	ErrSchemaChangeFailed = fmt.Errorf("reconcile: schema change failed: %w", httpx.ErrUnprocessable)
)
