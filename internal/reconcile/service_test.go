package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-books/internal/platform/httpx"
)

func fixedService(repo Repository, opts Options) *Service {
	svc := NewService(repo, opts, discardLogger())
	svc.now = func() time.Time { return mergedAt }
	return svc
}

func TestMergeRejectsMissingRequiredFields(t *testing.T) {
	svc := fixedService(nil, Options{})

	_, err := svc.Merge(context.Background(), MergeRequest{DocumentType: "ktp"})
	require.ErrorIs(t, err, httpx.ErrValidation)

	_, err = svc.Merge(context.Background(), MergeRequest{StructuredData: map[string]any{"nik": "1"}})
	require.ErrorIs(t, err, httpx.ErrValidation)

	bad := 1.5
	_, err = svc.Merge(context.Background(), MergeRequest{StructuredData: map[string]any{"nik": "1"}, DocumentType: "ktp", Confidence: &bad})
	require.ErrorIs(t, err, httpx.ErrValidation)
}

func TestMergeStatelessWorkedExamples(t *testing.T) {
	svc := fixedService(nil, Options{})

	res, err := svc.Merge(context.Background(), MergeRequest{
		StructuredData:     map[string]any{"No KTP": "999"},
		ConfidencePerField: map[string]float64{"No KTP": 0.9},
		DocumentType:       "ktp",
		SignUpData:         Data{"ktpNumber": "123"},
		SignUpMeta:         Meta{"ktpNumber": {Source: SourceUser, Confidence: 1}},
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "123", res.SignUpData["ktpNumber"])
	require.Equal(t, 1, res.Stats.Protected)

	conf := 0.8
	res, err = svc.Merge(context.Background(), MergeRequest{
		StructuredData: map[string]any{"Nama": "Budi"},
		Confidence:     &conf,
		DocumentType:   "ktp",
	})
	require.NoError(t, err)
	require.Equal(t, "Budi", res.SignUpData["fullName"])
	require.Equal(t, SourceOCR, res.SignUpMeta["fullName"].Source)
	require.Equal(t, 0.8, res.SignUpMeta["fullName"].Confidence)
	require.Equal(t, []string{"fullName"}, res.NewFields)
	require.Equal(t, []string{}, res.ColumnsCreated)
	require.Equal(t, []DynamicField{}, res.DynamicFields)
}

func TestMergeCreatesColumnsForDynamicFields(t *testing.T) {
	schema := newMemorySchema("users", "full_name")
	obs := &countingObserver{}
	svc := fixedService(nil, Options{
		Extender: NewDirectExtender(schema, NewAllowlist([]string{"users"}), discardLogger()),
		Observer: obs,
	})

	res, err := svc.Merge(context.Background(), MergeRequest{
		StructuredData:    map[string]any{"Nama": "Budi", "Nomor Polis": "P-1", "Catatan": ""},
		DocumentType:      "polis",
		AutoCreateColumns: true,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"nomor_polis"}, res.ColumnsCreated)
	require.Equal(t, "P-1", res.SignUpData["nomor_polis"])
	require.Len(t, res.DynamicFields, 2)
	require.Equal(t, 1, obs.columns[ModeDirect])
	require.Len(t, obs.merges, 1)
	require.Equal(t, 1, obs.merges[0]["empty"])
}

func TestMergeSchemaFailureDoesNotFailMerge(t *testing.T) {
	svc := fixedService(nil, Options{
		Extender: NewDirectExtender(newMemorySchema("users"), NewAllowlist([]string{"users"}), discardLogger()),
	})
	res, err := svc.Merge(context.Background(), MergeRequest{
		StructuredData:    map[string]any{"Nomor Polis": "P-1"},
		DocumentType:      "polis",
		AutoCreateColumns: true,
		TargetTable:       "journal_entries",
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Empty(t, res.ColumnsCreated)
	require.Equal(t, "P-1", res.SignUpData["nomor_polis"])
}

func TestMergeEntityPersistsAndIsIdempotent(t *testing.T) {
	repo := newMemoryRecords()
	svc := fixedService(repo, Options{})
	req := MergeRequest{
		StructuredData:     map[string]any{"NIK": "3201", "Nama": "Budi"},
		ConfidencePerField: map[string]float64{"NIK": 0.9, "Nama": 0.8},
		DocumentType:       "ktp",
	}

	first, err := svc.MergeEntity(context.Background(), "users", "u-1", req)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"ktpNumber", "fullName"}, first.NewFields)
	require.Equal(t, 1, repo.saves)

	second, err := svc.MergeEntity(context.Background(), "users", "u-1", req)
	require.NoError(t, err)
	require.Empty(t, second.NewFields)
	require.Empty(t, second.UpdatedFields)
	require.Equal(t, 1, repo.saves)

	rec, err := svc.GetEntity(context.Background(), "users", "u-1")
	require.NoError(t, err)
	require.Equal(t, first.SignUpData, rec.Data)
	require.Equal(t, first.SignUpMeta, rec.Meta)
}

func TestEditEntityThenMergeKeepsUserValue(t *testing.T) {
	repo := newMemoryRecords()
	audit := &memoryAudit{}
	svc := fixedService(repo, Options{Audit: audit})

	_, err := svc.MergeEntity(context.Background(), "users", "u-2", MergeRequest{
		StructuredData:     map[string]any{"Nama": "BUDl"},
		ConfidencePerField: map[string]float64{"Nama": 0.6},
		DocumentType:       "ktp",
	})
	require.NoError(t, err)

	rec, changed, err := svc.EditEntity(context.Background(), "users", "u-2", EditRequest{Fields: map[string]any{"nama lengkap": "Budi"}}, "rina")
	require.NoError(t, err)
	require.Equal(t, []string{"fullName"}, changed)
	require.Equal(t, SourceUser, rec.Meta["fullName"].Source)
	require.Len(t, audit.logs, 1)
	require.Equal(t, "reconcile.edit", audit.logs[0].Action)
	require.Equal(t, "rina", audit.logs[0].Actor)

	res, err := svc.MergeEntity(context.Background(), "users", "u-2", MergeRequest{
		StructuredData:     map[string]any{"Nama": "BUDI SANTOSO"},
		ConfidencePerField: map[string]float64{"Nama": 0.99},
		DocumentType:       "kk",
	})
	require.NoError(t, err)
	require.Equal(t, "Budi", res.SignUpData["fullName"])
	require.Equal(t, 1, res.Stats.Protected)
}

func TestMergeEntityConcurrentMergesKeepHighestConfidence(t *testing.T) {
	repo := newMemoryRecords()
	svc := fixedService(repo, Options{})

	var wg sync.WaitGroup
	for i, conf := range []float64{0.3, 0.9, 0.5, 0.7} {
		wg.Add(1)
		go func(i int, conf float64) {
			defer wg.Done()
			_, err := svc.MergeEntity(context.Background(), "users", "u-3", MergeRequest{
				StructuredData:     map[string]any{"alamat": []string{"a", "b", "c", "d"}[i]},
				ConfidencePerField: map[string]float64{"alamat": conf},
				DocumentType:       "ktp",
			})
			assert.NoError(t, err)
		}(i, conf)
	}
	wg.Wait()

	rec, err := svc.GetEntity(context.Background(), "users", "u-3")
	require.NoError(t, err)
	require.Equal(t, "b", rec.Data["address"])
	require.Equal(t, 0.9, rec.Meta["address"].Confidence)
}

func TestEntityKeyValidation(t *testing.T) {
	svc := fixedService(newMemoryRecords(), Options{})
	_, err := svc.GetEntity(context.Background(), "", "1")
	require.ErrorIs(t, err, httpx.ErrValidation)
	_, err = svc.GetEntity(context.Background(), "users", "missing")
	require.ErrorIs(t, err, ErrRecordNotFound)
}
