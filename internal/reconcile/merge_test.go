package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var mergedAt = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func ocr(fields map[string]any, conf map[string]float64) Extraction {
	return Extraction{Fields: fields, Confidence: conf, Source: SourceOCR, DocumentType: "ktp", At: mergedAt}
}

func TestSmartMergeKeepsUserValue(t *testing.T) {
	data := Data{"ktpNumber": "123"}
	meta := Meta{"ktpNumber": {Source: SourceUser, Confidence: 1}}

	res := SmartMerge(data, meta, ocr(map[string]any{"ktpNumber": "999"}, map[string]float64{"ktpNumber": 0.9}))

	require.Equal(t, "123", res.Data["ktpNumber"])
	require.Equal(t, SourceUser, res.Meta["ktpNumber"].Source)
	require.Equal(t, 1, res.Stats.Protected)
	require.Empty(t, res.UpdatedFields)
}

func TestSmartMergeAcceptsAbsentField(t *testing.T) {
	res := SmartMerge(Data{}, Meta{}, ocr(map[string]any{"fullName": "Budi"}, map[string]float64{"fullName": 0.8}))

	require.Equal(t, "Budi", res.Data["fullName"])
	meta := res.Meta["fullName"]
	require.Equal(t, SourceOCR, meta.Source)
	require.Equal(t, 0.8, meta.Confidence)
	require.Equal(t, "ktp", meta.DocumentType)
	require.Equal(t, mergedAt, meta.LastUpdatedAt)
	require.Equal(t, []string{"fullName"}, res.NewFields)
	require.Equal(t, Stats{Accepted: 1, New: 1}, res.Stats)
}

func TestSmartMergeConfidenceMustStrictlyIncrease(t *testing.T) {
	data := Data{"address": "Jl. Lama"}
	meta := Meta{"address": {Source: SourceOCR, Confidence: 0.7}}

	same := SmartMerge(data, meta, ocr(map[string]any{"address": "Jl. Baru"}, map[string]float64{"address": 0.7}))
	require.Equal(t, "Jl. Lama", same.Data["address"])
	require.Equal(t, 1, same.Stats.LowConfidence)

	higher := SmartMerge(data, meta, ocr(map[string]any{"address": "Jl. Baru"}, map[string]float64{"address": 0.71}))
	require.Equal(t, "Jl. Baru", higher.Data["address"])
	require.Equal(t, []string{"address"}, higher.UpdatedFields)
	require.Empty(t, higher.NewFields)
}

func TestSmartMergeIgnoresEmptyValues(t *testing.T) {
	data := Data{"city": "Bandung"}
	meta := Meta{"city": {Source: SourceOCR, Confidence: 0.2}}

	res := SmartMerge(data, meta, ocr(map[string]any{
		"city":     "   ",
		"province": nil,
		"tags":     []any{},
	}, map[string]float64{"city": 0.99}))

	require.Equal(t, "Bandung", res.Data["city"])
	require.NotContains(t, res.Data, "province")
	require.Equal(t, 3, res.Stats.Empty)
}

func TestSmartMergeFillsBlankStoredValue(t *testing.T) {
	data := Data{"religion": ""}
	meta := Meta{"religion": {Source: SourceOCR, Confidence: 0.9}}

	res := SmartMerge(data, meta, ocr(map[string]any{"religion": "Islam"}, map[string]float64{"religion": 0.3}))

	require.Equal(t, "Islam", res.Data["religion"])
	require.Equal(t, 0.3, res.Meta["religion"].Confidence)
	require.Equal(t, []string{"religion"}, res.UpdatedFields)
}

func TestSmartMergeIsIdempotent(t *testing.T) {
	ext := ocr(map[string]any{
		"fullName":  "Budi Santoso",
		"birthDate": "1990-01-02",
		"gender":    "LAKI-LAKI",
	}, map[string]float64{"fullName": 0.8, "birthDate": 0.6, "gender": 0.95})

	once := SmartMerge(Data{"gender": "L"}, Meta{"gender": {Source: SourceOCR, Confidence: 0.5}}, ext)
	twice := SmartMerge(once.Data, once.Meta, ext)

	assert.Equal(t, once.Data, twice.Data)
	assert.Equal(t, once.Meta, twice.Meta)
	assert.Empty(t, twice.NewFields)
	assert.Empty(t, twice.UpdatedFields)
	assert.Equal(t, 3, twice.Stats.LowConfidence)
}

func TestSmartMergeDoesNotMutateInputs(t *testing.T) {
	data := Data{}
	meta := Meta{}
	_ = SmartMerge(data, meta, ocr(map[string]any{"email": "a@b.id"}, nil))
	require.Empty(t, data)
	require.Empty(t, meta)
}

func TestApplyUserEditsProtectsAgainstLaterOCR(t *testing.T) {
	data := Data{"fullName": "Budi"}
	meta := Meta{"fullName": {Source: SourceOCR, Confidence: 0.8}}

	data, meta, changed := ApplyUserEdits(data, meta, map[string]any{"fullName": "Budi Santoso", "email": nil}, "manual", mergedAt)
	require.Equal(t, []string{"fullName"}, changed)
	require.Equal(t, SourceUser, meta["fullName"].Source)
	require.NotContains(t, data, "email")

	res := SmartMerge(data, meta, ocr(map[string]any{"fullName": "BUDI"}, map[string]float64{"fullName": 1}))
	require.Equal(t, "Budi Santoso", res.Data["fullName"])

	_, _, changed = ApplyUserEdits(data, meta, map[string]any{"fullName": "Budi Santoso"}, "manual", mergedAt)
	require.Empty(t, changed)
}
