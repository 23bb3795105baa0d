package reconcile

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalName(t *testing.T) {
	cases := map[string]string{
		"NIK":              "ktpNumber",
		"No. KTP":          "ktpNumber",
		"nama lengkap":     "fullName",
		"Tempat/Tgl Lahir": "birthPlaceDate",
		"Jénis Kelamin":    "gender",
		"fullName":         "fullName",
		"FULL-NAME":        "fullName",
		"Kel/Desa":         "village",
		"no_rekening":      "bankAccountNumber",
	}
	for raw, want := range cases {
		got, ok := CanonicalName(raw)
		assert.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}
	_, ok := CanonicalName("Nomor Polis Asuransi")
	assert.False(t, ok)
}

func TestColumnName(t *testing.T) {
	assert.Equal(t, "nomor_polis_asuransi", ColumnName("Nomor Polis  Asuransi"))
	assert.Equal(t, "f_2nd_phone", ColumnName("2nd Phone"))
	assert.Equal(t, "ukuran_sepatu", ColumnName("Ukuran Sépatu!"))
	assert.Equal(t, "", ColumnName("***"))
	long := ColumnName(strings.Repeat("a", 80))
	assert.Len(t, long, maxIdentifierLen)
}

func TestNormalizeSplitsKnownAndDynamic(t *testing.T) {
	n := Normalize(map[string]any{
		"NIK":         "3201",
		"Nama":        "Budi",
		"Nomor Polis": "P-77",
		"Jumlah Anak": json.Number("2"),
		"@@":          "x",
	}, map[string]float64{"NIK": 0.95}, 0.6)

	assert.Equal(t, "3201", n.Fields["ktpNumber"])
	assert.Equal(t, 0.95, n.Confidence["ktpNumber"])
	assert.Equal(t, 0.6, n.Confidence["fullName"])
	assert.Equal(t, []string{"@@"}, n.Dropped)

	require.Len(t, n.Dynamic, 2)
	byColumn := map[string]DynamicField{}
	for _, df := range n.Dynamic {
		byColumn[df.Column] = df
	}
	assert.Equal(t, ColumnInteger, byColumn["jumlah_anak"].Type)
	assert.Equal(t, ColumnText, byColumn["nomor_polis"].Type)
	assert.Equal(t, "P-77", n.Fields["nomor_polis"])
}

func TestNormalizeCollisionPrefersConfidence(t *testing.T) {
	n := Normalize(map[string]any{
		"nik":    "111",
		"no_ktp": "222",
	}, map[string]float64{"nik": 0.5, "no_ktp": 0.9}, 0)
	assert.Equal(t, "222", n.Fields["ktpNumber"])
	assert.Equal(t, 0.9, n.Confidence["ktpNumber"])

	n = Normalize(map[string]any{
		"nik":    "111",
		"no_ktp": "",
	}, map[string]float64{"nik": 0.5, "no_ktp": 0.9}, 0)
	assert.Equal(t, "111", n.Fields["ktpNumber"])
}

func TestInferColumnType(t *testing.T) {
	cases := []struct {
		in   any
		want ColumnType
	}{
		{map[string]any{"a": 1}, ColumnJSONB},
		{[]any{"x"}, ColumnJSONB},
		{true, ColumnBoolean},
		{json.Number("42"), ColumnInteger},
		{json.Number("42.5"), ColumnNumeric},
		{json.Number("9999999999"), ColumnNumeric},
		{float64(7), ColumnInteger},
		{3.14, ColumnNumeric},
		{12, ColumnInteger},
		{"123", ColumnText},
		{nil, ColumnText},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, InferColumnType(tc.in), "%#v", tc.in)
	}
}
