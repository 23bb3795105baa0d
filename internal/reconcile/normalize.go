package reconcile

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// maxIdentifierLen is the PostgreSQL identifier limit.
const maxIdentifierLen = 63

// fieldAliases lists, per canonical field, the document labels that map to
// it, in foldKey form. Canonical names also match themselves.
var fieldAliases = map[string][]string{
	"ktpNumber":         {"nik", "no_ktp", "nomor_ktp", "no_nik", "ktp"},
	"fullName":          {"nama", "nama_lengkap", "nama_sesuai_ktp"},
	"birthPlace":        {"tempat_lahir"},
	"birthDate":         {"tanggal_lahir", "tgl_lahir"},
	"birthPlaceDate":    {"tempat_tgl_lahir", "tempat_tanggal_lahir", "ttl"},
	"gender":            {"jenis_kelamin", "kelamin"},
	"bloodType":         {"golongan_darah", "gol_darah"},
	"address":           {"alamat", "alamat_lengkap"},
	"rtRw":              {"rt_rw"},
	"village":           {"kel_desa", "kelurahan", "desa"},
	"district":          {"kecamatan"},
	"city":              {"kabupaten", "kota", "kabupaten_kota"},
	"province":          {"provinsi"},
	"religion":          {"agama"},
	"maritalStatus":     {"status_perkawinan", "status_kawin"},
	"occupation":        {"pekerjaan"},
	"nationality":       {"kewarganegaraan"},
	"validUntil":        {"berlaku_hingga"},
	"npwpNumber":        {"npwp", "no_npwp", "nomor_npwp"},
	"familyCardNumber":  {"no_kk", "nomor_kk"},
	"email":             {"surel", "alamat_email"},
	"phoneNumber":       {"no_hp", "nomor_hp", "no_telepon", "telepon", "handphone"},
	"motherName":        {"nama_ibu_kandung"},
	"bankAccountNumber": {"no_rekening", "nomor_rekening"},
	"bankName":          {"nama_bank"},
	"bankAccountHolder": {"nama_pemilik_rekening", "atas_nama"},
	"education":         {"pendidikan_terakhir", "pendidikan"},
	"postalCode":        {"kode_pos"},
}

var fieldDictionary = func() map[string]string {
	out := map[string]string{}
	for canonical, labels := range fieldAliases {
		for _, label := range labels {
			out[label] = canonical
		}
	}
	return out
}()

// canonicalByCompact lets already-canonical names (fullName, full-name,
// FULLNAME) resolve to themselves.
var canonicalByCompact = func() map[string]string {
	out := map[string]string{}
	for canonical := range fieldAliases {
		out[compact(foldKey(canonical))] = canonical
	}
	return out
}()

var (
	nonWord     = regexp.MustCompile(`[^a-z0-9]+`)
	columnShape = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
)

// foldKey lower-cases s, strips diacritics and unifies separators to a
// single underscore.
func foldKey(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	stripped = splitCamel(stripped)
	folded := cases.Fold().String(stripped)
	folded = nonWord.ReplaceAllString(folded, "_")
	return strings.Trim(folded, "_")
}

// splitCamel inserts an underscore at lower-to-upper transitions so that
// fullName and full_name fold the same way.
func splitCamel(s string) string {
	var b strings.Builder
	prevLower := false
	for _, r := range s {
		if unicode.IsUpper(r) && prevLower {
			b.WriteByte('_')
		}
		b.WriteRune(r)
		prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
	}
	return b.String()
}

func compact(folded string) string {
	return strings.ReplaceAll(folded, "_", "")
}

// CanonicalName returns the canonical name for a raw label and whether the
// dictionary knows it.
func CanonicalName(raw string) (string, bool) {
	folded := foldKey(raw)
	if canonical, ok := fieldDictionary[folded]; ok {
		return canonical, true
	}
	if canonical, ok := canonicalByCompact[compact(folded)]; ok {
		return canonical, true
	}
	return "", false
}

// ColumnName turns a raw label into a safe snake_case column name. It
// returns "" when nothing usable remains.
func ColumnName(raw string) string {
	name := foldKey(raw)
	if name == "" {
		return ""
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "f_" + name
	}
	if len(name) > maxIdentifierLen {
		name = strings.TrimRight(name[:maxIdentifierLen], "_")
	}
	if !columnShape.MatchString(name) {
		return ""
	}
	return name
}

// DynamicField is an unmapped extracted field.
type DynamicField struct {
	Raw    string     `json:"raw"`
	Column string     `json:"column"`
	Type   ColumnType `json:"type"`
	Value  any        `json:"value"`
}

// Normalized is the extraction re-keyed to canonical and column names.
type Normalized struct {
	Fields     map[string]any
	Confidence map[string]float64
	Dynamic    []DynamicField
	Dropped    []string
}

// Normalize maps raw labels to canonical names. Unknown labels become
// dynamic fields keyed by their column name. When two labels land on the
// same name the higher confidence wins, then the first in sorted order.
func Normalize(fields map[string]any, confidence map[string]float64, defaultConfidence float64) Normalized {
	out := Normalized{Fields: map[string]any{}, Confidence: map[string]float64{}}
	dynamicIdx := map[string]int{}
	for _, raw := range sortedKeys(fields) {
		value := fields[raw]
		conf, ok := confidence[raw]
		if !ok {
			conf = defaultConfidence
		}
		name, known := CanonicalName(raw)
		if !known {
			name = ColumnName(raw)
			if name == "" {
				out.Dropped = append(out.Dropped, raw)
				continue
			}
		}
		if prev, seen := out.Confidence[name]; seen {
			if isEmpty(value) || (!isEmpty(out.Fields[name]) && conf <= prev) {
				continue
			}
		}
		out.Fields[name] = value
		out.Confidence[name] = conf
		if known {
			continue
		}
		df := DynamicField{Raw: raw, Column: name, Type: InferColumnType(value), Value: value}
		if i, ok := dynamicIdx[name]; ok {
			out.Dynamic[i] = df
			continue
		}
		dynamicIdx[name] = len(out.Dynamic)
		out.Dynamic = append(out.Dynamic, df)
	}
	return out
}
