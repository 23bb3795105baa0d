package reconcile

import (
	"reflect"
	"sort"
	"strings"
	"time"
)

// SmartMerge folds ext into the stored data field by field:
//
//  1. empty incoming values are ignored;
//  2. fields last written by a user are never touched;
//  3. fields without a stored value are accepted as is;
//  4. otherwise the incoming value wins only with strictly higher confidence.
//
// Applying the same extraction twice leaves the state unchanged.
func SmartMerge(data Data, meta Meta, ext Extraction) MergeResult {
	res := MergeResult{Data: cloneData(data), Meta: cloneMeta(meta)}
	source := ext.Source
	if source == "" {
		source = SourceOCR
	}
	at := ext.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	for _, field := range sortedKeys(ext.Fields) {
		value := ext.Fields[field]
		if isEmpty(value) {
			res.Stats.Empty++
			continue
		}
		stored, hasMeta := res.Meta[field]
		if hasMeta && stored.Source == SourceUser {
			res.Stats.Protected++
			continue
		}
		conf := ext.confidence(field)
		current, present := res.Data[field]
		if present && !isEmpty(current) && conf <= stored.Confidence {
			res.Stats.LowConfidence++
			continue
		}

		res.Data[field] = value
		res.Meta[field] = FieldMeta{
			Source:        source,
			DocumentType:  ext.DocumentType,
			Confidence:    conf,
			LastUpdatedAt: at,
		}
		res.Stats.Accepted++
		if present {
			res.UpdatedFields = append(res.UpdatedFields, field)
		} else {
			res.Stats.New++
			res.NewFields = append(res.NewFields, field)
		}
	}
	return res
}

// ApplyUserEdits writes edits unconditionally and marks them user-owned, so
// later extractions cannot replace them. Nil values are ignored since fields
// are never deleted. It returns the fields whose value or ownership changed.
func ApplyUserEdits(data Data, meta Meta, edits map[string]any, documentType string, at time.Time) (Data, Meta, []string) {
	outData, outMeta := cloneData(data), cloneMeta(meta)
	if at.IsZero() {
		at = time.Now().UTC()
	}
	var changed []string
	for _, field := range sortedKeys(edits) {
		value := edits[field]
		if value == nil {
			continue
		}
		prev, hadValue := outData[field]
		prevMeta := outMeta[field]
		if hadValue && prevMeta.Source == SourceUser && reflect.DeepEqual(prev, value) {
			continue
		}
		outData[field] = value
		outMeta[field] = FieldMeta{
			Source:        SourceUser,
			DocumentType:  documentType,
			Confidence:    1,
			LastUpdatedAt: at,
		}
		changed = append(changed, field)
	}
	return outData, outMeta, changed
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneData(in Data) Data {
	out := make(Data, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneMeta(in Meta) Meta {
	out := make(Meta, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
