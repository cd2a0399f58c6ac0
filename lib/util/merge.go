package util

// --------------------------------------------------------------------------
// Document Merge / Copy Helpers
// --------------------------------------------------------------------------

// MergeShallow merges delta over base, last writer wins per top-level field.
// Neither input is modified; the result is a fresh map with deep-copied
// values. A nil base is treated as an empty document.
func MergeShallow(base, delta map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(delta))
	for k, v := range base {
		out[k] = CloneDocumentValue(v)
	}
	for k, v := range delta {
		out[k] = CloneDocumentValue(v)
	}
	return out
}

// CloneDocument deep-copies a document. Returns nil for nil input.
func CloneDocument(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = CloneDocumentValue(v)
	}
	return out
}

// CloneDocumentValue deep-copies a JSON-ish value (maps, slices, scalars).
func CloneDocumentValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneDocument(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CloneDocumentValue(e)
		}
		return out
	default:
		return v
	}
}

// ExtractFields returns a new map holding, for every key of fields present in
// src, the value from src. Keys of fields missing from src are skipped.
func ExtractFields(src, fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k := range fields {
		if v, ok := src[k]; ok {
			out[k] = CloneDocumentValue(v)
		}
	}
	return out
}
