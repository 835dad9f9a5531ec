package fhir

import (
	"encoding/json"
	"sort"
)

// Bundle is a parsed FHIR Bundle. It is kept as a generic JSON object so that
// every resource the model emits survives untouched.
type Bundle map[string]any

// Entries returns the entry sequence, or nil when absent or malformed.
func (b Bundle) Entries() []any {
	entries, _ := b["entry"].([]any)
	return entries
}

// Resources returns each entry's resource object in entry order. Entries
// without an object resource are skipped.
func (b Bundle) Resources() []map[string]any {
	entries := b.Entries()
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		entry, ok := e.(map[string]any)
		if !ok {
			continue
		}
		if res, ok := entry["resource"].(map[string]any); ok {
			out = append(out, res)
		}
	}
	return out
}

// ResourceCounts tallies resources by resourceType.
func (b Bundle) ResourceCounts() map[string]int {
	counts := make(map[string]int)
	for _, res := range b.Resources() {
		if rt, ok := res["resourceType"].(string); ok && rt != "" {
			counts[rt]++
		}
	}
	return counts
}

// ResourceTypes lists the distinct resource types, sorted.
func (b Bundle) ResourceTypes() []string {
	counts := b.ResourceCounts()
	types := make([]string, 0, len(counts))
	for rt := range counts {
		types = append(types, rt)
	}
	sort.Strings(types)
	return types
}

// HasResourceType reports whether any entry's resource is of type rt.
func (b Bundle) HasResourceType(rt string) bool {
	return b.ResourceCounts()[rt] > 0
}

func (b Bundle) JSON() ([]byte, error) {
	return json.Marshal(b)
}

// ParseBundle decodes and validates raw Bundle JSON.
func ParseBundle(data []byte) (Bundle, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	if err := Validate(v); err != nil {
		return nil, err
	}
	return Bundle(v.(map[string]any)), nil
}
