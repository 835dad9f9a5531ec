package fhir

import (
	"fmt"

	"clinical-fhir-extractor/internal/apperrors"
)

// Validate checks the structural shape of a Bundle, stopping at the first
// problem:
//
//  1. the value is a JSON object
//  2. resourceType is "Bundle"
//  3. entry is present
//  4. entry is an array
//  5. each entry has a resource
//  6. each resource has a resourceType
//
// Field-level FHIR semantics are not checked. Failures are InvalidBundle
// errors carrying the entry index (or -1) and the offending field.
func Validate(v any) error {
	root, ok := asObject(v)
	if !ok {
		return apperrors.Bundle(-1, "", "FHIR data must be a JSON object")
	}
	if rt, _ := root["resourceType"].(string); rt != "Bundle" {
		return apperrors.Bundle(-1, "resourceType", "root resourceType must be \"Bundle\"")
	}
	rawEntries, present := root["entry"]
	if !present {
		return apperrors.Bundle(-1, "entry", "Bundle must contain an entry field")
	}
	entries, ok := rawEntries.([]any)
	if !ok {
		return apperrors.Bundle(-1, "entry", "Bundle entry must be an array")
	}

	for i, e := range entries {
		entry, _ := asObject(e)
		rawResource, present := entry["resource"]
		if !present {
			return apperrors.Bundle(i, "resource", fmt.Sprintf("entry %d is missing resource", i))
		}
		resource, _ := asObject(rawResource)
		if _, present := resource["resourceType"]; !present {
			return apperrors.Bundle(i, "resource.resourceType", fmt.Sprintf("entry %d resource is missing resourceType", i))
		}
	}
	return nil
}

func asObject(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Bundle:
		return m, true
	}
	return nil, false
}
