package fhir

import (
	"encoding/json"
	"errors"
	"testing"

	"clinical-fhir-extractor/internal/apperrors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleBundle = `{
  "resourceType": "Bundle",
  "type": "collection",
  "entry": [
    {"resource": {"resourceType": "Patient", "name": [{"given": ["Jane"], "family": "Doe"}], "birthDate": "1985-03-15"}},
    {"resource": {"resourceType": "Condition", "code": {"text": "Hypertension"}}},
    {"resource": {"resourceType": "MedicationStatement", "medicationCodeableConcept": {"text": "Lisinopril 10mg"}}},
    {"resource": {"resourceType": "Condition", "code": {"text": "Type 2 diabetes"}}}
  ]
}`

func decode(t *testing.T, s string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(s), &v))
	return v
}

func bundleError(t *testing.T, err error) *apperrors.Error {
	t.Helper()
	var e *apperrors.Error
	require.True(t, errors.As(err, &e), "expected *apperrors.Error, got %v", err)
	require.Equal(t, apperrors.InvalidBundle, e.Kind)
	return e
}

func TestValidateAcceptsBundle(t *testing.T) {
	v := decode(t, sampleBundle)
	assert.NoError(t, Validate(v))
	assert.NoError(t, Validate(v), "validation must be repeatable")
	assert.NoError(t, Validate(Bundle(v.(map[string]any))))
}

func TestValidateEmptyEntryIsValid(t *testing.T) {
	assert.NoError(t, Validate(decode(t, `{"resourceType":"Bundle","entry":[]}`)))
}

func TestValidateRules(t *testing.T) {
	tests := []struct {
		name  string
		input string
		entry int
		field string
	}{
		{"array at top level", `[{"resourceType":"Bundle"}]`, -1, ""},
		{"string at top level", `"Bundle"`, -1, ""},
		{"null", `null`, -1, ""},
		{"wrong resourceType", `{"resourceType":"Patient","entry":[]}`, -1, "resourceType"},
		{"missing resourceType", `{"entry":[]}`, -1, "resourceType"},
		{"missing entry", `{"resourceType":"Bundle"}`, -1, "entry"},
		{"entry not array", `{"resourceType":"Bundle","entry":{"resource":{}}}`, -1, "entry"},
		{"entry null", `{"resourceType":"Bundle","entry":null}`, -1, "entry"},
		{"entry without resource", `{"resourceType":"Bundle","entry":[{"resource":{"resourceType":"Patient"}},{"fullUrl":"x"}]}`, 1, "resource"},
		{"entry not object", `{"resourceType":"Bundle","entry":["Patient"]}`, 0, "resource"},
		{"resource without type", `{"resourceType":"Bundle","entry":[{"resource":{"resourceType":"Patient"}},{"resource":{"resourceType":"Condition"}},{"resource":{"id":"x"}}]}`, 2, "resource.resourceType"},
		{"first failing entry wins", `{"resourceType":"Bundle","entry":[{"resource":{}},{}]}`, 0, "resource.resourceType"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(decode(t, tt.input))
			e := bundleError(t, err)
			assert.Equal(t, tt.entry, e.EntryIndex)
			assert.Equal(t, tt.field, e.Field)
		})
	}
}

func TestValidateNamesMutatedEntry(t *testing.T) {
	for idx := 0; idx < 4; idx++ {
		v := decode(t, sampleBundle)
		entries := v.(map[string]any)["entry"].([]any)
		delete(entries[idx].(map[string]any)["resource"].(map[string]any), "resourceType")

		for i := 0; i < 2; i++ {
			e := bundleError(t, Validate(v))
			assert.Equal(t, idx, e.EntryIndex)
			assert.Equal(t, "resource.resourceType", e.Field)
		}
	}
}

func TestBundleHelpers(t *testing.T) {
	b, err := ParseBundle([]byte(sampleBundle))
	require.NoError(t, err)

	assert.Len(t, b.Entries(), 4)
	assert.Len(t, b.Resources(), 4)
	assert.Equal(t, map[string]int{"Patient": 1, "Condition": 2, "MedicationStatement": 1}, b.ResourceCounts())
	assert.Equal(t, []string{"Condition", "MedicationStatement", "Patient"}, b.ResourceTypes())
	assert.True(t, b.HasResourceType("Patient"))
	assert.False(t, b.HasResourceType("Observation"))

	data, err := b.JSON()
	require.NoError(t, err)
	again, err := ParseBundle(data)
	require.NoError(t, err)
	assert.Equal(t, b, again)
}

func TestParseBundleErrors(t *testing.T) {
	_, err := ParseBundle([]byte(`{not json`))
	assert.Error(t, err)
	assert.Equal(t, apperrors.Kind(""), apperrors.KindOf(err))

	_, err = ParseBundle([]byte(`{"resourceType":"Bundle"}`))
	assert.Equal(t, apperrors.InvalidBundle, apperrors.KindOf(err))
}

func TestOutcomeFor(t *testing.T) {
	oo := OutcomeFor(apperrors.Bundle(3, "resource.resourceType", "entry 3 resource is missing resourceType"))
	require.NotNil(t, oo)
	assert.Equal(t, "OperationOutcome", oo.ResourceType)
	require.Len(t, oo.Issue, 1)
	assert.Equal(t, IssueSeverityError, oo.Issue[0].Severity)
	assert.Equal(t, IssueTypeRequired, oo.Issue[0].Code)
	assert.Equal(t, []string{"Bundle.entry[3].resource.resourceType"}, oo.Issue[0].Expression)

	oo = OutcomeFor(apperrors.Bundle(-1, "", "FHIR data must be a JSON object"))
	require.NotNil(t, oo)
	assert.Equal(t, IssueTypeStructure, oo.Issue[0].Code)
	assert.Empty(t, oo.Issue[0].Expression)

	assert.Nil(t, OutcomeFor(apperrors.New(apperrors.DecodeError, "bad utf-8")))
	assert.Nil(t, OutcomeFor(errors.New("plain")))
}

func TestExpression(t *testing.T) {
	assert.Equal(t, "Bundle.entry", Expression(-1, "entry"))
	assert.Equal(t, "Bundle.entry[0]", Expression(0, ""))
	assert.Equal(t, "", Expression(-1, ""))
}
