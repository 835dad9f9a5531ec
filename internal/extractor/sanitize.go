package extractor

import (
	"encoding/json"
	"strings"

	"clinical-fhir-extractor/internal/apperrors"
)

// Sanitize strips surrounding whitespace and Markdown code fences from raw
// model output. Order matters: a leading "```json" is removed before a bare
// "```", then a trailing "```".
func Sanitize(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// ParseModelOutput sanitizes raw and decodes it as JSON. Decoding failures are
// MalformedModelOutput errors carrying raw.
func ParseModelOutput(raw string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(Sanitize(raw)), &v); err != nil {
		return nil, apperrors.Malformed(raw, err)
	}
	return v, nil
}
