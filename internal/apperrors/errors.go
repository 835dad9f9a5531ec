package apperrors

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable failure category returned by the extraction pipeline.
type Kind string

const (
	UnsupportedFormat    Kind = "unsupported_format"
	OCRUnavailable       Kind = "ocr_unavailable"
	NoExtractableContent Kind = "no_extractable_content"
	DecodeError          Kind = "decode_error"
	EmbeddingFailure     Kind = "embedding_failure"
	GenerationFailure    Kind = "generation_failure"
	MalformedModelOutput Kind = "malformed_model_output"
	InvalidBundle        Kind = "invalid_bundle"
)

// Error is the typed error every pipeline stage returns.
type Error struct {
	Kind    Kind
	Message string

	// Raw holds the unparsed model output for MalformedModelOutput.
	Raw string

	// EntryIndex and Field locate an InvalidBundle failure. EntryIndex is -1
	// when the failure is at the bundle level.
	EntryIndex int
	Field      string

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: X}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), EntryIndex: -1}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err, EntryIndex: -1}
}

// Malformed builds a MalformedModelOutput error that keeps the raw model text.
func Malformed(raw string, err error) *Error {
	return &Error{
		Kind:       MalformedModelOutput,
		Message:    "model output is not valid JSON",
		Raw:        raw,
		Err:        err,
		EntryIndex: -1,
	}
}

// Bundle builds an InvalidBundle error. Pass entry -1 for bundle-level failures.
func Bundle(entry int, field, message string) *Error {
	return &Error{Kind: InvalidBundle, Message: message, EntryIndex: entry, Field: field}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
