package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"clinical-fhir-extractor/internal/apperrors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func respond(err error) (*httptest.ResponseRecorder, ErrorResponse) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	RespondWithExtractionError(c, err)

	var body ErrorResponse
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestRespondWithExtractionError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{apperrors.New(apperrors.UnsupportedFormat, "x"), http.StatusBadRequest, "unsupported_format"},
		{apperrors.New(apperrors.DecodeError, "x"), http.StatusBadRequest, "decode_error"},
		{apperrors.New(apperrors.NoExtractableContent, "x"), http.StatusBadRequest, "no_extractable_content"},
		{apperrors.New(apperrors.OCRUnavailable, "x"), http.StatusServiceUnavailable, "ocr_unavailable"},
		{apperrors.New(apperrors.EmbeddingFailure, "x"), http.StatusBadGateway, "embedding_failure"},
		{fmt.Errorf("wrapped: %w", apperrors.New(apperrors.GenerationFailure, "x")), http.StatusBadGateway, "generation_failure"},
		{apperrors.Malformed("oops", errors.New("eof")), http.StatusUnprocessableEntity, "malformed_model_output"},
		{apperrors.Bundle(2, "resource", "missing"), http.StatusUnprocessableEntity, "invalid_bundle"},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
		{context.Canceled, StatusClientClosedRequest, "cancelled"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			w, body := respond(tt.err)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, body.ErrorCode)
		})
	}
}

func TestRespondWithExtractionErrorDetails(t *testing.T) {
	_, body := respond(apperrors.Bundle(3, "resource.resourceType", "missing resourceType"))
	details := body.Details.(map[string]any)
	assert.Equal(t, float64(3), details["entry_index"])
	assert.Equal(t, "resource.resourceType", details["field"])

	_, body = respond(apperrors.Malformed("not json", errors.New("invalid")))
	details = body.Details.(map[string]any)
	assert.Equal(t, "not json", details["raw_output"])
}

func TestRawOutputTruncatedOnRuneBoundary(t *testing.T) {
	raw := strings.Repeat("a", 1999) + strings.Repeat("é", 50)
	_, body := respond(apperrors.Malformed(raw, errors.New("invalid")))

	got := body.Details.(map[string]any)["raw_output"].(string)
	assert.True(t, utf8.ValidString(got))
	assert.NotContains(t, got, "\uFFFD")
	assert.Equal(t, strings.Repeat("a", 1999), got)

	assert.Equal(t, "abc", truncate("abc", 2000))
	assert.Equal(t, "日本", truncate("日本語", 8))
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("correct horse", 4)
	require.NoError(t, err)
	assert.True(t, CheckPassword("correct horse", hash))
	assert.False(t, CheckPassword("wrong", hash))
}

func TestAPIKeyHelpers(t *testing.T) {
	key, err := GenerateAPIKey(32)
	require.NoError(t, err)
	assert.Len(t, key, 43)

	other, err := GenerateAPIKey(32)
	require.NoError(t, err)
	assert.NotEqual(t, key, other)

	assert.Equal(t, HashAPIKey(key), HashAPIKey(key))
	assert.Len(t, HashAPIKey(key), 64)
	assert.Equal(t, key[:8], KeyPrefix(key))
}

func TestExtractTokenFromHeader(t *testing.T) {
	assert.Equal(t, "abc", ExtractTokenFromHeader("Bearer abc"))
	assert.Equal(t, "abc", ExtractTokenFromHeader("bearer abc"))
	assert.Empty(t, ExtractTokenFromHeader("Basic abc"))
	assert.Empty(t, ExtractTokenFromHeader("Bearer"))
	assert.Empty(t, ExtractTokenFromHeader(""))
}

func TestGetClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.9:5555"
	assert.Equal(t, "10.0.0.9", GetClientIP(r))

	r.Header.Set("X-Real-IP", "192.0.2.7")
	assert.Equal(t, "192.0.2.7", GetClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.1, 10.0.0.1")
	assert.Equal(t, "203.0.113.1", GetClientIP(r))

	r.Header.Set("X-Forwarded-For", "garbage")
	assert.Equal(t, "192.0.2.7", GetClientIP(r))
}

func TestCompressJSON(t *testing.T) {
	small := []byte(`{"resourceType":"Bundle"}`)
	out, algo, err := CompressJSON(small)
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, algo)
	assert.Equal(t, small, out)

	large := bytes.Repeat([]byte(`{"resource":{"resourceType":"Observation"}},`), 100)
	out, algo, err = CompressJSON(large)
	require.NoError(t, err)
	assert.Equal(t, CompressionBrotli, algo)
	assert.Less(t, len(out), len(large))

	back, err := DecompressData(out, algo)
	require.NoError(t, err)
	assert.Equal(t, large, back)

	_, err = DecompressData([]byte("x"), "zstd")
	assert.Error(t, err)
}
