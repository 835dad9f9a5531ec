package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"clinical-fhir-extractor/internal/auth"
	"clinical-fhir-extractor/models"
	"clinical-fhir-extractor/utils"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeAuthenticator struct {
	principals map[string]*auth.Principal
	errs       map[string]error
}

func (f *fakeAuthenticator) Authenticate(_ context.Context, credential string) (*auth.Principal, error) {
	if err, ok := f.errs[credential]; ok {
		return nil, err
	}
	if p, ok := f.principals[credential]; ok {
		return p, nil
	}
	return nil, auth.ErrUnauthenticated
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) utils.ErrorResponse {
	t.Helper()
	var body utils.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func authRouter() *gin.Engine {
	authn := &fakeAuthenticator{
		principals: map[string]*auth.Principal{
			"good-jwt": {UserID: "u1", Username: "jane", Role: models.RoleClinician, Method: auth.MethodJWT},
			"good-key": {UserID: "u2", Username: "bot", Role: models.RoleAdmin, Method: auth.MethodAPIKey},
		},
		errs: map[string]error{
			"expired-key": auth.ErrAPIKeyExpired,
			"inactive":    auth.ErrInactiveUser,
			"broken":      errors.New("mongo down"),
		},
	}
	r := gin.New()
	roles := NewRoleMiddleware()
	am := NewAuthMiddleware(authn)
	r.GET("/me", am.RequireAuth(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": GetUserID(c), "role": GetRole(c), "method": GetPrincipal(c).Method})
	})
	r.GET("/admin", am.RequireAuth(), roles.AdminGuard(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func TestRequireAuth(t *testing.T) {
	r := authRouter()
	tests := []struct {
		name   string
		header string
		value  string
		status int
		code   string
	}{
		{"missing", "", "", http.StatusUnauthorized, "unauthorized"},
		{"bearer jwt", "Authorization", "Bearer good-jwt", http.StatusOK, ""},
		{"bearer api key", "Authorization", "bearer good-key", http.StatusOK, ""},
		{"api key header", APIKeyHeader, "good-key", http.StatusOK, ""},
		{"unknown", "Authorization", "Bearer nope", http.StatusUnauthorized, "unauthorized"},
		{"expired key", "Authorization", "Bearer expired-key", http.StatusUnauthorized, "unauthorized"},
		{"inactive user", "Authorization", "Bearer inactive", http.StatusForbidden, "forbidden"},
		{"lookup failure", "Authorization", "Bearer broken", http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.code != "" {
				assert.Equal(t, tt.code, decodeError(t, w).ErrorCode)
			}
			if tt.status == http.StatusUnauthorized {
				assert.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestAdminGuard(t *testing.T) {
	r := authRouter()

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer good-jwt")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", decodeError(t, w).ErrorCode)

	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer good-key")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func rateLimitedRouter(t *testing.T, limit int) (*gin.Engine, *RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	rl := NewRateLimiter(rdb, limit, true, nil)
	fixed := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	rl.now = func() time.Time { return fixed }

	r := gin.New()
	r.POST("/extract-fhir", func(c *gin.Context) {
		if u := c.GetHeader("X-Test-User"); u != "" {
			c.Set(ContextUserID, u)
		}
		c.Next()
	}, rl.Limit(), func(c *gin.Context) { c.Status(http.StatusOK) })
	return r, rl, mr
}

func post(r http.Handler, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/extract-fhir", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimitWindow(t *testing.T) {
	r, _, _ := rateLimitedRouter(t, 2)

	w := post(r, "u1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Remaining"))

	assert.Equal(t, http.StatusOK, post(r, "u1").Code)

	w = post(r, "u1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "31", w.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decodeError(t, w).ErrorCode)

	assert.Equal(t, http.StatusOK, post(r, "u2").Code, "users are counted separately")
	assert.Equal(t, http.StatusOK, post(r, "").Code, "anonymous callers are keyed by IP")
}

func TestRateLimitNextWindow(t *testing.T) {
	r, rl, _ := rateLimitedRouter(t, 1)
	assert.Equal(t, http.StatusOK, post(r, "u1").Code)
	assert.Equal(t, http.StatusTooManyRequests, post(r, "u1").Code)

	rl.now = func() time.Time { return time.Date(2026, 3, 1, 12, 1, 5, 0, time.UTC) }
	assert.Equal(t, http.StatusOK, post(r, "u1").Code)
}

func TestRateLimitFailsOpen(t *testing.T) {
	r, _, mr := rateLimitedRouter(t, 1)
	mr.Close()
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, post(r, "u1").Code)
	}
}

func TestRateLimitDisabled(t *testing.T) {
	rl := NewRateLimiter(nil, 1, false, nil)
	r := gin.New()
	r.POST("/extract-fhir", rl.Limit(), func(c *gin.Context) { c.Status(http.StatusOK) })
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, post(r, "").Code)
	}
}

func TestRequestID(t *testing.T) {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, GetRequestID(c)) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	generated := w.Header().Get(RequestIDHeader)
	assert.Len(t, generated, 36)
	assert.Equal(t, generated, w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Body.String())
}

func TestRequestSizeLimit(t *testing.T) {
	r := gin.New()
	r.POST("/", RequestSizeLimit(10), func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 10+multipartOverhead+1)))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "request_too_large", decodeError(t, w).ErrorCode)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("small"))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

type recordingSink struct {
	mu     sync.Mutex
	events []*models.AuditEvent
}

func (s *recordingSink) LogAsync(e *models.AuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func TestAuditorFailure(t *testing.T) {
	sink := &recordingSink{}
	auditor := NewAuditor(sink, nil)

	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.POST("/extract-fhir", func(c *gin.Context) {
		c.Set(ContextUserID, "u1")
		auditor.Failure(c, models.ActionExtractFHIR, "file:scan.png", "ocr_unavailable")
		c.Status(http.StatusServiceUnavailable)
	})

	req := httptest.NewRequest(http.MethodPost, "/extract-fhir", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	req.Header.Set("User-Agent", "curl/8.0")
	req.Header.Set(RequestIDHeader, "req-1")
	r.ServeHTTP(httptest.NewRecorder(), req)

	require.Len(t, sink.events, 1)
	e := sink.events[0]
	assert.Equal(t, "u1", e.UserID)
	assert.Equal(t, models.ActionExtractFHIR, e.Action)
	assert.Equal(t, "file:scan.png", e.Resource)
	assert.Equal(t, models.AuditFailure, e.Status)
	assert.Equal(t, "203.0.113.7", e.IPAddress)
	assert.Equal(t, "curl/8.0", e.UserAgent)
	assert.Equal(t, "req-1", e.RequestID)
	assert.Equal(t, map[string]string{"reason": "ocr_unavailable"}, e.Details)
}

func TestNilAuditorIsNoop(t *testing.T) {
	var auditor *Auditor
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	assert.NotPanics(t, func() { auditor.Success(c, models.ActionLogin, "", nil) })
}
