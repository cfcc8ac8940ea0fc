package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/kernel/vmagent/lib/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(t *testing.T, secret string, method jwt.SigningMethod, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestVerifyJWT(t *testing.T) {
	const secret = "test-secret"
	var gotSubject string
	h := VerifyJWT(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject = GetSubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	valid := sign(t, secret, jwt.SigningMethodHS256, jwt.MapClaims{"sub": "panel", "exp": time.Now().Add(time.Hour).Unix()})
	expired := sign(t, secret, jwt.SigningMethodHS256, jwt.MapClaims{"sub": "panel", "exp": time.Now().Add(-time.Hour).Unix()})
	wrongKey := sign(t, "other", jwt.SigningMethodHS256, jwt.MapClaims{"sub": "panel"})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + valid, http.StatusNoContent},
		{"lowercase scheme", "bearer " + valid, http.StatusNoContent},
		{"missing", "", http.StatusUnauthorized},
		{"basic scheme", "Basic abc", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong key", "Bearer " + wrongKey, http.StatusUnauthorized},
		{"garbage", "Bearer not.a.jwt", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotSubject = ""
			req := httptest.NewRequest(http.MethodGet, "/api/v1/vms", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusNoContent {
				assert.Equal(t, "panel", gotSubject)
			} else {
				assert.Contains(t, rec.Body.String(), "unauthorized")
			}
		})
	}
}

func TestVerifyJWTDisabled(t *testing.T) {
	h := VerifyJWT("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusRecorder(t *testing.T) {
	rec := httptest.NewRecorder()
	w := newStatusRecorder(rec)
	w.WriteHeader(http.StatusTeapot)
	_, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, w.status)
	assert.Equal(t, 5, w.bytes)
	assert.Same(t, rec, w.Unwrap())
}

func TestInjectLoggerTagsRequestID(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	h := chimw.RequestID(InjectLogger(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).InfoContext(r.Context(), "handled")
	})))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(chimw.RequestIDHeader, "req-123")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Contains(t, buf.String(), `"request_id":"req-123"`)
}
