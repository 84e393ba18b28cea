package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

func newGuard(t *testing.T, key string) *OperatorGuard {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword() error = %v", err)
	}
	t.Setenv(OperatorKeyHashEnv, string(hash))
	guard, err := NewOperatorGuardFromEnv()
	if err != nil {
		t.Fatalf("NewOperatorGuardFromEnv() error = %v", err)
	}
	return guard
}

func guardedRouter(guard *OperatorGuard) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/op", guard.Middleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func TestOperatorGuard(t *testing.T) {
	guard := newGuard(t, "topsecret")
	r := guardedRouter(guard)

	cases := []struct {
		name string
		key  string
		want int
	}{
		{"valid key", "topsecret", http.StatusOK},
		{"wrong key", "nope", http.StatusUnauthorized},
		{"missing key", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/op", nil)
			if tc.key != "" {
				req.Header.Set(OperatorKeyHeader, tc.key)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestNewOperatorGuardFromEnvRejectsBadHash(t *testing.T) {
	t.Setenv(OperatorKeyHashEnv, "not-a-bcrypt-hash")
	if _, err := NewOperatorGuardFromEnv(); err == nil {
		t.Fatalf("expected error for malformed hash")
	}

	t.Setenv(OperatorKeyHashEnv, "")
	if _, err := NewOperatorGuardFromEnv(); err == nil {
		t.Fatalf("expected error for missing hash")
	}
}
