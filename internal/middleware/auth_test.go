package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fanoutctl/internal/domain"
)

func TestAuthMiddleware_MissingHeader(t *testing.T) {
	v, err := NewHS256Validator("secret")
	require.NoError(t, err)

	handler := AuthMiddleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	v, err := NewHS256Validator("secret")
	require.NoError(t, err)

	tokenStr := signToken(t, "secret", map[string]interface{}{
		"sub":  "user-42",
		"name": "Grace",
		"role": string(domain.RoleReader),
	})

	var gotPrincipal domain.ContextPrincipal
	handler := AuthMiddleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := domain.PrincipalFromContext(r.Context())
		require.True(t, ok)
		gotPrincipal = p
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-42", gotPrincipal.ID)
	assert.Equal(t, "Grace", gotPrincipal.Name)
	assert.Equal(t, domain.RoleReader, gotPrincipal.Role)
}

func TestAuthMiddleware_InvalidToken(t *testing.T) {
	v, err := NewHS256Validator("secret")
	require.NoError(t, err)

	handler := AuthMiddleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
