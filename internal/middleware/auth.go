package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"fanoutctl/internal/domain"
)

// AuthMiddleware extracts a Bearer JWT, validates it, and stores the
// resulting ContextPrincipal (id, name, role) on the request context. Issuing
// these tokens belongs to the session/login layer upstream of this module;
// this middleware only verifies and decodes what it is handed.
func AuthMiddleware(validator JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				writeUnauthorized(w, "missing Bearer token")
				return
			}
			tokenStr := strings.TrimPrefix(auth, "Bearer ")

			claims, err := validator.Validate(r.Context(), tokenStr)
			if err != nil || claims.Subject == "" {
				writeUnauthorized(w, "invalid or expired token")
				return
			}

			principal := domain.ContextPrincipal{
				ID:   claims.Subject,
				Name: claims.Name,
				Role: claims.Role,
			}
			ctx := domain.WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    401,
		"message": "unauthorized: " + message,
	})
}
