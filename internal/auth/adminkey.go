package auth

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// AdminKeyGuard protects operator-only HTTP routes (e.g. DvmService's manual
// payment-confirmation override) with a single bcrypt-hashed key, rather
// than a full session. Grounded on internal/multitenancy/tenant_manager.go's
// key_id:secret bcrypt idiom, narrowed to one key since there is exactly one
// operator role here.
type AdminKeyGuard struct {
	hash []byte
}

// NewAdminKeyGuard hashes key once at startup. An empty key leaves the guard
// without a hash, and Allow then rejects every request.
func NewAdminKeyGuard(key string) (*AdminKeyGuard, error) {
	if key == "" {
		return &AdminKeyGuard{}, nil
	}
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &AdminKeyGuard{hash: h}, nil
}

// Allow reports whether the bearer token on r matches the configured key.
func (g *AdminKeyGuard) Allow(r *http.Request) bool {
	if len(g.hash) == 0 {
		return false
	}
	token := bearerToken(r)
	if token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(g.hash, []byte(token)) == nil
}

// Middleware rejects any request that does not present the admin key as a
// bearer token.
func (g *AdminKeyGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Allow(r) {
			writeError(w, http.StatusUnauthorized, "admin key required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
