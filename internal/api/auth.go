package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Authorizer decides whether a request may trigger syncs or override
// reconciliation decisions.
type Authorizer interface {
	Authorize(r *http.Request) bool
}

// BearerAuthorizer accepts requests carrying "Authorization: Bearer <Token>".
// An empty Token rejects everything.
type BearerAuthorizer struct {
	Token string
}

func (a BearerAuthorizer) Authorize(r *http.Request) bool {
	if a.Token == "" {
		return false
	}
	got, ok := bearer(r)
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(a.Token)) == 1
}

func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

// requireAdmin answers 401 without credentials and 403 with wrong ones.
func requireAdmin(a Authorizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := bearer(r); !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="reconciler"`)
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			if a == nil || !a.Authorize(r) {
				writeError(w, http.StatusForbidden, "not authorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
