package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/dukerupert/reminderd/internal/auth"
)

const (
	userHeader   = "X-User-ID"
	deviceHeader = "X-Device-ID"
)

// Identify populates the request identity from the gateway headers. A bearer
// token equal to adminToken marks the caller as admin; an empty adminToken
// disables admin access.
func Identify(adminToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := auth.Identity{
				UserID:   strings.TrimSpace(r.Header.Get(userHeader)),
				DeviceID: strings.TrimSpace(r.Header.Get(deviceHeader)),
			}
			if adminToken != "" {
				token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
				id.Admin = ok && subtle.ConstantTimeCompare([]byte(token), []byte(adminToken)) == 1
			}
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
		})
	}
}

// RequireOwner rejects requests that carry neither a user nor a device ID.
func RequireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.FromContext(r.Context())
		if !ok || id.Owner() == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin checks that the caller presented the admin token.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.IsAdmin(r.Context()) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
