package httpserver

import (
	"crypto/subtle"
	"net/http"
	"strings"

	apierrors "github.com/CedrosPay/ticketing/internal/errors"
)

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func keyMatches(apiKey, presented string) bool {
	return presented != "" && subtle.ConstantTimeCompare([]byte(apiKey), []byte(presented)) == 1
}

// adminAuth requires "Authorization: Bearer {apiKey}". With required false
// and no key configured the route stays open, which is how /metrics and
// purchase intake behave in development.
func adminAuth(apiKey string, required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" && !required {
				next.ServeHTTP(w, r)
				return
			}
			if apiKey == "" || !keyMatches(apiKey, bearerToken(r)) {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "Invalid or missing admin API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// hasAdminKey lets admin callers bypass rate limits.
func hasAdminKey(apiKey string) func(*http.Request) bool {
	if apiKey == "" {
		return nil
	}
	return func(r *http.Request) bool {
		return keyMatches(apiKey, bearerToken(r))
	}
}
