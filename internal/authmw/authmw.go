// Package authmw provides HTTP middleware for bearer token authentication
// on the erwatch API. Several tokens may be valid at once so integrations
// can rotate credentials without downtime.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const challenge = `Bearer realm="erwatch"`

// BearerToken is BearerTokens with a single accepted token.
func BearerToken(token string) func(http.Handler) http.Handler {
	return BearerTokens(token)
}

// BearerTokens returns middleware that accepts a request when its
// Authorization header carries a Bearer token equal to any of tokens.
// Every configured token is compared in constant time so the position of
// the matching token is not observable. Empty tokens are ignored; with no
// usable tokens every request is rejected.
func BearerTokens(tokens ...string) func(http.Handler) http.Handler {
	var expected [][]byte
	for _, t := range tokens {
		if t != "" {
			expected = append(expected, []byte(t))
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				unauthorized(w, "missing or malformed authorization header")
				return
			}

			got := []byte(auth[len("Bearer "):])

			match := 0
			for _, e := range expected {
				match |= subtle.ConstantTimeCompare(got, e)
			}
			if match != 1 {
				unauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", challenge)
	http.Error(w, `{"error":"`+msg+`"}`, http.StatusUnauthorized)
}

// ParseTokens splits a comma separated token list, trimming blanks.
func ParseTokens(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
