// ABOUTME: Bearer-token extraction for HTTP and WebSocket upgrade requests.
// ABOUTME: Agents present their credential in the Authorization header at connect time.

package auth

import (
	"net/http"
	"strings"
)

// BearerToken extracts a bearer token from the request's Authorization
// header. The second return value is an error message suitable for a 401
// body, empty on success.
func BearerToken(r *http.Request) (string, string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}
