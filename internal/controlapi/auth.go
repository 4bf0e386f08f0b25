package controlapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// claims is the JWT payload this package expects. The management API is
// read-only, so there is no role/group distinction to carry, only that
// the token was signed by the configured secret and has not expired.
type claims struct {
	jwt.RegisteredClaims
}

type contextKey string

const claimsContextKey contextKey = "controlapi-claims"

func extractBearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

// jwtAuth validates a Bearer token against secret and rejects the request
// with 401 if missing, malformed, or expired.
func jwtAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := extractBearerToken(r)
			if !ok {
				writeJSON(w, http.StatusUnauthorized, errorResponse("authorization header required"))
				return
			}

			tok := &claims{}
			_, err := jwt.ParseWithClaims(tokenString, tok, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return secret, nil
			})
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, errorResponse("invalid or expired token"))
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey, tok)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
