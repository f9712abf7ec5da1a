package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

type contextKey string

// numberKey is the context key for the authenticated phone number.
const numberKey contextKey = "number"

// numberTokenTTL is the lifetime of a device session token. Devices renew
// by logging in again with their stored credentials.
const numberTokenTTL = 7 * 24 * time.Hour

// NumberClaims holds the JWT claims for device session authentication.
type NumberClaims struct {
	Number string `json:"number"`
	jwt.RegisteredClaims
}

// GenerateNumberToken creates a signed JWT for a phone number login.
func GenerateNumberToken(secret []byte, number string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(numberTokenTTL)

	claims := NumberClaims{
		Number: number,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "call",
			Subject:   number,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, expiresAt, nil
}

// RequireNumberAuth returns middleware that validates JWT bearer tokens for
// device endpoints. On success it stores the phone number in the request
// context.
func RequireNumberAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeAuthError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				writeAuthError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}

			claims := &NumberClaims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				slog.Debug("number auth: invalid jwt", "error", err)
				writeAuthError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			if claims.Number == "" {
				writeAuthError(w, http.StatusUnauthorized, "invalid token claims")
				return
			}

			ctx := context.WithValue(r.Context(), numberKey, claims.Number)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// NumberFromContext retrieves the authenticated phone number from the
// request context. Returns "" if not set.
func NumberFromContext(ctx context.Context) string {
	n, _ := ctx.Value(numberKey).(string)
	return n
}

// authEnvelope matches the api package's envelope format for error responses.
type authEnvelope struct {
	Error string `json:"error,omitempty"`
}

// writeAuthError writes a JSON error matching the API envelope format.
// This avoids importing the api package (which would create a circular dependency).
func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(authEnvelope{Error: msg}) //nolint:errcheck
}
