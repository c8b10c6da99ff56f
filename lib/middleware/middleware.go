// Package middleware carries the HTTP cross-cutting concerns: request
// logging and JWT bearer authentication.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"github.com/vmparlor/parlor/lib/logger"
)

type contextKey string

const userIDKey contextKey = "user_id"

// GetUserID returns the authenticated user id, or empty when the request is
// unauthenticated.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// withUserID is exposed for handler tests.
func withUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// InjectLogger attaches the service logger to every request context.
func InjectLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(logger.AddToContext(r.Context(), log)))
		})
	}
}

// AccessLogger logs one line per request with status and duration.
func AccessLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		log := logger.FromContext(r.Context())
		log.InfoContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"user_id", GetUserID(r.Context()))
	})
}

// JwtAuth validates an HMAC-signed bearer token and puts its subject claim
// into the request context as the user id.
func JwtAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			log := logger.FromContext(ctx)

			token, err := extractBearerToken(r.Header.Get("Authorization"))
			if err != nil {
				log.DebugContext(ctx, "missing or malformed authorization header", "error", err)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}

			claims := jwt.MapClaims{}
			parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
				}
				return []byte(secret), nil
			})
			if err != nil || !parsed.Valid {
				log.DebugContext(ctx, "invalid token", "error", err)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			sub, ok := claims["sub"].(string)
			if !ok || sub == "" {
				log.DebugContext(ctx, "token has no subject")
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(withUserID(ctx, sub)))
		})
	}
}

// extractBearerToken extracts the token from "Bearer <token>" format.
func extractBearerToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", fmt.Errorf("authorization header required")
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", fmt.Errorf("invalid authorization header format")
	}
	return parts[1], nil
}
