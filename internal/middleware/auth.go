package middleware

import (
	"context"
	"net/http"

	"github.com/scholarmail/gatekeeper/internal/services/auth"
	"github.com/scholarmail/gatekeeper/internal/services/ratelimit"
	"github.com/scholarmail/gatekeeper/pkg/httpext"
	"github.com/scholarmail/gatekeeper/pkg/logger"
)

type contextKey string

const (
	tierContextKey    contextKey = "tier"
	subjectContextKey contextKey = "subject"
	adminContextKey   contextKey = "admin"
)

// Identify resolves the caller's tier from an optional bearer token and
// stores it on the request context. A missing or invalid token is not an
// error: the request proceeds as anonymous.
func Identify() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tier := ratelimit.TierAnonymous

			ctx := r.Context()
			if tokenString := auth.ExtractToken(r); tokenString != "" {
				validation := auth.ValidateToken(tokenString)
				if validation.Valid {
					tier = validation.Tier
					ctx = context.WithValue(ctx, subjectContextKey, validation.Subject)
					ctx = context.WithValue(ctx, adminContextKey, validation.Admin)
				} else {
					logger.Debug(logger.MIDDLEWARE, "Ignoring invalid bearer token, treating request as anonymous")
				}
			}

			ctx = context.WithValue(ctx, tierContextKey, tier)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin gates the operator endpoints behind a valid admin token.
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := auth.ExtractToken(r)
			if tokenString == "" {
				logger.Warn(logger.MIDDLEWARE, "Missing authorization token on %s", r.URL.Path)
				httpext.JsonError(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			validation := auth.ValidateToken(tokenString)
			if !validation.Valid {
				logger.Warn(logger.MIDDLEWARE, "Invalid authorization token on %s", r.URL.Path)
				httpext.JsonError(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			if !validation.Admin {
				logger.Warn(logger.MIDDLEWARE, "Non-admin token used on %s", r.URL.Path)
				httpext.JsonError(w, "Forbidden", http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), subjectContextKey, validation.Subject)
			ctx = context.WithValue(ctx, adminContextKey, true)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TierFromContext returns the tier set by Identify, or anonymous when the
// middleware never ran.
func TierFromContext(ctx context.Context) ratelimit.Tier {
	if tier, ok := ctx.Value(tierContextKey).(ratelimit.Tier); ok {
		return tier
	}
	return ratelimit.TierAnonymous
}

// SubjectFromContext returns the token subject, or "" for anonymous callers.
func SubjectFromContext(ctx context.Context) string {
	if subject, ok := ctx.Value(subjectContextKey).(string); ok {
		return subject
	}
	return ""
}

// IsAdmin reports whether the request carried a valid admin token.
func IsAdmin(ctx context.Context) bool {
	admin, ok := ctx.Value(adminContextKey).(bool)
	return ok && admin
}
