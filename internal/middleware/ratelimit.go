package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/scholarmail/gatekeeper/internal/services/ratelimit"
	"github.com/scholarmail/gatekeeper/pkg/httpext"
	"github.com/scholarmail/gatekeeper/pkg/logger"
)

// Keep body sniffing bounded; a search request is never this large.
const maxBodyPeek = 64 << 10

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// ClientIP resolves the caller's address, preferring proxy headers over the
// socket peer. X-Forwarded-For may carry a hop list; the first entry is the
// original client.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// extractEmail pulls the correspondence address out of the request, from
// the query string or a JSON body field. The body is rewound so the
// handler downstream still sees it.
func extractEmail(r *http.Request) string {
	if email := r.URL.Query().Get("email"); email != "" {
		return normalizeEmail(email)
	}

	if r.Body == nil || r.Method == http.MethodGet {
		return ""
	}
	if !strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		return ""
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyPeek))
	// Rewind: stitch what was read back in front of any unread remainder.
	r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(data), r.Body))
	if err != nil {
		return ""
	}

	var payload struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return ""
	}
	return normalizeEmail(payload.Email)
}

func normalizeEmail(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if !emailPattern.MatchString(email) {
		return ""
	}
	return email
}

// IdentityFromRequest builds the tuple the engine evaluates. The raw
// address is hashed here and never travels further.
func IdentityFromRequest(r *http.Request) ratelimit.Identity {
	identity := ratelimit.Identity{
		IP:   ClientIP(r),
		Tier: TierFromContext(r.Context()),
	}
	if email := extractEmail(r); email != "" {
		identity.EmailHash = ratelimit.HashEmail(email)
	}
	return identity
}

// RateLimit runs every request through the admission engine. Denials come
// back as 429 with Retry-After; allows decorate the response with the
// usual X-RateLimit headers.
func RateLimit(svc *ratelimit.Service, enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled {
				next.ServeHTTP(w, r)
				return
			}

			identity := IdentityFromRequest(r)
			decision, err := svc.Check(r.Context(), identity)
			if err != nil {
				if errors.Is(err, ratelimit.ErrInvalidIdentity) {
					httpext.JsonError(w, "Cannot determine client address", http.StatusBadRequest)
					return
				}
				logger.Error(logger.MIDDLEWARE, "Admission check failed for %s: %v", identity.IP, err)
				httpext.JsonError(w, "Internal server error", http.StatusInternalServerError)
				return
			}

			if !decision.Allowed {
				writeDenial(w, identity, decision)
				return
			}

			setUsageHeaders(w, decision)
			next.ServeHTTP(w, r)
		})
	}
}

func writeDenial(w http.ResponseWriter, identity ratelimit.Identity, decision ratelimit.Decision) {
	logger.Warn(logger.MIDDLEWARE, "Rate limit exceeded for %s: %s", identity.IP, decision.Reason)

	w.Header().Set("Retry-After", strconv.FormatInt(decision.RetryAfterSeconds(), 10))
	if decision.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
		w.Header().Set("X-RateLimit-Remaining", "0")
	}
	httpext.JsonErrorWithDetails(w, http.StatusTooManyRequests, httpext.ErrorResponse{
		Error:   "Rate limit exceeded",
		Message: decision.Reason,
	})
}

func setUsageHeaders(w http.ResponseWriter, decision ratelimit.Decision) {
	if decision.FailedOpen {
		return
	}

	windows := []struct {
		kind  ratelimit.WindowKind
		label string
		limit int64
	}{
		{ratelimit.WindowMinute, "Minute", decision.Limits.Minute},
		{ratelimit.WindowHour, "Hour", decision.Limits.Hour},
		{ratelimit.WindowDay, "Day", decision.Limits.Day},
	}
	for _, win := range windows {
		used := decision.CurrentUsage[fmt.Sprintf("ip_%s", win.kind)]
		remaining := win.limit - used
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit-"+win.label, strconv.FormatInt(win.limit, 10))
		w.Header().Set("X-RateLimit-Remaining-"+win.label, strconv.FormatInt(remaining, 10))
	}
}

// Global smooths aggregate throughput across the listener with a token
// bucket, independent of per-identity accounting. It protects the process,
// not any one caller, so it answers 429 without Retry-After bookkeeping.
func Global(perSecond, burst int) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				logger.Warn(logger.MIDDLEWARE, "Global throughput cap hit")
				httpext.JsonError(w, "Server overloaded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
