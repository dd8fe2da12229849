package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/scholarmail/gatekeeper/internal/config"
	"github.com/scholarmail/gatekeeper/internal/services/ratelimit"
	"github.com/scholarmail/gatekeeper/pkg/logger"
)

// ExtractToken pulls the bearer token out of the Authorization header, or
// returns "" when there is none.
func ExtractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		logger.Warn(logger.SERVICE, "Malformed Authorization header")
		return ""
	}

	return parts[1]
}

type TokenValidationResult struct {
	Valid     bool
	Subject   string
	Tier      ratelimit.Tier
	Admin     bool
	ExpiresAt time.Time
}

type CustomClaims struct {
	jwt.RegisteredClaims
	Tier  string `json:"tier"`
	Admin bool   `json:"adm"`
}

// ValidateToken parses and verifies a bearer token. Anything that fails
// verification comes back invalid; callers treat the request as anonymous.
func ValidateToken(tokenString string) TokenValidationResult {
	result := TokenValidationResult{Valid: false}

	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(token *jwt.Token) (interface{}, error) {
		return config.GetJWTSecret(), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		logger.Debug(logger.SERVICE, "Failed to parse token: %v", err)
		return result
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok || !token.Valid {
		logger.Warn(logger.SERVICE, "Invalid token claims")
		return result
	}

	tier := ratelimit.Tier(claims.Tier)
	if tier == "" {
		// A verified token with no tier claim is at least authenticated.
		tier = ratelimit.TierAuthenticated
	}

	result.Valid = true
	result.Subject = claims.Subject
	result.Tier = tier
	result.Admin = claims.Admin
	if claims.ExpiresAt != nil {
		result.ExpiresAt = claims.ExpiresAt.Time
	}
	return result
}

// IssueToken mints a signed token for the subject. Used by tests and the
// provisioning tooling; the service itself only verifies.
func IssueToken(subject string, tier ratelimit.Tier, admin bool, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Tier:  string(tier),
		Admin: admin,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(config.GetJWTSecret())
}
