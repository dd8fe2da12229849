package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/scholarmail/gatekeeper/internal/config"
	"github.com/scholarmail/gatekeeper/internal/services/ratelimit"
)

func TestExtractToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"missing header", "", ""},
		{"bearer token", "Bearer abc.def.ghi", "abc.def.ghi"},
		{"wrong scheme", "Basic dXNlcjpwYXNz", ""},
		{"bare token", "abc.def.ghi", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if got := ExtractToken(r); got != tt.want {
				t.Errorf("ExtractToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateToken(t *testing.T) {
	restore := config.SetJWTSecret([]byte("test-secret"))
	defer restore()

	t.Run("valid premium token", func(t *testing.T) {
		tokenString, err := IssueToken("user-1", ratelimit.TierPremium, false, time.Hour)
		if err != nil {
			t.Fatal(err)
		}

		result := ValidateToken(tokenString)
		if !result.Valid {
			t.Fatal("Expected the token to validate")
		}
		if result.Tier != ratelimit.TierPremium {
			t.Errorf("Tier = %s, want premium", result.Tier)
		}
		if result.Subject != "user-1" {
			t.Errorf("Subject = %q, want user-1", result.Subject)
		}
		if result.Admin {
			t.Error("Admin should be false")
		}
	})

	t.Run("missing tier claim defaults to authenticated", func(t *testing.T) {
		tokenString, err := IssueToken("user-2", "", false, time.Hour)
		if err != nil {
			t.Fatal(err)
		}

		result := ValidateToken(tokenString)
		if !result.Valid {
			t.Fatal("Expected the token to validate")
		}
		if result.Tier != ratelimit.TierAuthenticated {
			t.Errorf("Tier = %s, want authenticated", result.Tier)
		}
	})

	t.Run("admin claim carries through", func(t *testing.T) {
		tokenString, err := IssueToken("ops", ratelimit.TierAuthenticated, true, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		if result := ValidateToken(tokenString); !result.Admin {
			t.Error("Expected the admin claim to carry through")
		}
	})

	t.Run("expired token is invalid", func(t *testing.T) {
		tokenString, err := IssueToken("user-3", ratelimit.TierAuthenticated, false, -time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if result := ValidateToken(tokenString); result.Valid {
			t.Error("Expected the expired token to fail validation")
		}
	})

	t.Run("wrong secret is invalid", func(t *testing.T) {
		tokenString, err := IssueToken("user-4", ratelimit.TierAuthenticated, false, time.Hour)
		if err != nil {
			t.Fatal(err)
		}

		swap := config.SetJWTSecret([]byte("other-secret"))
		defer swap()
		if result := ValidateToken(tokenString); result.Valid {
			t.Error("Expected validation to fail under a different secret")
		}
	})

	t.Run("garbage is invalid", func(t *testing.T) {
		if result := ValidateToken("not-a-token"); result.Valid {
			t.Error("Expected garbage to fail validation")
		}
	})
}
