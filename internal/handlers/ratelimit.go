package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/scholarmail/gatekeeper/internal/config"
	"github.com/scholarmail/gatekeeper/internal/services/ratelimit"
	"github.com/scholarmail/gatekeeper/pkg/httpext"
	"github.com/scholarmail/gatekeeper/pkg/logger"
)

func jsonResponse(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error(logger.HANDLER, "Failed to encode response: %v", err)
	}
}

// identityFromParams resolves an identity out of query parameters or a JSON
// body, for the admin endpoints that inspect someone else's standing.
type identityParams struct {
	IPAddress string `json:"ip_address"`
	Email     string `json:"email"`
	Tier      string `json:"tier"`
}

func (p identityParams) toIdentity() ratelimit.Identity {
	identity := ratelimit.Identity{IP: p.IPAddress, Tier: ratelimit.Tier(p.Tier)}
	if identity.Tier == "" {
		identity.Tier = ratelimit.TierAnonymous
	}
	if p.Email != "" {
		identity.EmailHash = ratelimit.HashEmail(p.Email)
	}
	return identity
}

// HandleHealth reports liveness. It deliberately touches no store: a broken
// backend fails open in the engine and must not fail the health check.
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleCheck is the decision API for sibling services: they post an
// identity and get the full admission decision back. This records the
// request, exactly as if it had arrived through the middleware.
func HandleCheck(svc *ratelimit.Service, w http.ResponseWriter, r *http.Request) {
	var params identityParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		httpext.JsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	decision, err := svc.Check(r.Context(), params.toIdentity())
	if err != nil {
		if errors.Is(err, ratelimit.ErrInvalidIdentity) {
			httpext.JsonError(w, "ip_address is required", http.StatusBadRequest)
			return
		}
		logger.Error(logger.HANDLER, "Check failed: %v", err)
		httpext.JsonError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if !decision.Allowed {
		status = http.StatusTooManyRequests
		w.Header().Set("Retry-After", strconv.FormatInt(decision.RetryAfterSeconds(), 10))
	}
	jsonResponse(w, status, decision)
}

// HandleStatus describes an identity's standing without recording anything.
func HandleStatus(svc *ratelimit.Service, w http.ResponseWriter, r *http.Request) {
	params := identityParams{
		IPAddress: r.URL.Query().Get("ip_address"),
		Email:     r.URL.Query().Get("email"),
		Tier:      r.URL.Query().Get("tier"),
	}

	decision, err := svc.Status(r.Context(), params.toIdentity())
	if err != nil {
		if errors.Is(err, ratelimit.ErrInvalidIdentity) {
			httpext.JsonError(w, "ip_address is required", http.StatusBadRequest)
			return
		}
		logger.Error(logger.HANDLER, "Status lookup failed: %v", err)
		httpext.JsonError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	jsonResponse(w, http.StatusOK, decision)
}

// HandleStats returns aggregate usage over a period (default 24h).
func HandleStats(reporter *ratelimit.Reporter, w http.ResponseWriter, r *http.Request) {
	var period time.Duration
	if raw := r.URL.Query().Get("period"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			httpext.JsonError(w, "Invalid period", http.StatusBadRequest)
			return
		}
		period = parsed
	}

	stats, err := reporter.AggregateStats(r.Context(), period)
	if err != nil {
		logger.Error(logger.HANDLER, "Stats aggregation failed: %v", err)
		httpext.JsonError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	jsonResponse(w, http.StatusOK, stats)
}

// HandleLimits returns the tier table currently in force.
func HandleLimits(svc *ratelimit.Service, w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, svc.Profiles())
}

// HandleReloadLimits re-reads the tier-profile file and swaps the table in.
// With no file configured the built-in defaults are restored.
func HandleReloadLimits(svc *ratelimit.Service, w http.ResponseWriter, r *http.Request) {
	path := config.GetTierProfilesPath()

	profiles := ratelimit.DefaultProfiles()
	if path != "" {
		loaded, err := ratelimit.LoadProfilesFile(path)
		if err != nil {
			logger.Error(logger.HANDLER, "Failed to load tier profiles from %s: %v", path, err)
			httpext.JsonError(w, "Failed to load tier profiles", http.StatusInternalServerError)
			return
		}
		profiles = loaded
	}

	svc.ReloadProfiles(profiles)
	jsonResponse(w, http.StatusOK, profiles)
}

// HandleCleanup runs one retention sweep on demand.
func HandleCleanup(svc *ratelimit.Service, w http.ResponseWriter, r *http.Request) {
	var params struct {
		RetentionDays int `json:"retention_days"`
	}
	if r.Body != nil {
		// An empty body means the default retention.
		_ = json.NewDecoder(r.Body).Decode(&params)
	}

	days := params.RetentionDays
	if days == 0 {
		days = config.GetRateLimitConfig().RetentionDays
	}
	if days < 1 {
		days = 1
	}
	if days > 365 {
		days = 365
	}

	result, err := svc.Cleanup(r.Context(), days)
	if err != nil {
		logger.Error(logger.HANDLER, "Cleanup failed: %v", err)
		httpext.JsonError(w, "Cleanup failed", http.StatusInternalServerError)
		return
	}

	jsonResponse(w, http.StatusOK, result)
}

// HandleUnblock lifts the active blocks for one identity, by address or by
// email. The email is hashed here; the store never sees raw addresses.
func HandleUnblock(svc *ratelimit.Service, w http.ResponseWriter, r *http.Request) {
	var params identityParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		httpext.JsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	var (
		dim   ratelimit.Dimension
		value string
	)
	switch {
	case params.IPAddress != "":
		dim, value = ratelimit.DimensionIP, params.IPAddress
	case params.Email != "":
		dim, value = ratelimit.DimensionEmail, ratelimit.HashEmail(params.Email)
	default:
		httpext.JsonError(w, "ip_address or email is required", http.StatusBadRequest)
		return
	}

	affected, err := svc.Unblock(r.Context(), dim, value)
	if err != nil {
		logger.Error(logger.HANDLER, "Unblock failed: %v", err)
		httpext.JsonError(w, "Unblock failed", http.StatusInternalServerError)
		return
	}

	jsonResponse(w, http.StatusOK, map[string]int64{"unblocked": affected})
}
