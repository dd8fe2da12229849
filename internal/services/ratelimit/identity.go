package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
)

// Tier is a named class of caller with its own thresholds.
type Tier string

const (
	TierAnonymous     Tier = "anonymous"
	TierAuthenticated Tier = "authenticated"
	TierPremium       Tier = "premium"
)

// Dimension is one axis of rate limiting, tracked with its own counters
// and blocks.
type Dimension string

const (
	DimensionIP    Dimension = "ip"
	DimensionEmail Dimension = "email"
)

// Identity is the per-request tuple the engine evaluates. The caller
// resolves it; the engine never inspects requests itself. EmailHash is
// optional and holds the digest of the correspondence address being
// searched, so one recipient cannot be hammered from many source IPs.
type Identity struct {
	IP        string
	EmailHash string
	Tier      Tier
}

type dimensionValue struct {
	dim   Dimension
	value string
}

func (id Identity) dimensions() []dimensionValue {
	dims := []dimensionValue{{DimensionIP, id.IP}}
	if id.EmailHash != "" {
		dims = append(dims, dimensionValue{DimensionEmail, id.EmailHash})
	}
	return dims
}

// HashEmail digests an address for storage; raw addresses never reach the
// store or the logs.
func HashEmail(email string) string {
	sum := sha256.Sum256([]byte(email))
	return hex.EncodeToString(sum[:])
}
