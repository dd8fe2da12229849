package ratelimit

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Thresholds holds the per-window request ceilings for one tier. These are
// the IP-dimension limits; the email dimension runs at half of each (and has
// no burst window at all).
type Thresholds struct {
	Burst  int64 `yaml:"burst" json:"burst"`
	Minute int64 `yaml:"minute" json:"minute"`
	Hour   int64 `yaml:"hour" json:"hour"`
	Day    int64 `yaml:"day" json:"day"`
}

// ForKind returns the IP-dimension threshold for a window kind.
func (t Thresholds) ForKind(kind WindowKind) int64 {
	switch kind {
	case WindowBurst:
		return t.Burst
	case WindowMinute:
		return t.Minute
	case WindowHour:
		return t.Hour
	case WindowDay:
		return t.Day
	default:
		return 0
	}
}

// ForDimension returns the threshold for a dimension and kind. A zero
// return means no limit is configured for that pair and the check is
// skipped.
func (t Thresholds) ForDimension(dim Dimension, kind WindowKind) int64 {
	switch dim {
	case DimensionIP:
		return t.ForKind(kind)
	case DimensionEmail:
		if kind == WindowBurst {
			return 0
		}
		return t.ForKind(kind) / 2
	default:
		return 0
	}
}

// TierProfiles maps tiers to their thresholds. Immutable at runtime except
// through Service.ReloadProfiles.
type TierProfiles map[Tier]Thresholds

// DefaultProfiles returns the built-in tier table.
func DefaultProfiles() TierProfiles {
	return TierProfiles{
		TierAnonymous:     {Burst: 15, Minute: 30, Hour: 300, Day: 1000},
		TierAuthenticated: {Burst: 25, Minute: 60, Hour: 1000, Day: 10000},
		TierPremium:       {Burst: 100, Minute: 200, Hour: 5000, Day: 50000},
	}
}

// LoadProfilesFile reads tier overrides from a YAML file and merges them
// over the defaults. Tiers absent from the file keep their built-in values;
// files may also introduce custom tiers.
func LoadProfilesFile(path string) (TierProfiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tier profiles: %w", err)
	}

	var overrides map[Tier]Thresholds
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse tier profiles: %w", err)
	}

	profiles := DefaultProfiles()
	for tier, thresholds := range overrides {
		profiles[tier] = thresholds
	}
	return profiles, nil
}

func (p TierProfiles) clone() TierProfiles {
	out := make(TierProfiles, len(p))
	for tier, thresholds := range p {
		out[tier] = thresholds
	}
	return out
}
