package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"agri_gateway/internal/models"
)

// TierLimits are the two rate-limit dimensions a tier grants. The
// monthly figure here is a fallback; the subscription row's own
// monthly_request_limit wins when present.
type TierLimits struct {
	PerMinute       int `yaml:"per_minute"`
	MonthlyRequests int `yaml:"monthly_requests"`
}

// TierTable maps tiers to their limits.
type TierTable map[models.Tier]TierLimits

// DefaultTierTable returns the built-in tier limits.
func DefaultTierTable() TierTable {
	return TierTable{
		models.TierFree:       {PerMinute: 10, MonthlyRequests: 1000},
		models.TierDeveloper:  {PerMinute: 100, MonthlyRequests: 50000},
		models.TierEnterprise: {PerMinute: 1000, MonthlyRequests: 1000000},
	}
}

// Limits resolves a tier, falling back to the free tier for unknown
// values so a bad subscription row degrades rather than failing open.
func (t TierTable) Limits(tier models.Tier) TierLimits {
	if limits, ok := t[tier]; ok {
		return limits
	}
	return t[models.TierFree]
}

// LoadFile overlays tier limits from a YAML file shaped as:
//
//	developer:
//	  per_minute: 100
//	  monthly_requests: 50000
func (t TierTable) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var parsed map[models.Tier]TierLimits
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("invalid tier limits yaml: %w", err)
	}

	for tier, limits := range parsed {
		if limits.PerMinute <= 0 || limits.MonthlyRequests <= 0 {
			return fmt.Errorf("tier %q: limits must be positive", tier)
		}
		t[tier] = limits
	}

	return nil
}
