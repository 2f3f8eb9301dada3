// Package plans decides which product features a user's subscription unlocks.
package plans

import (
	"context"
	"strings"
	"time"
)

type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
	TierTeam Tier = "team"
)

type Feature string

const (
	FeatureAnnotations Feature = "annotations"
	FeatureExportPDF   Feature = "export_pdf"
	FeatureSearch      Feature = "search"
)

var tierFeatures = map[Tier][]Feature{
	TierFree: {FeatureSearch},
	TierPro:  {FeatureSearch, FeatureAnnotations},
	TierTeam: {FeatureSearch, FeatureAnnotations, FeatureExportPDF},
}

// ParseTier accepts the tier names case-insensitively.
func ParseTier(value string) (Tier, bool) {
	t := Tier(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := tierFeatures[t]; !ok {
		return "", false
	}
	return t, true
}

func (t Tier) HasFeature(f Feature) bool {
	for _, have := range tierFeatures[t] {
		if have == f {
			return true
		}
	}
	return false
}

// Subscription is a user's current tier. A zero ExpiresAt never expires.
type Subscription struct {
	UserID    string    `json:"user_id"`
	Tier      Tier      `json:"tier"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s Subscription) Active(now time.Time) bool {
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

// Checker answers capability questions for a user.
type Checker interface {
	Permits(ctx context.Context, userID string, feature Feature) (bool, error)
}

// Static grants every user the same tier. It backs deployments without Redis.
type Static Tier

func (s Static) Permits(_ context.Context, _ string, feature Feature) (bool, error) {
	return Tier(s).HasFeature(feature), nil
}
