package billing

import (
	"sort"
	"time"

	"github.com/router-for-me/CLIProxyAPIMetering/internal/models"
)

// BuildCandidates orders rules for resolution:
// 1) package rules, following memberships in priority order
// 2) default rules (no package)
// Within one scope the latest effective_from comes first, then the highest id.
func BuildCandidates(rules []models.PriceRule, memberships []models.PackageMembership) []Candidate {
	ordered := make([]models.PriceRule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].EffectiveFrom.Equal(ordered[j].EffectiveFrom) {
			return ordered[i].EffectiveFrom.After(ordered[j].EffectiveFrom)
		}
		return ordered[i].ID > ordered[j].ID
	})

	members := make([]models.PackageMembership, len(memberships))
	copy(members, memberships)
	sort.SliceStable(members, func(i, j int) bool {
		if members[i].Priority != members[j].Priority {
			return members[i].Priority < members[j].Priority
		}
		return members[i].ID < members[j].ID
	})

	out := make([]Candidate, 0, len(ordered))
	for _, m := range members {
		for _, r := range ordered {
			if r.PackageID == nil || *r.PackageID != m.PackageID {
				continue
			}
			pkgID := m.PackageID
			startsAt := m.StartsAt
			c := Candidate{Rule: r, PackageID: &pkgID, ValidFrom: &startsAt}
			if m.ExpiresAt != nil {
				expiresAt := *m.ExpiresAt
				c.ValidUntil = &expiresAt
			}
			out = append(out, c)
		}
	}
	for _, r := range ordered {
		if r.PackageID != nil {
			continue
		}
		out = append(out, Candidate{Rule: r})
	}
	return out
}

// SelectPriceRule returns the first candidate that applies at now, or nil.
func SelectPriceRule(candidates []Candidate, now time.Time) *models.PriceRule {
	for i := range candidates {
		c := &candidates[i]
		if !c.applies(now) {
			continue
		}
		rule := c.Rule
		return &rule
	}
	return nil
}
