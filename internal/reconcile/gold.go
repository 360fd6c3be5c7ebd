package reconcile

import (
	"sort"

	"loatodo/internal/models"
)

// topRaidCount is how many raid categories count under Top3Priority.
const topRaidCount = 3

// RaidResult pairs a weekly raid with its reconciled state.
type RaidResult struct {
	TaskID   string
	Category string
	State    models.EffectiveState
}

// GoldTotal returns the gold a character contributes under settings.
// Raids that are not complete never count.
func GoldTotal(settings models.GoldSettings, raids []RaidResult) int64 {
	if !settings.GoldDesignated {
		return 0
	}

	switch settings.AccountingMode {
	case models.AccountingPerRaidExplicit:
		explicit := make(map[string]struct{}, len(settings.ExplicitGoldRaids))
		for _, id := range settings.ExplicitGoldRaids {
			explicit[id] = struct{}{}
		}
		var total int64
		for _, r := range raids {
			if r.State.Status != models.StatusComplete {
				continue
			}
			if _, ok := explicit[r.TaskID]; ok {
				total += r.State.RewardEarned
			}
		}
		return total
	default:
		return topCategories(raids, topRaidCount)
	}
}

// topCategories keeps the best completed raid per category and sums the n
// highest of those.
func topCategories(raids []RaidResult, n int) int64 {
	best := make(map[string]int64)
	for _, r := range raids {
		if r.State.Status != models.StatusComplete {
			continue
		}
		category := r.Category
		if category == "" {
			category = r.TaskID
		}
		if cur, seen := best[category]; !seen || r.State.RewardEarned > cur {
			best[category] = r.State.RewardEarned
		}
	}

	rewards := make([]int64, 0, len(best))
	for _, v := range best {
		rewards = append(rewards, v)
	}
	sort.Slice(rewards, func(i, j int) bool { return rewards[i] > rewards[j] })

	var total int64
	for i := 0; i < n && i < len(rewards); i++ {
		total += rewards[i]
	}
	return total
}
