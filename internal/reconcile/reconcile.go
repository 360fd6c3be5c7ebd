// Package reconcile merges catalog definitions with stored overrides into
// the effective task state. Every function here is pure: time is always an
// argument and nothing fails on valid input.
package reconcile

import (
	"time"

	"loatodo/internal/models"
)

// LastBoundary returns the most recent reset boundary at or before now, in
// now's location. ok is false for tasks that never reset.
func LastBoundary(freq models.Frequency, anchor models.ResetAnchor, now time.Time) (boundary time.Time, ok bool) {
	y, m, d := now.Date()
	at := time.Date(y, m, d, anchor.Hour, anchor.Minute, 0, 0, now.Location())

	switch freq {
	case models.FrequencyDaily:
		if at.After(now) {
			at = at.AddDate(0, 0, -1)
		}
		return at, true
	case models.FrequencyWeekly:
		back := (int(at.Weekday()) - int(anchor.Weekday) + 7) % 7
		at = at.AddDate(0, 0, -back)
		if at.After(now) {
			at = at.AddDate(0, 0, -7)
		}
		return at, true
	default:
		return time.Time{}, false
	}
}

// GameWeekday is the weekday of the daily cycle now falls in. Before the
// anchor time the previous calendar day is still current.
func GameWeekday(anchor models.ResetAnchor, now time.Time) time.Weekday {
	start, _ := LastBoundary(models.FrequencyDaily, anchor, now)
	return start.Weekday()
}

// IsStale reports whether ov predates the current cycle of def.
func IsStale(def models.TaskDefinition, ov models.OverrideState, now time.Time) bool {
	boundary, ok := LastBoundary(def.Frequency, def.ResetAnchor, now)
	if !ok {
		return false
	}
	return ov.LastResetAt.Before(boundary)
}

// Normalize returns ov with any elapsed reset applied and LastResetAt moved
// up to the current boundary. The enabled override survives resets.
func Normalize(def models.TaskDefinition, ov models.OverrideState, now time.Time) models.OverrideState {
	boundary, ok := LastBoundary(def.Frequency, def.ResetAnchor, now)
	if !ok {
		ov.Progress = clamp(ov.Progress, def.GateCount)
		return ov
	}
	if ov.LastResetAt.Before(boundary) {
		ov.Progress = 0
		ov.LastResetAt = boundary
	}
	ov.Progress = clamp(ov.Progress, def.GateCount)
	return ov
}

// Effective computes the state callers see for def at now.
func Effective(def models.TaskDefinition, ov models.OverrideState, now time.Time) models.EffectiveState {
	progress := clamp(ov.Progress, def.GateCount)
	if IsStale(def, ov, now) {
		progress = 0
	}

	enabled := def.DefaultEnabled
	if ov.EnabledOverride != nil {
		enabled = *ov.EnabledOverride
	}

	visible := def.Scope != models.ScopeServerWide ||
		def.VisibleWeekdays.Has(GameWeekday(def.ResetAnchor, now))

	return models.EffectiveState{
		Enabled:      enabled,
		VisibleToday: visible,
		Progress:     progress,
		GateCount:    def.GateCount,
		Status:       StatusOf(progress, def.GateCount),
		RewardEarned: RewardFor(def.RewardTable, progress),
	}
}

// StatusOf classifies progress against gateCount.
func StatusOf(progress, gateCount int) models.Status {
	switch {
	case gateCount > 0 && progress >= gateCount:
		return models.StatusComplete
	case progress <= 0:
		return models.StatusNotStarted
	default:
		return models.StatusPartial
	}
}

// RewardFor sums the rewards of the first progress gates.
func RewardFor(table []int64, progress int) int64 {
	var total int64
	for i := 0; i < progress && i < len(table); i++ {
		total += table[i]
	}
	return total
}

func clamp(progress, gateCount int) int {
	if progress < 0 {
		return 0
	}
	if progress > gateCount {
		return gateCount
	}
	return progress
}
