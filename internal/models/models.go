package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Scope says whether a task is tracked per character or shared by every
// character an account has on one server.
type Scope string

const (
	ScopePerCharacter Scope = "per_character"
	ScopeServerWide   Scope = "server_wide"
)

// Frequency controls how often accumulated progress is discarded.
type Frequency string

const (
	FrequencyDaily  Frequency = "daily"
	FrequencyWeekly Frequency = "weekly"
	// FrequencyCustom tasks never reset on their own.
	FrequencyCustom Frequency = "custom"
)

// Kind separates ordinary checklist content from multi-gate raids.
type Kind string

const (
	KindContent Kind = "content"
	KindRaid    Kind = "raid"
)

// ResetAnchor is the wall-clock point at which a cycle starts. Weekday is
// only meaningful for weekly tasks.
type ResetAnchor struct {
	Hour    int          `json:"hour"`
	Minute  int          `json:"minute"`
	Weekday time.Weekday `json:"weekday"`
}

// TaskDefinition describes one checklist entry in the catalog.
type TaskDefinition struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Kind            Kind        `json:"kind"`
	Scope           Scope       `json:"scope"`
	Frequency       Frequency   `json:"frequency"`
	Category        string      `json:"category"`
	ResetAnchor     ResetAnchor `json:"reset_anchor"`
	VisibleWeekdays WeekdaySet  `json:"visible_weekdays"`
	GateCount       int         `json:"gate_count"`
	RewardTable     []int64     `json:"reward_table"`
	DefaultEnabled  bool        `json:"default_enabled"`
	OwnerAccount    string      `json:"owner_account,omitempty"`
	Position        int         `json:"position"`
}

// Custom reports whether the definition was created by a user.
func (d TaskDefinition) Custom() bool {
	return d.OwnerAccount != ""
}

// IsWeeklyRaid reports whether the definition can contribute gold.
func (d TaskDefinition) IsWeeklyRaid() bool {
	return d.Kind == KindRaid && d.Frequency == FrequencyWeekly && d.Scope == ScopePerCharacter
}

// WeekdaySet is a bitset of weekdays.
type WeekdaySet uint8

// AllWeekdays contains every day of the week.
const AllWeekdays WeekdaySet = 0x7f

// NewWeekdaySet builds a set from the given days.
func NewWeekdaySet(days ...time.Weekday) WeekdaySet {
	var set WeekdaySet
	for _, d := range days {
		set |= 1 << uint(d)
	}
	return set
}

// Has reports whether day is in the set.
func (s WeekdaySet) Has(day time.Weekday) bool {
	return s&(1<<uint(day)) != 0
}

// Days returns the members in Sunday-first order.
func (s WeekdaySet) Days() []time.Weekday {
	days := make([]time.Weekday, 0, 7)
	for d := time.Sunday; d <= time.Saturday; d++ {
		if s.Has(d) {
			days = append(days, d)
		}
	}
	return days
}

// MarshalJSON encodes the set as a list of lowercase day names.
func (s WeekdaySet) MarshalJSON() ([]byte, error) {
	names := make([]string, 0, 7)
	for _, d := range s.Days() {
		names = append(names, strings.ToLower(d.String()))
	}
	return json.Marshal(names)
}

// UnmarshalJSON decodes a list of day names.
func (s *WeekdaySet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	var set WeekdaySet
	for _, name := range names {
		day, err := ParseWeekday(name)
		if err != nil {
			return err
		}
		set |= NewWeekdaySet(day)
	}
	*s = set
	return nil
}

// ParseWeekday accepts full or three-letter English day names.
func ParseWeekday(name string) (time.Weekday, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if name == full || name == full[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", name)
}

// OverrideState is the mutable state one owner scope keeps for one task.
type OverrideState struct {
	ScopeKey string `json:"scope"`
	TaskID   string `json:"task_id"`
	// EnabledOverride is nil when the task inherits DefaultEnabled.
	EnabledOverride *bool     `json:"enabled_override,omitempty"`
	Progress        int       `json:"progress"`
	LastResetAt     time.Time `json:"last_reset_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Status summarises progress against the gate count.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusPartial    Status = "partial"
	StatusComplete   Status = "complete"
)

// EffectiveState is the reconciled view of a task at one instant.
type EffectiveState struct {
	Enabled      bool   `json:"enabled"`
	VisibleToday bool   `json:"visible_today"`
	Progress     int    `json:"progress"`
	GateCount    int    `json:"gate_count"`
	Status       Status `json:"status"`
	RewardEarned int64  `json:"reward_earned"`
}

// AccountingMode selects how a character's raid gold is totalled.
type AccountingMode string

const (
	AccountingTop3Priority    AccountingMode = "top3_priority"
	AccountingPerRaidExplicit AccountingMode = "per_raid_explicit"
)

// Valid reports whether m is a known mode.
func (m AccountingMode) Valid() bool {
	return m == AccountingTop3Priority || m == AccountingPerRaidExplicit
}

// GoldSettings controls gold accounting for one character.
type GoldSettings struct {
	CharacterID       string         `json:"character_id"`
	GoldDesignated    bool           `json:"gold_designated"`
	AccountingMode    AccountingMode `json:"accounting_mode"`
	ExplicitGoldRaids []string       `json:"explicit_gold_raids"`
}

// Character is a player character owned by an account on one server.
type Character struct {
	ID        string    `json:"id"`
	Account   string    `json:"account"`
	Server    string    `json:"server"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
