package models

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Capability is one bit of a delegation grant.
type Capability uint16

const (
	CapViewDaily Capability = 1 << iota
	CapCheckDaily
	CapViewWeek
	CapCheckWeek
	CapViewRaid
	CapCheckRaid
	CapChangeSettings
)

var capabilityNames = map[Capability]string{
	CapViewDaily:      "view_daily",
	CapCheckDaily:     "check_daily",
	CapViewWeek:       "view_week",
	CapCheckWeek:      "check_week",
	CapViewRaid:       "view_raid",
	CapCheckRaid:      "check_raid",
	CapChangeSettings: "change_settings",
}

// String returns the wire name of the capability.
func (c Capability) String() string {
	if name, ok := capabilityNames[c]; ok {
		return name
	}
	return fmt.Sprintf("capability(%d)", uint16(c))
}

// CapabilitySet is the bitset stored on a grant.
type CapabilitySet uint16

// Has reports whether the set contains c.
func (s CapabilitySet) Has(c Capability) bool {
	return c != 0 && CapabilitySet(c)&s == CapabilitySet(c)
}

// Names returns the sorted wire names of the set's members.
func (s CapabilitySet) Names() []string {
	names := make([]string, 0, len(capabilityNames))
	for c, name := range capabilityNames {
		if s.Has(c) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ParseCapabilities converts wire names into a set.
func ParseCapabilities(names []string) (CapabilitySet, error) {
	var set CapabilitySet
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		found := false
		for c, known := range capabilityNames {
			if known == name {
				set |= CapabilitySet(c)
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown capability %q", raw)
		}
	}
	return set, nil
}

// DelegationGrant lets Grantee view or change Grantor's task state.
type DelegationGrant struct {
	Grantor      string        `json:"grantor"`
	Grantee      string        `json:"grantee"`
	Capabilities CapabilitySet `json:"-"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// OwnerScope identifies whose state an override row belongs to: one
// character, or one (account, server) pair for server-wide tasks.
type OwnerScope struct {
	Account   string `json:"account"`
	Character string `json:"character,omitempty"`
	Server    string `json:"server,omitempty"`
}

// CharacterScope addresses a single character's state.
func CharacterScope(account, characterID string) OwnerScope {
	return OwnerScope{Account: account, Character: characterID}
}

// ServerScope addresses the state shared by an account's characters on one server.
func ServerScope(account, server string) OwnerScope {
	return OwnerScope{Account: account, Server: server}
}

// IsServer reports whether the scope is server-wide.
func (s OwnerScope) IsServer() bool {
	return s.Character == "" && s.Server != ""
}

// Key is the storage key of the scope. Parts are path-escaped so a "/"
// inside an id cannot make two scopes share a key.
func (s OwnerScope) Key() string {
	if s.Character != "" {
		return "character/" + url.PathEscape(s.Character)
	}
	return "server/" + url.PathEscape(s.Account) + "/" + url.PathEscape(s.Server)
}
