// Package authz decides whether an acting account may view or change the
// task state owned by another account.
//
// Owners are always allowed. Everyone else needs a delegation grant from the
// owner that carries the capability bit the action requires; a missing
// grant or bit is a denial, never a prompt.
package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"loatodo/internal/models"
	"loatodo/internal/storage"
)

// Action is an operation checked against a grant.
type Action int

const (
	ActionViewDaily Action = iota + 1
	ActionCheckDaily
	ActionViewWeek
	ActionCheckWeek
	ActionViewRaid
	ActionCheckRaid
	ActionChangeSettings
	// ActionViewRaidGate and ActionCheckRaidGate guard one raid's gates,
	// which either the week or the raid capability unlocks.
	ActionViewRaidGate
	ActionCheckRaidGate
)

var actionCapabilities = map[Action]models.CapabilitySet{
	ActionViewDaily:      anyOf(models.CapViewDaily),
	ActionCheckDaily:     anyOf(models.CapCheckDaily),
	ActionViewWeek:       anyOf(models.CapViewWeek),
	ActionCheckWeek:      anyOf(models.CapCheckWeek),
	ActionViewRaid:       anyOf(models.CapViewRaid),
	ActionCheckRaid:      anyOf(models.CapCheckRaid),
	ActionChangeSettings: anyOf(models.CapChangeSettings),
	ActionViewRaidGate:   anyOf(models.CapViewWeek, models.CapViewRaid),
	ActionCheckRaidGate:  anyOf(models.CapCheckWeek, models.CapCheckRaid),
}

func anyOf(caps ...models.Capability) models.CapabilitySet {
	var set models.CapabilitySet
	for _, c := range caps {
		set |= models.CapabilitySet(c)
	}
	return set
}

// AcceptedCapabilities returns the grant bits that unlock action. Holding
// any one of them is enough.
func AcceptedCapabilities(action Action) (models.CapabilitySet, bool) {
	set, ok := actionCapabilities[action]
	return set, ok
}

// Permits reports whether held unlocks action.
func Permits(held models.CapabilitySet, action Action) bool {
	accepted, ok := actionCapabilities[action]
	return ok && held&accepted != 0
}

func (a Action) String() string {
	if set, ok := actionCapabilities[a]; ok {
		return strings.Join(set.Names(), "|")
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Reason explains a decision.
type Reason string

const (
	ReasonOwner             Reason = "owner"
	ReasonGranted           Reason = "granted"
	ReasonNoGrant           Reason = "no_grant"
	ReasonMissingCapability Reason = "missing_capability"
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Reason  Reason
}

// TaskAction picks the action guarding reads (write=false) or progress
// changes (write=true) on def.
func TaskAction(def models.TaskDefinition, write bool) Action {
	if def.Kind == models.KindRaid {
		if write {
			return ActionCheckRaidGate
		}
		return ActionViewRaidGate
	}
	if def.Frequency == models.FrequencyWeekly {
		if write {
			return ActionCheckWeek
		}
		return ActionViewWeek
	}
	if write {
		return ActionCheckDaily
	}
	return ActionViewDaily
}

// Evaluate applies the policy to an already loaded grant. grant is nil when
// the owner never granted anything to acting.
func Evaluate(acting, owner string, grant *models.DelegationGrant, action Action) Decision {
	if acting != "" && acting == owner {
		return Decision{Allowed: true, Reason: ReasonOwner}
	}
	if grant == nil {
		return Decision{Reason: ReasonNoGrant}
	}
	if !Permits(grant.Capabilities, action) {
		return Decision{Reason: ReasonMissingCapability}
	}
	return Decision{Allowed: true, Reason: ReasonGranted}
}

// GrantLookup loads the grant owner gave to grantee.
type GrantLookup interface {
	GetGrant(ctx context.Context, grantor, grantee string) (models.DelegationGrant, error)
}

// Gate evaluates decisions against stored grants.
type Gate struct {
	grants GrantLookup
}

// NewGate builds a gate reading grants from lookup.
func NewGate(lookup GrantLookup) *Gate {
	return &Gate{grants: lookup}
}

// Authorize decides whether acting may perform action on owner's state.
// The error is only set when the grant could not be loaded.
func (g *Gate) Authorize(ctx context.Context, acting, owner string, action Action) (Decision, error) {
	if acting != "" && acting == owner {
		return Evaluate(acting, owner, nil, action), nil
	}
	grant, err := g.grants.GetGrant(ctx, owner, acting)
	if errors.Is(err, storage.ErrNotFound) {
		return Evaluate(acting, owner, nil, action), nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("load grant: %w", err)
	}
	return Evaluate(acting, owner, &grant, action), nil
}

// Capabilities returns what acting holds over owner's state. Owners hold
// every capability.
func (g *Gate) Capabilities(ctx context.Context, acting, owner string) (models.CapabilitySet, error) {
	if acting != "" && acting == owner {
		return ^models.CapabilitySet(0), nil
	}
	grant, err := g.grants.GetGrant(ctx, owner, acting)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load grant: %w", err)
	}
	return grant.Capabilities, nil
}
