// Package storage defines persistence contracts for task state.
package storage

import (
	"context"
	"errors"

	"loatodo/internal/models"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// MutateFunc receives the current override (zero value when absent) and
// returns the value to store. Returning an error leaves the row unchanged.
type MutateFunc func(current models.OverrideState) (models.OverrideState, error)

// OverrideStore persists per-owner task state. Implementations never apply
// resets themselves.
type OverrideStore interface {
	GetOverride(ctx context.Context, scopeKey, taskID string) (models.OverrideState, error)
	ListOverrides(ctx context.Context, scopeKey string) ([]models.OverrideState, error)
	// UpsertOverride runs fn as one atomic read-modify-write on the key.
	UpsertOverride(ctx context.Context, scopeKey, taskID string, fn MutateFunc) (models.OverrideState, error)
}

// CustomTaskStore persists user-defined catalog entries and raid order.
type CustomTaskStore interface {
	GetCustomTask(ctx context.Context, taskID string) (models.TaskDefinition, error)
	ListCustomTasks(ctx context.Context, ownerAccount string) ([]models.TaskDefinition, error)
	PutCustomTask(ctx context.Context, def models.TaskDefinition, nameKey string) error
	DeleteCustomTask(ctx context.Context, ownerAccount, taskID string) error
	GetRaidOrder(ctx context.Context, ownerAccount string) ([]string, error)
	PutRaidOrder(ctx context.Context, ownerAccount string, taskIDs []string) error
}

// GrantStore persists delegation grants.
type GrantStore interface {
	PutGrant(ctx context.Context, grant models.DelegationGrant) error
	GetGrant(ctx context.Context, grantor, grantee string) (models.DelegationGrant, error)
	DeleteGrant(ctx context.Context, grantor, grantee string) error
	ListGrantsByGrantor(ctx context.Context, grantor string) ([]models.DelegationGrant, error)
	ListGrantsByGrantee(ctx context.Context, grantee string) ([]models.DelegationGrant, error)
}

// CharacterStore persists the character registry.
type CharacterStore interface {
	PutCharacter(ctx context.Context, character models.Character) error
	GetCharacter(ctx context.Context, characterID string) (models.Character, error)
	ListCharacters(ctx context.Context, account string) ([]models.Character, error)
	// DeleteCharacter removes the character with its overrides and gold settings.
	DeleteCharacter(ctx context.Context, characterID string) error
}

// GoldStore persists per-character gold settings.
type GoldStore interface {
	GetGoldSettings(ctx context.Context, characterID string) (models.GoldSettings, error)
	PutGoldSettings(ctx context.Context, settings models.GoldSettings) error
}
