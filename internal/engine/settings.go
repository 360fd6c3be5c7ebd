package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"loatodo/internal/apperr"
	"loatodo/internal/authz"
	"loatodo/internal/catalog"
	"loatodo/internal/models"
	"loatodo/internal/reconcile"
	"loatodo/internal/storage"
)

// RegisterCharacter adds a character to the owner's registry. An empty id
// is generated.
func (e *Engine) RegisterCharacter(ctx context.Context, p Principal, ch models.Character) (models.Character, error) {
	if err := p.validate(); err != nil {
		return models.Character{}, err
	}
	if err := e.authorize(ctx, p, authz.ActionChangeSettings); err != nil {
		return models.Character{}, err
	}
	ch.Server = strings.TrimSpace(ch.Server)
	ch.Name = strings.TrimSpace(ch.Name)
	if ch.Server == "" || ch.Name == "" {
		return models.Character{}, apperr.New(apperr.CodeInvalidArgument, "character name and server are required")
	}
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	ch.Account = p.Owner
	ch.CreatedAt = e.now().UTC()

	err := e.coordinator.SubmitStructural(ctx, p.Owner, func(ctx context.Context) error {
		existing, err := e.store.GetCharacter(ctx, ch.ID)
		switch {
		case err == nil && existing.Account != p.Owner:
			return apperr.New(apperr.CodeNotOwner, "character belongs to another account")
		case err == nil:
			ch.CreatedAt = existing.CreatedAt
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}
		return e.retryErr(ctx, "put character", func(ctx context.Context) error {
			return e.store.PutCharacter(ctx, ch)
		})
	})
	if err != nil {
		return models.Character{}, err
	}
	return ch, nil
}

// ListCharacters returns the owner's characters. Callers holding no grant
// at all see an empty list.
func (e *Engine) ListCharacters(ctx context.Context, p Principal) ([]models.Character, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	caps, err := withRetry(ctx, e, "capabilities", func(ctx context.Context) (models.CapabilitySet, error) {
		return e.gate.Capabilities(ctx, p.Acting, p.Owner)
	})
	if err != nil {
		return nil, err
	}
	if caps == 0 {
		return []models.Character{}, nil
	}
	return withRetry(ctx, e, "list characters", func(ctx context.Context) ([]models.Character, error) {
		return e.store.ListCharacters(ctx, p.Owner)
	})
}

// RemoveCharacter deletes a character with its per-character state.
func (e *Engine) RemoveCharacter(ctx context.Context, p Principal, characterID string) error {
	if err := p.validate(); err != nil {
		return err
	}
	if err := e.authorize(ctx, p, authz.ActionChangeSettings); err != nil {
		return err
	}
	if _, err := e.character(ctx, p, characterID); err != nil {
		return err
	}
	return e.coordinator.SubmitStructural(ctx, p.Owner, func(ctx context.Context) error {
		err := e.retryErr(ctx, "delete character", func(ctx context.Context) error {
			return e.store.DeleteCharacter(ctx, characterID)
		})
		if err != nil {
			return storeErr(err, "character", characterID)
		}
		return nil
	})
}

// AddCustomTask creates a custom task in the owner's catalog.
func (e *Engine) AddCustomTask(ctx context.Context, p Principal, in catalog.NewCustomTask) (models.TaskDefinition, error) {
	if err := p.validate(); err != nil {
		return models.TaskDefinition{}, err
	}
	if err := e.authorize(ctx, p, authz.ActionChangeSettings); err != nil {
		return models.TaskDefinition{}, err
	}
	var def models.TaskDefinition
	err := e.coordinator.SubmitStructural(ctx, p.Owner, func(ctx context.Context) error {
		var err error
		def, err = withRetry(ctx, e, "add custom task", func(ctx context.Context) (models.TaskDefinition, error) {
			return e.catalog.AddCustomTask(ctx, p.Owner, in)
		})
		return err
	})
	if err != nil {
		return models.TaskDefinition{}, err
	}
	return def, nil
}

// RemoveCustomTask deletes one of the owner's custom tasks. Stored progress
// for it is left in place and no longer read.
func (e *Engine) RemoveCustomTask(ctx context.Context, p Principal, taskID string) error {
	if err := p.validate(); err != nil {
		return err
	}
	if err := e.authorize(ctx, p, authz.ActionChangeSettings); err != nil {
		return err
	}
	return e.coordinator.SubmitStructural(ctx, p.Owner, func(ctx context.Context) error {
		return e.retryErr(ctx, "remove custom task", func(ctx context.Context) error {
			return e.catalog.RemoveCustomTask(ctx, p.Owner, taskID)
		})
	})
}

// ReorderRaids sets the display order of the owner's raids.
func (e *Engine) ReorderRaids(ctx context.Context, p Principal, taskIDs []string) error {
	if err := p.validate(); err != nil {
		return err
	}
	if err := e.authorize(ctx, p, authz.ActionChangeSettings); err != nil {
		return err
	}
	return e.coordinator.SubmitStructural(ctx, p.Owner, func(ctx context.Context) error {
		return e.retryErr(ctx, "reorder raids", func(ctx context.Context) error {
			return e.catalog.ReorderRaids(ctx, p.Owner, taskIDs)
		})
	})
}

// GoldSettings returns a character's gold settings, defaulting to not
// designated with Top3Priority.
func (e *Engine) GoldSettings(ctx context.Context, p Principal, characterID string) (models.GoldSettings, error) {
	if err := p.validate(); err != nil {
		return models.GoldSettings{}, err
	}
	if err := e.authorize(ctx, p, authz.ActionViewRaid); err != nil {
		return models.GoldSettings{}, err
	}
	if _, err := e.character(ctx, p, characterID); err != nil {
		return models.GoldSettings{}, err
	}
	return e.goldSettings(ctx, characterID)
}

func (e *Engine) goldSettings(ctx context.Context, characterID string) (models.GoldSettings, error) {
	settings, err := withRetry(ctx, e, "get gold settings", func(ctx context.Context) (models.GoldSettings, error) {
		return e.store.GetGoldSettings(ctx, characterID)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return models.GoldSettings{
			CharacterID:       characterID,
			AccountingMode:    models.AccountingTop3Priority,
			ExplicitGoldRaids: []string{},
		}, nil
	}
	return settings, err
}

// UpdateGoldSettings replaces a character's gold settings.
func (e *Engine) UpdateGoldSettings(ctx context.Context, p Principal, settings models.GoldSettings) (models.GoldSettings, error) {
	if err := p.validate(); err != nil {
		return models.GoldSettings{}, err
	}
	if err := e.authorize(ctx, p, authz.ActionChangeSettings); err != nil {
		return models.GoldSettings{}, err
	}
	if _, err := e.character(ctx, p, settings.CharacterID); err != nil {
		return models.GoldSettings{}, err
	}
	if settings.AccountingMode == "" {
		settings.AccountingMode = models.AccountingTop3Priority
	}
	if !settings.AccountingMode.Valid() {
		return models.GoldSettings{}, apperr.WithMetadata(apperr.CodeInvalidArgument, "unknown accounting mode",
			map[string]string{"mode": string(settings.AccountingMode)})
	}
	seen := make(map[string]struct{}, len(settings.ExplicitGoldRaids))
	raids := make([]string, 0, len(settings.ExplicitGoldRaids))
	for _, id := range settings.ExplicitGoldRaids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		def, err := e.definition(ctx, p, id)
		if err != nil {
			return models.GoldSettings{}, err
		}
		if !def.IsWeeklyRaid() {
			return models.GoldSettings{}, apperr.WithMetadata(apperr.CodeInvalidArgument, "not a weekly raid", map[string]string{"task_id": id})
		}
		raids = append(raids, id)
	}
	settings.ExplicitGoldRaids = raids

	err := e.coordinator.Submit(ctx, "gold/"+settings.CharacterID, func(ctx context.Context) error {
		return e.retryErr(ctx, "put gold settings", func(ctx context.Context) error {
			return e.store.PutGoldSettings(ctx, settings)
		})
	})
	if err != nil {
		return models.GoldSettings{}, err
	}
	return settings, nil
}

// GoldReport is the gold one character contributes this week.
type GoldReport struct {
	CharacterID string              `json:"character_id"`
	Settings    models.GoldSettings `json:"settings"`
	Total       int64               `json:"total"`
}

// AccountGold sums gold across an account's characters.
type AccountGold struct {
	Account    string       `json:"account"`
	Total      int64        `json:"total"`
	Characters []GoldReport `json:"characters"`
}

// GoldTotal computes a character's weekly raid gold.
func (e *Engine) GoldTotal(ctx context.Context, p Principal, characterID string) (GoldReport, error) {
	if err := p.validate(); err != nil {
		return GoldReport{}, err
	}
	if err := e.authorize(ctx, p, authz.ActionViewRaid); err != nil {
		return GoldReport{}, err
	}
	ch, err := e.character(ctx, p, characterID)
	if err != nil {
		return GoldReport{}, err
	}
	raids, err := e.weeklyRaids(ctx, p.Owner)
	if err != nil {
		return GoldReport{}, err
	}
	return e.goldReport(ctx, ch, raids)
}

// AccountGold computes the weekly raid gold of every owner character.
func (e *Engine) AccountGold(ctx context.Context, p Principal) (AccountGold, error) {
	if err := p.validate(); err != nil {
		return AccountGold{}, err
	}
	if err := e.authorize(ctx, p, authz.ActionViewRaid); err != nil {
		return AccountGold{}, err
	}
	chars, err := withRetry(ctx, e, "list characters", func(ctx context.Context) ([]models.Character, error) {
		return e.store.ListCharacters(ctx, p.Owner)
	})
	if err != nil {
		return AccountGold{}, err
	}
	raids, err := e.weeklyRaids(ctx, p.Owner)
	if err != nil {
		return AccountGold{}, err
	}
	out := AccountGold{Account: p.Owner, Characters: make([]GoldReport, 0, len(chars))}
	for _, ch := range chars {
		report, err := e.goldReport(ctx, ch, raids)
		if err != nil {
			return AccountGold{}, err
		}
		out.Total += report.Total
		out.Characters = append(out.Characters, report)
	}
	return out, nil
}

func (e *Engine) weeklyRaids(ctx context.Context, account string) ([]models.TaskDefinition, error) {
	defs, err := withRetry(ctx, e, "list definitions", func(ctx context.Context) ([]models.TaskDefinition, error) {
		return e.catalog.ListDefinitions(ctx, models.ScopePerCharacter, account)
	})
	if err != nil {
		return nil, err
	}
	raids := defs[:0:0]
	for _, def := range defs {
		if def.IsWeeklyRaid() {
			raids = append(raids, def)
		}
	}
	return raids, nil
}

func (e *Engine) goldReport(ctx context.Context, ch models.Character, raids []models.TaskDefinition) (GoldReport, error) {
	settings, err := e.goldSettings(ctx, ch.ID)
	if err != nil {
		return GoldReport{}, err
	}
	states, err := e.overrides(ctx, models.CharacterScope(ch.Account, ch.ID))
	if err != nil {
		return GoldReport{}, err
	}
	now := e.now()
	results := make([]reconcile.RaidResult, 0, len(raids))
	for _, def := range raids {
		results = append(results, reconcile.RaidResult{
			TaskID:   def.ID,
			Category: def.Category,
			State:    reconcile.Effective(def, states[def.ID], now),
		})
	}
	return GoldReport{
		CharacterID: ch.ID,
		Settings:    settings,
		Total:       reconcile.GoldTotal(settings, results),
	}, nil
}
