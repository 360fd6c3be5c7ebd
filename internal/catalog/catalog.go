// Package catalog serves task definitions: the global catalog loaded from a
// YAML document plus each account's custom tasks and raid order.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/cases"

	"loatodo/internal/apperr"
	"loatodo/internal/models"
	"loatodo/internal/storage"
)

const customIDPrefix = "custom-"

// IsCustomID reports whether id names a user-defined task.
func IsCustomID(id string) bool {
	return strings.HasPrefix(id, customIDPrefix)
}

// Catalog merges global and per-account definitions. Per-account listings
// are cached until a structural edit invalidates them.
type Catalog struct {
	global   map[string]models.TaskDefinition
	ordered  []models.TaskDefinition
	defaults Defaults
	custom   storage.CustomTaskStore
	logger   *slog.Logger

	mu    sync.RWMutex
	cache map[string][]models.TaskDefinition
	gen   map[string]uint64
	fill  singleflight.Group
}

// New builds a catalog from doc backed by custom for user-defined entries.
func New(doc *Document, custom storage.CustomTaskStore, logger *slog.Logger) (*Catalog, error) {
	if doc == nil {
		return nil, fmt.Errorf("catalog document is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	defs, defaults, err := doc.Definitions()
	if err != nil {
		return nil, err
	}
	global := make(map[string]models.TaskDefinition, len(defs))
	for _, def := range defs {
		global[def.ID] = def
	}
	return &Catalog{
		global:   global,
		ordered:  defs,
		defaults: defaults,
		custom:   custom,
		logger:   logger,
		cache:    make(map[string][]models.TaskDefinition),
		gen:      make(map[string]uint64),
	}, nil
}

// Defaults returns the catalog's reset anchors.
func (c *Catalog) Defaults() Defaults {
	return c.defaults
}

// Global returns the global definitions in catalog order.
func (c *Catalog) Global() []models.TaskDefinition {
	out := make([]models.TaskDefinition, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// GetDefinition looks up a global or custom definition.
func (c *Catalog) GetDefinition(ctx context.Context, taskID string) (models.TaskDefinition, error) {
	if def, ok := c.global[taskID]; ok {
		return def, nil
	}
	if !IsCustomID(taskID) {
		return models.TaskDefinition{}, apperr.WithMetadata(apperr.CodeNotFound, "task not found", map[string]string{"task_id": taskID})
	}
	def, err := c.custom.GetCustomTask(ctx, taskID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.TaskDefinition{}, apperr.WithMetadata(apperr.CodeNotFound, "task not found", map[string]string{"task_id": taskID})
	}
	if err != nil {
		return models.TaskDefinition{}, fmt.Errorf("get custom task: %w", err)
	}
	return def, nil
}

// ListDefinitions returns global definitions plus ownerAccount's custom
// ones. An empty scope returns both scopes.
func (c *Catalog) ListDefinitions(ctx context.Context, scope models.Scope, ownerAccount string) ([]models.TaskDefinition, error) {
	all, err := c.accountDefinitions(ctx, ownerAccount)
	if err != nil {
		return nil, err
	}
	out := make([]models.TaskDefinition, 0, len(all))
	for _, def := range all {
		if scope == "" || def.Scope == scope {
			out = append(out, def)
		}
	}
	return out, nil
}

// ListGroup returns the definitions checked together as group. A raid is
// its own group holding all of its gates; the raid's category only ties
// difficulty variants together for gold accounting. Other tasks are grouped
// by category.
func (c *Catalog) ListGroup(ctx context.Context, ownerAccount, group string) ([]models.TaskDefinition, error) {
	all, err := c.accountDefinitions(ctx, ownerAccount)
	if err != nil {
		return nil, err
	}
	var out []models.TaskDefinition
	for _, def := range all {
		if GroupOf(def) == group {
			out = append(out, def)
		}
	}
	if len(out) == 0 {
		return nil, apperr.WithMetadata(apperr.CodeNotFound, "group not found", map[string]string{"group": group})
	}
	return out, nil
}

// GroupOf names the check-all group def belongs to.
func GroupOf(def models.TaskDefinition) string {
	if def.Kind == models.KindRaid {
		return def.ID
	}
	return def.Category
}

func (c *Catalog) accountDefinitions(ctx context.Context, account string) ([]models.TaskDefinition, error) {
	c.mu.RLock()
	cached, ok := c.cache[account]
	gen := c.gen[account]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v, err, _ := c.fill.Do(fmt.Sprintf("%s#%d", account, gen), func() (any, error) {
		defs, err := c.load(ctx, account)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.gen[account] == gen {
			c.cache[account] = defs
		}
		c.mu.Unlock()
		return defs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.TaskDefinition), nil
}

func (c *Catalog) load(ctx context.Context, account string) ([]models.TaskDefinition, error) {
	defs := c.Global()
	if account == "" {
		return defs, nil
	}
	custom, err := c.custom.ListCustomTasks(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("list custom tasks: %w", err)
	}
	for _, def := range custom {
		def.Position += len(c.ordered)
		defs = append(defs, def)
	}

	order, err := c.custom.GetRaidOrder(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("get raid order: %w", err)
	}
	applyRaidOrder(defs, order)
	return defs, nil
}

// applyRaidOrder sorts the raid entries of defs in place, leaving every
// other entry where it is. Raids missing from order keep catalog order after
// the ordered ones.
func applyRaidOrder(defs []models.TaskDefinition, order []string) {
	if len(order) == 0 {
		return
	}
	rank := make(map[string]int, len(order))
	for i, id := range order {
		rank[id] = i
	}
	var slots []int
	var raids []models.TaskDefinition
	for i, def := range defs {
		if def.Kind == models.KindRaid {
			slots = append(slots, i)
			raids = append(raids, def)
		}
	}
	sort.SliceStable(raids, func(i, j int) bool {
		ri, iok := rank[raids[i].ID]
		rj, jok := rank[raids[j].ID]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return raids[i].Position < raids[j].Position
		}
	})
	for i, slot := range slots {
		defs[slot] = raids[i]
	}
}

// InvalidateAccount drops the cached listing for account.
func (c *Catalog) InvalidateAccount(account string) {
	c.mu.Lock()
	delete(c.cache, account)
	c.gen[account]++
	c.mu.Unlock()
}

// NewCustomTask describes a user-defined task to add.
type NewCustomTask struct {
	Name            string
	Scope           models.Scope
	Frequency       models.Frequency
	GateCount       int
	RewardTable     []int64
	VisibleWeekdays models.WeekdaySet
}

// AddCustomTask validates and stores a new custom task for ownerAccount.
func (c *Catalog) AddCustomTask(ctx context.Context, ownerAccount string, in NewCustomTask) (models.TaskDefinition, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return models.TaskDefinition{}, apperr.New(apperr.CodeInvalidArgument, "custom task name is required")
	}
	if in.Frequency != models.FrequencyDaily && in.Frequency != models.FrequencyWeekly {
		return models.TaskDefinition{}, apperr.WithMetadata(apperr.CodeInvalidFrequency, "custom tasks must be daily or weekly",
			map[string]string{"frequency": string(in.Frequency)})
	}
	scope := in.Scope
	if scope == "" {
		scope = models.ScopePerCharacter
	}
	if scope != models.ScopePerCharacter && scope != models.ScopeServerWide {
		return models.TaskDefinition{}, apperr.New(apperr.CodeInvalidArgument, "unknown scope")
	}
	gates := in.GateCount
	if gates == 0 {
		gates = 1
	}
	if gates < 0 || len(in.RewardTable) > gates {
		return models.TaskDefinition{}, apperr.New(apperr.CodeInvalidArgument, "invalid gate count")
	}
	visible := in.VisibleWeekdays
	if visible == 0 {
		visible = models.AllWeekdays
	}

	existing, err := c.custom.ListCustomTasks(ctx, ownerAccount)
	if err != nil {
		return models.TaskDefinition{}, fmt.Errorf("list custom tasks: %w", err)
	}
	key := nameKey(name)
	for _, def := range existing {
		if def.Scope == scope && nameKey(def.Name) == key {
			return models.TaskDefinition{}, apperr.WithMetadata(apperr.CodeDuplicateName, "custom task name already used", map[string]string{"name": name})
		}
	}

	def := models.TaskDefinition{
		ID:              customIDPrefix + uuid.NewString(),
		Name:            name,
		Kind:            models.KindContent,
		Scope:           scope,
		Frequency:       in.Frequency,
		ResetAnchor:     c.defaults.AnchorFor(in.Frequency),
		VisibleWeekdays: visible,
		GateCount:       gates,
		RewardTable:     in.RewardTable,
		DefaultEnabled:  true,
		OwnerAccount:    ownerAccount,
		Position:        len(existing),
	}
	def.Category = def.ID
	if err := c.custom.PutCustomTask(ctx, def, key); err != nil {
		return models.TaskDefinition{}, err
	}
	c.InvalidateAccount(ownerAccount)
	c.logger.Info("custom task added", slog.String("account", ownerAccount), slog.String("task_id", def.ID))
	return def, nil
}

// RemoveCustomTask deletes one of ownerAccount's custom tasks.
func (c *Catalog) RemoveCustomTask(ctx context.Context, ownerAccount, taskID string) error {
	if _, ok := c.global[taskID]; ok {
		return apperr.New(apperr.CodeNotOwner, "global tasks cannot be removed")
	}
	def, err := c.custom.GetCustomTask(ctx, taskID)
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.WithMetadata(apperr.CodeNotFound, "task not found", map[string]string{"task_id": taskID})
	}
	if err != nil {
		return fmt.Errorf("get custom task: %w", err)
	}
	if def.OwnerAccount != ownerAccount {
		return apperr.New(apperr.CodeNotOwner, "task belongs to another account")
	}
	err = c.custom.DeleteCustomTask(ctx, ownerAccount, taskID)
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.WithMetadata(apperr.CodeNotFound, "task not found", map[string]string{"task_id": taskID})
	}
	if err != nil {
		return fmt.Errorf("delete custom task: %w", err)
	}
	c.InvalidateAccount(ownerAccount)
	c.logger.Info("custom task removed", slog.String("account", ownerAccount), slog.String("task_id", taskID))
	return nil
}

// ReorderRaids stores the display order of ownerAccount's raids.
func (c *Catalog) ReorderRaids(ctx context.Context, ownerAccount string, taskIDs []string) error {
	seen := make(map[string]struct{}, len(taskIDs))
	for _, id := range taskIDs {
		if _, dup := seen[id]; dup {
			return apperr.WithMetadata(apperr.CodeInvalidArgument, "raid listed twice", map[string]string{"task_id": id})
		}
		seen[id] = struct{}{}
		def, err := c.GetDefinition(ctx, id)
		if err != nil {
			return err
		}
		if def.Kind != models.KindRaid || (def.Custom() && def.OwnerAccount != ownerAccount) {
			return apperr.WithMetadata(apperr.CodeInvalidArgument, "not a raid", map[string]string{"task_id": id})
		}
	}
	if err := c.custom.PutRaidOrder(ctx, ownerAccount, taskIDs); err != nil {
		return fmt.Errorf("put raid order: %w", err)
	}
	c.InvalidateAccount(ownerAccount)
	return nil
}

// nameKey folds case so "Guild Donation" and "guild donation" collide.
func nameKey(name string) string {
	return cases.Fold().String(strings.Join(strings.Fields(name), " "))
}
