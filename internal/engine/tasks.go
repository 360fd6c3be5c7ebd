package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"loatodo/internal/apperr"
	"loatodo/internal/authz"
	"loatodo/internal/catalog"
	"loatodo/internal/models"
	"loatodo/internal/notify"
	"loatodo/internal/reconcile"
	"loatodo/internal/storage"
)

// Target addresses where task state lives: one character, or one server for
// server-wide tasks. A character target also reaches the server-wide tasks
// of that character's server.
type Target struct {
	Character string
	Server    string
}

// TaskView is one task with its reconciled state. Redacted views carry only
// the task id.
type TaskView struct {
	Task     models.TaskDefinition  `json:"task"`
	Scope    *models.OwnerScope     `json:"scope,omitempty"`
	State    *models.EffectiveState `json:"state,omitempty"`
	Redacted bool                   `json:"redacted,omitempty"`
}

func redacted(taskID string) TaskView {
	return TaskView{Task: models.TaskDefinition{ID: taskID}, Redacted: true}
}

// GroupView summarises a named category.
type GroupView struct {
	Group    string     `json:"group"`
	Tasks    []TaskView `json:"tasks"`
	Complete int        `json:"complete"`
	Reward   int64      `json:"reward"`
}

func newGroupView(group string, views []TaskView) GroupView {
	g := GroupView{Group: group, Tasks: views}
	for _, v := range views {
		if v.State == nil {
			continue
		}
		if v.State.Status == models.StatusComplete {
			g.Complete++
		}
		g.Reward += v.State.RewardEarned
	}
	return g
}

// ProgressChange is either a relative step or an absolute value.
type ProgressChange struct {
	Delta    int
	Absolute *int
}

func (c ProgressChange) apply(current int) int {
	if c.Absolute != nil {
		return *c.Absolute
	}
	return current + c.Delta
}

// ListOptions controls which tasks ListTasks returns.
type ListOptions struct {
	// All includes disabled tasks and server-wide tasks hidden today.
	All bool
}

// definition loads taskID as seen by p.Owner. Another account's custom task
// is reported as missing.
func (e *Engine) definition(ctx context.Context, p Principal, taskID string) (models.TaskDefinition, error) {
	def, err := withRetry(ctx, e, "get definition", func(ctx context.Context) (models.TaskDefinition, error) {
		return e.catalog.GetDefinition(ctx, taskID)
	})
	if err != nil {
		return models.TaskDefinition{}, err
	}
	if def.Custom() && def.OwnerAccount != p.Owner {
		return models.TaskDefinition{}, notFound("task", taskID)
	}
	return def, nil
}

// character loads characterID and checks it belongs to p.Owner.
func (e *Engine) character(ctx context.Context, p Principal, characterID string) (models.Character, error) {
	ch, err := withRetry(ctx, e, "get character", func(ctx context.Context) (models.Character, error) {
		return e.store.GetCharacter(ctx, characterID)
	})
	if err != nil {
		return models.Character{}, storeErr(err, "character", characterID)
	}
	if ch.Account != p.Owner {
		return models.Character{}, notFound("character", characterID)
	}
	return ch, nil
}

// resolve picks the owner scope holding def's state for target.
func (e *Engine) resolve(ctx context.Context, p Principal, target Target, def models.TaskDefinition) (models.OwnerScope, error) {
	if target.Character != "" {
		ch, err := e.character(ctx, p, target.Character)
		if err != nil {
			return models.OwnerScope{}, err
		}
		if def.Scope == models.ScopeServerWide {
			return models.ServerScope(p.Owner, ch.Server), nil
		}
		return models.CharacterScope(p.Owner, ch.ID), nil
	}
	if strings.TrimSpace(target.Server) == "" {
		return models.OwnerScope{}, apperr.New(apperr.CodeInvalidArgument, "character or server is required")
	}
	if def.Scope != models.ScopeServerWide {
		return models.OwnerScope{}, apperr.WithMetadata(apperr.CodeInvalidArgument, "task is tracked per character",
			map[string]string{"task_id": def.ID})
	}
	return models.ServerScope(p.Owner, target.Server), nil
}

func (e *Engine) override(ctx context.Context, scope models.OwnerScope, taskID string) (models.OverrideState, error) {
	ov, err := withRetry(ctx, e, "get override", func(ctx context.Context) (models.OverrideState, error) {
		return e.store.GetOverride(ctx, scope.Key(), taskID)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return models.OverrideState{}, nil
	}
	return ov, err
}

func (e *Engine) overrides(ctx context.Context, scope models.OwnerScope) (map[string]models.OverrideState, error) {
	list, err := withRetry(ctx, e, "list overrides", func(ctx context.Context) ([]models.OverrideState, error) {
		return e.store.ListOverrides(ctx, scope.Key())
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.OverrideState, len(list))
	for _, ov := range list {
		out[ov.TaskID] = ov
	}
	return out, nil
}

// TaskState returns the reconciled state of one task. A caller without the
// view capability gets a redacted view instead of an error, and a caller
// holding no grant at all gets one before anything is looked up.
func (e *Engine) TaskState(ctx context.Context, p Principal, target Target, taskID string) (TaskView, error) {
	if err := p.validate(); err != nil {
		return TaskView{}, err
	}
	granted, err := e.holdsGrant(ctx, p)
	if err != nil {
		return TaskView{}, err
	}
	if !granted {
		return redacted(taskID), nil
	}
	def, err := e.definition(ctx, p, taskID)
	if err != nil {
		return TaskView{}, err
	}
	ok, err := e.canView(ctx, p, authz.TaskAction(def, false))
	if err != nil {
		return TaskView{}, err
	}
	if !ok {
		return redacted(taskID), nil
	}
	scope, err := e.resolve(ctx, p, target, def)
	if err != nil {
		return TaskView{}, err
	}
	ov, err := e.override(ctx, scope, taskID)
	if err != nil {
		return TaskView{}, err
	}
	state := reconcile.Effective(def, ov, e.now())
	return TaskView{Task: def, Scope: &scope, State: &state}, nil
}

// ListTasks returns the tasks of target in display order. Tasks acting may
// not view are left out; a caller holding no grant gets an empty list. Without opts.All only enabled tasks visible today
// are returned.
func (e *Engine) ListTasks(ctx context.Context, p Principal, target Target, opts ListOptions) ([]TaskView, error) {
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
		return []TaskView{}, nil
	}

	var (
		scope      models.Scope
		charScope  models.OwnerScope
		serverName = target.Server
	)
	if target.Character != "" {
		ch, err := e.character(ctx, p, target.Character)
		if err != nil {
			return nil, err
		}
		charScope = models.CharacterScope(p.Owner, ch.ID)
		serverName = ch.Server
	} else {
		if strings.TrimSpace(serverName) == "" {
			return nil, apperr.New(apperr.CodeInvalidArgument, "character or server is required")
		}
		scope = models.ScopeServerWide
	}
	serverScope := models.ServerScope(p.Owner, serverName)

	defs, err := withRetry(ctx, e, "list definitions", func(ctx context.Context) ([]models.TaskDefinition, error) {
		return e.catalog.ListDefinitions(ctx, scope, p.Owner)
	})
	if err != nil {
		return nil, err
	}
	serverState, err := e.overrides(ctx, serverScope)
	if err != nil {
		return nil, err
	}
	charState := map[string]models.OverrideState{}
	if target.Character != "" {
		if charState, err = e.overrides(ctx, charScope); err != nil {
			return nil, err
		}
	}

	now := e.now()
	views := make([]TaskView, 0, len(defs))
	for _, def := range defs {
		if !authz.Permits(caps, authz.TaskAction(def, false)) {
			continue
		}
		owner, states := charScope, charState
		if def.Scope == models.ScopeServerWide {
			owner, states = serverScope, serverState
		}
		state := reconcile.Effective(def, states[def.ID], now)
		if !opts.All && (!state.Enabled || !state.VisibleToday) {
			continue
		}
		views = append(views, TaskView{Task: def, Scope: &owner, State: &state})
	}
	return views, nil
}

// GroupState returns the reconciled state of every task in group. Tasks
// acting may not view are redacted.
func (e *Engine) GroupState(ctx context.Context, p Principal, target Target, group string) (GroupView, error) {
	if err := p.validate(); err != nil {
		return GroupView{}, err
	}
	defs, err := e.group(ctx, p, group)
	if err != nil {
		return GroupView{}, err
	}
	views := make([]TaskView, 0, len(defs))
	for _, def := range defs {
		v, err := e.TaskState(ctx, p, target, def.ID)
		if err != nil {
			return GroupView{}, err
		}
		views = append(views, v)
	}
	return newGroupView(group, views), nil
}

func (e *Engine) group(ctx context.Context, p Principal, group string) ([]models.TaskDefinition, error) {
	return withRetry(ctx, e, "list group", func(ctx context.Context) ([]models.TaskDefinition, error) {
		return e.catalog.ListGroup(ctx, p.Owner, group)
	})
}

// SubmitProgress moves a task's progress by a delta or to an absolute value.
// Results outside [0, gateCount] fail with InvalidState and change nothing.
func (e *Engine) SubmitProgress(ctx context.Context, p Principal, target Target, taskID string, change ProgressChange) (TaskView, error) {
	if err := p.validate(); err != nil {
		return TaskView{}, err
	}
	if err := e.requireGrant(ctx, p); err != nil {
		return TaskView{}, err
	}
	def, err := e.definition(ctx, p, taskID)
	if err != nil {
		return TaskView{}, err
	}
	if err := e.authorize(ctx, p, authz.TaskAction(def, true)); err != nil {
		return TaskView{}, err
	}
	scope, err := e.resolve(ctx, p, target, def)
	if err != nil {
		return TaskView{}, err
	}
	return e.setProgress(ctx, p, def, scope, change)
}

func (e *Engine) setProgress(ctx context.Context, p Principal, def models.TaskDefinition, scope models.OwnerScope, change ProgressChange) (TaskView, error) {
	state, err := e.mutate(ctx, def, scope, func(cur models.OverrideState) (models.OverrideState, error) {
		next := change.apply(cur.Progress)
		if next < 0 || next > def.GateCount {
			return cur, apperr.WithMetadata(apperr.CodeInvalidState, "progress out of range", map[string]string{
				"task_id": def.ID,
			})
		}
		cur.Progress = next
		return cur, nil
	})
	if err != nil {
		return TaskView{}, err
	}
	e.notifyDelegated(p, def, scope, state)
	return TaskView{Task: def, Scope: &scope, State: &state}, nil
}

// SubmitEnabledToggle sets the owner's enabled override for a task.
func (e *Engine) SubmitEnabledToggle(ctx context.Context, p Principal, target Target, taskID string, enabled bool) (TaskView, error) {
	if err := p.validate(); err != nil {
		return TaskView{}, err
	}
	if err := e.requireGrant(ctx, p); err != nil {
		return TaskView{}, err
	}
	def, err := e.definition(ctx, p, taskID)
	if apperr.Is(err, apperr.CodeNotFound) && catalog.IsCustomID(taskID) {
		return TaskView{}, apperr.WithMetadata(apperr.CodeInvalidState, "custom task does not exist", map[string]string{"task_id": taskID})
	}
	if err != nil {
		return TaskView{}, err
	}
	if err := e.authorize(ctx, p, authz.ActionChangeSettings); err != nil {
		return TaskView{}, err
	}
	scope, err := e.resolve(ctx, p, target, def)
	if err != nil {
		return TaskView{}, err
	}
	state, err := e.mutate(ctx, def, scope, func(cur models.OverrideState) (models.OverrideState, error) {
		v := enabled
		cur.EnabledOverride = &v
		return cur, nil
	})
	if err != nil {
		return TaskView{}, err
	}
	e.notifyDelegated(p, def, scope, state)
	return TaskView{Task: def, Scope: &scope, State: &state}, nil
}

// CheckAll completes every task in group, one idempotent mutation per task.
// Each task needs the same capability a single progress update on it needs.
// On failure the tasks already completed stay completed and are returned
// with the error.
func (e *Engine) CheckAll(ctx context.Context, p Principal, target Target, group string) (GroupView, error) {
	if err := p.validate(); err != nil {
		return GroupView{}, err
	}
	if err := e.requireGrant(ctx, p); err != nil {
		return GroupView{}, err
	}
	defs, err := e.group(ctx, p, group)
	if err != nil {
		return GroupView{}, err
	}
	for _, def := range defs {
		if err := e.authorize(ctx, p, authz.TaskAction(def, true)); err != nil {
			return GroupView{}, err
		}
	}

	views := make([]TaskView, 0, len(defs))
	for _, def := range defs {
		scope, err := e.resolve(ctx, p, target, def)
		if err != nil {
			return GroupView{}, err
		}
		full := def.GateCount
		v, err := e.setProgress(ctx, p, def, scope, ProgressChange{Absolute: &full})
		if err != nil {
			e.logger.Warn("check all stopped",
				slog.String("group", group),
				slog.String("task_id", def.ID),
				slog.Int("completed", len(views)),
				slog.String("error", err.Error()),
			)
			return newGroupView(group, views), err
		}
		views = append(views, v)
	}
	return newGroupView(group, views), nil
}

// mutate runs fn against the reset-normalized override on the key's lane
// and returns the reconciled result.
func (e *Engine) mutate(ctx context.Context, def models.TaskDefinition, scope models.OwnerScope, fn storage.MutateFunc) (models.EffectiveState, error) {
	var (
		result models.OverrideState
		at     time.Time
	)
	err := e.coordinator.Submit(ctx, OverrideKey(scope, def.ID), func(ctx context.Context) error {
		ov, err := withRetry(ctx, e, "upsert override", func(ctx context.Context) (models.OverrideState, error) {
			return e.store.UpsertOverride(ctx, scope.Key(), def.ID, func(cur models.OverrideState) (models.OverrideState, error) {
				at = e.now()
				return fn(reconcile.Normalize(def, cur, at))
			})
		})
		if err != nil {
			return err
		}
		result = ov
		return nil
	})
	if err != nil {
		return models.EffectiveState{}, err
	}
	return reconcile.Effective(def, result, at), nil
}

// OverrideKey is the coordinator lane for one task of one owner scope.
func OverrideKey(scope models.OwnerScope, taskID string) string {
	return "override/" + scope.Key() + "/" + taskID
}

func (e *Engine) notifyDelegated(p Principal, def models.TaskDefinition, scope models.OwnerScope, state models.EffectiveState) {
	if e.publisher == nil || p.Acting == p.Owner || def.Scope != models.ScopeServerWide {
		return
	}
	e.publisher.Publish(notify.Event{
		Acting:   p.Acting,
		Owner:    p.Owner,
		Server:   scope.Server,
		TaskID:   def.ID,
		Progress: state.Progress,
		Enabled:  state.Enabled,
		At:       e.now(),
	})
}
