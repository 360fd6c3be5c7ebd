package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"loatodo/internal/apperr"
	"loatodo/internal/models"
	"loatodo/internal/storage"
)

const customTaskColumns = `id, owner_account, name, kind, scope, frequency, category,
    reset_hour, reset_minute, reset_weekday, visible_weekdays, gate_count, rewards, default_enabled, position`

func scanCustomTask(row rowScanner) (models.TaskDefinition, error) {
	var (
		def     models.TaskDefinition
		weekday int
		visible int
		rewards string
		enabled int
		kind    string
		scope   string
		freq    string
	)
	err := row.Scan(&def.ID, &def.OwnerAccount, &def.Name, &kind, &scope, &freq, &def.Category,
		&def.ResetAnchor.Hour, &def.ResetAnchor.Minute, &weekday, &visible, &def.GateCount, &rewards, &enabled, &def.Position)
	if err != nil {
		return models.TaskDefinition{}, err
	}
	def.Kind = models.Kind(kind)
	def.Scope = models.Scope(scope)
	def.Frequency = models.Frequency(freq)
	def.ResetAnchor.Weekday = time.Weekday(weekday)
	def.VisibleWeekdays = models.WeekdaySet(visible)
	def.DefaultEnabled = enabled != 0
	if err := json.Unmarshal([]byte(rewards), &def.RewardTable); err != nil {
		return models.TaskDefinition{}, fmt.Errorf("decode rewards for %s: %w", def.ID, err)
	}
	return def, nil
}

// GetCustomTask fetches a custom task by id.
func (s *Store) GetCustomTask(ctx context.Context, taskID string) (models.TaskDefinition, error) {
	def, err := scanCustomTask(s.db.QueryRowContext(ctx, `SELECT `+customTaskColumns+` FROM custom_tasks WHERE id = ?`, taskID))
	if err != nil {
		if isNoRows(err) {
			return models.TaskDefinition{}, storage.ErrNotFound
		}
		return models.TaskDefinition{}, classify("get custom task", err)
	}
	return def, nil
}

// ListCustomTasks returns an account's custom tasks in creation order.
func (s *Store) ListCustomTasks(ctx context.Context, ownerAccount string) ([]models.TaskDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+customTaskColumns+` FROM custom_tasks WHERE owner_account = ? ORDER BY position, created_at, id`, ownerAccount)
	if err != nil {
		return nil, classify("list custom tasks", err)
	}
	defer rows.Close()

	var out []models.TaskDefinition
	for rows.Next() {
		def, err := scanCustomTask(rows)
		if err != nil {
			return nil, classify("scan custom task", err)
		}
		out = append(out, def)
	}
	return out, classify("list custom tasks", rows.Err())
}

// PutCustomTask inserts a custom task. nameKey is the normalised name used
// for the per-account uniqueness constraint.
func (s *Store) PutCustomTask(ctx context.Context, def models.TaskDefinition, nameKey string) error {
	rewards, err := json.Marshal(def.RewardTable)
	if err != nil {
		return fmt.Errorf("encode rewards: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO custom_tasks (
            id, owner_account, name, name_key, kind, scope, frequency, category,
            reset_hour, reset_minute, reset_weekday, visible_weekdays, gate_count, rewards, default_enabled, position, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.OwnerAccount, def.Name, nameKey, string(def.Kind), string(def.Scope), string(def.Frequency), def.Category,
		def.ResetAnchor.Hour, def.ResetAnchor.Minute, int(def.ResetAnchor.Weekday), int(def.VisibleWeekdays),
		def.GateCount, string(rewards), boolToInt(def.DefaultEnabled), def.Position, time.Now().UTC().UnixMilli())
	if isUniqueViolation(err) {
		return apperr.WithMetadata(apperr.CodeDuplicateName, "custom task name already used", map[string]string{"name": def.Name})
	}
	return classify("insert custom task", err)
}

// DeleteCustomTask removes an account's custom task and its raid order entry.
func (s *Store) DeleteCustomTask(ctx context.Context, ownerAccount, taskID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin delete custom task", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM custom_tasks WHERE id = ? AND owner_account = ?`, taskID, ownerAccount)
	if err != nil {
		return classify("delete custom task", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM raid_orders WHERE owner_account = ? AND task_id = ?`, ownerAccount, taskID); err != nil {
		return classify("delete raid order entry", err)
	}
	return classify("commit delete custom task", tx.Commit())
}

// GetRaidOrder returns the account's raid ids in display order.
func (s *Store) GetRaidOrder(ctx context.Context, ownerAccount string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id FROM raid_orders WHERE owner_account = ? ORDER BY position`, ownerAccount)
	if err != nil {
		return nil, classify("get raid order", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify("scan raid order", err)
		}
		ids = append(ids, id)
	}
	return ids, classify("get raid order", rows.Err())
}

// PutRaidOrder replaces the account's raid order.
func (s *Store) PutRaidOrder(ctx context.Context, ownerAccount string, taskIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin raid order", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM raid_orders WHERE owner_account = ?`, ownerAccount); err != nil {
		return classify("clear raid order", err)
	}
	for i, id := range taskIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO raid_orders (owner_account, task_id, position) VALUES (?, ?, ?)`, ownerAccount, id, i); err != nil {
			return classify("insert raid order", err)
		}
	}
	return classify("commit raid order", tx.Commit())
}
