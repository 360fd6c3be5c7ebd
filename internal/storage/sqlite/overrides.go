package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"loatodo/internal/models"
	"loatodo/internal/storage"
)

type rowScanner interface {
	Scan(dest ...any) error
}

const overrideColumns = `scope_key, task_id, enabled, progress, last_reset_at, updated_at`

func scanOverride(row rowScanner) (models.OverrideState, error) {
	var (
		ov        models.OverrideState
		enabled   sql.NullInt64
		lastReset int64
		updatedAt int64
	)
	if err := row.Scan(&ov.ScopeKey, &ov.TaskID, &enabled, &ov.Progress, &lastReset, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.OverrideState{}, storage.ErrNotFound
		}
		return models.OverrideState{}, err
	}
	if enabled.Valid {
		v := enabled.Int64 != 0
		ov.EnabledOverride = &v
	}
	ov.LastResetAt = fromMillis(lastReset)
	ov.UpdatedAt = fromMillis(updatedAt)
	return ov, nil
}

// GetOverride fetches the state stored for one (scope, task) key.
func (s *Store) GetOverride(ctx context.Context, scopeKey, taskID string) (models.OverrideState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+overrideColumns+` FROM overrides WHERE scope_key = ? AND task_id = ?`, scopeKey, taskID)
	ov, err := scanOverride(row)
	if errors.Is(err, storage.ErrNotFound) {
		return models.OverrideState{}, err
	}
	if err != nil {
		return models.OverrideState{}, classify("get override", err)
	}
	return ov, nil
}

// ListOverrides returns every override stored for a scope.
func (s *Store) ListOverrides(ctx context.Context, scopeKey string) ([]models.OverrideState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+overrideColumns+` FROM overrides WHERE scope_key = ? ORDER BY task_id`, scopeKey)
	if err != nil {
		return nil, classify("list overrides", err)
	}
	defer rows.Close()

	var out []models.OverrideState
	for rows.Next() {
		ov, err := scanOverride(rows)
		if err != nil {
			return nil, classify("scan override", err)
		}
		out = append(out, ov)
	}
	return out, classify("list overrides", rows.Err())
}

// UpsertOverride reads the current row, hands it to fn and writes the
// result inside one immediate transaction, so concurrent writers on the same
// key are serialized by SQLite's write lock.
func (s *Store) UpsertOverride(ctx context.Context, scopeKey, taskID string, fn storage.MutateFunc) (models.OverrideState, error) {
	if strings.TrimSpace(scopeKey) == "" || strings.TrimSpace(taskID) == "" {
		return models.OverrideState{}, fmt.Errorf("scope and task id are required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.OverrideState{}, classify("begin upsert", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanOverride(tx.QueryRowContext(ctx, `SELECT `+overrideColumns+` FROM overrides WHERE scope_key = ? AND task_id = ?`, scopeKey, taskID))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		current = models.OverrideState{ScopeKey: scopeKey, TaskID: taskID}
	case err != nil:
		return models.OverrideState{}, classify("read override", err)
	}

	next, err := fn(current)
	if err != nil {
		return models.OverrideState{}, err
	}
	next.ScopeKey = scopeKey
	next.TaskID = taskID
	next.UpdatedAt = time.Now().UTC()
	if next.LastResetAt.Before(current.LastResetAt) {
		next.LastResetAt = current.LastResetAt
	}

	var enabled sql.NullInt64
	if next.EnabledOverride != nil {
		enabled = sql.NullInt64{Int64: int64(boolToInt(*next.EnabledOverride)), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO overrides (scope_key, task_id, enabled, progress, last_reset_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(scope_key, task_id) DO UPDATE SET
            enabled = excluded.enabled,
            progress = excluded.progress,
            last_reset_at = excluded.last_reset_at,
            updated_at = excluded.updated_at`,
		scopeKey, taskID, enabled, next.Progress, toMillis(next.LastResetAt), toMillis(next.UpdatedAt))
	if err != nil {
		return models.OverrideState{}, classify("write override", err)
	}
	if err := tx.Commit(); err != nil {
		return models.OverrideState{}, classify("commit override", err)
	}
	return next, nil
}
