package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"loatodo/internal/models"
	"loatodo/internal/storage"
)

var (
	_ storage.OverrideStore   = (*Store)(nil)
	_ storage.CustomTaskStore = (*Store)(nil)
	_ storage.GrantStore      = (*Store)(nil)
	_ storage.CharacterStore  = (*Store)(nil)
	_ storage.GoldStore       = (*Store)(nil)
)

const grantColumns = `grantor, grantee, capabilities, created_at, updated_at`

func scanGrant(row rowScanner) (models.DelegationGrant, error) {
	var (
		g         models.DelegationGrant
		caps      int64
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&g.Grantor, &g.Grantee, &caps, &createdAt, &updatedAt); err != nil {
		return models.DelegationGrant{}, err
	}
	g.Capabilities = models.CapabilitySet(caps)
	g.CreatedAt = fromMillis(createdAt)
	g.UpdatedAt = fromMillis(updatedAt)
	return g, nil
}

// PutGrant creates or replaces the grant from grantor to grantee.
func (s *Store) PutGrant(ctx context.Context, grant models.DelegationGrant) error {
	grantor := strings.TrimSpace(grant.Grantor)
	grantee := strings.TrimSpace(grant.Grantee)
	if grantor == "" || grantee == "" {
		return fmt.Errorf("grantor and grantee are required")
	}
	if grantor == grantee {
		return fmt.Errorf("grantee must differ from grantor")
	}
	now := time.Now().UTC()
	if grant.CreatedAt.IsZero() {
		grant.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO delegation_grants (grantor, grantee, capabilities, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(grantor, grantee) DO UPDATE SET
            capabilities = excluded.capabilities,
            updated_at = excluded.updated_at`,
		grantor, grantee, int64(grant.Capabilities), toMillis(grant.CreatedAt), toMillis(now))
	return classify("put grant", err)
}

// GetGrant returns the grant from grantor to grantee.
func (s *Store) GetGrant(ctx context.Context, grantor, grantee string) (models.DelegationGrant, error) {
	g, err := scanGrant(s.db.QueryRowContext(ctx, `SELECT `+grantColumns+` FROM delegation_grants WHERE grantor = ? AND grantee = ?`, grantor, grantee))
	if err != nil {
		if isNoRows(err) {
			return models.DelegationGrant{}, storage.ErrNotFound
		}
		return models.DelegationGrant{}, classify("get grant", err)
	}
	return g, nil
}

// DeleteGrant revokes a grant.
func (s *Store) DeleteGrant(ctx context.Context, grantor, grantee string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM delegation_grants WHERE grantor = ? AND grantee = ?`, grantor, grantee)
	if err != nil {
		return classify("delete grant", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListGrantsByGrantor lists the grants an account has handed out.
func (s *Store) ListGrantsByGrantor(ctx context.Context, grantor string) ([]models.DelegationGrant, error) {
	return s.listGrants(ctx, `SELECT `+grantColumns+` FROM delegation_grants WHERE grantor = ? ORDER BY grantee`, grantor)
}

// ListGrantsByGrantee lists the grants an account has received.
func (s *Store) ListGrantsByGrantee(ctx context.Context, grantee string) ([]models.DelegationGrant, error) {
	return s.listGrants(ctx, `SELECT `+grantColumns+` FROM delegation_grants WHERE grantee = ? ORDER BY grantor`, grantee)
}

func (s *Store) listGrants(ctx context.Context, query string, arg string) ([]models.DelegationGrant, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, classify("list grants", err)
	}
	defer rows.Close()

	var out []models.DelegationGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, classify("scan grant", err)
		}
		out = append(out, g)
	}
	return out, classify("list grants", rows.Err())
}

// PutCharacter registers a character or renames an existing one.
func (s *Store) PutCharacter(ctx context.Context, c models.Character) error {
	if strings.TrimSpace(c.ID) == "" || strings.TrimSpace(c.Account) == "" || strings.TrimSpace(c.Server) == "" {
		return fmt.Errorf("character id, account and server are required")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO characters (id, account, server, name, created_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		c.ID, c.Account, c.Server, strings.TrimSpace(c.Name), toMillis(c.CreatedAt))
	return classify("put character", err)
}

// GetCharacter fetches a character by id.
func (s *Store) GetCharacter(ctx context.Context, characterID string) (models.Character, error) {
	var (
		c         models.Character
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, account, server, name, created_at FROM characters WHERE id = ?`, characterID).
		Scan(&c.ID, &c.Account, &c.Server, &c.Name, &createdAt)
	if err != nil {
		if isNoRows(err) {
			return models.Character{}, storage.ErrNotFound
		}
		return models.Character{}, classify("get character", err)
	}
	c.CreatedAt = fromMillis(createdAt)
	return c, nil
}

// ListCharacters returns an account's characters in registration order.
func (s *Store) ListCharacters(ctx context.Context, account string) ([]models.Character, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, account, server, name, created_at FROM characters WHERE account = ? ORDER BY created_at, id`, account)
	if err != nil {
		return nil, classify("list characters", err)
	}
	defer rows.Close()

	var out []models.Character
	for rows.Next() {
		var (
			c         models.Character
			createdAt int64
		)
		if err := rows.Scan(&c.ID, &c.Account, &c.Server, &c.Name, &createdAt); err != nil {
			return nil, classify("scan character", err)
		}
		c.CreatedAt = fromMillis(createdAt)
		out = append(out, c)
	}
	return out, classify("list characters", rows.Err())
}

// DeleteCharacter removes a character together with its overrides and gold
// settings. Server-wide state is left alone since other characters share it.
func (s *Store) DeleteCharacter(ctx context.Context, characterID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin delete character", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM characters WHERE id = ?`, characterID)
	if err != nil {
		return classify("delete character", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	scopeKey := models.CharacterScope("", characterID).Key()
	if _, err := tx.ExecContext(ctx, `DELETE FROM overrides WHERE scope_key = ?`, scopeKey); err != nil {
		return classify("delete character overrides", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM gold_settings WHERE character_id = ?`, characterID); err != nil {
		return classify("delete gold settings", err)
	}
	return classify("commit delete character", tx.Commit())
}

// GetGoldSettings returns a character's gold settings.
func (s *Store) GetGoldSettings(ctx context.Context, characterID string) (models.GoldSettings, error) {
	var (
		g         models.GoldSettings
		designate int
		mode      string
		explicit  string
	)
	err := s.db.QueryRowContext(ctx, `SELECT character_id, designated, mode, explicit_raids FROM gold_settings WHERE character_id = ?`, characterID).
		Scan(&g.CharacterID, &designate, &mode, &explicit)
	if err != nil {
		if isNoRows(err) {
			return models.GoldSettings{}, storage.ErrNotFound
		}
		return models.GoldSettings{}, classify("get gold settings", err)
	}
	g.GoldDesignated = designate != 0
	g.AccountingMode = models.AccountingMode(mode)
	if err := json.Unmarshal([]byte(explicit), &g.ExplicitGoldRaids); err != nil {
		return models.GoldSettings{}, fmt.Errorf("decode explicit raids: %w", err)
	}
	return g, nil
}

// PutGoldSettings stores a character's gold settings.
func (s *Store) PutGoldSettings(ctx context.Context, g models.GoldSettings) error {
	if g.ExplicitGoldRaids == nil {
		g.ExplicitGoldRaids = []string{}
	}
	explicit, err := json.Marshal(g.ExplicitGoldRaids)
	if err != nil {
		return fmt.Errorf("encode explicit raids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO gold_settings (character_id, designated, mode, explicit_raids, updated_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(character_id) DO UPDATE SET
            designated = excluded.designated,
            mode = excluded.mode,
            explicit_raids = excluded.explicit_raids,
            updated_at = excluded.updated_at`,
		g.CharacterID, boolToInt(g.GoldDesignated), string(g.AccountingMode), string(explicit), time.Now().UTC().UnixMilli())
	return classify("put gold settings", err)
}
