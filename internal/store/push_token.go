package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/wavecall/wavecall/internal/store/models"
)

// pushTokenRepo implements PushTokenRepository.
type pushTokenRepo struct {
	db *DB
}

// NewPushTokenRepository creates a new PushTokenRepository.
func NewPushTokenRepository(db *DB) PushTokenRepository {
	return &pushTokenRepo{db: db}
}

// Upsert inserts or updates a push token keyed by its token value. A token
// re-registered by another number moves to the new owner.
func (r *pushTokenRepo) Upsert(ctx context.Context, token *models.PushToken) error {
	now := time.Now().UTC()
	var production sql.NullBool
	if token.Production != nil {
		production = sql.NullBool{Bool: *token.Production, Valid: true}
	}
	_, err := r.db.exec(ctx,
		`INSERT INTO push_tokens (token, number, platform, production, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(token) DO UPDATE SET
		   number = excluded.number,
		   platform = excluded.platform,
		   production = excluded.production,
		   active = excluded.active,
		   updated_at = excluded.updated_at`,
		token.Token, token.Number, token.Platform, production, token.Active, now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting push token: %w", err)
	}
	return nil
}

const pushTokenColumns = `token, number, platform, production, active, created_at, updated_at`

func scanPushTokens(rows *sql.Rows) ([]models.PushToken, error) {
	var tokens []models.PushToken
	for rows.Next() {
		var t models.PushToken
		var production sql.NullBool
		if err := rows.Scan(&t.Token, &t.Number, &t.Platform, &production, &t.Active,
			&t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning push token row: %w", err)
		}
		if production.Valid {
			t.Production = &production.Bool
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// ListActiveByNumber returns all active push tokens registered to a number.
func (r *pushTokenRepo) ListActiveByNumber(ctx context.Context, number string) ([]models.PushToken, error) {
	rows, err := r.db.query(ctx,
		`SELECT `+pushTokenColumns+` FROM push_tokens
		 WHERE number = ? AND active = ? ORDER BY updated_at DESC`, number, true)
	if err != nil {
		return nil, fmt.Errorf("querying push tokens: %w", err)
	}
	defer rows.Close()
	return scanPushTokens(rows)
}

// ListCancelTargets returns the active tokens of the number plus those of
// its alias target — every device that may be ringing for a call toward
// this number.
func (r *pushTokenRepo) ListCancelTargets(ctx context.Context, number string) ([]models.PushToken, error) {
	rows, err := r.db.query(ctx,
		`SELECT `+pushTokenColumns+` FROM push_tokens
		 WHERE active = ? AND (number = ?
		   OR number = (SELECT alias_for FROM phone_numbers WHERE number = ?))
		 ORDER BY updated_at DESC`, true, number, number)
	if err != nil {
		return nil, fmt.Errorf("querying cancel targets: %w", err)
	}
	defer rows.Close()
	return scanPushTokens(rows)
}
