package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/wavecall/wavecall/internal/store/models"
)

// phoneNumberRepo implements PhoneNumberRepository.
type phoneNumberRepo struct {
	db *DB
}

// NewPhoneNumberRepository creates a new PhoneNumberRepository.
func NewPhoneNumberRepository(db *DB) PhoneNumberRepository {
	return &phoneNumberRepo{db: db}
}

const phoneNumberColumns = `number, name, password, avatar, sip_in, sip_out, alias_for, state, managed_by, created_at, updated_at`

// scanPhoneNumber reads one phone_numbers row.
func scanPhoneNumber(row interface{ Scan(...any) error }) (*models.PhoneNumber, error) {
	var n models.PhoneNumber
	var aliasFor, managedBy sql.NullString
	err := row.Scan(&n.Number, &n.Name, &n.Password, &n.Avatar, &n.SIPIn, &n.SIPOut,
		&aliasFor, &n.State, &managedBy, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if aliasFor.Valid {
		n.AliasFor = &aliasFor.String
	}
	if managedBy.Valid {
		n.ManagedBy = &managedBy.String
	}
	return &n, nil
}

// GetByNumber loads a phone number with group memberships, active push
// tokens, and its alias target (one level, fully loaded).
func (r *phoneNumberRepo) GetByNumber(ctx context.Context, number string) (*models.PhoneNumber, error) {
	n, err := r.getBare(ctx, number)
	if err != nil {
		return nil, err
	}
	if err := r.loadRelations(ctx, n); err != nil {
		return nil, err
	}

	// Alias indirection unwinds exactly one level.
	if n.AliasFor != nil {
		target, err := r.getBare(ctx, *n.AliasFor)
		if err == nil {
			if err := r.loadRelations(ctx, target); err != nil {
				return nil, err
			}
			n.AliasOf = target
		} else if err != ErrNotFound {
			return nil, err
		}
	}

	return n, nil
}

func (r *phoneNumberRepo) getBare(ctx context.Context, number string) (*models.PhoneNumber, error) {
	n, err := scanPhoneNumber(r.db.queryRow(ctx,
		`SELECT `+phoneNumberColumns+` FROM phone_numbers WHERE number = ?`, number))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying phone number: %w", err)
	}
	return n, nil
}

func (r *phoneNumberRepo) loadRelations(ctx context.Context, n *models.PhoneNumber) error {
	rows, err := r.db.query(ctx,
		`SELECT group_id FROM phone_number_groups WHERE number = ? ORDER BY group_id`, n.Number)
	if err != nil {
		return fmt.Errorf("querying group memberships: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scanning group membership: %w", err)
		}
		n.GroupIDs = append(n.GroupIDs, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	tokens, err := NewPushTokenRepository(r.db).ListActiveByNumber(ctx, n.Number)
	if err != nil {
		return err
	}
	n.PushTokens = tokens
	return nil
}

// UpdateName sets the display name presented as caller id.
func (r *phoneNumberRepo) UpdateName(ctx context.Context, number, name string) error {
	_, err := r.db.exec(ctx,
		`UPDATE phone_numbers SET name = ?, updated_at = ? WHERE number = ?`,
		name, time.Now().UTC(), number)
	if err != nil {
		return fmt.Errorf("updating phone number name: %w", err)
	}
	return nil
}

// ListContacts returns ACTIVE numbers sharing a group with groupIDs,
// excluding self, ordered by name.
func (r *phoneNumberRepo) ListContacts(ctx context.Context, self string, groupIDs []string, skip, limit int) ([]models.PhoneNumber, int, error) {
	if len(groupIDs) == 0 {
		return nil, 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(groupIDs)), ", ")
	args := make([]any, 0, len(groupIDs)+3)
	for _, id := range groupIDs {
		args = append(args, id)
	}
	args = append(args, self)

	where := `state = 'ACTIVE'
		AND number IN (SELECT number FROM phone_number_groups WHERE group_id IN (` + placeholders + `))
		AND number <> ?`

	var total int
	if err := r.db.queryRow(ctx,
		`SELECT COUNT(*) FROM phone_numbers WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting contacts: %w", err)
	}

	args = append(args, limit, skip)
	rows, err := r.db.query(ctx,
		`SELECT `+phoneNumberColumns+` FROM phone_numbers WHERE `+where+`
		 ORDER BY name ASC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying contacts: %w", err)
	}
	defer rows.Close()

	var contacts []models.PhoneNumber
	for rows.Next() {
		n, err := scanPhoneNumber(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning contact row: %w", err)
		}
		contacts = append(contacts, *n)
	}
	return contacts, total, rows.Err()
}

// ResolveSIPSource returns the SIP-capable source identity for an outgoing
// SIP notification, or "" when neither the number nor any of its aliases
// can place SIP calls.
func (r *phoneNumberRepo) ResolveSIPSource(ctx context.Context, number string) (string, error) {
	n, err := r.getBare(ctx, number)
	if err == ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if n.SIPOut {
		return number, nil
	}
	return r.firstAliasWith(ctx, number, "sip_out")
}

// ResolveSIPDest returns the SIP-capable destination identity. Numbers
// unknown to the directory pass through unchanged: external SIP boxes have
// no directory entry.
func (r *phoneNumberRepo) ResolveSIPDest(ctx context.Context, number string) (string, error) {
	n, err := r.getBare(ctx, number)
	if err == ErrNotFound {
		return number, nil
	}
	if err != nil {
		return "", err
	}
	if n.SIPIn {
		return number, nil
	}
	return r.firstAliasWith(ctx, number, "sip_in")
}

// firstAliasWith returns the first number aliasing target that carries the
// given capability column, or "".
func (r *phoneNumberRepo) firstAliasWith(ctx context.Context, target, capability string) (string, error) {
	var alias string
	err := r.db.queryRow(ctx,
		`SELECT number FROM phone_numbers WHERE alias_for = ? AND `+capability+` = ?
		 ORDER BY created_at ASC LIMIT 1`, target, true).Scan(&alias)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying %s alias: %w", capability, err)
	}
	return alias, nil
}
