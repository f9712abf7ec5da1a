package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/wavecall/wavecall/internal/store/models"
)

// callRepo implements CallRepository with soft-delete semantics.
type callRepo struct {
	db *DB
}

// NewCallRepository creates a new CallRepository.
func NewCallRepository(db *DB) CallRepository {
	return &callRepo{db: db}
}

const callColumns = `id, room_id, kind, state, from_number, to_number, feedback, deleted, created_at`

// Create inserts a new call.
func (r *callRepo) Create(ctx context.Context, call *models.Call) error {
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.exec(ctx,
		`INSERT INTO calls (id, room_id, kind, state, from_number, to_number, feedback, deleted, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		call.ID, call.RoomID, call.Kind, call.State, call.FromNumber, call.ToNumber,
		call.Feedback, false, call.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting call: %w", err)
	}
	return nil
}

func scanCall(row interface{ Scan(...any) error }) (*models.Call, error) {
	var c models.Call
	err := row.Scan(&c.ID, &c.RoomID, &c.Kind, &c.State, &c.FromNumber, &c.ToNumber,
		&c.Feedback, &c.Deleted, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetByID returns a call by id, excluding soft-deleted rows.
func (r *callRepo) GetByID(ctx context.Context, id string) (*models.Call, error) {
	c, err := scanCall(r.db.queryRow(ctx,
		`SELECT `+callColumns+` FROM calls WHERE id = ? AND deleted = ?`, id, false))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying call: %w", err)
	}
	return c, nil
}

// TransitionState atomically moves the call to the target state if its
// current state is one of from. The guard lives in the UPDATE itself, so two
// racing callers can never both succeed: the row is matched at most once and
// the loser sees zero affected rows.
func (r *callRepo) TransitionState(ctx context.Context, id string, from []models.CallState, to models.CallState) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition call state: empty from set")
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	args := make([]any, 0, len(from)+3)
	args = append(args, to, id, false)
	for _, s := range from {
		args = append(args, s)
	}

	result, err := r.db.exec(ctx,
		`UPDATE calls SET state = ? WHERE id = ? AND deleted = ? AND state IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return false, fmt.Errorf("transitioning call state: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading affected rows: %w", err)
	}
	return affected > 0, nil
}

// ListRecents returns calls where number is either leg, newest first.
func (r *callRepo) ListRecents(ctx context.Context, number string, skip, limit int) ([]models.Call, int, error) {
	where := `deleted = ? AND (from_number = ? OR to_number = ?)`

	var total int
	if err := r.db.queryRow(ctx,
		`SELECT COUNT(*) FROM calls WHERE `+where, false, number, number).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting recent calls: %w", err)
	}

	rows, err := r.db.query(ctx,
		`SELECT `+callColumns+` FROM calls WHERE `+where+`
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`, false, number, number, limit, skip)
	if err != nil {
		return nil, 0, fmt.Errorf("querying recent calls: %w", err)
	}
	defer rows.Close()

	var calls []models.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning call row: %w", err)
		}
		calls = append(calls, *c)
	}
	return calls, total, rows.Err()
}

// SoftDelete marks the given calls deleted, restricted to calls where
// number is a participant. Rows are never physically removed.
func (r *callRepo) SoftDelete(ctx context.Context, number string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, 0, len(ids)+4)
	args = append(args, true, false)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, number, number)

	result, err := r.db.exec(ctx,
		`UPDATE calls SET deleted = ?
		 WHERE deleted = ? AND id IN (`+placeholders+`) AND (from_number = ? OR to_number = ?)`,
		args...)
	if err != nil {
		return 0, fmt.Errorf("soft-deleting calls: %w", err)
	}
	return result.RowsAffected()
}

// ListByRoom returns all calls attached to a room, oldest first.
func (r *callRepo) ListByRoom(ctx context.Context, roomID string) ([]models.Call, error) {
	rows, err := r.db.query(ctx,
		`SELECT `+callColumns+` FROM calls WHERE room_id = ? AND deleted = ?
		 ORDER BY created_at ASC`, roomID, false)
	if err != nil {
		return nil, fmt.Errorf("querying calls by room: %w", err)
	}
	defer rows.Close()

	var calls []models.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning call row: %w", err)
		}
		calls = append(calls, *c)
	}
	return calls, rows.Err()
}
