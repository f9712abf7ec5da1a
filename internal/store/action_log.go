package store

import (
	"context"
	"fmt"
	"time"

	"github.com/wavecall/wavecall/internal/store/models"
)

// actionLogRepo implements ActionLogRepository. Append-only.
type actionLogRepo struct {
	db *DB
}

// NewActionLogRepository creates a new ActionLogRepository.
func NewActionLogRepository(db *DB) ActionLogRepository {
	return &actionLogRepo{db: db}
}

// Append writes one audit record for a hook-driven transition attempt.
func (r *actionLogRepo) Append(ctx context.Context, entry *models.CallActionLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.exec(ctx,
		`INSERT INTO call_action_logs (call_id, room_id, number, action, success, error,
		   ip, user_agent, device, os_name, os_version, network, deleted, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.CallID, entry.RoomID, entry.Number, entry.Action, entry.Success, entry.Error,
		entry.IP, entry.UserAgent, entry.Device, entry.OSName, entry.OSVersion, entry.Network,
		false, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("appending call action log: %w", err)
	}
	return nil
}

// ListByCall returns the audit trail of one call, oldest first.
func (r *actionLogRepo) ListByCall(ctx context.Context, callID string) ([]models.CallActionLog, error) {
	rows, err := r.db.query(ctx,
		`SELECT id, call_id, room_id, number, action, success, error,
		   ip, user_agent, device, os_name, os_version, network, deleted, created_at
		 FROM call_action_logs WHERE call_id = ? AND deleted = ?
		 ORDER BY created_at ASC, id ASC`, callID, false)
	if err != nil {
		return nil, fmt.Errorf("querying call action logs: %w", err)
	}
	defer rows.Close()

	var entries []models.CallActionLog
	for rows.Next() {
		var e models.CallActionLog
		if err := rows.Scan(&e.ID, &e.CallID, &e.RoomID, &e.Number, &e.Action, &e.Success,
			&e.Error, &e.IP, &e.UserAgent, &e.Device, &e.OSName, &e.OSVersion,
			&e.Network, &e.Deleted, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning call action log row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
