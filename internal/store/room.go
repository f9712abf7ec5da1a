package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/wavecall/wavecall/internal/store/models"
)

// roomRepo implements RoomRepository with soft-delete semantics: deleted
// rows are invisible to reads and immune to updates.
type roomRepo struct {
	db *DB
}

// NewRoomRepository creates a new RoomRepository.
func NewRoomRepository(db *DB) RoomRepository {
	return &roomRepo{db: db}
}

// Create inserts a new room.
func (r *roomRepo) Create(ctx context.Context, room *models.Room) error {
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.exec(ctx,
		`INSERT INTO rooms (id, record_uri, record_path, compose_url, compose_job_id, deleted, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		room.ID, room.RecordURI, room.RecordPath, room.ComposeURL, room.ComposeJobID, false, room.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting room: %w", err)
	}
	return nil
}

const roomColumns = `id, record_uri, record_path, compose_url, compose_job_id, deleted, created_at`

// GetByID returns a room by id, excluding soft-deleted rows.
func (r *roomRepo) GetByID(ctx context.Context, id string) (*models.Room, error) {
	var room models.Room
	err := r.db.queryRow(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE id = ? AND deleted = ?`, id, false,
	).Scan(&room.ID, &room.RecordURI, &room.RecordPath, &room.ComposeURL,
		&room.ComposeJobID, &room.Deleted, &room.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying room: %w", err)
	}
	return &room, nil
}

// SetRecording stores the recording location reported by the gateway.
func (r *roomRepo) SetRecording(ctx context.Context, id, recordURI, recordPath string) error {
	_, err := r.db.exec(ctx,
		`UPDATE rooms SET record_uri = ?, record_path = ? WHERE id = ? AND deleted = ?`,
		recordURI, recordPath, id, false)
	if err != nil {
		return fmt.Errorf("updating room recording: %w", err)
	}
	return nil
}

// SetComposeURL stores the playable composed-recording URL.
func (r *roomRepo) SetComposeURL(ctx context.Context, id, composeURL string) error {
	_, err := r.db.exec(ctx,
		`UPDATE rooms SET compose_url = ? WHERE id = ? AND deleted = ?`,
		composeURL, id, false)
	if err != nil {
		return fmt.Errorf("updating room compose url: %w", err)
	}
	return nil
}

// SetComposeJob stores the id of the submitted compose job.
func (r *roomRepo) SetComposeJob(ctx context.Context, id, jobID string) error {
	_, err := r.db.exec(ctx,
		`UPDATE rooms SET compose_job_id = ? WHERE id = ? AND deleted = ?`,
		jobID, id, false)
	if err != nil {
		return fmt.Errorf("updating room compose job: %w", err)
	}
	return nil
}

// List returns rooms newest first with a total count.
func (r *roomRepo) List(ctx context.Context, skip, limit int) ([]models.Room, int, error) {
	var total int
	if err := r.db.queryRow(ctx,
		`SELECT COUNT(*) FROM rooms WHERE deleted = ?`, false).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting rooms: %w", err)
	}

	rows, err := r.db.query(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE deleted = ?
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`, false, limit, skip)
	if err != nil {
		return nil, 0, fmt.Errorf("querying rooms: %w", err)
	}
	defer rows.Close()

	var rooms []models.Room
	for rows.Next() {
		var room models.Room
		if err := rows.Scan(&room.ID, &room.RecordURI, &room.RecordPath, &room.ComposeURL,
			&room.ComposeJobID, &room.Deleted, &room.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning room row: %w", err)
		}
		rooms = append(rooms, room)
	}
	return rooms, total, rows.Err()
}
