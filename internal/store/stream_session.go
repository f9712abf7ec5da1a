package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/wavecall/wavecall/internal/store/models"
)

// streamSessionRepo implements StreamSessionRepository. Updates are scoped
// by (room_id, number) because gateway hooks identify peers, not rows.
type streamSessionRepo struct {
	db *DB
}

// NewStreamSessionRepository creates a new StreamSessionRepository.
func NewStreamSessionRepository(db *DB) StreamSessionRepository {
	return &streamSessionRepo{db: db}
}

// CreateBatch inserts one presence record per participant of a call.
func (r *streamSessionRepo) CreateBatch(ctx context.Context, sessions []models.StreamSession) error {
	for i := range sessions {
		s := &sessions[i]
		if s.CreatedAt.IsZero() {
			s.CreatedAt = time.Now().UTC()
		}
		_, err := r.db.exec(ctx,
			`INSERT INTO stream_sessions (room_id, call_id, number, ip, user_agent, deleted, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			s.RoomID, s.CallID, s.Number, s.IP, s.UserAgent, false, s.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting stream session: %w", err)
		}
	}
	return nil
}

// SetPeerConnection records network-level facts reported at peer join time.
func (r *streamSessionRepo) SetPeerConnection(ctx context.Context, roomID, number, ip, userAgent string, connectMS *int64, zoneLat, zoneLon *float64) error {
	_, err := r.db.exec(ctx,
		`UPDATE stream_sessions
		 SET ip = ?, user_agent = ?, connect_ms = ?, zone_lat = ?, zone_lon = ?
		 WHERE room_id = ? AND number = ? AND deleted = ?`,
		ip, userAgent, nullInt64(connectMS), nullFloat64(zoneLat), nullFloat64(zoneLon),
		roomID, number, false)
	if err != nil {
		return fmt.Errorf("updating peer connection: %w", err)
	}
	return nil
}

// MarkJoined records the join timestamp for sessions that have none yet, so
// a redelivered stream_started leaves the original timestamp in place.
func (r *streamSessionRepo) MarkJoined(ctx context.Context, roomID, number string, ts time.Time) error {
	_, err := r.db.exec(ctx,
		`UPDATE stream_sessions SET joined_at = ?
		 WHERE room_id = ? AND number = ? AND joined_at IS NULL AND deleted = ?`,
		ts.UTC(), roomID, number, false)
	if err != nil {
		return fmt.Errorf("marking stream session joined: %w", err)
	}
	return nil
}

// MarkLeft records the leave timestamp and the final quality statistics.
func (r *streamSessionRepo) MarkLeft(ctx context.Context, roomID, number string, ts time.Time, mos, rtt, jitter, lost models.StatTriple) error {
	_, err := r.db.exec(ctx,
		`UPDATE stream_sessions SET leaved_at = ?,
		   mos_min = ?, mos = ?, mos_max = ?,
		   rtt_min = ?, rtt = ?, rtt_max = ?,
		   jitter_min = ?, jitter = ?, jitter_max = ?,
		   lost_min = ?, lost = ?, lost_max = ?
		 WHERE room_id = ? AND number = ? AND deleted = ?`,
		ts.UTC(),
		nullFloat64(mos.Min), nullFloat64(mos.Avg), nullFloat64(mos.Max),
		nullFloat64(rtt.Min), nullFloat64(rtt.Avg), nullFloat64(rtt.Max),
		nullFloat64(jitter.Min), nullFloat64(jitter.Avg), nullFloat64(jitter.Max),
		nullFloat64(lost.Min), nullFloat64(lost.Avg), nullFloat64(lost.Max),
		roomID, number, false)
	if err != nil {
		return fmt.Errorf("marking stream session left: %w", err)
	}
	return nil
}

const streamSessionColumns = `id, room_id, call_id, number, joined_at, leaved_at,
	ip, user_agent, connect_ms, zone_lat, zone_lon,
	mos_min, mos, mos_max, rtt_min, rtt, rtt_max,
	jitter_min, jitter, jitter_max, lost_min, lost, lost_max,
	deleted, created_at`

func scanStreamSessions(rows *sql.Rows) ([]models.StreamSession, error) {
	var sessions []models.StreamSession
	for rows.Next() {
		var s models.StreamSession
		var joined, leaved sql.NullTime
		var connectMS sql.NullInt64
		var zoneLat, zoneLon sql.NullFloat64
		var stats [12]sql.NullFloat64
		if err := rows.Scan(&s.ID, &s.RoomID, &s.CallID, &s.Number, &joined, &leaved,
			&s.IP, &s.UserAgent, &connectMS, &zoneLat, &zoneLon,
			&stats[0], &stats[1], &stats[2], &stats[3], &stats[4], &stats[5],
			&stats[6], &stats[7], &stats[8], &stats[9], &stats[10], &stats[11],
			&s.Deleted, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning stream session row: %w", err)
		}
		if joined.Valid {
			t := joined.Time.UTC()
			s.JoinedAt = &t
		}
		if leaved.Valid {
			t := leaved.Time.UTC()
			s.LeavedAt = &t
		}
		if connectMS.Valid {
			s.ConnectMS = &connectMS.Int64
		}
		if zoneLat.Valid {
			s.ZoneLat = &zoneLat.Float64
		}
		if zoneLon.Valid {
			s.ZoneLon = &zoneLon.Float64
		}
		s.MOS = statTriple(stats[0], stats[1], stats[2])
		s.RTT = statTriple(stats[3], stats[4], stats[5])
		s.Jitter = statTriple(stats[6], stats[7], stats[8])
		s.Lost = statTriple(stats[9], stats[10], stats[11])
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func statTriple(min, avg, max sql.NullFloat64) models.StatTriple {
	var t models.StatTriple
	if min.Valid {
		t.Min = &min.Float64
	}
	if avg.Valid {
		t.Avg = &avg.Float64
	}
	if max.Valid {
		t.Max = &max.Float64
	}
	return t
}

// ListByRoom returns all presence records of a room, oldest first.
func (r *streamSessionRepo) ListByRoom(ctx context.Context, roomID string) ([]models.StreamSession, error) {
	rows, err := r.db.query(ctx,
		`SELECT `+streamSessionColumns+` FROM stream_sessions
		 WHERE room_id = ? AND deleted = ? ORDER BY created_at ASC, id ASC`, roomID, false)
	if err != nil {
		return nil, fmt.Errorf("querying stream sessions by room: %w", err)
	}
	defer rows.Close()
	return scanStreamSessions(rows)
}

// ListByCall returns the presence records attached to one call.
func (r *streamSessionRepo) ListByCall(ctx context.Context, callID string) ([]models.StreamSession, error) {
	rows, err := r.db.query(ctx,
		`SELECT `+streamSessionColumns+` FROM stream_sessions
		 WHERE call_id = ? AND deleted = ? ORDER BY created_at ASC, id ASC`, callID, false)
	if err != nil {
		return nil, fmt.Errorf("querying stream sessions by call: %w", err)
	}
	defer rows.Close()
	return scanStreamSessions(rows)
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullFloat64(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
