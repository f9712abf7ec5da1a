package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/wavecall/wavecall/internal/store/models"
)

// openTestStore opens a fresh SQLite-backed store in a temp directory.
func openTestStore(t *testing.T) (*Store, *DB) {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "wavecall.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return New(db), db
}

// seedNumber inserts a directory row directly, bypassing repository writes.
func seedNumber(t *testing.T, db *DB, n models.PhoneNumber) {
	t.Helper()

	if n.State == "" {
		n.State = models.PhoneNumberActive
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := db.exec(context.Background(),
		`INSERT INTO phone_numbers (number, name, password, avatar, sip_in, sip_out, alias_for, state, managed_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.Number, n.Name, n.Password, n.Avatar, n.SIPIn, n.SIPOut, n.AliasFor,
		n.State, n.ManagedBy, n.CreatedAt, n.CreatedAt)
	if err != nil {
		t.Fatalf("seeding number %s: %v", n.Number, err)
	}

	for _, gid := range n.GroupIDs {
		_, err := db.exec(context.Background(),
			`INSERT INTO phone_number_groups (number, group_id) VALUES (?, ?)`, n.Number, gid)
		if err != nil {
			t.Fatalf("seeding group membership %s/%s: %v", n.Number, gid, err)
		}
	}
}

// seedGroup inserts a group row.
func seedGroup(t *testing.T, db *DB, g models.Group) {
	t.Helper()

	now := time.Now().UTC()
	_, err := db.exec(context.Background(),
		`INSERT INTO groups (id, name, gateway_api, gateways, gateway_token, gateway_record, after_call_feedback, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Name, g.GatewayAPI, g.Gateways, g.GatewayToken, g.GatewayRecord,
		g.AfterCallFeedback, now, now)
	if err != nil {
		t.Fatalf("seeding group %s: %v", g.ID, err)
	}
}

// seedRoomAndCall creates a room and one call inside it.
func seedRoomAndCall(t *testing.T, s *Store, roomID, callID, from, to string, state models.CallState, createdAt time.Time) {
	t.Helper()

	ctx := context.Background()
	if err := s.Rooms.Create(ctx, &models.Room{ID: roomID}); err != nil {
		// Multiple calls may share the room; only the first insert succeeds.
		if room, gerr := s.Rooms.GetByID(ctx, roomID); gerr != nil || room == nil {
			t.Fatalf("creating room %s: %v", roomID, err)
		}
	}
	err := s.Calls.Create(ctx, &models.Call{
		ID:         callID,
		RoomID:     roomID,
		Kind:       "audio",
		State:      state,
		FromNumber: from,
		ToNumber:   to,
		CreatedAt:  createdAt,
	})
	if err != nil {
		t.Fatalf("creating call %s: %v", callID, err)
	}
}
